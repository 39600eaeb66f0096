// Package ledger records which idempotency keys have been sent to the server
// and with what outcome, so a retried operation is never applied twice.
package ledger

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
)

// Outcome is the result of a Claim.
type Outcome int

const (
	// Claimed means the caller owns the key and must Commit or Fail it.
	Claimed Outcome = iota
	// AlreadyCommitted means the server applied the key before; Result holds its answer.
	AlreadyCommitted
	// InFlight means another attempt holds the key and has not settled yet.
	InFlight
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyCommitted:
		return "already_committed"
	case InFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Claim is returned by Ledger.Claim.
type Claim struct {
	Outcome  Outcome
	Result   json.RawMessage
	Attempts int
}

// Options configures a Ledger.
type Options struct {
	// ClaimTTL is how long an in_flight record is trusted before it is
	// treated as abandoned by a crashed attempt.
	ClaimTTL   time.Duration
	Retention  time.Duration
	SweepBatch int
	Now        func() time.Time
}

// OptionsFromConfig maps the ledger and sync sections of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ClaimTTL:   cfg.Sync.ClaimTTL,
		Retention:  cfg.Ledger.Retention,
		SweepBatch: cfg.Ledger.SweepBatch,
	}
}

// Ledger is the durable idempotency ledger.
type Ledger struct {
	repo *db.Repository
	opts Options
}

// New creates a Ledger on repo.
func New(repo *db.Repository, opts Options) *Ledger {
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 2 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * time.Minute
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{repo: repo, opts: opts}
}

// Claim takes ownership of key. The unique key column makes the first
// insert win; a failed or abandoned record is re-claimed with a
// compare-and-set so only one caller can succeed.
func (l *Ledger) Claim(ctx context.Context, key string) (Claim, error) {
	if key == "" {
		return Claim{}, errors.New(errors.ErrInvalid, "idempotency key is required")
	}
	now := l.opts.Now()

	inserted, err := l.repo.InsertLedgerClaim(ctx, key, now.Unix())
	if err != nil {
		return Claim{}, err
	}
	if inserted {
		return Claim{Outcome: Claimed, Attempts: 1}, nil
	}

	rec, err := l.repo.GetLedgerRecord(ctx, key)
	if err != nil {
		return Claim{}, err
	}

	switch rec.Status {
	case models.IdempotencyCommitted:
		return Claim{Outcome: AlreadyCommitted, Result: rec.Result, Attempts: rec.Attempts}, nil
	case models.IdempotencyInFlight:
		if now.Sub(time.Unix(rec.UpdatedAt, 0)) < l.opts.ClaimTTL {
			return Claim{Outcome: InFlight, Attempts: rec.Attempts}, nil
		}
		logging.Warn("Reclaiming abandoned idempotency claim", map[string]interface{}{
			"key":      key,
			"attempts": rec.Attempts,
		})
	}

	ok, err := l.repo.ReclaimLedger(ctx, key, rec.Status, rec.Attempts, now.Unix())
	if err != nil {
		return Claim{}, err
	}
	if !ok {
		return Claim{Outcome: InFlight, Attempts: rec.Attempts}, nil
	}
	return Claim{Outcome: Claimed, Attempts: rec.Attempts + 1}, nil
}

// Commit records the server result for a claimed key.
func (l *Ledger) Commit(ctx context.Context, key string, result json.RawMessage) error {
	now := l.opts.Now()
	return l.repo.CommitLedger(ctx, key, result, now.Unix(), now.Add(l.opts.Retention).Unix())
}

// Fail releases a claimed key so a later attempt can reclaim it.
func (l *Ledger) Fail(ctx context.Context, key string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	now := l.opts.Now()
	return l.repo.FailLedger(ctx, key, msg, now.Unix(), now.Add(l.opts.Retention).Unix())
}

// Get returns the record for key.
func (l *Ledger) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	return l.repo.GetLedgerRecord(ctx, key)
}

// SweepExpired deletes settled records past retention in batches and
// returns how many were removed. In-flight records are never swept.
func (l *Ledger) SweepExpired(ctx context.Context) (int64, error) {
	now := l.opts.Now().Unix()
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := l.repo.DeleteExpiredLedger(ctx, now, l.opts.SweepBatch)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(l.opts.SweepBatch) {
			break
		}
	}
	if total > 0 {
		logging.Info("Idempotency ledger swept", map[string]interface{}{"deleted": total})
	}
	return total, nil
}

// Stats returns record counts per status.
func (l *Ledger) Stats(ctx context.Context) (map[models.IdempotencyStatus]int, error) {
	return l.repo.CountLedgerByStatus(ctx)
}
