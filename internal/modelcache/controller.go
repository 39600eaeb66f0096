// Package modelcache keeps versioned local copies of server reference data.
//
// Readers always get the last consistent version. Refreshes of one key are
// coalesced and serialized; a caller never waits longer than the configured
// lock wait and falls back to the last known entry when it would.
package modelcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/remote"
	"github.com/kimhsiao/possync/internal/telemetry"
)

// refreshParallelism bounds RefreshAll.
const refreshParallelism = 4

// Fetcher downloads a model from the server.
type Fetcher interface {
	FetchModel(ctx context.Context, key string, sinceVersion int64) (*remote.ModelSnapshot, error)
}

// Options configures a Controller.
type Options struct {
	LockWaitTimeout time.Duration
	TTL             time.Duration
	RequestTimeout  time.Duration
	Models          []string
	Now             func() time.Time
}

// OptionsFromConfig maps the cache config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		LockWaitTimeout: cfg.Cache.LockWaitTimeout,
		TTL:             cfg.Cache.TTL,
		RequestTimeout:  cfg.Sync.RequestTimeout,
		Models:          cfg.Cache.Models,
	}
}

// Controller owns the in-memory view of the model cache.
type Controller struct {
	repo  *db.Repository
	fetch Fetcher
	opts  Options

	mu      sync.RWMutex
	entries map[string]*models.CacheEntry

	locksMu sync.Mutex
	locks   map[string]*semaphore.Weighted

	flights singleflight.Group

	listenersMu sync.RWMutex
	listeners   []func(Event)
}

// New creates a Controller.
func New(repo *db.Repository, fetch Fetcher, opts Options) *Controller {
	if opts.LockWaitTimeout <= 0 {
		opts.LockWaitTimeout = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		repo:    repo,
		fetch:   fetch,
		opts:    opts,
		entries: make(map[string]*models.CacheEntry),
		locks:   make(map[string]*semaphore.Weighted),
	}
}

// Subscribe registers fn for cache events.
func (c *Controller) Subscribe(fn func(Event)) {
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

func (c *Controller) publish(ev Event) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	for _, fn := range c.listeners {
		fn(ev)
	}
}

// lock returns the semaphore serializing writes to key.
func (c *Controller) lock(key string) *semaphore.Weighted {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	s, ok := c.locks[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		c.locks[key] = s
	}
	return s
}

// Get returns the last consistent version of key. Stale is set on the copy
// when the entry was invalidated or is older than the TTL.
func (c *Controller) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	e, err := c.lastKnown(ctx, key)
	if err != nil {
		return nil, err
	}

	now := c.opts.Now().Unix()
	c.mu.Lock()
	if cur, ok := c.entries[key]; ok {
		cur.AccessCount++
		cur.LastAccessedAt = now
		e.AccessCount, e.LastAccessedAt = cur.AccessCount, now
	}
	c.mu.Unlock()
	if err := c.repo.TouchCacheEntry(ctx, key, now); err != nil {
		logging.Warn("Failed to record cache access", map[string]interface{}{"model_key": key, "error": err.Error()})
	}

	e.Stale = e.Stale || e.Expired(c.opts.Now(), c.opts.TTL)
	return e, nil
}

// lastKnown returns a copy of the newest entry, loading it from the store
// on a memory miss.
func (c *Controller) lastKnown(ctx context.Context, key string) (*models.CacheEntry, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		cp := *e
		return &cp, nil
	}

	stored, err := c.repo.GetCacheEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	c.remember(stored)
	cp := *stored
	return &cp, nil
}

// remember installs e unless memory already holds a newer version.
func (c *Controller) remember(e *models.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[e.ModelKey]; ok && cur.Version > e.Version {
		return
	}
	cp := *e
	c.entries[e.ModelKey] = &cp
}

// Refresh fetches key from the server. Concurrent calls for one key share a
// single fetch. When the fetch does not finish within the lock wait, or the
// server reports the model locked, the last known entry is returned together
// with a LOCK_TIMEOUT error; the entry is nil when nothing was ever cached.
func (c *Controller) Refresh(ctx context.Context, key string) (*models.CacheEntry, error) {
	if key == "" {
		return nil, errors.New(errors.ErrInvalid, "model key is required")
	}

	// The shared fetch outlives any one caller.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(key, func() (interface{}, error) {
		return c.refresh(flightCtx, key)
	})

	timer := time.NewTimer(c.opts.LockWaitTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return c.degrade(ctx, key, res.Err)
		}
		e := *res.Val.(*models.CacheEntry)
		return &e, nil
	case <-timer.C:
		return c.degrade(ctx, key, errors.Newf(errors.ErrLockTimeout,
			"refresh of %s did not finish within %s", key, c.opts.LockWaitTimeout))
	case <-ctx.Done():
		return c.degrade(ctx, key, ctx.Err())
	}
}

// degrade pairs a refresh failure with the last known entry.
func (c *Controller) degrade(ctx context.Context, key string, cause error) (*models.CacheEntry, error) {
	if errors.Is(cause, errors.ErrLockContended) {
		cause = errors.Wrap(errors.ErrLockTimeout, "model "+key+" is locked on the server", cause)
	}

	outcome := "failed"
	if errors.Is(cause, errors.ErrLockTimeout) {
		outcome = "lock_timeout"
	}
	telemetry.RecordCount(telemetry.CacheRefresh, 1, map[string]string{"outcome": outcome})
	logging.Warn("Model refresh degraded to last known version", map[string]interface{}{
		"model_key": key,
		"error":     cause.Error(),
	})
	c.publish(Event{Type: EventRefreshFailed, Key: key, Error: cause.Error()})

	last, err := c.lastKnown(context.WithoutCancel(ctx), key)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			logging.Error("Failed to load last known model", err, map[string]interface{}{"model_key": key})
		}
		return nil, cause
	}
	last.Stale = last.Stale || last.Expired(c.opts.Now(), c.opts.TTL)
	return last, cause
}

// refresh runs under the key's lock. The version moves only after the new
// snapshot is durably written.
func (c *Controller) refresh(ctx context.Context, key string) (*models.CacheEntry, error) {
	sem := c.lock(key)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	var since int64
	current, err := c.lastKnown(ctx, key)
	switch {
	case err == nil:
		since = current.Version
	case errors.Is(err, errors.ErrNotFound):
		current = nil
	default:
		return nil, err
	}

	fctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	snap, err := c.fetch.FetchModel(fctx, key, since)
	cancel()
	if err != nil {
		return nil, err
	}

	now := c.opts.Now().Unix()
	switch {
	case snap.NotModified && current != nil:
		current.FetchedAt = now
		current.Stale = false
		return c.commit(ctx, current, EventRefreshUnchanged)
	case snap.NotModified:
		return nil, errors.Newf(errors.ErrSyncTransient, "server reported %s unchanged but nothing is cached", key)
	case current != nil && snap.Version < current.Version:
		logging.Warn("Ignoring older model version", map[string]interface{}{
			"model_key": key,
			"cached":    current.Version,
			"received":  snap.Version,
		})
		telemetry.RecordCount(telemetry.CacheRefresh, 1, map[string]string{"outcome": "ignored"})
		return current, nil
	}

	entry := &models.CacheEntry{
		ModelKey:       key,
		Version:        snap.Version,
		Data:           snap.Data,
		DataHash:       hashData(snap.Data),
		FetchedAt:      now,
		LastAccessedAt: now,
	}
	if current != nil {
		entry.AccessCount = current.AccessCount
		entry.LastAccessedAt = current.LastAccessedAt
	}
	evType := EventRefreshed
	if current != nil && current.Version == snap.Version {
		evType = EventRefreshUnchanged
	}
	return c.commit(ctx, entry, evType)
}

// commit writes e and then exposes it to readers.
func (c *Controller) commit(ctx context.Context, e *models.CacheEntry, evType EventType) (*models.CacheEntry, error) {
	written, err := c.repo.PutCacheEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	if !written {
		// The store already holds something newer.
		stored, err := c.repo.GetCacheEntry(ctx, e.ModelKey)
		if err != nil {
			return nil, err
		}
		e = stored
		evType = EventRefreshUnchanged
	}

	c.mu.Lock()
	cp := *e
	c.entries[e.ModelKey] = &cp
	c.mu.Unlock()

	outcome := "refreshed"
	if evType == EventRefreshUnchanged {
		outcome = "unchanged"
	}
	telemetry.RecordCount(telemetry.CacheRefresh, 1, map[string]string{"outcome": outcome})
	logging.Info("Model cache refreshed", map[string]interface{}{
		"model_key": e.ModelKey,
		"version":   e.Version,
		"outcome":   outcome,
	})
	c.publish(Event{Type: evType, Key: e.ModelKey, Version: e.Version})

	out := *e
	return &out, nil
}

// Restore loads persisted entries into memory, taking each key's lock so a
// concurrent refresh is never overwritten by an older copy.
func (c *Controller) Restore(ctx context.Context) (int, error) {
	stored, err := c.repo.ListCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range stored {
		sem := c.lock(e.ModelKey)
		if err := sem.Acquire(ctx, 1); err != nil {
			return 0, err
		}
		c.remember(e)
		sem.Release(1)
	}
	logging.Info("Model cache restored", map[string]interface{}{"entries": len(stored)})
	return len(stored), nil
}

// InvalidateAll marks every entry stale so the next refresh pass fetches it.
func (c *Controller) InvalidateAll(ctx context.Context) error {
	n, err := c.repo.MarkCacheStale(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, e := range c.entries {
		e.Stale = true
	}
	c.mu.Unlock()

	logging.Info("Model cache invalidated", map[string]interface{}{"entries": n})
	c.publish(Event{Type: EventInvalidated})
	return nil
}

// Keys returns the configured models plus every cached key, sorted.
func (c *Controller) Keys(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, k := range c.opts.Models {
		seen[k] = struct{}{}
	}
	stored, err := c.repo.ListCacheEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range stored {
		seen[e.ModelKey] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Entries returns every cached entry with its staleness evaluated.
func (c *Controller) Entries(ctx context.Context) ([]*models.CacheEntry, error) {
	stored, err := c.repo.ListCacheEntries(ctx)
	if err != nil {
		return nil, err
	}
	now := c.opts.Now()
	for _, e := range stored {
		e.Stale = e.Stale || e.Expired(now, c.opts.TTL)
	}
	return stored, nil
}

// RefreshSummary reports a RefreshAll pass.
type RefreshSummary struct {
	Refreshed []string `json:"refreshed"`
	Failed    []string `json:"failed"`
}

// RefreshAll refreshes keys, or every known key when keys is empty. With
// staleOnly set, fresh entries are skipped. Failures of individual keys are
// joined into the returned error.
func (c *Controller) RefreshAll(ctx context.Context, keys []string, staleOnly bool) (RefreshSummary, error) {
	var summary RefreshSummary
	if len(keys) == 0 {
		var err error
		if keys, err = c.Keys(ctx); err != nil {
			return summary, err
		}
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(refreshParallelism)
	for _, key := range keys {
		if staleOnly && !c.needsRefresh(ctx, key) {
			continue
		}
		g.Go(func() error {
			_, err := c.Refresh(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failed = append(summary.Failed, key)
				errs = append(errs, err)
			} else {
				summary.Refreshed = append(summary.Refreshed, key)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(summary.Refreshed)
	sort.Strings(summary.Failed)
	return summary, stderrors.Join(errs...)
}

func (c *Controller) needsRefresh(ctx context.Context, key string) bool {
	e, err := c.lastKnown(ctx, key)
	if err != nil {
		return true
	}
	return e.Stale || e.Expired(c.opts.Now(), c.opts.TTL)
}

func hashData(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
