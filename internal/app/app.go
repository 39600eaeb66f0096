// Package app assembles the possync client engine: local store, sessions,
// queue, ledger, sync engine, model cache, connectivity monitor and the
// background scheduler that drives them.
package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/connectivity"
	"github.com/kimhsiao/possync/internal/crypto"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/events"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/modelcache"
	"github.com/kimhsiao/possync/internal/remote"
	"github.com/kimhsiao/possync/internal/session"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
	"github.com/kimhsiao/possync/internal/sync/ledger"
	"github.com/kimhsiao/possync/internal/sync/queue"
	"github.com/kimhsiao/possync/internal/sync/scheduler"
)

// Option customizes New.
type Option func(*settings)

type settings struct {
	now        func() time.Time
	httpClient *http.Client
	argon2     *crypto.Argon2Params
}

// WithClock replaces time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithHTTPClient replaces the client used to reach the server.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithArgon2Params overrides the offline credential hashing cost.
func WithArgon2Params(p crypto.Argon2Params) Option {
	return func(s *settings) { s.argon2 = &p }
}

// App owns every component of one client instance.
type App struct {
	cfg      *config.Config
	clientID string
	now      func() time.Time

	store     *db.DB
	repo      *db.Repository
	remote    *remote.Client
	monitor   *connectivity.Monitor
	sessions  *session.Manager
	queue     *queue.Queue
	ledger    *ledger.Ledger
	engine    *syncpkg.Engine
	scheduler *scheduler.Scheduler
	cache     *modelcache.Controller
	hub       *events.Hub

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New opens the local store in cfg.DataDir and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st := settings{now: time.Now}
	for _, opt := range opts {
		opt(&st)
	}

	clientID, err := session.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	repo := db.NewRepository(store.DB)

	remoteOpts := []remote.Option{remote.WithClientInstance(clientID)}
	if st.httpClient != nil {
		remoteOpts = append(remoteOpts, remote.WithHTTPClient(st.httpClient))
	}
	rc, err := remote.New(cfg.ServerURL, remoteOpts...)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{cfg: cfg, clientID: clientID, now: st.now, store: store, repo: repo, remote: rc}

	monOpts := connectivity.OptionsFromConfig(cfg.Connectivity)
	monOpts.Now = st.now
	a.monitor = connectivity.New(rc, monOpts)

	sessOpts := session.OptionsFromConfig(cfg)
	sessOpts.Now = st.now
	if st.argon2 != nil {
		sessOpts.Argon2 = *st.argon2
	}
	a.sessions = session.NewManager(repo, rc, a.monitor, sessOpts)

	qOpts := queue.OptionsFromConfig(cfg)
	qOpts.Now = st.now
	a.queue = queue.New(repo, qOpts)

	lOpts := ledger.OptionsFromConfig(cfg)
	lOpts.Now = st.now
	a.ledger = ledger.New(repo, lOpts)

	eOpts := syncpkg.OptionsFromConfig(cfg)
	eOpts.Now = st.now
	a.engine = syncpkg.NewEngine(repo, a.queue, a.ledger, rc, a.sessions, eOpts)

	a.scheduler = scheduler.NewScheduler(a.engine, a.queue, &scheduler.SchedulerConfig{
		SyncInterval:    cfg.Sync.PollInterval,
		SyncTimeout:     5 * cfg.Sync.RequestTimeout,
		InFlightRecheck: cfg.Sync.ClaimTTL,
	})
	a.scheduler.SetOnlineStatus(false)

	cOpts := modelcache.OptionsFromConfig(cfg)
	cOpts.Now = st.now
	a.cache = modelcache.New(repo, rc, cOpts)

	a.hub = events.NewHub()
	a.wire()
	return a, nil
}

// wire connects component notifications.
func (a *App) wire() {
	a.engine.SetEventHandler(a.hub.BroadcastSync)
	a.sessions.Subscribe(a.hub.BroadcastSession)
	a.cache.Subscribe(a.hub.BroadcastCache)

	a.monitor.Subscribe(func(online bool) {
		if online {
			// Reference data may have moved while we were away.
			if err := a.cache.InvalidateAll(context.Background()); err != nil {
				logging.Error("Failed to invalidate model cache", err)
			}
		}
		a.scheduler.SetOnlineStatus(online)
		a.hub.BroadcastConnectivity(online)
	})
}

// Start recovers state left by a previous run and starts background work.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	if n, err := a.queue.RecoverInFlight(ctx); err != nil {
		return err
	} else if n > 0 {
		logging.Warn("Recovered interrupted queue items", map[string]interface{}{"items": n})
	}
	if _, err := a.cache.Restore(ctx); err != nil {
		return err
	}

	for _, spec := range a.tasks() {
		if err := a.scheduler.Register(spec); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.scheduler.Start(runCtx)

	a.wg.Add(1)
	go a.watchQueue(runCtx)

	a.started = true
	logging.Info("possync started", map[string]interface{}{
		"client_instance_id": a.clientID,
		"server_url":         a.cfg.ServerURL,
		"data_dir":           a.cfg.DataDir,
	})
	return nil
}

// watchQueue asks for a drain whenever something is enqueued.
func (a *App) watchQueue(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.queue.NotEmpty():
			if a.monitor.IsOnline() {
				a.scheduler.TriggerSync()
			}
		}
	}
}

// Stop cancels background work, waits for it and closes the store.
func (a *App) Stop() error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if started {
		a.cancel()
		a.scheduler.Stop()
		a.wg.Wait()
	}
	a.hub.Close()
	logging.Info("possync stopped")
	return a.store.Close()
}

// ApplyConfig applies the settings that can change without a restart.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.scheduler.SetSyncInterval(cfg.Sync.PollInterval)
}

// ClientInstanceID returns this install's identifier.
func (a *App) ClientInstanceID() string { return a.clientID }

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Hub returns the event hub.
func (a *App) Hub() *events.Hub { return a.hub }

// Sessions returns the session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Queue returns the operation queue.
func (a *App) Queue() *queue.Queue { return a.queue }

// Ledger returns the idempotency ledger.
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Cache returns the model cache controller.
func (a *App) Cache() *modelcache.Controller { return a.cache }

// Monitor returns the connectivity monitor.
func (a *App) Monitor() *connectivity.Monitor { return a.monitor }

// Scheduler returns the background scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Repository returns the local store repository.
func (a *App) Repository() *db.Repository { return a.repo }
