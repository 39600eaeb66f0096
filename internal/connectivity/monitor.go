// Package connectivity tracks whether the sync server is reachable.
//
// The monitor is driven by probes: a run of FailureThreshold failed health
// checks flips it offline, a single success flips it back online. Listeners
// are told about transitions only, never about individual probes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/telemetry"
)

// Prober checks the server once.
type Prober interface {
	Health(ctx context.Context) error
}

// Listener is called after every online/offline transition.
type Listener func(online bool)

// Options configures a Monitor.
type Options struct {
	ProbeTimeout     time.Duration
	FailureThreshold int
	Now              func() time.Time
}

// OptionsFromConfig maps the connectivity config section.
func OptionsFromConfig(cfg config.ConnectivityConfig) Options {
	return Options{
		ProbeTimeout:     cfg.ProbeTimeout,
		FailureThreshold: cfg.FailureThreshold,
	}
}

// Status is a snapshot of the monitor state.
type Status struct {
	Online              bool       `json:"online"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastProbeAt         *time.Time `json:"last_probe_at,omitempty"`
	LastChangeAt        *time.Time `json:"last_change_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Monitor holds the current connectivity state.
type Monitor struct {
	prober Prober
	opts   Options

	mu         sync.RWMutex
	online     bool
	failures   int
	lastProbe  time.Time
	lastChange time.Time
	lastErr    error
	listeners  []Listener
}

// New creates a Monitor. It starts offline until the first successful probe.
func New(p Prober, opts Options) *Monitor {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{prober: p, opts: opts}
}

// Subscribe registers fn for transitions.
func (m *Monitor) Subscribe(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Status{Online: m.online, ConsecutiveFailures: m.failures}
	if !m.lastProbe.IsZero() {
		t := m.lastProbe
		s.LastProbeAt = &t
	}
	if !m.lastChange.IsZero() {
		t := m.lastChange
		s.LastChangeAt = &t
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// Probe runs one health check and applies the result. It returns the state
// after the probe.
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.prober.Health(pctx)
	cancel()

	// A probe cut short by shutdown says nothing about the server.
	if err != nil && ctx.Err() != nil {
		return m.IsOnline()
	}
	return m.record(err)
}

// record applies one probe outcome and notifies listeners on a transition.
func (m *Monitor) record(err error) bool {
	now := m.opts.Now()

	m.mu.Lock()
	m.lastProbe = now
	m.lastErr = err
	changed := false
	if err == nil {
		m.failures = 0
		if !m.online {
			m.online, changed = true, true
		}
	} else {
		m.failures++
		if m.online && m.failures >= m.opts.FailureThreshold {
			m.online, changed = false, true
		}
	}
	if changed {
		m.lastChange = now
	}
	online := m.online
	failures := m.failures
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		if err != nil {
			logging.Debug("Health probe failed", map[string]interface{}{
				"consecutive_failures": failures,
				"error":                err.Error(),
			})
		}
		return online
	}

	state := "offline"
	if online {
		state = "online"
	}
	telemetry.RecordCount(telemetry.ConnectivityChange, 1, map[string]string{"state": state})
	fields := map[string]interface{}{"state": state, "consecutive_failures": failures}
	if err != nil {
		fields["error"] = err.Error()
	}
	logging.Info("Connectivity changed", fields)

	for _, fn := range listeners {
		fn(online)
	}
	return online
}
