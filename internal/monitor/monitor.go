// Package monitor checks the backing store on a cron schedule and keeps the
// last observed status for health reporting.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	appLog "nerd/internal/log"
	"nerd/internal/metrics"
)

// Store states reported by Status.
const (
	StoreUnknown = "unknown"
	StoreUp      = "up"
	StoreDown    = "down"
)

const (
	DefaultSchedule = "@every 30s"
	checkTimeout    = 2 * time.Second
)

// Pinger is the one call the monitor needs from a store client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Status is a snapshot of the last check.
type Status struct {
	Store     string    `json:"store"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Monitor runs Check on a schedule. A nil Pinger means no store is
// configured and the status stays unknown.
type Monitor struct {
	pinger   Pinger
	metrics  *metrics.Metrics
	cron     *cron.Cron
	schedule string

	mu     sync.RWMutex
	status Status
	// onChange is called outside mu whenever the store state flips.
	onChange func(Status)
}

// New creates a monitor; call Start to begin probing.
func New(p Pinger, schedule string, m *metrics.Metrics) (*Monitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, errors.Wrapf(err, "monitor schedule %q", schedule)
	}
	return &Monitor{
		pinger:   p,
		metrics:  m,
		cron:     cron.New(),
		schedule: schedule,
		status:   Status{Store: StoreUnknown},
	}, nil
}

// OnChange registers fn to run when the store flips between up and down.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Start runs one check immediately, then schedules the rest.
func (m *Monitor) Start(ctx context.Context) error {
	if m.pinger == nil {
		appLog.Info("store monitor disabled; no store configured")
		return nil
	}
	m.Check(ctx)
	if _, err := m.cron.AddFunc(m.schedule, func() { m.Check(ctx) }); err != nil {
		return errors.Wrap(err, "schedule store check")
	}
	m.cron.Start()
	appLog.Info("store monitor started", "schedule", m.schedule)
	return nil
}

// Stop halts scheduling and waits for a running check to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}

// Check pings the store once and records the result.
func (m *Monitor) Check(ctx context.Context) Status {
	if m.pinger == nil {
		return m.Status()
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	next := Status{Store: StoreUp, CheckedAt: time.Now().UTC()}
	if err := m.pinger.Ping(ctx); err != nil {
		next.Store = StoreDown
		next.Error = err.Error()
		m.metrics.StoreError("monitor")
	}
	m.metrics.SetStoreUp(next.Store == StoreUp)

	m.mu.Lock()
	prev := m.status.Store
	m.status = next
	onChange := m.onChange
	m.mu.Unlock()

	if prev != next.Store {
		if next.Store == StoreDown {
			appLog.Warn("backing store unreachable; cache and rate limiting fail open", "err", next.Error)
		} else {
			appLog.Info("backing store reachable", "previous", prev)
		}
		if onChange != nil {
			onChange(next)
		}
	}
	return next
}

// Status returns the last recorded check.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}
