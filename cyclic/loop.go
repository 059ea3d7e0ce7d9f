// Package cyclic drives the periodic process-data exchange of an operational group.
package cyclic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ecat/ecat"
	"github.com/arloliu/go-ecat/internal/pool"
	"github.com/arloliu/go-ecat/logger"
)

// ErrFaulted is returned by Run after too many consecutive exchange failures.
// The group is Faulted and needs a new scan.
var ErrFaulted = errors.New("cyclic: group faulted after consecutive exchange failures")

// CycleFunc is called once per tick after the exchange. A non-nil error
// stops the loop and is returned by Run.
type CycleFunc func(c *Cycle) error

// Cycle is the per-tick view handed to a CycleFunc.
type Cycle struct {
	tick  uint64
	at    time.Time
	err   error
	group *ecat.Group
}

// Tick returns the tick number. Skipped ticks are counted.
func (c *Cycle) Tick() uint64 { return c.tick }

// Time returns the boundary of the tick.
func (c *Cycle) Time() time.Time { return c.at }

// Err returns the exchange error of this tick, or nil. After a failed
// exchange the inputs hold the values of the last successful one.
func (c *Cycle) Err() error { return c.err }

// Group returns the group being exchanged.
func (c *Cycle) Group() *ecat.Group { return c.group }

// Each calls fn with the process-data windows of every SubDevice.
// The windows are only valid during the cycle callback.
func (c *Cycle) Each(fn func(sd *ecat.SubDevice, io ecat.IO)) {
	c.group.Each(fn)
}

// Stats holds the loop counters.
type Stats struct {
	Ticks       atomic.Uint64
	Exchanges   atomic.Uint64
	Failures    atomic.Uint64
	MissedTicks atomic.Uint64
}

// Loop exchanges the process image of a group at a fixed period.
type Loop struct {
	master *ecat.Master
	group  *ecat.Group
	cfg    loopConfig
	logger logger.Logger
	stats  Stats
}

// New creates a loop for g.
func New(m *ecat.Master, g *ecat.Group, opts ...Option) (*Loop, error) {
	if m == nil || g == nil {
		return nil, errors.New("master and group are required")
	}

	cfg := loopConfig{
		period:      m.Config().CyclePeriod(),
		maxFailures: DefaultMaxFailures,
		logger:      m.Config().Logger(),
	}
	for _, opt := range opts {
		if err := opt.apply(&cfg); err != nil {
			return nil, err
		}
	}

	return &Loop{
		master: m,
		group:  g,
		cfg:    cfg,
		logger: cfg.logger.With("component", "cyclic", "scan_id", g.ScanID()),
	}, nil
}

// Period returns the tick period.
func (l *Loop) Period() time.Duration { return l.cfg.period }

// Stats returns the loop counters.
func (l *Loop) Stats() *Stats { return &l.stats }

// Run attaches iface, brings the group to Op if needed and exchanges the
// image once per tick until ctx is done, fn fails or the group faults.
//
// A tick boundary that passes while an exchange is still running is skipped:
// the next exchange starts at the first boundary after it completed. After
// the configured number of consecutive failed exchanges the group is
// faulted and Run returns ErrFaulted wrapping the last failure. The
// transport is released on every return path.
func (l *Loop) Run(ctx context.Context, iface string, fn CycleFunc) (err error) {
	link, err := l.master.Attach(ctx, iface)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := link.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if l.group.State() != ecat.OpState {
		if err := l.group.IntoOp(ctx, link); err != nil {
			return err
		}
	}

	period := l.cfg.period
	l.logger.Info("cyclic loop started", "interface", iface, "period", period)
	defer l.logger.Info("cyclic loop stopped", "ticks", l.stats.Ticks.Load(), "missed_ticks", l.stats.MissedTicks.Load())

	failures := 0
	next := time.Now()
	for tick := uint64(0); ; tick++ {
		if err := waitUntil(ctx, next); err != nil {
			return err
		}
		l.stats.Ticks.Add(1)

		xerr := l.group.Exchange(ctx, link)
		if xerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			l.stats.Failures.Add(1)
			l.logger.Warn("exchange failed", "tick", tick, "consecutive_failures", failures, "error", xerr)

			if errors.Is(xerr, ecat.ErrGroupFaulted) {
				return fmt.Errorf("%w: %w", ErrFaulted, xerr)
			}
			if failures >= l.cfg.maxFailures {
				l.group.Fault(xerr)
				return fmt.Errorf("%w: %d failures: %w", ErrFaulted, failures, xerr)
			}
		} else {
			failures = 0
			l.stats.Exchanges.Add(1)
		}

		if fn != nil {
			if err := fn(&Cycle{tick: tick, at: next, err: xerr, group: l.group}); err != nil {
				return err
			}
		}

		next = next.Add(period)
		if now := time.Now(); now.After(next) {
			missed := now.Sub(next)/period + 1
			next = next.Add(missed * period)
			tick += uint64(missed)
			l.stats.MissedTicks.Add(uint64(missed))
			l.logger.Debug("tick boundaries missed", "missed", int64(missed), "next_tick", tick+1)
		}
	}
}

// waitUntil blocks until t or until ctx is done.
func waitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
