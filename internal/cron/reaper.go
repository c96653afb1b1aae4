// Package cron runs the idle-session reaper on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/claw-kernel/internal/bus"
)

const (
	DefaultExpr    = "*/5 * * * *"
	DefaultTimeout = 30 * time.Minute
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// IdleCloser closes active sessions whose last message is older than cutoff.
type IdleCloser interface {
	CloseIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Config holds the dependencies for the reaper.
type Config struct {
	Store     IdleCloser
	Logger    *slog.Logger
	Publisher bus.Publisher
	// Expr is the sweep schedule; defaults to every five minutes.
	Expr string
	// Timeout is the idle period after which a session is closed.
	Timeout time.Duration
	// OnSweep, when set, is called with the number of sessions each sweep
	// closed.
	OnSweep func(closed int)
	Now     func() time.Time
}

// Reaper periodically closes idle sessions.
type Reaper struct {
	store    IdleCloser
	logger   *slog.Logger
	bus      bus.Publisher
	schedule cronlib.Schedule
	expr     string
	timeout  time.Duration
	onSweep  func(int)
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper validates the schedule and returns a stopped reaper.
func NewReaper(cfg Config) (*Reaper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reaper: store required")
	}
	expr := cfg.Expr
	if expr == "" {
		expr = DefaultExpr
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("reaper: parse schedule %q: %w", expr, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reaper{
		store:    cfg.Store,
		logger:   logger,
		bus:      cfg.Publisher,
		schedule: schedule,
		expr:     expr,
		timeout:  timeout,
		onSweep:  cfg.OnSweep,
		now:      now,
	}, nil
}

// Start begins the reaper loop in a background goroutine. It respects ctx
// for shutdown.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("session reaper started", "schedule", r.expr, "timeout", r.timeout)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("session reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	// Sweep once on startup, then on schedule.
	r.Sweep(ctx)
	for {
		wait := time.Until(r.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep closes every active session idle longer than the timeout and returns
// the closed ids.
func (r *Reaper) Sweep(ctx context.Context) []string {
	cutoff := r.now().Add(-r.timeout)
	closed, err := r.store.CloseIdleSessions(ctx, cutoff)
	if err != nil {
		r.logger.Error("reaper: idle sweep failed", "error", err)
		return nil
	}
	for _, id := range closed {
		if r.bus != nil {
			r.bus.Publish(bus.TopicSessionReaped, bus.SessionReapedEvent{
				SessionID: id,
				IdleFor:   r.timeout.String(),
			})
		}
		r.logger.Info("reaper: session closed", "session_id", id, "idle_timeout", r.timeout)
	}
	if r.onSweep != nil {
		r.onSweep(len(closed))
	}
	return closed
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
