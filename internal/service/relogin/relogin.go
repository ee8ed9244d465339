package relogin

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rsnodgrass/go-adtpulse/internal/logger"
	"github.com/rsnodgrass/go-adtpulse/internal/portal"
	"github.com/rsnodgrass/go-adtpulse/internal/service/common"
	"github.com/rsnodgrass/go-adtpulse/internal/session"
)

const (
	// DefaultInterval is the pause between scheduled session refreshes.
	DefaultInterval = 2 * time.Hour
	// MinInterval is the shortest allowed pause. The portal flags
	// accounts that cycle sessions faster than this as misbehaving
	// automation.
	MinInterval = 20 * time.Minute
	// DefaultFullInterval is the pause between full sign-out and
	// sign-in cycles. Refreshes within it are quick and keep the
	// poller's incremental state.
	DefaultFullInterval = 24 * time.Hour
)

var (
	// errSessionsRequired is returned when no session manager is provided.
	errSessionsRequired = errors.New("session manager must be provided")
	// errGateRequired is returned when no portal gate is provided.
	errGateRequired = errors.New("portal gate must be provided")
	// errThrottleRequired is returned when no portal throttle is provided.
	errThrottleRequired = errors.New("portal throttle must be provided")

	// errSessionClosed stops the run loop when the session shuts down.
	errSessionClosed = errors.New("session closed, stopping")
)

// Sessions is the slice of the session manager the relogin task uses.
type Sessions interface {
	Connected() bool
	Relogin(ctx context.Context, quick bool) (*portal.Summary, error)
}

// Options controls the scheduled relogin behaviour.
type Options struct {
	// Interval is the pause between session refreshes. Values below
	// MinInterval are clamped up.
	Interval time.Duration
	// FullInterval is the pause between full sign-out and sign-in
	// cycles. Refreshes within it are quick. Values at or below zero
	// select DefaultFullInterval.
	FullInterval time.Duration
	// Disabled turns the task into a no-op that waits for shutdown.
	Disabled bool
}

// Task periodically refreshes the portal session before the portal's
// own session lifetime runs out. Most refreshes are quick: the local
// cookies are dropped and the session re-established, keeping the
// poller's incremental state. Once per FullInterval the refresh is a
// full sign-out and sign-in instead, which advances the login
// generation and makes the poller refetch everything. Failures are
// logged and left alone: a failed refresh drops the session to
// logged-out, and the poller signs back in on its next cycle.
type Task struct {
	sessions Sessions
	gate     *common.Gate
	throttle *common.Throttle
	opts     Options

	// lastFull is owned by the run loop.
	lastFull time.Time
}

// New builds the relogin task.
func New(sessions Sessions, gate *common.Gate, throttle *common.Throttle, opts Options) (*Task, error) {
	switch {
	case sessions == nil:
		return nil, errSessionsRequired
	case gate == nil:
		return nil, errGateRequired
	case throttle == nil:
		return nil, errThrottleRequired
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.Interval < MinInterval {
		opts.Interval = MinInterval
	}

	if opts.FullInterval <= 0 {
		opts.FullInterval = DefaultFullInterval
	}

	return &Task{
		sessions: sessions,
		gate:     gate,
		throttle: throttle,
		opts:     opts,
	}, nil
}

// Run refreshes the session on schedule until the context is canceled.
func (t *Task) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "relogin")

	if t.opts.Disabled {
		logger.Info(ctx, "Scheduled session refresh disabled")
		<-ctx.Done()

		return nil
	}

	logger.InfoKV(ctx, "Refreshing portal session on schedule",
		"interval", t.opts.Interval.String(),
		"full_interval", t.opts.FullInterval.String())

	// The engine signed in fresh at startup, which counts as a full
	// cycle.
	t.lastFull = time.Now()

	timer := time.NewTimer(t.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context canceled, exiting")
			return nil
		case <-timer.C:
		}

		if err := t.execute(ctx); errors.Is(err, errSessionClosed) {
			logger.Info(ctx, "Session closed, exiting")
			return nil
		}

		timer.Reset(t.nextWait())
	}
}

// nextWait spreads refreshes over the last quarter of the interval, so
// many monitors sharing a portal do not all sign in at the same instant.
func (t *Task) nextWait() time.Duration {
	floor := t.opts.Interval * 3 / 4

	return floor + rand.N(t.opts.Interval-floor+1)
}

// execute performs one scheduled refresh.
func (t *Task) execute(ctx context.Context) error {
	if until, ok := t.throttle.Pending(); ok {
		logger.DebugKV(ctx, "Portal retry suspension active, skipping refresh",
			"until", until.Format(time.RFC3339))
		return nil
	}

	if !t.sessions.Connected() {
		logger.Debug(ctx, "No session, skipping refresh")
		return nil
	}

	full := time.Since(t.lastFull) >= t.opts.FullInterval

	if full {
		logger.Info(ctx, "Replacing portal session with a fresh sign-in")
	} else {
		logger.Info(ctx, "Refreshing portal session")
	}

	t.gate.Enter()
	_, err := t.sessions.Relogin(ctx, !full)
	t.gate.Leave()

	if full && !errors.Is(err, session.ErrInvalidTransition) {
		// Restart the clock even on failure: the session fell to
		// logged-out, and the poller's next sign-in rebuilds everything
		// anyway. Only a busy-session postponement keeps the cycle due.
		t.lastFull = time.Now()
	}

	switch {
	case err == nil:
		logger.Info(ctx, "Portal session refreshed")
	case errors.Is(err, session.ErrClosed):
		return errSessionClosed
	case errors.Is(err, session.ErrInvalidTransition):
		logger.Debug(ctx, "Session busy, refresh postponed")
	default:
		if until, ok := portal.RetryDeadline(err); ok {
			t.throttle.Suspend(until)
		}

		// The session fell back to logged-out; the poller signs in
		// again on its next cycle.
		logger.WarnKV(ctx, "Scheduled session refresh failed", "error", err)
	}

	return nil
}
