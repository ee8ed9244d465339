package keepalive

import (
	"context"
	"errors"
	"time"

	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
	"github.com/rsnodgrass/go-adtpulse/internal/logger"
	"github.com/rsnodgrass/go-adtpulse/internal/portal"
	"github.com/rsnodgrass/go-adtpulse/internal/service/common"
	"github.com/rsnodgrass/go-adtpulse/internal/store"
)

const (
	// DefaultInterval is the pause between keepalive pings.
	DefaultInterval = 5 * time.Minute
	// MaxInterval is the longest useful pause. The portal expires idle
	// sessions shortly past this, so slower pings defeat the task.
	MaxInterval = 15 * time.Minute
)

var (
	// errPortalRequired is returned when no portal client is provided.
	errPortalRequired = errors.New("portal client must be provided")
	// errSessionsRequired is returned when no session manager is provided.
	errSessionsRequired = errors.New("session manager must be provided")
	// errMirrorRequired is returned when no state mirror is provided.
	errMirrorRequired = errors.New("state mirror must be provided")
	// errGateRequired is returned when no portal gate is provided.
	errGateRequired = errors.New("portal gate must be provided")
	// errThrottleRequired is returned when no portal throttle is provided.
	errThrottleRequired = errors.New("portal throttle must be provided")
	// errSiteIDRequired is returned when no site id is provided.
	errSiteIDRequired = errors.New("site id must be provided")
)

// Portal is the slice of the portal client the keepalive task uses.
type Portal interface {
	// Keepalive pings the portal so the session's idle clock restarts.
	Keepalive(ctx context.Context) error
	// FetchGateway reads the gateway's device detail page.
	FetchGateway(ctx context.Context) (*site.Gateway, error)
}

// Sessions is the slice of the session manager the keepalive task uses.
type Sessions interface {
	Connected() bool
	Touch()
}

// Options controls the keepalive behaviour.
type Options struct {
	// SiteID is the mirrored site whose gateway details are refreshed.
	SiteID string
	// Interval is the pause between pings. Values above MaxInterval are
	// clamped down because the portal would expire the session between
	// pings.
	Interval time.Duration
	// OnUpdate is called with the site id after the mirror changed.
	OnUpdate func(siteID string)
}

// Task pings the portal on a fixed pace so the session does not idle
// out, and piggybacks the periodic gateway detail refresh on successful
// pings. Failures are logged and left alone: the poller notices an
// unhealthy portal within seconds and owns the recovery.
type Task struct {
	portal   Portal
	sessions Sessions
	mirror   *store.Store
	gate     *common.Gate
	throttle *common.Throttle
	opts     Options
}

// New builds the keepalive task.
func New(portalClient Portal, sessions Sessions, mirror *store.Store, gate *common.Gate, throttle *common.Throttle, opts Options) (*Task, error) {
	switch {
	case portalClient == nil:
		return nil, errPortalRequired
	case sessions == nil:
		return nil, errSessionsRequired
	case mirror == nil:
		return nil, errMirrorRequired
	case gate == nil:
		return nil, errGateRequired
	case throttle == nil:
		return nil, errThrottleRequired
	case opts.SiteID == "":
		return nil, errSiteIDRequired
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.Interval > MaxInterval {
		opts.Interval = MaxInterval
	}

	return &Task{
		portal:   portalClient,
		sessions: sessions,
		mirror:   mirror,
		gate:     gate,
		throttle: throttle,
		opts:     opts,
	}, nil
}

// Run pings until the context is canceled.
func (t *Task) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "keepalive")

	logger.InfoKV(ctx, "Keeping portal session alive",
		"interval", t.opts.Interval.String())

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context canceled, exiting")
			return nil
		case <-ticker.C:
			t.cycle(ctx)
		}
	}
}

// cycle sends one ping and, when it lands, refreshes the gateway
// details if the portal's own refresh is due.
func (t *Task) cycle(ctx context.Context) {
	if until, ok := t.throttle.Pending(); ok {
		logger.DebugKV(ctx, "Portal retry suspension active, skipping ping",
			"until", until.Format(time.RFC3339))
		return
	}

	if !t.sessions.Connected() {
		logger.Debug(ctx, "No session, skipping ping")
		return
	}

	t.gate.Enter()
	err := t.portal.Keepalive(ctx)
	t.gate.Leave()

	if err != nil {
		if until, ok := portal.RetryDeadline(err); ok {
			t.throttle.Suspend(until)
		}

		// The poller discovers an expired or unreachable portal on its
		// next cycle and runs the recovery, so a failed ping only gets
		// logged here.
		logger.WarnKV(ctx, "Keepalive ping failed", "error", err)
		return
	}

	t.sessions.Touch()
	logger.Debug(ctx, "Keepalive ping sent")

	t.refreshGatewayWhenDue(ctx)
}

// refreshGatewayWhenDue refetches the gateway detail page once the
// portal's advertised next-update instant has passed. Sites whose
// gateway page never advertised one are left alone.
func (t *Task) refreshGatewayWhenDue(ctx context.Context) {
	due, err := t.mirror.GatewayNextUpdate(t.opts.SiteID)
	if err != nil {
		logger.ErrorKV(ctx, "Gateway refresh lookup failed", "error", err)
		return
	}

	if due.IsZero() || time.Now().Before(due) {
		return
	}

	t.gate.Enter()
	gateway, err := t.portal.FetchGateway(ctx)
	t.gate.Leave()

	if err != nil {
		if until, ok := portal.RetryDeadline(err); ok {
			t.throttle.Suspend(until)
		}

		logger.WarnKV(ctx, "Gateway details refresh failed", "error", err)
		return
	}

	changed, err := t.mirror.UpdateGateway(t.opts.SiteID, gateway)
	if err != nil {
		logger.ErrorKV(ctx, "Apply gateway details failed", "error", err)
		return
	}

	if changed {
		logger.InfoKV(ctx, "Gateway details refreshed",
			"next_update", gateway.NextUpdate.String())

		if t.opts.OnUpdate != nil {
			t.opts.OnUpdate(t.opts.SiteID)
		}
	}
}
