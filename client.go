package adtpulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsnodgrass/go-adtpulse/internal/config"
	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
	"github.com/rsnodgrass/go-adtpulse/internal/logger"
	"github.com/rsnodgrass/go-adtpulse/internal/portal"
	"github.com/rsnodgrass/go-adtpulse/internal/service/common"
	"github.com/rsnodgrass/go-adtpulse/internal/service/keepalive"
	"github.com/rsnodgrass/go-adtpulse/internal/service/poller"
	"github.com/rsnodgrass/go-adtpulse/internal/service/relogin"
	"github.com/rsnodgrass/go-adtpulse/internal/session"
	"github.com/rsnodgrass/go-adtpulse/internal/store"
)

var (
	// ErrStopped is returned by waits after the engine stopped without a
	// fatal error.
	ErrStopped = errors.New("engine stopped")

	// errAlreadyStarted is returned when Start is called twice.
	errAlreadyStarted = errors.New("engine already started")
	// errNotStarted is returned by operations that need a started engine.
	errNotStarted = errors.New("engine not started")
)

// Client is the engine: one portal account, one monitored site, and
// three background tasks keeping an in-memory mirror of the site fresh.
// Construct with New, run with Start, read with Snapshot, block on
// changes with WaitForUpdate, command the panel with Arm and Disarm.
// Safe for concurrent use.
type Client struct {
	cfg        *config.Config
	portalOpts []portal.Option

	portal   *portal.Client
	sessions *session.Manager
	mirror   *store.Store
	gate     *common.Gate
	throttle *common.Throttle

	poller    *poller.Task
	keepalive *keepalive.Task
	relogin   *relogin.Task

	// updates coalesces change signals; done closes when all tasks
	// have exited.
	updates chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	siteID  string
	fatal   error
}

// New builds an engine from validated settings. Missing intervals and
// thresholds are filled with their defaults; no portal traffic happens
// until Start.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		mirror:   store.NewStore(),
		gate:     &common.Gate{},
		throttle: &common.Throttle{},
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	portalOpts := append(
		[]portal.Option{portal.WithCallTimeout(cfg.RequestTimeout)},
		c.portalOpts...)

	portalClient, err := portal.NewClient(cfg.Host, portal.Credentials{
		Username:    cfg.Username,
		Password:    cfg.Password,
		Fingerprint: cfg.Fingerprint,
	}, portalOpts...)
	if err != nil {
		return nil, err
	}

	c.portal = portalClient

	c.sessions, err = session.NewManager(portalClient)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Start signs in, seeds the mirror with the discovered site inventory
// and launches the background tasks. The context bounds the startup
// sequence only; the tasks run until Stop. A sign-in failure leaves the
// engine startable again, so callers may retry Start on retryable
// errors (see IsRetryable).
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()

	switch {
	case c.stopped:
		c.mu.Unlock()

		return ErrStopped
	case c.started:
		c.mu.Unlock()

		return errAlreadyStarted
	}

	c.started = true
	c.mu.Unlock()

	if err := c.start(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()

		return err
	}

	return nil
}

func (c *Client) start(ctx context.Context) error {
	ctx = logger.WithName(ctx, "engine")

	summary, err := c.sessions.Login(ctx)
	if err != nil {
		return fmt.Errorf("initial sign-in: %w", err)
	}

	logger.InfoKV(ctx, "Signed in to portal",
		"site_id", summary.SiteID,
		"site_name", summary.SiteName,
		"api_version", c.portal.APIVersion())

	c.mu.Lock()
	c.siteID = summary.SiteID
	c.mu.Unlock()

	c.seedMirror(ctx, summary)

	if err := c.buildTasks(summary.SiteID); err != nil {
		if logoutErr := c.sessions.Logout(ctx); logoutErr != nil {
			logger.WarnKV(ctx, "Sign-out after failed start failed", "error", logoutErr)
		}

		return err
	}

	// Tasks outlive the startup context; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()
		cancel()

		return ErrStopped
	}

	c.cancel = cancel
	c.mu.Unlock()

	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error { return c.poller.Run(groupCtx) })
	group.Go(func() error { return c.keepalive.Run(groupCtx) })
	group.Go(func() error { return c.relogin.Run(groupCtx) })

	go func() {
		groupErr := group.Wait()

		c.mu.Lock()
		c.fatal = groupErr
		c.mu.Unlock()

		if groupErr != nil {
			logger.ErrorKV(runCtx, "Engine stopped on fatal error", "error", groupErr)
		}

		close(c.done)
	}()

	return nil
}

// seedMirror fills the mirror from device discovery, falling back to
// the sign-in summary alone when discovery fails. The poller keeps the
// mirror fresh from here on.
func (c *Client) seedMirror(ctx context.Context, summary *portal.Summary) {
	record := &site.Site{
		ID:    summary.SiteID,
		Name:  summary.SiteName,
		Panel: site.Panel{State: site.StateUnknown, Online: true},
	}

	var zones []site.Zone

	devices, err := c.portal.DiscoverDevices(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Device discovery failed, starting from summary", "error", err)
	} else {
		zones = devices.Zones

		if devices.Panel != nil {
			record.Panel = *devices.Panel
		}

		if devices.Gateway != nil {
			record.Gateway = *devices.Gateway
		}
	}

	if err := c.mirror.ReplaceSite(record, zones); err != nil {
		logger.ErrorKV(ctx, "Seed mirror failed", "error", err)
		return
	}

	now := time.Now()

	if _, err := c.mirror.ApplyPanelObservation(summary.SiteID, summary.Orb.Alarm, now); err != nil {
		logger.ErrorKV(ctx, "Seed panel state failed", "error", err)
	}

	if _, err := c.mirror.SetGatewayOnline(summary.SiteID, summary.Orb.GatewayOnline, now); err != nil {
		logger.ErrorKV(ctx, "Seed gateway state failed", "error", err)
	}

	if len(summary.Orb.Zones) > 0 {
		if _, err := c.mirror.UpdateZones(summary.SiteID, summary.Orb.Zones, now); err != nil {
			logger.ErrorKV(ctx, "Seed zone states failed", "error", err)
		}
	}

	logger.InfoKV(ctx, "Mirror seeded",
		"site_id", summary.SiteID,
		"zones", len(zones))
}

func (c *Client) buildTasks(siteID string) error {
	onUpdate := func(string) { c.signalUpdate() }

	var err error

	c.poller, err = poller.New(c.portal, c.sessions, c.mirror, c.gate, c.throttle, poller.Options{
		SiteID:               siteID,
		PollInterval:         c.cfg.PollInterval,
		UnreachableThreshold: c.cfg.UnreachableThreshold,
		OfflineThreshold:     c.cfg.GatewayOfflineThreshold,
		OnUpdate:             onUpdate,
	})
	if err != nil {
		return err
	}

	c.keepalive, err = keepalive.New(c.portal, c.sessions, c.mirror, c.gate, c.throttle, keepalive.Options{
		SiteID:   siteID,
		Interval: c.cfg.KeepAliveInterval,
		OnUpdate: onUpdate,
	})
	if err != nil {
		return err
	}

	c.relogin, err = relogin.New(c.sessions, c.gate, c.throttle, relogin.Options{
		Interval: c.cfg.ReloginInterval,
		Disabled: c.cfg.DisableRelogin,
	})

	return err
}

// Stop cancels the background tasks, waits for them within the context
// deadline and signs out. Idempotent; a Stop before Start is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()

	if !c.started || c.stopped {
		c.mu.Unlock()

		return nil
	}

	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	ctx = logger.WithName(ctx, "engine")
	logger.Info(ctx, "Stopping")

	if cancel != nil {
		cancel()

		select {
		case <-c.done:
		case <-ctx.Done():
			logger.Warn(ctx, "Background tasks overstayed shutdown, abandoning")
		}
	}

	return c.sessions.Close(ctx)
}

// Status returns the portal session lifecycle state.
func (c *Client) Status() SessionStatus {
	return c.sessions.Status()
}

// SiteID returns the monitored site's portal id, empty before Start.
func (c *Client) SiteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.siteID
}

// Snapshot returns a deep copy of the mirrored site and its zones,
// ordered by zone number. During portal degradation the snapshot keeps
// answering with the last known good state.
func (c *Client) Snapshot() (*Site, []Zone, error) {
	c.mu.Lock()
	siteID := c.siteID
	c.mu.Unlock()

	if siteID == "" {
		return nil, nil, errNotStarted
	}

	return c.mirror.Snapshot(siteID)
}

// Updates returns a channel that receives a signal after the mirror
// changed. Signals are coalesced: a slow reader sees at least one
// signal, not one per change. Use Snapshot to read the new state.
func (c *Client) Updates() <-chan struct{} {
	return c.updates
}

// WaitForUpdate blocks until the mirror changes, the engine stops, or
// the context ends. Returns nil on a change, the fatal task error when
// one ended the engine, and ErrStopped after a clean stop.
func (c *Client) WaitForUpdate(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	if !started {
		return errNotStarted
	}

	select {
	case <-c.done:
		return c.exitErr()
	default:
	}

	select {
	case <-c.updates:
		return nil
	case <-c.done:
		return c.exitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fatal error that ended the background tasks, nil
// while the engine runs and after a clean stop.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fatal
}

func (c *Client) exitErr() error {
	if err := c.Err(); err != nil {
		return err
	}

	return ErrStopped
}

// Arm asks the panel to arm in the given mode. The panel refuses to arm
// over an armed panel, so switching modes requires a disarm first. With
// open sensors the panel refuses unless force is set. An accepted
// command moves the mirrored panel into the transient arming state
// until a poll confirms it.
func (c *Client) Arm(ctx context.Context, siteID string, mode ArmMode, force bool) error {
	target := mode.TargetState()
	if target == site.StateUnknown {
		return fmt.Errorf("%w: unknown arm mode %q", portal.ErrRejected, string(mode))
	}

	current, err := c.beginCommand(siteID)
	if err != nil {
		return err
	}

	switch current {
	case target:
		return fmt.Errorf("%w: panel already %s", portal.ErrRejected, current)
	case site.StateArmedAway, site.StateArmedStay:
		return fmt.Errorf("%w: disarm before switching from %s", portal.ErrRejected, current)
	case site.StateArming, site.StateDisarming:
		return fmt.Errorf("%w: panel busy %s", portal.ErrRejected, current)
	}

	c.gate.Enter()
	err = c.portal.Arm(ctx, current, mode, force)
	c.gate.Leave()

	if err != nil {
		return err
	}

	return c.finishCommand(ctx, siteID, target, force)
}

// Disarm asks the panel to disarm. Disarming a disarmed panel is a
// no-op.
func (c *Client) Disarm(ctx context.Context, siteID string) error {
	current, err := c.beginCommand(siteID)
	if err != nil {
		return err
	}

	if current == site.StateDisarmed || current == site.StateDisarming {
		return nil
	}

	c.gate.Enter()
	err = c.portal.Disarm(ctx, current)
	c.gate.Leave()

	if err != nil {
		return err
	}

	return c.finishCommand(ctx, siteID, site.StateDisarmed, false)
}

// beginCommand checks a session exists and reads the mirrored panel
// state the command validates against.
func (c *Client) beginCommand(siteID string) (site.AlarmState, error) {
	if !c.sessions.Connected() {
		return site.StateUnknown, portal.ErrNotLoggedIn
	}

	return c.mirror.PanelState(siteID)
}

// finishCommand records the accepted command in the mirror and
// schedules a confirming poll.
func (c *Client) finishCommand(ctx context.Context, siteID string, target site.AlarmState, forced bool) error {
	if err := c.mirror.BeginPanelTransition(siteID, target, forced, time.Now()); err != nil {
		return err
	}

	logger.InfoKV(logger.WithName(ctx, "engine"), "Panel command accepted",
		"site_id", siteID,
		"target", string(target),
		"forced", forced)

	c.signalUpdate()
	c.poller.Kick()

	return nil
}

// signalUpdate raises the coalesced change signal.
func (c *Client) signalUpdate() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}
