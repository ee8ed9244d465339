package poller

import (
	"context"
	"errors"
	"time"

	"github.com/rsnodgrass/go-adtpulse/internal/backoff"
	"github.com/rsnodgrass/go-adtpulse/internal/logger"
	"github.com/rsnodgrass/go-adtpulse/internal/portal"
	"github.com/rsnodgrass/go-adtpulse/internal/service/common"
	"github.com/rsnodgrass/go-adtpulse/internal/session"
	"github.com/rsnodgrass/go-adtpulse/internal/store"
)

const (
	// DefaultPollInterval is the pause between change marker polls.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxTransportBackoff caps retry delays after transport failures.
	DefaultMaxTransportBackoff = 5 * time.Minute
	// DefaultOfflinePollCeiling caps the slowed poll pace while the premise
	// gateway is offline. The portal has nothing new to say until the
	// gateway reconnects, so polling at full pace only burns the session.
	DefaultOfflinePollCeiling = 10 * time.Minute
	// DefaultUnreachableThreshold is how many consecutive transport
	// failures degrade the session.
	DefaultUnreachableThreshold = 3
	// DefaultOfflineThreshold is how many consecutive offline
	// observations degrade the session. The mirror flips on the first.
	DefaultOfflineThreshold = 3
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

	// errSessionClosed stops the run loop when the session shuts down.
	errSessionClosed = errors.New("session closed, stopping")
)

// Portal is the slice of the portal client the poller uses.
type Portal interface {
	// FetchSyncMarker asks the portal's change detector for its marker.
	FetchSyncMarker(ctx context.Context) (string, error)
	// FetchState reads the orb state page.
	FetchState(ctx context.Context) (*portal.OrbStatus, error)
}

// Sessions is the slice of the session manager the poller uses.
type Sessions interface {
	Status() session.Status
	Connected() bool
	Generation() uint64
	Touch()
	MarkDegraded() bool
	MarkRecovered() bool
	Login(ctx context.Context) (*portal.Summary, error)
	Relogin(ctx context.Context, quick bool) (*portal.Summary, error)
}

// Options controls the polling behaviour.
type Options struct {
	// SiteID is the mirrored site the poller maintains.
	SiteID string
	// PollInterval is the pause between change marker polls.
	PollInterval time.Duration
	// UnreachableThreshold is how many consecutive transport failures
	// degrade the session.
	UnreachableThreshold int
	// OfflineThreshold is how many consecutive offline observations
	// degrade the session.
	OfflineThreshold int
	// TransportBackoff computes retry delays after transport failures.
	// Zero means a policy derived from PollInterval.
	TransportBackoff backoff.Policy
	// GatewayBackoff computes the slowed poll pace while the gateway is
	// offline. Zero means a policy derived from PollInterval.
	GatewayBackoff backoff.Policy
	// OnUpdate is called with the site id after the mirror changed.
	OnUpdate func(siteID string)
}

// Task polls the portal's change detector and refreshes the mirror when
// the premise state moves. It owns the session's health accounting:
// repeated transport failures degrade the session, the first success
// recovers it, and an expired portal session is signed in again. While
// the gateway is offline the portal's change marker goes quiet, so
// quiet cycles count as offline observations too and polls slow onto
// the gateway backoff curve.
type Task struct {
	portal   Portal
	sessions Sessions
	mirror   *store.Store
	gate     *common.Gate
	throttle *common.Throttle
	opts     Options

	kick chan struct{}

	// Loop-owned state, touched only by Run's goroutine.
	lastMarker     string
	generation     uint64
	failures       int
	offline        int
	gatewayDown    bool
	transportState backoff.State
	gatewayState   backoff.State
}

// New builds the poller task.
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

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	if opts.UnreachableThreshold <= 0 {
		opts.UnreachableThreshold = DefaultUnreachableThreshold
	}

	if opts.OfflineThreshold <= 0 {
		opts.OfflineThreshold = DefaultOfflineThreshold
	}

	if opts.TransportBackoff == (backoff.Policy{}) {
		opts.TransportBackoff = backoff.Policy{
			BaseDelay:      opts.PollInterval,
			MaxDelay:       DefaultMaxTransportBackoff,
			JitterFraction: 0.25,
			Threshold:      opts.UnreachableThreshold,
		}
	}

	if opts.GatewayBackoff == (backoff.Policy{}) {
		opts.GatewayBackoff = backoff.Policy{
			BaseDelay: opts.PollInterval,
			MaxDelay:  DefaultOfflinePollCeiling,
		}
	}

	return &Task{
		portal:   portalClient,
		sessions: sessions,
		mirror:   mirror,
		gate:     gate,
		throttle: throttle,
		opts:     opts,
		kick:     make(chan struct{}, 1),
	}, nil
}

// Kick schedules an immediate poll cycle. Safe from any goroutine.
func (t *Task) Kick() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// Run polls until the context is canceled or the portal rejects the
// account outright. The returned error is nil on cancellation and on
// session shutdown.
func (t *Task) Run(ctx context.Context) error {
	ctx = logger.WithName(ctx, "poller")

	logger.InfoKV(ctx, "Polling portal for changes",
		"site_id", t.opts.SiteID,
		"interval", t.opts.PollInterval.String())

	timer := time.NewTimer(t.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context canceled, exiting")
			return nil
		case <-t.kick:
			drainTimer(timer)
		case <-timer.C:
		}

		delay, err := t.cycle(ctx)
		if err != nil {
			if errors.Is(err, errSessionClosed) {
				logger.Info(ctx, "Session closed, exiting")
				return nil
			}

			return err
		}

		timer.Reset(delay)
	}
}

// cycle performs one poll: make sure a session exists, check the change
// marker, and refresh the mirror when something moved. Returns the pause
// before the next cycle; a non-nil error ends the task.
func (t *Task) cycle(ctx context.Context) (time.Duration, error) {
	if until, ok := t.throttle.Pending(); ok {
		logger.DebugKV(ctx, "Portal retry suspension active, waiting",
			"until", until.Format(time.RFC3339))

		return time.Until(until), nil
	}

	if !t.sessions.Connected() {
		return t.establish(ctx)
	}

	t.gate.Enter()
	marker, err := t.portal.FetchSyncMarker(ctx)
	t.gate.Leave()

	if err != nil {
		return t.handleFetchError(ctx, err)
	}

	t.noteSuccess(ctx)

	if !t.needsRefresh(ctx, marker) {
		if t.gatewayDown {
			// The portal stays quiet while the gateway is down, so the
			// silence itself is another offline observation.
			t.noteOffline(ctx)
		}

		return t.nextPollDelay(), nil
	}

	return t.refresh(ctx, marker)
}

// establish signs in from scratch. Transport failures retry forever
// under backoff; a rejected account ends the task.
func (t *Task) establish(ctx context.Context) (time.Duration, error) {
	switch t.sessions.Status() {
	case session.StatusShuttingDown:
		return 0, errSessionClosed
	case session.StatusLoggedOut:
	default:
		// A relogin is in flight elsewhere; check back shortly.
		return t.opts.PollInterval, nil
	}

	t.gate.Enter()
	summary, err := t.sessions.Login(ctx)
	t.gate.Leave()

	switch {
	case err == nil:
		logger.InfoKV(ctx, "Signed in to portal",
			"site_id", summary.SiteID,
			"site_name", summary.SiteName)
		t.noteSuccess(ctx)

		if t.apply(ctx, &summary.Orb) {
			t.notify()
		}

		return 0, nil
	case errors.Is(err, session.ErrClosed):
		return 0, errSessionClosed
	case errors.Is(err, session.ErrInvalidTransition):
		return t.opts.PollInterval, nil
	case portal.IsFatalAuth(err):
		logger.ErrorKV(ctx, "Portal rejected the account, giving up", "error", err)
		return 0, err
	default:
		return t.noteFailure(ctx, err), nil
	}
}

// needsRefresh decides whether the orb page must be fetched: either the
// login generation moved, forcing a full refetch, or the portal's change
// marker differs from the last one seen.
func (t *Task) needsRefresh(ctx context.Context, marker string) bool {
	if generation := t.sessions.Generation(); generation != t.generation {
		logger.InfoKV(ctx, "New login generation, refetching state", "generation", generation)
		return true
	}

	if marker != t.lastMarker {
		logger.DebugKV(ctx, "Change marker moved", "marker", marker)
		return true
	}

	return false
}

// refresh fetches the orb page and applies it to the mirror.
func (t *Task) refresh(ctx context.Context, marker string) (time.Duration, error) {
	t.gate.Enter()
	status, err := t.portal.FetchState(ctx)
	t.gate.Leave()

	if err != nil {
		return t.handleFetchError(ctx, err)
	}

	t.noteSuccess(ctx)

	changed := t.apply(ctx, status)
	t.lastMarker = marker
	t.generation = t.sessions.Generation()

	if changed {
		t.notify()
	}

	return t.nextPollDelay(), nil
}

// apply writes one orb reading into the mirror and reports whether
// anything changed.
func (t *Task) apply(ctx context.Context, status *portal.OrbStatus) bool {
	var (
		now     = time.Now()
		siteID  = t.opts.SiteID
		changed bool
	)

	if status.GatewayOnline {
		if t.gatewayDown {
			logger.Info(ctx, "Gateway back online, resuming normal polls")
		}

		t.gatewayDown = false
		t.offline = 0
		t.gatewayState = backoff.State{}

		t.recoverSession(ctx, "Gateway back online, session recovered")

		changed = t.mirrorGatewayOnline(ctx, siteID, true, now)
	} else {
		// The mirror reflects the very first offline reading; the
		// threshold below only guards the session transition.
		t.gatewayDown = true
		t.noteOffline(ctx)

		changed = t.mirrorGatewayOnline(ctx, siteID, false, now)
	}

	moved, err := t.mirror.ApplyPanelObservation(siteID, status.Alarm, now)
	if err != nil {
		logger.ErrorKV(ctx, "Apply panel state failed", "error", err)
	}

	changed = changed || moved

	if len(status.Zones) > 0 {
		moved, err = t.mirror.UpdateZones(siteID, status.Zones, now)
		if err != nil {
			logger.ErrorKV(ctx, "Apply zone states failed", "error", err)
		}

		changed = changed || moved
	}

	return changed
}

// noteOffline counts one more consecutive offline observation and
// degrades the session once the threshold is reached.
func (t *Task) noteOffline(ctx context.Context) {
	t.offline++

	if t.offline < t.opts.OfflineThreshold {
		return
	}

	if t.sessions.MarkDegraded() {
		logger.WarnKV(ctx, "Gateway offline, slowing polls and degrading session",
			"observations", t.offline)
	}
}

func (t *Task) mirrorGatewayOnline(ctx context.Context, siteID string, online bool, at time.Time) bool {
	flipped, err := t.mirror.SetGatewayOnline(siteID, online, at)
	if err != nil {
		logger.ErrorKV(ctx, "Apply gateway state failed", "error", err)
		return false
	}

	return flipped
}

// handleFetchError classifies a failed portal fetch. Expired sessions
// trigger a quick relogin, transient failures back off, rejected
// accounts end the task.
func (t *Task) handleFetchError(ctx context.Context, err error) (time.Duration, error) {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return t.noteFailure(ctx, err), nil
	case errors.Is(err, portal.ErrNotLoggedIn):
		return t.reconnect(ctx)
	case portal.IsFatalAuth(err):
		logger.ErrorKV(ctx, "Portal rejected the account, giving up", "error", err)
		return 0, err
	case portal.IsRetryable(err):
		return t.noteFailure(ctx, err), nil
	default:
		// Unusable response, typically a markup change. Keep the last
		// good state and retry at pace.
		logger.WarnKV(ctx, "Discarding unusable portal response", "error", err)
		return t.noteFailure(ctx, err), nil
	}
}

// reconnect re-establishes an expired session with a quick relogin,
// keeping the incremental poll state.
func (t *Task) reconnect(ctx context.Context) (time.Duration, error) {
	logger.Info(ctx, "Portal session expired, signing in again")

	t.gate.Enter()
	_, err := t.sessions.Relogin(ctx, true)
	t.gate.Leave()

	switch {
	case err == nil:
		t.noteSuccess(ctx)
		return 0, nil
	case errors.Is(err, session.ErrClosed):
		return 0, errSessionClosed
	case errors.Is(err, session.ErrInvalidTransition):
		// Another task is mid-transition; its outcome decides.
		return t.opts.PollInterval, nil
	case portal.IsFatalAuth(err):
		return 0, err
	default:
		// The session fell back to logged-out; establish retries it.
		return t.noteFailure(ctx, err), nil
	}
}

// noteFailure counts a consecutive failure, degrades the session at the
// threshold and returns the backoff delay. Portal-imposed deadlines from
// Retry-After responses and lockouts pin the delay.
func (t *Task) noteFailure(ctx context.Context, err error) time.Duration {
	t.failures++

	if until, ok := portal.RetryDeadline(err); ok {
		t.transportState = t.transportState.WithDeadline(until)
		t.throttle.Suspend(until)
	}

	delay, next := t.opts.TransportBackoff.NextDelay(t.transportState)
	t.transportState = next

	if t.failures < t.opts.UnreachableThreshold {
		logger.DebugKV(ctx, "Portal request failed, retrying",
			"failures", t.failures,
			"delay", delay.String(),
			"error", err)

		return delay
	}

	if t.sessions.MarkDegraded() {
		logger.WarnKV(ctx, "Portal unreachable, session degraded", "failures", t.failures)
	}

	logger.WarnKV(ctx, "Portal request failed, backing off",
		"failures", t.failures,
		"delay", delay.String(),
		"error", err)

	return delay
}

// noteSuccess resets the transport failure accounting and recovers a
// degraded session.
func (t *Task) noteSuccess(ctx context.Context) {
	t.sessions.Touch()

	if t.failures == 0 {
		return
	}

	t.failures = 0
	t.transportState = backoff.State{}

	t.recoverSession(ctx, "Portal reachable again, session recovered")
}

// recoverSession reactivates a degraded session once both the transport
// and the gateway accountings are clear.
func (t *Task) recoverSession(ctx context.Context, message string) {
	if t.failures >= t.opts.UnreachableThreshold || t.offline >= t.opts.OfflineThreshold {
		return
	}

	if t.sessions.MarkRecovered() {
		logger.Info(ctx, message)
	}
}

// nextPollDelay returns the normal poll pause, slowed onto the gateway
// backoff curve while the last reading showed the gateway offline.
func (t *Task) nextPollDelay() time.Duration {
	if t.gatewayDown {
		delay, next := t.opts.GatewayBackoff.NextDelay(t.gatewayState)
		t.gatewayState = next

		return delay
	}

	return t.opts.PollInterval
}

// notify tells the owner the mirror changed.
func (t *Task) notify() {
	if t.opts.OnUpdate != nil {
		t.opts.OnUpdate(t.opts.SiteID)
	}
}

// drainTimer stops a timer and drains a pending fire, leaving it ready
// for Reset.
func drainTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
