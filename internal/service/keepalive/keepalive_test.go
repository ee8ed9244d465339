package keepalive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
	"github.com/rsnodgrass/go-adtpulse/internal/portal"
	"github.com/rsnodgrass/go-adtpulse/internal/service/common"
	"github.com/rsnodgrass/go-adtpulse/internal/store"
)

const testSiteID = "1234567890"

type fakePortal struct {
	pingErr    error
	pings      int
	gateway    *site.Gateway
	fetchErr   error
	fetchCalls int
}

func (f *fakePortal) Keepalive(_ context.Context) error {
	f.pings++

	return f.pingErr
}

func (f *fakePortal) FetchGateway(_ context.Context) (*site.Gateway, error) {
	f.fetchCalls++

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	return f.gateway, nil
}

type fakeSessions struct {
	connected bool
	touches   int
}

func (f *fakeSessions) Connected() bool { return f.connected }

func (f *fakeSessions) Touch() { f.touches++ }

type fixture struct {
	task     *Task
	portal   *fakePortal
	sessions *fakeSessions
	mirror   *store.Store
	updates  int
}

func newFixture(t *testing.T, nextUpdate time.Time) *fixture {
	t.Helper()

	f := &fixture{
		portal:   &fakePortal{},
		sessions: &fakeSessions{connected: true},
		mirror:   store.NewStore(),
	}

	require.NoError(t, f.mirror.ReplaceSite(&site.Site{
		ID:   testSiteID,
		Name: "Home",
		Gateway: site.Gateway{
			Online:     true,
			Model:      "PGZNG1",
			NextUpdate: nextUpdate,
		},
	}, nil))

	var err error

	f.task, err = New(f.portal, f.sessions, f.mirror, &common.Gate{}, &common.Throttle{}, Options{
		SiteID:   testSiteID,
		Interval: time.Minute,
		OnUpdate: func(string) {
			f.updates++
		},
	})
	require.NoError(t, err)

	return f
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	mirror := store.NewStore()

	_, err := New(nil, &fakeSessions{}, mirror, &common.Gate{}, &common.Throttle{}, Options{SiteID: testSiteID})
	require.ErrorIs(t, err, errPortalRequired)

	_, err = New(&fakePortal{}, nil, mirror, &common.Gate{}, &common.Throttle{}, Options{SiteID: testSiteID})
	require.ErrorIs(t, err, errSessionsRequired)

	_, err = New(&fakePortal{}, &fakeSessions{}, mirror, &common.Gate{}, nil, Options{SiteID: testSiteID})
	require.ErrorIs(t, err, errThrottleRequired)

	_, err = New(&fakePortal{}, &fakeSessions{}, mirror, &common.Gate{}, &common.Throttle{}, Options{})
	require.ErrorIs(t, err, errSiteIDRequired)
}

func TestNew_ClampsInterval(t *testing.T) {
	t.Parallel()

	task, err := New(&fakePortal{}, &fakeSessions{}, store.NewStore(), &common.Gate{}, &common.Throttle{}, Options{
		SiteID:   testSiteID,
		Interval: time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, MaxInterval, task.opts.Interval)

	task, err = New(&fakePortal{}, &fakeSessions{}, store.NewStore(), &common.Gate{}, &common.Throttle{}, Options{
		SiteID: testSiteID,
	})
	require.NoError(t, err)
	require.Equal(t, DefaultInterval, task.opts.Interval)
}

func TestCycle_SkipsWithoutSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Time{})
	f.sessions.connected = false

	f.task.cycle(context.Background())

	require.Zero(t, f.portal.pings)
	require.Zero(t, f.sessions.touches)
}

func TestCycle_PingTouchesSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Time{})

	f.task.cycle(context.Background())

	require.Equal(t, 1, f.portal.pings)
	require.Equal(t, 1, f.sessions.touches)

	// No advertised refresh instant means no gateway fetch.
	require.Zero(t, f.portal.fetchCalls)
}

func TestCycle_FailedPingLeavesRecoveryToPoller(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Time{})
	f.portal.pingErr = portal.ErrNotLoggedIn

	f.task.cycle(context.Background())

	require.Equal(t, 1, f.portal.pings)
	require.Zero(t, f.sessions.touches)
	require.Zero(t, f.portal.fetchCalls)
}

func TestCycle_RetryAfterSuspendsPings(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Time{})
	f.portal.pingErr = &portal.RetryAfterError{
		Status: 429,
		Until:  time.Now().Add(time.Hour),
	}

	f.task.cycle(context.Background())
	require.Equal(t, 1, f.portal.pings)

	// The portal's deadline holds every later cycle back until it
	// passes, so the second cycle sends nothing.
	f.task.cycle(context.Background())
	require.Equal(t, 1, f.portal.pings)
}

func TestCycle_SharedSuspensionSkipsPing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Time{})
	f.task.throttle.Suspend(time.Now().Add(time.Hour))

	// A deadline discovered by another task holds this one back too.
	f.task.cycle(context.Background())

	require.Zero(t, f.portal.pings)
	require.Zero(t, f.sessions.touches)
}

func TestCycle_GatewayRefreshDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(-time.Minute))
	f.portal.gateway = &site.Gateway{
		Online:          true,
		Model:           "PGZNG1",
		FirmwareVersion: "24.0.0-9",
		LastUpdated:     time.Now(),
		NextUpdate:      time.Now().Add(6 * time.Hour),
	}

	f.task.cycle(context.Background())

	require.Equal(t, 1, f.portal.fetchCalls)
	require.Equal(t, 1, f.updates)

	mirrored, _, err := f.mirror.Snapshot(testSiteID)
	require.NoError(t, err)
	require.Equal(t, "24.0.0-9", mirrored.Gateway.FirmwareVersion)
	require.Equal(t, f.portal.gateway.NextUpdate, mirrored.Gateway.NextUpdate)
}

func TestCycle_GatewayRefreshNotDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(time.Hour))

	f.task.cycle(context.Background())

	require.Equal(t, 1, f.portal.pings)
	require.Zero(t, f.portal.fetchCalls)
}

func TestCycle_GatewayRefreshFailureKeepsMirror(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Now().Add(-time.Minute))
	f.portal.fetchErr = &portal.TransportError{Op: "GET /system/gateway.jsp", Err: context.DeadlineExceeded}

	f.task.cycle(context.Background())

	require.Equal(t, 1, f.portal.fetchCalls)
	require.Zero(t, f.updates)

	mirrored, _, err := f.mirror.Snapshot(testSiteID)
	require.NoError(t, err)
	require.Equal(t, "PGZNG1", mirrored.Gateway.Model)
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Time{})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- f.task.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not stop on cancel")
	}
}
