package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	adtpulse "github.com/rsnodgrass/go-adtpulse"
	"github.com/rsnodgrass/go-adtpulse/internal/config"
)

// TestEngine_DegradesAndRecovers takes the change detector down until the
// session degrades, then brings it back and watches the session recover.
func TestEngine_DegradesAndRecovers(t *testing.T) {
	t.Parallel()

	f := newFakePortal(t)
	engine := startEngine(t, f, func(cfg *config.Config) {
		cfg.UnreachableThreshold = 2
	})

	require.Equal(t, adtpulse.StatusActive, engine.Status())

	f.setSyncFailing(true)

	require.Eventually(t, func() bool {
		return engine.Status() == adtpulse.StatusDegraded
	}, 15*time.Second, 100*time.Millisecond, "repeated failures should degrade the session")

	// The mirror keeps serving the last good state while degraded.
	premise, zones, err := engine.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "Home", premise.Name)
	require.Len(t, zones, 1)
	require.Equal(t, "Front Door", zones[0].Name)

	f.setSyncFailing(false)

	require.Eventually(t, func() bool {
		return engine.Status() == adtpulse.StatusActive
	}, 20*time.Second, 100*time.Millisecond, "first success should recover the session")
}

// TestEngine_SignsInAgainAfterExpiry drops the session on the portal side
// and verifies the engine signs in again and keeps polling.
func TestEngine_SignsInAgainAfterExpiry(t *testing.T) {
	t.Parallel()

	f := newFakePortal(t)
	engine := startEngine(t, f, nil)

	require.Equal(t, 1, f.loginCount())

	f.expireSession()

	require.Eventually(t, func() bool {
		return f.loginCount() >= 2 && engine.Status() == adtpulse.StatusActive
	}, 15*time.Second, 100*time.Millisecond, "engine should replace the dropped session")

	// Polling works on the replacement session.
	f.setZone("devStatOpen")

	require.Eventually(t, func() bool {
		_, zones, err := engine.Snapshot()

		return err == nil && len(zones) == 1 && zones[0].State == adtpulse.ZoneOpen
	}, 15*time.Second, 100*time.Millisecond, "zone change should arrive on the new session")
}

// TestEngine_TracksGatewayReachability flips the orb to offline and back
// and watches the mirrored gateway and the session status follow.
func TestEngine_TracksGatewayReachability(t *testing.T) {
	t.Parallel()

	f := newFakePortal(t)
	engine := startEngine(t, f, func(cfg *config.Config) {
		// One offline reading is enough; the slowed poll pace keeps
		// the test short.
		cfg.GatewayOfflineThreshold = 1
	})

	premise, _, err := engine.Snapshot()
	require.NoError(t, err)
	require.True(t, premise.Gateway.Online)

	f.setGatewayOnline(false)

	require.Eventually(t, func() bool {
		premise, _, snapErr := engine.Snapshot()

		return snapErr == nil && !premise.Gateway.Online
	}, 15*time.Second, 100*time.Millisecond, "mirror should mark the gateway offline")

	// Unreachable hardware degrades the session without dropping it.
	require.Equal(t, adtpulse.StatusDegraded, engine.Status())

	f.setGatewayOnline(true)

	require.Eventually(t, func() bool {
		premise, _, snapErr := engine.Snapshot()

		return snapErr == nil && premise.Gateway.Online
	}, 20*time.Second, 100*time.Millisecond, "mirror should mark the gateway back online")

	require.Equal(t, adtpulse.StatusActive, engine.Status())
}
