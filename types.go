package adtpulse

import (
	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
	"github.com/rsnodgrass/go-adtpulse/internal/portal"
	"github.com/rsnodgrass/go-adtpulse/internal/session"
)

// The domain model lives in an internal package shared with the
// background tasks; aliases make the types nameable by importers.
type (
	// Site is one monitored premise with its panel and gateway.
	Site = site.Site
	// Zone is one sensor of a site.
	Zone = site.Zone
	// Panel is the alarm control panel.
	Panel = site.Panel
	// Gateway is the premise gateway.
	Gateway = site.Gateway
	// AlarmState is the alarm panel state as reported by the portal, or
	// the transient state following a just-issued command.
	AlarmState = site.AlarmState
	// ArmMode selects the target mode of an arm command.
	ArmMode = site.ArmMode
	// ZoneKind classifies the sensor behind a zone.
	ZoneKind = site.ZoneKind
	// ZoneState is the sensor state shown by the portal's status icons.
	ZoneState = site.ZoneState
	// SessionStatus is the portal session lifecycle state.
	SessionStatus = session.Status
)

// Alarm panel states.
const (
	StateDisarmed  = site.StateDisarmed
	StateArmedAway = site.StateArmedAway
	StateArmedStay = site.StateArmedStay
	StateArming    = site.StateArming
	StateDisarming = site.StateDisarming
	StateUnknown   = site.StateUnknown
)

// Arm modes.
const (
	ModeAway = site.ModeAway
	ModeStay = site.ModeStay
)

// Sensor kinds.
const (
	KindDoorWindow = site.KindDoorWindow
	KindMotion     = site.KindMotion
	KindGlass      = site.KindGlass
	KindSmoke      = site.KindSmoke
	KindCO         = site.KindCO
	KindFlood      = site.KindFlood
)

// Zone sensor states.
const (
	ZoneOK      = site.ZoneOK
	ZoneOpen    = site.ZoneOpen
	ZoneMotion  = site.ZoneMotion
	ZoneTamper  = site.ZoneTamper
	ZoneAlarm   = site.ZoneAlarm
	ZoneUnknown = site.ZoneUnknown
)

// Session lifecycle states.
const (
	StatusLoggedOut    = session.StatusLoggedOut
	StatusLoggingIn    = session.StatusLoggingIn
	StatusActive       = session.StatusActive
	StatusDegraded     = session.StatusDegraded
	StatusShuttingDown = session.StatusShuttingDown
)

// Error classification, re-exported so importers can use errors.Is and
// errors.As without reaching into internal packages.
var (
	// ErrAuthRejected means the portal rejected the credentials.
	ErrAuthRejected = portal.ErrAuthRejected
	// ErrMFARequired means the portal demanded an interactive
	// multi-factor challenge this client cannot answer. Register the
	// configured fingerprint with the portal to clear it.
	ErrMFARequired = portal.ErrMFARequired
	// ErrNotLoggedIn means no usable portal session exists.
	ErrNotLoggedIn = portal.ErrNotLoggedIn
	// ErrRejected means the panel refused an arm or disarm command.
	ErrRejected = portal.ErrRejected
)

type (
	// AccountLockedError reports a temporary account lockout with its
	// unlock time.
	AccountLockedError = portal.AccountLockedError
	// RetryAfterError reports a portal-imposed retry suspension.
	RetryAfterError = portal.RetryAfterError
)

// IsRetryable reports whether the error is transient and the same call
// can be expected to work later.
func IsRetryable(err error) bool {
	return portal.IsRetryable(err)
}

// GenerateFingerprint produces a random browser fingerprint in the form
// the portal accepts. Generate one, register it with the portal by
// completing the multi-factor challenge in a browser once, then reuse
// it so sign-ins stay off the multi-factor path.
func GenerateFingerprint() string {
	return portal.GenerateFingerprint()
}

// FingerprintFromBrowserJSON converts a fingerprint JSON blob captured
// from a signed-in browser into the portal's wire form.
func FingerprintFromBrowserJSON(data []byte) string {
	return portal.FingerprintFromBrowserJSON(data)
}
