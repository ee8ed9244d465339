package site

import "time"

// AlarmState is the alarm panel state as reported by the portal,
// or the transient state following a just-issued command.
type AlarmState string

const (
	// StateDisarmed means the panel is off.
	StateDisarmed AlarmState = "disarmed"
	// StateArmedAway means the panel is armed with nobody home.
	StateArmedAway AlarmState = "armed-away"
	// StateArmedStay means the panel is armed with occupants inside.
	StateArmedStay AlarmState = "armed-stay"
	// StateArming means an arm command was accepted and the panel has not
	// confirmed it yet.
	StateArming AlarmState = "arming"
	// StateDisarming means a disarm command was accepted and the panel has
	// not confirmed it yet.
	StateDisarming AlarmState = "disarming"
	// StateUnknown means the portal reported a state this client does not
	// recognize.
	StateUnknown AlarmState = "unknown"
)

// ArmMode selects the target mode of an arm command.
type ArmMode string

const (
	// ModeAway arms the panel for an empty premise.
	ModeAway ArmMode = "away"
	// ModeStay arms the panel with occupants inside.
	ModeStay ArmMode = "stay"
)

// TargetState returns the alarm state an accepted command in this mode
// settles into.
func (m ArmMode) TargetState() AlarmState {
	switch m {
	case ModeAway:
		return StateArmedAway
	case ModeStay:
		return StateArmedStay
	default:
		return StateUnknown
	}
}

// ArmDisarmGrace is how long an optimistic arming or disarming state
// shields the panel from contradicting poll observations. The portal keeps
// reporting the previous state for a few seconds after accepting a command.
const ArmDisarmGrace = 20 * time.Second

// Panel is the alarm control panel of one site.
type Panel struct {
	// State is the current panel state.
	State AlarmState
	// Model is the hardware model reported by the device page.
	Model string
	// Manufacturer is the hardware vendor reported by the device page.
	Manufacturer string
	// Online reports whether the portal considers the panel reachable.
	Online bool
	// ForceArmed reports whether the last arm command bypassed open sensors.
	ForceArmed bool
	// PendingSince is when the panel entered a transient arming or
	// disarming state. Zero when no command is pending.
	PendingSince time.Time
	// LastUpdated is when the state last changed.
	LastUpdated time.Time
}

// BeginTransition moves the panel into the transient state for a just
// accepted command.
func (p *Panel) BeginTransition(target AlarmState, forced bool, at time.Time) {
	if target == StateDisarmed {
		p.State = StateDisarming
	} else {
		p.State = StateArming
	}

	p.ForceArmed = forced
	p.PendingSince = at
	p.LastUpdated = at
}

// Observe applies a polled panel state. While a commanded transition is
// pending and inside the grace window, an observation contradicting the
// command is discarded: the portal reports the old state until the panel
// catches up. A confirming observation always lands.
func (p *Panel) Observe(observed AlarmState, at time.Time) {
	switch observed {
	case StateDisarmed:
		if p.State == StateArming && at.Sub(p.PendingSince) <= ArmDisarmGrace {
			return
		}
	case StateArmedAway, StateArmedStay:
		if p.State == StateDisarming && at.Sub(p.PendingSince) <= ArmDisarmGrace {
			return
		}
	}

	p.State = observed
	p.PendingSince = time.Time{}
	p.LastUpdated = at
}

// Gateway is the premise gateway bridging sensors to the portal.
type Gateway struct {
	// Online reports whether the portal can reach the gateway.
	Online bool
	// Manufacturer is the hardware vendor.
	Manufacturer string
	// Model is the hardware model.
	Model string
	// SerialNumber is the hardware serial number.
	SerialNumber string
	// FirmwareVersion is the installed firmware version.
	FirmwareVersion string
	// HardwareVersion is the hardware revision.
	HardwareVersion string
	// PrimaryConnectionType is how the gateway reaches the portal,
	// typically broadband or cellular.
	PrimaryConnectionType string
	// BroadbandIP is the gateway's WAN address when on broadband.
	BroadbandIP string
	// LastUpdated is when the attributes were last refreshed.
	LastUpdated time.Time
	// NextUpdate is when the portal expects to refresh the attributes;
	// a refresh before this instant would return the same data.
	NextUpdate time.Time
}

// Site is one monitored premise with its panel and gateway.
// Zones are tracked separately and keyed by site id.
type Site struct {
	// ID is the portal's network id for the premise.
	ID string
	// Name is the premise name as configured in the portal.
	Name string
	// Panel is the alarm control panel.
	Panel Panel
	// Gateway is the premise gateway.
	Gateway Gateway
	// LastUpdated is when any part of the site record last changed.
	LastUpdated time.Time
}

// Clone returns a copy of the site to avoid leaking internal references.
func (s *Site) Clone() *Site {
	if s == nil {
		return nil
	}

	cloned := *s

	return &cloned
}
