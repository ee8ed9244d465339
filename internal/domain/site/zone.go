package site

import (
	"strings"
	"time"
)

// ZoneKind classifies the sensor behind a zone.
type ZoneKind string

const (
	// KindDoorWindow is a door or window contact sensor.
	KindDoorWindow ZoneKind = "doorWindow"
	// KindMotion is a motion detector.
	KindMotion ZoneKind = "motion"
	// KindGlass is a glass-break detector.
	KindGlass ZoneKind = "glass"
	// KindSmoke is a smoke detector.
	KindSmoke ZoneKind = "smoke"
	// KindCO is a carbon-monoxide or gas detector.
	KindCO ZoneKind = "co"
	// KindFlood is a flood or moisture detector.
	KindFlood ZoneKind = "flood"
)

// kindsByKeyword maps words found in the portal's device type text to the
// sensor kind. The portal has no stable type identifier, only prose like
// "Door/Window Sensor" or "Motion Sensor (Police)".
var kindsByKeyword = map[string]ZoneKind{
	"DOOR":     KindDoorWindow,
	"WINDOW":   KindDoorWindow,
	"MOTION":   KindMotion,
	"GLASS":    KindGlass,
	"GAS":      KindCO,
	"CARBON":   KindCO,
	"SMOKE":    KindSmoke,
	"FLOOD":    KindFlood,
	"FLOOR":    KindFlood,
	"MOISTURE": KindFlood,
}

// KindFromDeviceType maps the portal's device type text to a sensor kind.
// The second return value reports whether a keyword matched; unmatched
// types default to door/window, the most common sensor.
func KindFromDeviceType(deviceType string) (ZoneKind, bool) {
	upper := strings.ToUpper(deviceType)
	for keyword, kind := range kindsByKeyword {
		if strings.Contains(upper, keyword) {
			return kind, true
		}
	}

	return KindDoorWindow, false
}

// ZoneState is the sensor state shown by the portal's status icons.
type ZoneState string

const (
	// ZoneOK means the sensor reports nothing unusual.
	ZoneOK ZoneState = "OK"
	// ZoneOpen means a door or window contact is open.
	ZoneOpen ZoneState = "Open"
	// ZoneMotion means a motion detector sees movement.
	ZoneMotion ZoneState = "Motion"
	// ZoneTamper means the device was tampered with or glass broke.
	ZoneTamper ZoneState = "Tamper"
	// ZoneAlarm means a smoke or CO detector is alarming.
	ZoneAlarm ZoneState = "Alarm"
	// ZoneUnknown means the sensor is offline or reported an
	// unrecognized icon.
	ZoneUnknown ZoneState = "Unknown"
)

// zoneIconPrefix starts every state icon name on the orb page.
const zoneIconPrefix = "devStat"

// ZoneStateFromIcon maps an orb status icon name, such as "devStatOK" or
// "devStatOpen", to a zone state.
func ZoneStateFromIcon(icon string) ZoneState {
	state := ZoneState(strings.TrimPrefix(icon, zoneIconPrefix))
	switch state {
	case ZoneOK, ZoneOpen, ZoneMotion, ZoneTamper, ZoneAlarm:
		return state
	default:
		return ZoneUnknown
	}
}

// Zone is one sensor of a site.
type Zone struct {
	// ID is the zone number.
	ID int
	// SiteID is the owning site's id.
	SiteID string
	// Name is the sensor name as configured in the portal.
	Name string
	// Kind classifies the sensor.
	Kind ZoneKind
	// State is the current sensor state.
	State ZoneState
	// Status is the sensor health, "Online" or a trouble description
	// such as "Low Battery".
	Status string
	// LastUpdated is the sensor's last event time as reported by the
	// portal, not the time this client refreshed it.
	LastUpdated time.Time
}
