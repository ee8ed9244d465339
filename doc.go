// Package adtpulse monitors and controls an ADT Pulse security site
// through the customer web portal.
//
// The portal has no API: this package signs in the way a browser would,
// keeps the session alive, polls the portal's change detector, and
// mirrors the site, panel and sensor state in memory. Reads are answered
// from the mirror without touching the portal; arm and disarm commands
// go straight through and are confirmed by the next poll.
package adtpulse
