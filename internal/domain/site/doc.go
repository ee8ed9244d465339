// Package site contains the domain types mirrored from the portal: Site,
// Panel, Gateway and Zone, together with the mappings from the portal's
// prose (device type text, status icon names) to typed values.
//
// Panel.Observe implements the arm/disarm grace window: a just-commanded
// transition is not undone by a stale poll observation until the window
// elapses.
package site
