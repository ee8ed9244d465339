// Package poller implements the change detection loop: a cheap marker
// poll at a fixed pace, a state refetch only when the marker moves, and
// the session health accounting driven by the outcomes.
package poller
