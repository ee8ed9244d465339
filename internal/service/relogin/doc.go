// Package relogin implements the scheduled session refresh: the portal
// caps session lifetimes, so the engine refreshes its session on its
// own schedule instead of tripping over the portal's, signing all the
// way out and back in once a day.
package relogin
