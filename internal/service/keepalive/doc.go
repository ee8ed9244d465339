// Package keepalive implements the session heartbeat: a periodic ping
// that stops the portal from expiring an idle session, with the gateway
// detail refresh piggybacked on successful pings.
package keepalive
