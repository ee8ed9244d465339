// Package store keeps the in-memory mirror of portal state that the
// public API reads from. The background tasks write into it as polls
// complete; readers get consistent deep copies and never wait on the
// portal.
package store
