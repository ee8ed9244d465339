// Package session tracks the portal session lifecycle: signing in,
// degrading when the portal stops answering, recovering, relogging in
// and shutting down. The background tasks consult and drive the session
// state instead of talking to the portal client's cookie jar directly.
package session
