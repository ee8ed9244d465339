// Package portal implements the HTTP client for the ADT Pulse web
// portal. The portal has no API: the client signs in through the
// browser-facing form, keeps the session cookies in a jar, and scrapes
// state out of the HTML pages and the background endpoints the portal's
// own JavaScript polls. Errors are classified into a taxonomy the
// engine's tasks use to decide between retrying, relogging in and
// giving up.
package portal
