package portal

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthRejected means the portal rejected the credentials.
	ErrAuthRejected = errors.New("portal rejected the credentials")
	// ErrMFARequired means the portal demanded an interactive multi-factor
	// challenge; the registered browser fingerprint was not accepted.
	ErrMFARequired = errors.New("portal requires a multi-factor challenge")
	// ErrNotLoggedIn means the portal no longer recognizes the session.
	ErrNotLoggedIn = errors.New("portal session is not logged in")
	// ErrRejected means the panel refused an arm or disarm command.
	ErrRejected = errors.New("panel rejected the command")
)

// TransportError wraps a network-level failure reaching the portal,
// including timeouts. Retryable under backoff.
type TransportError struct {
	// Op names the failed operation, such as "GET /ajax/orb.jsp".
	Op string
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying failure to errors.Is and errors.As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ParseError means a portal response did not have the expected shape,
// usually because the portal markup changed. The current cycle's results
// are discarded; the mirror keeps its last good state.
type ParseError struct {
	// URI is the page that failed to parse.
	URI string
	// Reason describes what was missing or malformed.
	Reason string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URI, e.Reason)
}

// AccountLockedError means the portal locked the account after repeated
// failed sign-ins. Signing in again before Until only extends the lock.
type AccountLockedError struct {
	// Until is when the portal will accept sign-ins again.
	Until time.Time
}

// Error implements the error interface.
func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}

// RetryAfterError means the portal asked the client to back off, through
// HTTP 429 or 503. Until is zero when the response carried no usable
// Retry-After header.
type RetryAfterError struct {
	// Status is the HTTP status code of the response.
	Status int
	// Until is when requests may resume.
	Until time.Time
}

// Error implements the error interface.
func (e *RetryAfterError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("portal unavailable (HTTP %d)", e.Status)
	}

	return fmt.Sprintf("portal unavailable (HTTP %d) until %s", e.Status, e.Until.Format(time.RFC3339))
}

// IsRetryable reports whether the error is transient and worth retrying
// under backoff: transport failures, timeouts and portal-imposed
// suspensions. Authentication and parse failures are not.
func IsRetryable(err error) bool {
	var (
		transportErr  *TransportError
		retryAfterErr *RetryAfterError
	)

	return errors.As(err, &transportErr) || errors.As(err, &retryAfterErr)
}

// IsFatalAuth reports whether relogin cannot fix the error: the
// credentials or fingerprint were rejected, or the account is locked.
func IsFatalAuth(err error) bool {
	var lockedErr *AccountLockedError

	return errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrMFARequired) ||
		errors.As(err, &lockedErr)
}

// RetryDeadline extracts a portal-imposed retry deadline when the error
// carries a usable one.
func RetryDeadline(err error) (time.Time, bool) {
	var (
		lockedErr     *AccountLockedError
		retryAfterErr *RetryAfterError
	)

	switch {
	case errors.As(err, &retryAfterErr) && !retryAfterErr.Until.IsZero():
		return retryAfterErr.Until, true
	case errors.As(err, &lockedErr):
		return lockedErr.Until, true
	default:
		return time.Time{}, false
	}
}
