package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rsnodgrass/go-adtpulse/internal/logger"
	"github.com/rsnodgrass/go-adtpulse/internal/portal"
)

// Status is the session lifecycle state.
type Status string

const (
	// StatusLoggedOut means no portal session exists.
	StatusLoggedOut Status = "logged-out"
	// StatusLoggingIn means a sign-in is in flight.
	StatusLoggingIn Status = "logging-in"
	// StatusActive means the portal session is healthy.
	StatusActive Status = "active"
	// StatusDegraded means the session is presumed alive but the portal
	// has stopped answering reliably, or the site gateway has dropped
	// offline.
	StatusDegraded Status = "degraded"
	// StatusShuttingDown is terminal; every operation fails afterwards.
	StatusShuttingDown Status = "shutting-down"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("session closed")
	// ErrInvalidTransition is returned when an operation is not valid in
	// the session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")

	// errTransportRequired is returned when no transport is provided.
	errTransportRequired = errors.New("transport must be provided")
)

// Transport is the slice of the portal client the session manager needs.
type Transport interface {
	// Login signs in and returns the parsed summary page.
	Login(ctx context.Context) (*portal.Summary, error)
	// Logout signs the portal session out.
	Logout(ctx context.Context, siteID string) error
	// SessionToken returns the current session cookie value.
	SessionToken() string
	// Reset forgets the session cookies without a server roundtrip.
	Reset() error
}

// Manager owns the portal session lifecycle. State transitions are
// serialized; reads never block on in-flight sign-ins. Safe for
// concurrent use.
type Manager struct {
	transport Transport

	mu           sync.Mutex
	status       Status
	token        string
	siteID       string
	generation   uint64
	lastLogin    time.Time
	lastActivity time.Time
}

// NewManager builds a session manager around the given transport.
func NewManager(transport Transport) (*Manager, error) {
	if transport == nil {
		return nil, errTransportRequired
	}

	return &Manager{
		transport: transport,
		status:    StatusLoggedOut,
	}, nil
}

// Login signs in from the logged-out state. On success the session is
// Active and the login generation advances, telling consumers to refetch
// everything. On failure the session returns to logged-out with the
// portal's error classification preserved.
func (m *Manager) Login(ctx context.Context) (*portal.Summary, error) {
	m.mu.Lock()

	switch m.status {
	case StatusShuttingDown:
		m.mu.Unlock()

		return nil, ErrClosed
	case StatusLoggedOut:
	default:
		status := m.status
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: login from %s", ErrInvalidTransition, status)
	}

	m.status = StatusLoggingIn
	m.mu.Unlock()

	return m.finishLogin(ctx, true)
}

// Relogin re-establishes the session. Quick relogin drops the local
// cookies and signs in again, preserving the consumers' incremental
// state. Full relogin signs out on the portal side first and advances
// the login generation, forcing a full refetch. Valid only while Active
// or Degraded.
func (m *Manager) Relogin(ctx context.Context, quick bool) (*portal.Summary, error) {
	m.mu.Lock()

	switch m.status {
	case StatusShuttingDown:
		m.mu.Unlock()

		return nil, ErrClosed
	case StatusActive, StatusDegraded:
	default:
		status := m.status
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: relogin from %s", ErrInvalidTransition, status)
	}

	siteID := m.siteID
	m.status = StatusLoggingIn
	m.token = ""
	m.mu.Unlock()

	if !quick {
		if err := m.transport.Logout(ctx, siteID); err != nil {
			logger.DebugKV(ctx, "sign-out before relogin failed", "error", err)
		}
	}

	if err := m.transport.Reset(); err != nil {
		m.failLogin()

		return nil, err
	}

	return m.finishLogin(ctx, !quick)
}

// finishLogin performs the sign-in and records the outcome.
func (m *Manager) finishLogin(ctx context.Context, advanceGeneration bool) (*portal.Summary, error) {
	summary, err := m.transport.Login(ctx)
	if err != nil {
		m.failLogin()

		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusShuttingDown {
		return nil, ErrClosed
	}

	now := time.Now()

	m.status = StatusActive
	m.token = m.transport.SessionToken()
	m.siteID = summary.SiteID
	m.lastLogin = now
	m.lastActivity = now

	if advanceGeneration {
		m.generation++
	}

	return summary, nil
}

// failLogin rolls a failed sign-in back to logged-out.
func (m *Manager) failLogin() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusLoggingIn {
		m.status = StatusLoggedOut
		m.token = ""
	}
}

// MarkDegraded flags a healthy session as unreliable. Reports whether
// the state changed. The session token survives.
func (m *Manager) MarkDegraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusActive {
		return false
	}

	m.status = StatusDegraded

	return true
}

// MarkRecovered returns a degraded session to Active. Reports whether
// the state changed.
func (m *Manager) MarkRecovered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != StatusDegraded {
		return false
	}

	m.status = StatusActive

	return true
}

// Logout signs out and returns to logged-out. Idempotent; portal-side
// sign-out failures are swallowed because the local session is gone
// either way.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()

	switch m.status {
	case StatusShuttingDown:
		m.mu.Unlock()

		return ErrClosed
	case StatusLoggedOut:
		m.mu.Unlock()

		return nil
	default:
	}

	siteID := m.siteID
	m.status = StatusLoggedOut
	m.token = ""
	m.mu.Unlock()

	if err := m.transport.Logout(ctx, siteID); err != nil {
		logger.DebugKV(ctx, "portal sign-out failed", "error", err)
	}

	return m.transport.Reset()
}

// Close moves the session to its terminal state, signing out first when
// a session was established. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()

	if m.status == StatusShuttingDown {
		m.mu.Unlock()

		return nil
	}

	hadSession := m.status == StatusActive || m.status == StatusDegraded
	siteID := m.siteID
	m.status = StatusShuttingDown
	m.token = ""
	m.mu.Unlock()

	if !hadSession {
		return nil
	}

	if err := m.transport.Logout(ctx, siteID); err != nil {
		logger.DebugKV(ctx, "portal sign-out failed", "error", err)
	}

	return m.transport.Reset()
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status
}

// Connected reports whether a portal session exists, healthy or not.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status == StatusActive || m.status == StatusDegraded
}

// Token returns the portal session token, empty when no session exists.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.token
}

// SiteID returns the site id learned at sign-in.
func (m *Manager) SiteID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.siteID
}

// Generation counts full sign-ins. Consumers that cache incremental
// state refetch from scratch when the generation moves.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.generation
}

// LastLogin returns when the current session was established.
func (m *Manager) LastLogin() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastLogin
}

// LastActivity returns when the portal last answered a request on this
// session.
func (m *Manager) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastActivity
}

// Touch records portal activity, pushing the idle clock forward.
func (m *Manager) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusActive || m.status == StatusDegraded {
		m.lastActivity = time.Now()
	}
}
