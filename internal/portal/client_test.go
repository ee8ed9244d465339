package portal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
)

const testVersion = "27.0.0-140"

// newPortalServer builds a fake portal. Every versioned path in handlers
// is mounted under /myhome/<version>; the root path always redirects to
// the versioned sign-in page, mirroring the real portal's behaviour.
func newPortalServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/myhome/"+testVersion+signinURI, http.StatusFound)
	})

	if _, ok := handlers[signinURI]; !ok {
		mux.HandleFunc("/myhome/"+testVersion+signinURI, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(notSignedInHTML))
		})
	}

	for path, handler := range handlers {
		mux.HandleFunc("/myhome/"+testVersion+path, handler)
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()

	client, err := NewClient(server.URL, Credentials{
		Username:    "user@example.com",
		Password:    "hunter2",
		Fingerprint: "fingerprint",
	})
	require.NoError(t, err)

	return client
}

// redirectToSummary is a sign-in handler that accepts any credentials.
func redirectToSummary(records *url.Values) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			_, _ = w.Write([]byte(notSignedInHTML))

			return
		}

		_ = r.ParseForm()

		if records != nil {
			*records = r.PostForm
		}

		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "fake-session", Path: "/"})
		http.Redirect(w, r, "/myhome/"+testVersion+summaryURI, http.StatusFound)
	}
}

func serveHTML(page string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(page))
	}
}

func TestClient_NewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewClient("", Credentials{Username: "a@b.c", Password: "p", Fingerprint: "f"})
	require.ErrorIs(t, err, errHostRequired)

	_, err = NewClient("https://portal.adtpulse.com", Credentials{Username: "a@b.c"})
	require.ErrorIs(t, err, errCredentialsRequired)
}

func TestClient_DiscoverVersion(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, nil)
	client := newTestClient(t, server)

	version, err := client.DiscoverVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, testVersion, version)
	require.Equal(t, testVersion, client.APIVersion())
}

func TestClient_Login(t *testing.T) {
	t.Parallel()

	var form url.Values

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI:  redirectToSummary(&form),
		summaryURI: serveHTML(summaryHTML),
	})
	client := newTestClient(t, server)

	summary, err := client.Login(context.Background())
	require.NoError(t, err)

	require.Equal(t, "1234567890", summary.SiteID)
	require.Equal(t, "Home - 123 Main St", summary.SiteName)
	require.Equal(t, site.StateDisarmed, summary.Orb.Alarm)

	require.Equal(t, "user@example.com", form.Get("usernameForm"))
	require.Equal(t, "hunter2", form.Get("passwordForm"))
	require.Equal(t, "fingerprint", form.Get("fingerprint"))

	require.Equal(t, "fake-session", client.SessionToken())
}

func TestClient_Login_BadCredentials(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI: func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				http.Redirect(w, r, "/myhome/"+testVersion+signinURI, http.StatusFound)

				return
			}

			_, _ = w.Write([]byte(badCredentialsHTML))
		},
	})
	client := newTestClient(t, server)

	_, err := client.Login(context.Background())
	require.ErrorIs(t, err, ErrAuthRejected)
	require.True(t, IsFatalAuth(err))
	require.False(t, IsRetryable(err))
}

func TestClient_Login_AccountLocked(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI: func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				http.Redirect(w, r, "/myhome/"+testVersion+signinURI, http.StatusFound)

				return
			}

			_, _ = w.Write([]byte(lockedOutHTML))
		},
	})
	client := newTestClient(t, server)

	_, err := client.Login(context.Background())
	require.True(t, IsFatalAuth(err))

	until, ok := RetryDeadline(err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(30*time.Minute), until, 5*time.Second)
}

func TestClient_Login_MFARequired(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI: func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				http.Redirect(w, r, "/myhome/"+testVersion+mfaURI, http.StatusFound)

				return
			}

			_, _ = w.Write([]byte(notSignedInHTML))
		},
		mfaURI: serveHTML(`<html><body>Enter the code we sent you.</body></html>`),
	})
	client := newTestClient(t, server)

	_, err := client.Login(context.Background())
	require.ErrorIs(t, err, ErrMFARequired)
	require.True(t, IsFatalAuth(err))
}

func TestClient_FetchSyncMarker(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		syncCheckURI: serveHTML("1-0-0"),
	})
	client := newTestClient(t, server)

	marker, err := client.FetchSyncMarker(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1-0-0", marker)
}

func TestClient_FetchSyncMarker_SessionExpired(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		syncCheckURI: func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/myhome/"+testVersion+signinURI, http.StatusFound)
		},
	})
	client := newTestClient(t, server)

	_, err := client.FetchSyncMarker(context.Background())
	require.ErrorIs(t, err, ErrNotLoggedIn)
	require.False(t, IsRetryable(err))
	require.False(t, IsFatalAuth(err))
}

func TestClient_FetchSyncMarker_GarbageBody(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		syncCheckURI: serveHTML("<html><body>Scheduled maintenance</body></html>"),
	})
	client := newTestClient(t, server)

	// A 200 that is neither a marker nor a sign-in bounce must not read
	// as an authentication verdict.
	_, err := client.FetchSyncMarker(context.Background())

	var parseErr *ParseError

	require.ErrorAs(t, err, &parseErr)
	require.False(t, IsFatalAuth(err))
}

func TestClient_FetchState(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		orbURI: serveHTML(summaryHTML),
	})
	client := newTestClient(t, server)

	status, err := client.FetchState(context.Background())
	require.NoError(t, err)

	require.Equal(t, site.StateDisarmed, status.Alarm)
	require.True(t, status.GatewayOnline)
	require.Len(t, status.Zones, 2)
}

func TestClient_FetchGateway(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		gatewayURI: serveHTML(gatewayDeviceHTML),
	})
	client := newTestClient(t, server)

	gateway, err := client.FetchGateway(context.Background())
	require.NoError(t, err)

	require.True(t, gateway.Online)
	require.Equal(t, "00A1B2C3D4E5", gateway.SerialNumber)
}

func TestClient_DiscoverDevices(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		systemURI: serveHTML(systemHTML),
		deviceURI: func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "1", r.URL.Query().Get("id"))
			_, _ = w.Write([]byte(panelDeviceHTML))
		},
		gatewayURI: serveHTML(gatewayDeviceHTML),
	})
	client := newTestClient(t, server)

	devices, err := client.DiscoverDevices(context.Background())
	require.NoError(t, err)

	require.Len(t, devices.Zones, 2)
	require.NotNil(t, devices.Panel)
	require.Equal(t, "Impassa SCW9057", devices.Panel.Model)
	require.NotNil(t, devices.Gateway)
	require.Equal(t, "ADT Pulse Gateway", devices.Gateway.Manufacturer)
}

func TestClient_Arm(t *testing.T) {
	t.Parallel()

	var armForm url.Values

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI:  redirectToSummary(nil),
		summaryURI: serveHTML(summaryHTML),
		armDisarmURI: func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			armForm = r.PostForm

			_, _ = w.Write([]byte(armAcceptedHTML))
		},
	})
	client := newTestClient(t, server)

	// Sign in first so the client captures the arm token.
	_, err := client.Login(context.Background())
	require.NoError(t, err)

	err = client.Arm(context.Background(), site.StateDisarmed, site.ModeAway, false)
	require.NoError(t, err)

	require.Equal(t, "rest/adt/ui/client/security/setArmState", armForm.Get("href"))
	require.Equal(t, "off", armForm.Get("armstate"))
	require.Equal(t, "away", armForm.Get("arm"))
	require.Equal(t, "4a8cfea0-226e-4bd6-9133-32a4b53919f2", armForm.Get("sat"))
}

func TestClient_Arm_Forced(t *testing.T) {
	t.Parallel()

	var armForm url.Values

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI:  redirectToSummary(nil),
		summaryURI: serveHTML(summaryHTML),
		armDisarmURI: func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			armForm = r.PostForm

			_, _ = w.Write([]byte(armAcceptedHTML))
		},
	})
	client := newTestClient(t, server)

	_, err := client.Login(context.Background())
	require.NoError(t, err)

	err = client.Arm(context.Background(), site.StateDisarmed, site.ModeStay, true)
	require.NoError(t, err)

	require.Equal(t, "rest/adt/ui/client/security/setForceArm", armForm.Get("href"))
	require.Equal(t, "forcearm", armForm.Get("armstate"))
	require.Equal(t, "stay", armForm.Get("arm"))
}

func TestClient_Arm_Rejected(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI:    redirectToSummary(nil),
		summaryURI:   serveHTML(summaryHTML),
		armDisarmURI: serveHTML(armRejectedHTML),
	})
	client := newTestClient(t, server)

	_, err := client.Login(context.Background())
	require.NoError(t, err)

	err = client.Arm(context.Background(), site.StateDisarmed, site.ModeAway, false)
	require.ErrorIs(t, err, ErrRejected)
}

func TestClient_Arm_NoToken(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, nil)
	client := newTestClient(t, server)

	err := client.Arm(context.Background(), site.StateDisarmed, site.ModeAway, false)
	require.ErrorIs(t, err, errNoSecurityToken)
}

func TestClient_Disarm(t *testing.T) {
	t.Parallel()

	var armForm url.Values

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI:  redirectToSummary(nil),
		summaryURI: serveHTML(summaryHTML),
		armDisarmURI: func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			armForm = r.PostForm

			_, _ = w.Write([]byte(armAcceptedHTML))
		},
	})
	client := newTestClient(t, server)

	_, err := client.Login(context.Background())
	require.NoError(t, err)

	err = client.Disarm(context.Background(), site.StateArmedAway)
	require.NoError(t, err)

	require.Equal(t, "away", armForm.Get("armstate"))
	require.Equal(t, "off", armForm.Get("arm"))
}

func TestClient_Keepalive(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		keepaliveURI: serveHTML(""),
	})
	client := newTestClient(t, server)

	require.NoError(t, client.Keepalive(context.Background()))
}

func TestClient_Keepalive_SessionExpired(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		keepaliveURI: func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/myhome/"+testVersion+signinURI, http.StatusFound)
		},
	})
	client := newTestClient(t, server)

	err := client.Keepalive(context.Background())
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestClient_Logout(t *testing.T) {
	t.Parallel()

	var query url.Values

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signoutURI: func(w http.ResponseWriter, r *http.Request) {
			query = r.URL.Query()

			_, _ = w.Write([]byte(notSignedInHTML))
		},
	})
	client := newTestClient(t, server)

	require.NoError(t, client.Logout(context.Background(), "1234567890"))
	require.Equal(t, "1234567890", query.Get("networkid"))
	require.Equal(t, "adt", query.Get("partner"))
}

func TestClient_RetryAfter(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		orbURI: func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	client := newTestClient(t, server)

	_, err := client.FetchState(context.Background())
	require.Error(t, err)
	require.True(t, IsRetryable(err))

	until, ok := RetryDeadline(err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(2*time.Minute), until, 5*time.Second)
}

func TestClient_Reset(t *testing.T) {
	t.Parallel()

	server := newPortalServer(t, map[string]http.HandlerFunc{
		signinURI:  redirectToSummary(nil),
		summaryURI: serveHTML(summaryHTML),
	})
	client := newTestClient(t, server)

	_, err := client.Login(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, client.SessionToken())

	require.NoError(t, client.Reset())
	require.Empty(t, client.SessionToken())

	// Version discovery survives a reset.
	require.Equal(t, testVersion, client.APIVersion())
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 9, 21, 12, 0, 0, 0, time.UTC)

	require.Equal(t, now.Add(90*time.Second), parseRetryAfter("90", now))
	require.True(t, parseRetryAfter("", now).IsZero())
	require.True(t, parseRetryAfter("soon", now).IsZero())
	require.True(t, parseRetryAfter("-5", now).IsZero())

	when := parseRetryAfter("Sat, 21 Sep 2024 12:30:00 GMT", now)
	require.Equal(t, time.Date(2024, 9, 21, 12, 30, 0, 0, time.UTC), when)
}
