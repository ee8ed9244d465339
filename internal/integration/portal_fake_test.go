package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	adtpulse "github.com/rsnodgrass/go-adtpulse"
	"github.com/rsnodgrass/go-adtpulse/internal/config"
)

const portalVersion = "27.0.0-140"

// orbTemplate renders the shared orb fragment: orb color, status line and
// the single test zone's state icon.
const orbTemplate = `<canvas id="ic_orb" orb="%s"></canvas>
<span class="p_boldNormalTextLarge">%s</span>
<input id="security_button_0" type="button" value="Arm"
 onclick="setArmState('quickcontrol/armDisarm.jsp','href=rest/adt/ui/client/security/setArmState&armstate=off&arm=away&sat=5d1c2e94-3f1a-4b8e-9a31-0f2d6c8b7a55')">
<table>
<tr class="p_listRow">
 <td class="p_listRow"><div class="p_grayNormalText">Zone 1</div></td>
 <td class="p_listRow">Online</td>
 <td><canvas class="p_ic_icon_device" icon="%s"></canvas></td>
</tr>
</table>`

const summaryTemplate = `<html><body>
<span id="p_singlePremise">Home</span>
<a class="p_signoutlink" href="/myhome/27.0.0-140/access/signout.jsp?networkid=1234567890&partner=adt">Sign Out</a>
%s
</body></html>`

const systemFixture = `<html><body><table>
<tr class="p_listRow" onclick="goToUrl('device.jsp?id=11');">
 <td><canvas class="p_ic_icon_device" title="Online"></canvas></td>
 <td>Front Door</td><td>1</td><td>Main</td><td>Door/Window Sensor</td>
</tr>
<tr class="p_listRow" onclick="goToUrl('gateway.jsp');">
 <td></td><td>Gateway</td><td></td><td>Main</td><td></td>
</tr>
<tr class="p_listRow" onclick="goToUrl('device.jsp?id=1');">
 <td></td><td>Security Panel</td><td></td><td>Main</td><td></td>
</tr>
</table></body></html>`

const panelFixture = `<html><body><table>
<tr><td class="InputFieldDescriptionL">Manufacturer/Provider:</td><td>DSC</td></tr>
<tr><td class="InputFieldDescriptionL">Type/Model:</td><td>Impassa SCW9057</td></tr>
<tr><td class="InputFieldDescriptionL">Status:</td><td>Online</td></tr>
</table></body></html>`

const gatewayFixture = `<html><body><table>
<tr><td class="InputFieldDescriptionL">Status:</td><td>Online</td></tr>
<tr><td class="InputFieldDescriptionL">Type/Model:</td><td>PGZNG1</td></tr>
<tr><td class="InputFieldDescriptionL">Serial Number:</td><td>00:1A:2B:3C</td></tr>
</table></body></html>`

const signinFixture = `<html><body><form name="theform" action="signin.jsp"></form></body></html>`

const armAcceptedFixture = `<html><body><div class="p_armDisarmWrapper">Arming...</div></body></html>`

// portalState is the mutable premise state behind the fake portal.
type portalState struct {
	// marker is the change detector revision, rendered as "N-0-0".
	marker int
	// alarmText is the orb status line, such as "Disarmed. All Quiet.".
	alarmText string
	// orbColor is the orb color attribute, "offline" while the gateway
	// is unreachable.
	orbColor string
	// zoneIcon is the state icon of the single test zone.
	zoneIcon string
	// signedIn reports whether the current session cookie is honored.
	signedIn bool
	// syncFails makes the change detector answer with a server error.
	syncFails bool
}

// fakePortal is an in-process portal whose premise state tests mutate
// mid-run: zones open, the panel arms, sessions expire, the change
// detector goes down.
type fakePortal struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	state    portalState
	logins   int
	armForms []url.Values
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()

	f := &fakePortal{
		t: t,
		state: portalState{
			marker:    1,
			alarmText: "Disarmed. All Quiet.",
			orbColor:  "green",
			zoneIcon:  "devStatOK",
		},
	}

	prefix := "/myhome/" + portalVersion
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix+"/access/signin.jsp", http.StatusFound)
	})

	mux.HandleFunc(prefix+"/access/signin.jsp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			f.mu.Lock()
			f.state.signedIn = true
			f.logins++
			f.mu.Unlock()

			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "fake-session", Path: "/"})
			http.Redirect(w, r, prefix+"/summary/summary.jsp", http.StatusFound)

			return
		}

		serve(w, signinFixture)
	})

	mux.HandleFunc(prefix+"/access/signout.jsp", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.state.signedIn = false
		f.mu.Unlock()

		serve(w, signinFixture)
	})

	mux.HandleFunc(prefix+"/summary/summary.jsp", func(w http.ResponseWriter, r *http.Request) {
		if !f.requireSession(w, r) {
			return
		}

		f.mu.Lock()
		page := fmt.Sprintf(summaryTemplate, f.renderOrbLocked())
		f.mu.Unlock()

		serve(w, page)
	})

	mux.HandleFunc(prefix+"/ajax/orb.jsp", func(w http.ResponseWriter, r *http.Request) {
		if !f.requireSession(w, r) {
			return
		}

		f.mu.Lock()
		page := "<html><body>" + f.renderOrbLocked() + "</body></html>"
		f.mu.Unlock()

		serve(w, page)
	})

	mux.HandleFunc(prefix+"/Ajax/SyncCheckServ", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		failing, signedIn, marker := f.state.syncFails, f.state.signedIn, f.state.marker
		f.mu.Unlock()

		if failing {
			http.Error(w, "portal maintenance", http.StatusInternalServerError)

			return
		}

		if !signedIn {
			http.Redirect(w, r, prefix+"/access/signin.jsp", http.StatusFound)

			return
		}

		_, _ = fmt.Fprintf(w, "%d-0-0", marker)
	})

	mux.HandleFunc(prefix+"/KeepAlive", func(w http.ResponseWriter, r *http.Request) {
		if !f.requireSession(w, r) {
			return
		}

		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc(prefix+"/system/system.jsp", func(w http.ResponseWriter, r *http.Request) {
		if !f.requireSession(w, r) {
			return
		}

		serve(w, systemFixture)
	})

	mux.HandleFunc(prefix+"/system/device.jsp", func(w http.ResponseWriter, r *http.Request) {
		if !f.requireSession(w, r) {
			return
		}

		serve(w, panelFixture)
	})

	mux.HandleFunc(prefix+"/system/gateway.jsp", func(w http.ResponseWriter, r *http.Request) {
		if !f.requireSession(w, r) {
			return
		}

		serve(w, gatewayFixture)
	})

	mux.HandleFunc(prefix+"/quickcontrol/armDisarm.jsp", func(w http.ResponseWriter, r *http.Request) {
		if !f.requireSession(w, r) {
			return
		}

		require.NoError(t, r.ParseForm())

		f.mu.Lock()
		f.armForms = append(f.armForms, r.PostForm)
		f.applyArmLocked(r.PostForm.Get("arm"))
		f.mu.Unlock()

		serve(w, armAcceptedFixture)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	return f
}

// requireSession bounces the request to the sign-in page when the
// session is gone, the way the real portal does.
func (f *fakePortal) requireSession(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	signedIn := f.state.signedIn
	f.mu.Unlock()

	if !signedIn {
		http.Redirect(w, r, "/myhome/"+portalVersion+"/access/signin.jsp", http.StatusFound)

		return false
	}

	return true
}

func (f *fakePortal) renderOrbLocked() string {
	return fmt.Sprintf(orbTemplate, f.state.orbColor, f.state.alarmText, f.state.zoneIcon)
}

// applyArmLocked flips the premise to the commanded state, skipping the
// real panel's exit delay, and bumps the change marker.
func (f *fakePortal) applyArmLocked(arm string) {
	switch arm {
	case "away":
		f.state.alarmText = "Armed Away. All Quiet."
	case "stay":
		f.state.alarmText = "Armed Stay. All Quiet."
	case "off":
		f.state.alarmText = "Disarmed. All Quiet."
	}

	f.state.marker++
}

// setZone changes the test zone's state icon and bumps the change marker.
func (f *fakePortal) setZone(icon string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state.zoneIcon = icon
	f.state.marker++
}

// setGatewayOnline flips the premise gateway's reachability as shown by
// the orb and bumps the change marker.
func (f *fakePortal) setGatewayOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if online {
		f.state.orbColor = "green"
	} else {
		f.state.orbColor = "offline"
	}

	f.state.marker++
}

// expireSession invalidates the current session; the next background
// request bounces to the sign-in page.
func (f *fakePortal) expireSession() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state.signedIn = false
}

// setSyncFailing makes the change detector fail with a server error.
func (f *fakePortal) setSyncFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state.syncFails = failing
}

func (f *fakePortal) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.logins
}

func (f *fakePortal) armCommandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.armForms)
}

func serve(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(page))
}

// startEngine builds and starts an engine against the fake portal with a
// fast poll pace, stopping it when the test finishes.
func startEngine(t *testing.T, f *fakePortal, mutate func(*config.Config)) *adtpulse.Client {
	t.Helper()

	cfg := &config.Config{
		Username:    "user@example.com",
		Password:    "hunter2",
		Fingerprint: "integration-fingerprint",
		Host:        f.server.URL,
		// The floor; the portal's own browser client polls about this fast.
		PollInterval: time.Second,
		// Scheduled session refreshes would add unpredictable sign-ins.
		DisableRelogin: true,
	}

	if mutate != nil {
		mutate(cfg)
	}

	engine, err := adtpulse.New(cfg)
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))

	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Stop(stopCtx)
	})

	return engine
}
