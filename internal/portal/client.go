package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
	"github.com/rsnodgrass/go-adtpulse/internal/logger"
)

// DefaultRequestTimeout bounds each portal call when no explicit timeout
// is configured.
const DefaultRequestTimeout = 30 * time.Second

var (
	// errHostRequired is returned when a portal host is missing.
	errHostRequired = errors.New("portal host must be provided")
	// errCredentialsRequired is returned when the account credentials are incomplete.
	errCredentialsRequired = errors.New("username, password and fingerprint must be provided")
	// errNoSecurityToken is returned when an arm command runs before any
	// page carrying the arm token was fetched.
	errNoSecurityToken = errors.New("no security token discovered yet")
)

// Credentials identify the portal account.
type Credentials struct {
	// Username is the account e-mail address.
	Username string
	// Password is the account password.
	Password string
	// Fingerprint is the registered browser fingerprint.
	Fingerprint string
}

// Client speaks the portal's cookie-authenticated HTML protocol.
// Authentication state lives in the cookie jar; Reset discards it.
// Safe for concurrent use.
type Client struct {
	host        string
	base        *url.URL
	credentials Credentials
	userAgent   string
	httpClient  *http.Client

	// callTimeout is the default timeout for individual portal calls.
	callTimeout time.Duration

	mu         sync.Mutex
	apiVersion string
	siteID     string
	sat        string
}

// Option configures client behaviour.
type Option func(*Client)

// WithCallTimeout sets a default timeout for portal calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithUserAgent overrides the browser identity presented to the portal.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client. The portal
// client installs its own cookie jar into it.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient builds a portal client for the given host, such as
// "https://portal.adtpulse.com".
func NewClient(host string, credentials Credentials, opts ...Option) (*Client, error) {
	if host == "" {
		return nil, errHostRequired
	}

	if credentials.Username == "" || credentials.Password == "" || credentials.Fingerprint == "" {
		return nil, errCredentialsRequired
	}

	base, err := url.Parse(strings.TrimRight(host, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse portal host: %w", err)
	}

	client := &Client{
		host:        strings.TrimRight(host, "/"),
		base:        base,
		credentials: credentials,
		userAgent:   defaultUserAgent,
		callTimeout: DefaultRequestTimeout,
	}

	for _, opt := range opts {
		opt(client)
	}

	if client.httpClient == nil {
		client.httpClient = &http.Client{}
	}

	if err = client.Reset(); err != nil {
		return nil, err
	}

	return client, nil
}

// Reset discards the session cookies, forgetting the portal session
// without a server roundtrip. The discovered API version and tokens
// survive so a later sign-in can reuse them.
func (c *Client) Reset() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}

	// The portal checks these before serving the desktop site.
	jar.SetCookies(c.base, []*http.Cookie{
		{Name: "X-mobile-browser", Value: "false"},
		{Name: "ICLocal", Value: "en_US"},
	})

	c.httpClient.Jar = jar

	return nil
}

// SessionToken returns the portal's session cookie value, empty when no
// session is established.
func (c *Client) SessionToken() string {
	scope := c.base.JoinPath("myhome")

	for _, cookie := range c.httpClient.Jar.Cookies(scope) {
		if cookie.Name == "JSESSIONID" {
			return cookie.Value
		}
	}

	return ""
}

// APIVersion returns the discovered portal version, empty before the
// first successful discovery.
func (c *Client) APIVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.apiVersion
}

// DiscoverVersion learns the portal's API version from the sign-in
// redirect. The version prefixes every portal path and changes when ADT
// deploys a new portal build.
func (c *Client) DiscoverVersion(ctx context.Context) (string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, c.host, nil)
	if err != nil {
		return "", fmt.Errorf("build version probe: %w", err)
	}

	c.decorate(req, false)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Op: "GET /", Err: err}
	}

	defer resp.Body.Close()

	if _, err = io.Copy(io.Discard, resp.Body); err != nil {
		return "", &TransportError{Op: "GET /", Err: err}
	}

	if err = statusError(resp, "GET /"); err != nil {
		return "", err
	}

	match := apiVersionPattern.FindStringSubmatch(resp.Request.URL.Path)
	if match == nil {
		return "", &ParseError{URI: resp.Request.URL.Path, Reason: "no API version in redirect path"}
	}

	c.mu.Lock()
	c.apiVersion = match[1]
	c.mu.Unlock()

	logger.DebugKV(ctx, "discovered portal version", "version", match[1])

	return match[1], nil
}

// Login signs in and parses the resulting summary page. A bounce back to
// the sign-in flow is classified into the authentication error taxonomy.
func (c *Client) Login(ctx context.Context) (*Summary, error) {
	form := url.Values{
		"usernameForm": {c.credentials.Username},
		"passwordForm": {c.credentials.Password},
		"networkid":    {c.rememberedSiteID()},
		"fingerprint":  {c.credentials.Fingerprint},
	}

	finalURL, body, err := c.do(ctx, http.MethodPost, signinURI, form, false)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(finalURL.Path, summaryURI) {
		return nil, c.classifySigninPage(finalURL, body)
	}

	summary, err := ParseSummary(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.siteID = summary.SiteID

	if summary.Orb.Sat != "" {
		c.sat = summary.Orb.Sat
	}
	c.mu.Unlock()

	return summary, nil
}

// Logout signs the session out on the portal side. An empty site id
// falls back to the one remembered from sign-in.
func (c *Client) Logout(ctx context.Context, siteID string) error {
	if siteID == "" {
		siteID = c.rememberedSiteID()
	}

	params := url.Values{
		"networkid": {siteID},
		"partner":   {"adt"},
	}

	if _, _, err := c.do(ctx, http.MethodGet, signoutURI, params, false); err != nil {
		return err
	}

	return nil
}

// Keepalive pings the portal's session extension endpoint. An expired
// session bounces to the sign-in page instead of failing outright.
func (c *Client) Keepalive(ctx context.Context) error {
	finalURL, body, err := c.do(ctx, http.MethodPost, keepaliveURI, nil, false)
	if err != nil {
		return err
	}

	if bouncedToSignin(finalURL) {
		return c.classifySigninPage(finalURL, body)
	}

	return nil
}

// FetchSyncMarker asks the portal's change detector for its current
// marker. The marker is an opaque dash-separated token; a changed marker
// means the premise state moved since the previous answer.
func (c *Client) FetchSyncMarker(ctx context.Context) (string, error) {
	params := url.Values{
		"ts": {strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}

	finalURL, body, err := c.do(ctx, http.MethodGet, syncCheckURI, params, true)
	if err != nil {
		return "", err
	}

	marker := strings.TrimSpace(string(body))
	if !syncMarkerPattern.MatchString(marker) {
		// A dead session answers with the sign-in page body.
		return "", c.classifySigninPage(finalURL, body)
	}

	return marker, nil
}

// FetchState reads the orb page, the portal's lightweight snapshot of
// the panel, gateway and sensors.
func (c *Client) FetchState(ctx context.Context) (*OrbStatus, error) {
	finalURL, body, err := c.do(ctx, http.MethodGet, orbURI, nil, true)
	if err != nil {
		return nil, err
	}

	if bouncedToSignin(finalURL) {
		return nil, c.classifySigninPage(finalURL, body)
	}

	status, err := ParseOrb(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if status.Sat != "" {
		c.mu.Lock()
		c.sat = status.Sat
		c.mu.Unlock()
	}

	return status, nil
}

// FetchGateway reads the gateway detail page.
func (c *Client) FetchGateway(ctx context.Context) (*site.Gateway, error) {
	finalURL, body, err := c.do(ctx, http.MethodGet, gatewayURI, nil, false)
	if err != nil {
		return nil, err
	}

	if bouncedToSignin(finalURL) {
		return nil, c.classifySigninPage(finalURL, body)
	}

	attrs, err := ParseDeviceAttributes(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	return GatewayFromAttributes(attrs, time.Now()), nil
}

// Devices is the inventory collected by device discovery.
type Devices struct {
	// Zones are the sensors with their names and kinds.
	Zones []site.Zone
	// Panel carries the panel hardware attributes when a panel row was
	// found, nil otherwise.
	Panel *site.Panel
	// Gateway carries the gateway attributes when a gateway row was
	// found, nil otherwise.
	Gateway *site.Gateway
}

// DiscoverDevices walks the system page and linked device pages.
// Attribute pages that fail to load are logged and skipped so one broken
// page does not lose the whole inventory.
func (c *Client) DiscoverDevices(ctx context.Context) (*Devices, error) {
	finalURL, body, err := c.do(ctx, http.MethodGet, systemURI, nil, false)
	if err != nil {
		return nil, err
	}

	if bouncedToSignin(finalURL) {
		return nil, c.classifySigninPage(finalURL, body)
	}

	system, err := ParseSystemDevices(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	devices := &Devices{Zones: system.Zones}

	if system.PanelDeviceID != "" {
		attrs, attrsErr := c.fetchDeviceAttributes(ctx, system.PanelDeviceID)
		if attrsErr != nil {
			logger.WarnKV(ctx, "could not load panel attributes", "error", attrsErr)
		} else {
			panel := &site.Panel{State: site.StateUnknown}
			ApplyPanelAttributes(panel, attrs)
			devices.Panel = panel
		}
	}

	if system.HasGateway {
		gateway, gatewayErr := c.FetchGateway(ctx)
		if gatewayErr != nil {
			logger.WarnKV(ctx, "could not load gateway attributes", "error", gatewayErr)
		} else {
			devices.Gateway = gateway
		}
	}

	return devices, nil
}

// fetchDeviceAttributes reads one device detail page by its portal id.
func (c *Client) fetchDeviceAttributes(ctx context.Context, deviceID string) (map[string]string, error) {
	params := url.Values{
		"id": {deviceID},
	}

	finalURL, body, err := c.do(ctx, http.MethodGet, deviceURI, params, false)
	if err != nil {
		return nil, err
	}

	if bouncedToSignin(finalURL) {
		return nil, c.classifySigninPage(finalURL, body)
	}

	return ParseDeviceAttributes(bytes.NewReader(body))
}

// Arm asks the panel to arm in the given mode. The current state must be
// the most recently observed one; the portal validates the transition
// against it. Force arming bypasses open sensors.
func (c *Client) Arm(ctx context.Context, current site.AlarmState, mode site.ArmMode, force bool) error {
	return c.armCommand(ctx, current, string(mode), force)
}

// Disarm asks the panel to disarm.
func (c *Client) Disarm(ctx context.Context, current site.AlarmState) error {
	return c.armCommand(ctx, current, "off", false)
}

func (c *Client) armCommand(ctx context.Context, current site.AlarmState, target string, force bool) error {
	sat := c.satToken()
	if sat == "" {
		return errNoSecurityToken
	}

	form := url.Values{
		"href":     {"rest/adt/ui/client/security/setArmState"},
		"armstate": {wireAlarmState(current)},
		"arm":      {target},
		"sat":      {sat},
	}

	if force {
		form.Set("href", "rest/adt/ui/client/security/setForceArm")
		form.Set("armstate", "forcearm")
	}

	finalURL, body, err := c.do(ctx, http.MethodPost, armDisarmURI, form, false)
	if err != nil {
		return err
	}

	if bouncedToSignin(finalURL) {
		return c.classifySigninPage(finalURL, body)
	}

	return ParseArmResult(bytes.NewReader(body))
}

// wireAlarmState maps a domain state to the short form the arm endpoint
// expects.
func wireAlarmState(state site.AlarmState) string {
	switch state {
	case site.StateDisarmed:
		return "off"
	case site.StateArmedAway:
		return "away"
	case site.StateArmedStay:
		return "stay"
	case site.StateArming:
		return "arming"
	case site.StateDisarming:
		return "disarming"
	default:
		return "unknown"
	}
}

// do performs one bounded portal request and returns the final URL after
// redirects together with the response body.
func (c *Client) do(
	ctx context.Context,
	method, uri string,
	params url.Values,
	background bool,
) (*url.URL, []byte, error) {
	if err := c.ensureVersion(ctx); err != nil {
		return nil, nil, err
	}

	target := c.makeURL(uri)

	var body io.Reader

	switch {
	case method == http.MethodPost && params != nil:
		body = strings.NewReader(params.Encode())
	case params != nil:
		target += "?" + params.Encode()
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, method, target, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build %s %s: %w", method, uri, err)
	}

	c.decorate(req, background)

	if method == http.MethodPost && params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	op := method + " " + uri

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Op: op, Err: err}
	}

	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransportError{Op: op, Err: err}
	}

	if err = statusError(resp, op); err != nil {
		return nil, nil, err
	}

	return resp.Request.URL, payload, nil
}

// ensureVersion discovers the portal version once and reuses it for
// every later call.
func (c *Client) ensureVersion(ctx context.Context) error {
	c.mu.Lock()
	known := c.apiVersion != ""
	c.mu.Unlock()

	if known {
		return nil
	}

	_, err := c.DiscoverVersion(ctx)

	return err
}

// makeURL builds a full versioned URL for a portal path.
func (c *Client) makeURL(uri string) string {
	c.mu.Lock()
	version := c.apiVersion
	c.mu.Unlock()

	return c.host + apiPrefix + version + uri
}

// decorate sets the browser impersonation headers.
func (c *Client) decorate(req *http.Request, background bool) {
	req.Header.Set("User-Agent", c.userAgent)

	if background {
		req.Header.Set("Accept", "*/*")
	} else {
		req.Header.Set("Accept", acceptHTML)
	}

	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
}

// classifySigninPage determines why the portal bounced a request back to
// the sign-in flow instead of serving the asked-for page.
func (c *Client) classifySigninPage(finalURL *url.URL, body []byte) error {
	if strings.HasSuffix(finalURL.Path, mfaURI) {
		return ErrMFARequired
	}

	if !strings.HasSuffix(finalURL.Path, signinURI) {
		// Landed on neither the asked-for page nor the sign-in flow,
		// typically a maintenance interstitial. Not an auth verdict.
		return &ParseError{URI: finalURL.Path, Reason: "unexpected response"}
	}

	warning := extractWarnMessage(body)

	switch {
	case warning == "":
		// No warning banner means the portal simply wants a sign-in.
		return ErrNotLoggedIn
	case strings.Contains(warning, "Try again in"):
		if until, ok := lockoutDeadline(warning, time.Now()); ok {
			return &AccountLockedError{Until: until}
		}

		return fmt.Errorf("%w: %s", ErrAuthRejected, warning)
	case strings.Contains(warning, "You have not yet signed in"):
		return ErrNotLoggedIn
	default:
		return fmt.Errorf("%w: %s", ErrAuthRejected, warning)
	}
}

// lockoutDeadline extracts the wait from a "Try again in N minutes"
// warning. Bare numbers are seconds.
func lockoutDeadline(warning string, now time.Time) (time.Time, bool) {
	match := digitsPattern.FindString(warning)
	if match == "" {
		return time.Time{}, false
	}

	amount, err := strconv.Atoi(match)
	if err != nil || amount <= 0 {
		return time.Time{}, false
	}

	wait := time.Duration(amount) * time.Second
	if strings.Contains(warning, "minute") {
		wait = time.Duration(amount) * time.Minute
	}

	return now.Add(wait), true
}

// bouncedToSignin reports whether a response landed on the sign-in flow
// instead of the requested page.
func bouncedToSignin(finalURL *url.URL) bool {
	return strings.HasSuffix(finalURL.Path, signinURI) || strings.HasSuffix(finalURL.Path, mfaURI)
}

// statusError classifies an HTTP error status. 429 and 503 carry the
// portal's own back-off request; everything else at or above 400 is a
// transport-level failure.
func statusError(resp *http.Response, op string) error {
	code := resp.StatusCode

	switch {
	case code < http.StatusBadRequest:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return &RetryAfterError{
			Status: code,
			Until:  parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	default:
		return &TransportError{Op: op, Err: fmt.Errorf("unexpected status %d", code)}
	}
}

// parseRetryAfter reads a Retry-After header valued either in seconds or
// as an HTTP date. Returns the zero time when the header is absent or
// malformed.
func parseRetryAfter(header string, now time.Time) time.Time {
	if header == "" {
		return time.Time{}
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds <= 0 {
			return time.Time{}
		}

		return now.Add(time.Duration(seconds) * time.Second)
	}

	if when, err := http.ParseTime(header); err == nil {
		return when
	}

	return time.Time{}
}

// rememberedSiteID returns the site id captured at the last sign-in.
func (c *Client) rememberedSiteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.siteID
}

// satToken returns the arm/disarm token captured from the last page that
// carried one.
func (c *Client) satToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sat
}

// callContext returns a context with the client's call timeout if
// configured, otherwise a cancellable child context without a deadline.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.callTimeout)
}
