package portal

// Portal pages and endpoints, served under a versioned /myhome prefix.
const (
	signinURI    = "/access/signin.jsp"
	signoutURI   = "/access/signout.jsp"
	mfaURI       = "/mfa/mfaSignIn.jsp"
	summaryURI   = "/summary/summary.jsp"
	orbURI       = "/ajax/orb.jsp"
	systemURI    = "/system/system.jsp"
	deviceURI    = "/system/device.jsp"
	gatewayURI   = "/system/gateway.jsp"
	syncCheckURI = "/Ajax/SyncCheckServ"
	keepaliveURI = "/KeepAlive"
	armDisarmURI = "/quickcontrol/armDisarm.jsp"
)

// apiPrefix starts every versioned portal path.
const apiPrefix = "/myhome/"

// defaultUserAgent impersonates a desktop browser. The portal serves a
// reduced mobile site to anything else.
const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// acceptHTML is the Accept header of a browser page navigation.
// Background endpoints receive a plain */* instead.
const acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9," +
	"image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"
