package portal

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/rsnodgrass/go-adtpulse/internal/domain/site"
)

var (
	// syncMarkerPattern is the shape of a healthy sync-check response.
	syncMarkerPattern = regexp.MustCompile(`^\d+-\d+-\d+$`)
	// networkIDPattern extracts the site id from the signout link.
	networkIDPattern = regexp.MustCompile(`networkid=(.+)&`)
	// satPattern extracts the arm/disarm token from a security button handler.
	satPattern = regexp.MustCompile(`sat=([a-z0-9\-]+)`)
	// apiVersionPattern extracts the portal version from a redirect path.
	apiVersionPattern = regexp.MustCompile(apiPrefix + `(.+)/[a-z]*/`)
	// deviceIDPattern extracts the device id from a system page row handler.
	deviceIDPattern = regexp.MustCompile(`goToUrl\('device\.jsp\?id=(\d+)'\);`)
	// digitsPattern finds the lockout duration inside a warning message.
	digitsPattern = regexp.MustCompile(`\d+`)
)

// Summary is what a successful sign-in learns from the summary page.
type Summary struct {
	// SiteID is the portal's network id for the premise.
	SiteID string
	// SiteName is the human premise name.
	SiteName string
	// Orb is the state snapshot embedded in the page.
	Orb OrbStatus
}

// OrbStatus is one parsed reading of the orb state page.
type OrbStatus struct {
	// Alarm is the panel state shown by the page.
	Alarm site.AlarmState
	// AlarmText is the raw status line, kept for diagnostics.
	AlarmText string
	// GatewayOnline reports whether the premise gateway is reachable.
	GatewayOnline bool
	// Zones are the sensor rows in portal order. Rows carry state only;
	// names and kinds come from device discovery.
	Zones []site.Zone
	// Sat is the arm/disarm token when the page carries one.
	Sat string
}

// SystemDevices is the device inventory listed by the system page.
type SystemDevices struct {
	// Zones are the sensor rows with their names and kinds.
	Zones []site.Zone
	// HasGateway reports whether a gateway row was present.
	HasGateway bool
	// PanelDeviceID is the device id of the security panel row,
	// empty when no panel row was found.
	PanelDeviceID string
}

// ParseSummary parses the page the portal serves after sign-in.
func ParseSummary(r io.Reader) (*Summary, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, &ParseError{URI: summaryURI, Reason: err.Error()}
	}

	premise := findNode(root, byID("span", "p_singlePremise"))
	if premise == nil {
		return nil, &ParseError{URI: summaryURI, Reason: "no premise name"}
	}

	signout := findNode(root, byClass("a", "p_signoutlink"))
	if signout == nil {
		return nil, &ParseError{URI: summaryURI, Reason: "no signout link"}
	}

	match := networkIDPattern.FindStringSubmatch(attrValue(signout, "href"))
	if match == nil {
		return nil, &ParseError{URI: summaryURI, Reason: "no site id in signout link"}
	}

	orb, err := parseOrb(root, summaryURI)
	if err != nil {
		return nil, err
	}

	return &Summary{
		SiteID:   match[1],
		SiteName: nodeText(premise),
		Orb:      *orb,
	}, nil
}

// ParseOrb parses the lightweight state page polled between sync checks.
func ParseOrb(r io.Reader) (*OrbStatus, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, &ParseError{URI: orbURI, Reason: err.Error()}
	}

	return parseOrb(root, orbURI)
}

func parseOrb(root *html.Node, uri string) (*OrbStatus, error) {
	orb := findNode(root, byID("canvas", "ic_orb"))
	if orb == nil {
		return nil, &ParseError{URI: uri, Reason: "no status orb"}
	}

	alarm := findNode(root, byClass("span", "p_boldNormalTextLarge"))
	if alarm == nil {
		return nil, &ParseError{URI: uri, Reason: "no alarm status text"}
	}

	status := &OrbStatus{
		AlarmText:     nodeText(alarm),
		GatewayOnline: attrValue(orb, "orb") != "offline",
		Zones:         parseOrbZones(root),
	}
	status.Alarm = alarmStateFromText(status.AlarmText)

	if button := findNode(root, byID("input", "security_button_0")); button != nil {
		if match := satPattern.FindStringSubmatch(attrValue(button, "onclick")); match != nil {
			status.Sat = match[1]
		}
	}

	return status, nil
}

// alarmStateFromText maps the orb's status line to a panel state.
// The portal leads with the state name and appends detail, such as
// "Disarmed. All Quiet." or "Armed Away. 1 Sensor Open.".
func alarmStateFromText(text string) site.AlarmState {
	switch {
	case strings.HasPrefix(text, "Disarmed"):
		return site.StateDisarmed
	case strings.HasPrefix(text, "Armed Away"):
		return site.StateArmedAway
	case strings.HasPrefix(text, "Armed Stay"):
		return site.StateArmedStay
	default:
		return site.StateUnknown
	}
}

// parseOrbZones reads the sensor rows of an orb page. A row without the
// expected label layout stops the walk, protecting against portal markup
// changes half way through a page.
func parseOrbZones(root *html.Node) []site.Zone {
	var zones []site.Zone

	now := time.Now()

	for _, row := range findAllNodes(root, byClass("tr", "p_listRow")) {
		label := findNode(row, byClass("div", "p_grayNormalText"))
		if label == nil {
			break
		}

		id, err := zoneNumber(nodeText(label))
		if err != nil {
			continue
		}

		zone := site.Zone{
			ID:    id,
			State: site.ZoneUnknown,
		}

		if icon := findNode(row, byClass("span", "devStatIcon")); icon != nil {
			raw := strings.TrimPrefix(attrValue(icon, "title"), "Last Event:")
			if when, err := parsePulseTime(raw, now); err == nil {
				zone.LastUpdated = when
			}
		}

		if icon := findNode(row, byClass("canvas", "p_ic_icon_device")); icon != nil {
			zone.State = site.ZoneStateFromIcon(attrValue(icon, "icon"))
		}

		zone.Status = zoneStatus(row)

		zones = append(zones, zone)
	}

	return zones
}

// zoneNumber parses a "Zone N" label.
func zoneNumber(label string) (int, error) {
	number := strings.TrimSpace(strings.TrimPrefix(label, "Zone"))

	id, err := strconv.Atoi(number)
	if err != nil {
		return 0, fmt.Errorf("malformed zone label %q: %w", label, err)
	}

	return id, nil
}

// zoneStatus reads the human status column of a sensor row. Trouble
// statuses carry the detail after the word itself.
func zoneStatus(row *html.Node) string {
	cells := findAllNodes(row, byClass("td", "p_listRow"))
	if len(cells) < 2 {
		return "Online"
	}

	text := nodeText(cells[1])
	if text == "" {
		return "Online"
	}

	fields := strings.Fields(text)
	if fields[0] == "Trouble" && len(fields) > 1 {
		return strings.Join(fields[1:], " ")
	}

	return text
}

// ParseSystemDevices parses the system page's device inventory.
func ParseSystemDevices(r io.Reader) (*SystemDevices, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, &ParseError{URI: systemURI, Reason: err.Error()}
	}

	devices := &SystemDevices{}

	for _, row := range findAllNodes(root, byClass("tr", "p_listRow")) {
		if attrValue(row, "onclick") == "" {
			continue
		}

		cells := findAllNodes(row, func(n *html.Node) bool { return n.Data == "td" })
		if len(cells) < 5 {
			continue
		}

		name := strings.TrimSpace(nodeText(cells[1]))
		zoneID := strings.TrimSpace(nodeText(cells[2]))
		deviceType := strings.TrimSpace(nodeText(cells[4]))

		if zone, ok := zoneFromSystemRow(cells, name, zoneID, deviceType); ok {
			devices.Zones = append(devices.Zones, zone)

			continue
		}

		onclick := attrValue(row, "onclick")
		if strings.Contains(onclick, "gateway.jsp") || name == "Gateway" {
			devices.HasGateway = true

			continue
		}

		if match := deviceIDPattern.FindStringSubmatch(onclick); match != nil {
			if match[1] == "1" || name == "Security Panel" {
				devices.PanelDeviceID = match[1]
			}
		}
	}

	return devices, nil
}

// zoneFromSystemRow builds a zone record from a system page row when the
// row describes a sensor.
func zoneFromSystemRow(cells []*html.Node, name, zoneID, deviceType string) (site.Zone, bool) {
	if name == "" || deviceType == "" {
		return site.Zone{}, false
	}

	id, err := strconv.Atoi(zoneID)
	if err != nil {
		return site.Zone{}, false
	}

	kind, _ := site.KindFromDeviceType(deviceType)

	zone := site.Zone{
		ID:     id,
		Name:   name,
		Kind:   kind,
		State:  site.ZoneUnknown,
		Status: "Unknown",
	}

	if icon := findNode(cells[0], byClass("canvas", "p_ic_icon_device")); icon != nil {
		if title := attrValue(icon, "title"); title != "" {
			zone.Status = title
		}
	}

	return zone, true
}

// ParseDeviceAttributes parses a device detail page into normalized
// attribute keys, such as "serial_number" or "broadband_lan_ip_address".
func ParseDeviceAttributes(r io.Reader) (map[string]string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, &ParseError{URI: deviceURI, Reason: err.Error()}
	}

	attrs := make(map[string]string)

	for _, cell := range findAllNodes(root, byClass("td", "InputFieldDescriptionL")) {
		key := normalizeAttributeName(nodeText(cell))
		if key == "" {
			continue
		}

		value := "Unknown"
		if sibling := nextElementSibling(cell); sibling != nil {
			if text := nodeText(sibling); text != "" {
				value = text
			}
		}

		attrs[key] = value
	}

	if len(attrs) == 0 {
		return nil, &ParseError{URI: deviceURI, Reason: "no device attributes"}
	}

	return attrs, nil
}

// normalizeAttributeName turns a label like "Broadband LAN IP Address:"
// into "broadband_lan_ip_address".
func normalizeAttributeName(label string) string {
	key := strings.TrimSpace(strings.ToLower(label))
	key = strings.TrimRight(key, ":")
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, "/", "_")

	return key
}

// GatewayFromAttributes maps device page attributes onto a gateway record.
func GatewayFromAttributes(attrs map[string]string, now time.Time) *site.Gateway {
	gateway := &site.Gateway{
		Online:                attrs["status"] == "Online",
		Manufacturer:          attrs["manufacturer_provider"],
		Model:                 attrs["type_model"],
		SerialNumber:          attrs["serial_number"],
		FirmwareVersion:       attrs["firmware_version"],
		HardwareVersion:       attrs["hardware_version"],
		PrimaryConnectionType: attrs["primary_connection_type"],
		BroadbandIP:           attrs["broadband_lan_ip_address"],
		LastUpdated:           now,
	}

	if when, err := parsePulseTime(attrs["next_update"], now); err == nil {
		gateway.NextUpdate = when
	}

	return gateway
}

// ApplyPanelAttributes copies device page attributes onto a panel record.
func ApplyPanelAttributes(panel *site.Panel, attrs map[string]string) {
	panel.Model = attrs["type_model"]
	if panel.Model == "" {
		panel.Model = "Unknown"
	}

	panel.Manufacturer = attrs["manufacturer_provider"]
	if panel.Manufacturer == "" {
		panel.Manufacturer = "ADT"
	}

	panel.Online = attrs["status"] == "Online"
}

// ParseArmResult inspects the arm/disarm response page. The portal
// renders an explanation inside the arm wrapper when the panel refuses,
// for example when sensors are open and force arming was not requested.
func ParseArmResult(r io.Reader) error {
	root, err := html.Parse(r)
	if err != nil {
		return &ParseError{URI: armDisarmURI, Reason: err.Error()}
	}

	wrapper := findNode(root, byClass("div", "p_armDisarmWrapper"))
	if wrapper == nil {
		return nil
	}

	var inner *html.Node

	for child := wrapper.FirstChild; child != nil; child = child.NextSibling {
		if inner = findNode(child, func(n *html.Node) bool { return n.Data == "div" }); inner != nil {
			break
		}
	}

	if inner == nil {
		return nil
	}

	text := strings.Join(strings.Fields(nodeText(wrapper)), " ")
	text = strings.TrimSpace(strings.ReplaceAll(text, "Arm AnywayCancel", ""))

	if text == "" {
		return ErrRejected
	}

	return fmt.Errorf("%w: %s", ErrRejected, text)
}

// extractWarnMessage returns the sign-in page's warning banner text,
// empty when the page shows none.
func extractWarnMessage(body []byte) string {
	root, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}

	warning := findNode(root, byID("div", "warnMsgContents"))
	if warning == nil {
		return ""
	}

	return strings.Join(strings.Fields(nodeText(warning)), " ")
}

// parsePulseTime parses the portal's human timestamps, such as
// "Today 9:42 AM", "Yesterday 1:52 PM" or "9/21 12:15 AM". Dates without
// a year belong to the most recent matching day.
func parsePulseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, " ", " "))

	fields := strings.Fields(s)
	if len(fields) < 3 {
		return time.Time{}, fmt.Errorf("malformed portal time %q", s)
	}

	var day time.Time

	switch fields[0] {
	case "Today":
		day = now
	case "Yesterday":
		day = now.AddDate(0, 0, -1)
	default:
		parsed, err := time.ParseInLocation("1/2/2006", fields[0]+"/"+strconv.Itoa(now.Year()), now.Location())
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed portal date %q: %w", fields[0], err)
		}

		day = parsed
		if day.After(now) {
			day = day.AddDate(-1, 0, 0)
		}
	}

	clock, err := time.Parse("3:04PM", fields[1]+fields[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed portal clock %q: %w", fields[1]+" "+fields[2], err)
	}

	return time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location()), nil
}

// findNode walks the tree depth first and returns the first element
// matching the predicate.
func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n == nil {
		return nil
	}

	if n.Type == html.ElementNode && match(n) {
		return n
	}

	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if found := findNode(child, match); found != nil {
			return found
		}
	}

	return nil
}

// findAllNodes walks the tree depth first and collects every element
// matching the predicate.
func findAllNodes(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var found []*html.Node

	var walk func(*html.Node)

	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			found = append(found, n)
		}

		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	walk(n)

	return found
}

// byID matches an element by tag and id attribute.
func byID(tag, id string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Data == tag && attrValue(n, "id") == id
	}
}

// byClass matches an element by tag and one of its classes.
func byClass(tag, class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Data == tag && hasClass(n, class)
	}
}

// attrValue returns the value of the named attribute, empty when absent.
func attrValue(n *html.Node, name string) string {
	for _, attr := range n.Attr {
		if attr.Key == name {
			return attr.Val
		}
	}

	return ""
}

// hasClass reports whether the node's class list contains the class.
func hasClass(n *html.Node, class string) bool {
	for _, candidate := range strings.Fields(attrValue(n, "class")) {
		if candidate == class {
			return true
		}
	}

	return false
}

// nodeText concatenates the text content below the node.
func nodeText(n *html.Node) string {
	var sb strings.Builder

	var walk func(*html.Node)

	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}

		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	walk(n)

	return strings.TrimSpace(strings.ReplaceAll(sb.String(), " ", " "))
}

// nextElementSibling returns the next sibling that is an element.
func nextElementSibling(n *html.Node) *html.Node {
	for sibling := n.NextSibling; sibling != nil; sibling = sibling.NextSibling {
		if sibling.Type == html.ElementNode {
			return sibling
		}
	}

	return nil
}
