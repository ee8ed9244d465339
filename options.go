package adtpulse

import (
	"net/http"

	"github.com/rsnodgrass/go-adtpulse/internal/portal"
)

// Option customizes the engine on construction.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for portal requests.
// The engine installs its own cookie jar on it.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.portalOpts = append(c.portalOpts, portal.WithHTTPClient(httpClient))
		}
	}
}

// WithUserAgent overrides the browser identity presented to the portal.
func WithUserAgent(agent string) Option {
	return func(c *Client) {
		if agent != "" {
			c.portalOpts = append(c.portalOpts, portal.WithUserAgent(agent))
		}
	}
}
