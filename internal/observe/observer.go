// Package observe mines credentials and flow coordinates from the portal's
// network traffic. It is strictly passive: nothing here talks to the page,
// it only watches requests go by.
package observe

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/bridge"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/extract"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/session"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/token"
)

// TabURLProvider looks up the current visible URL of a tab. Implemented by
// the CDP tab registry.
type TabURLProvider interface {
	URLForTab(tabID string) (string, bool)
}

// Observer handles request events from attached portal tabs.
type Observer struct {
	state  *session.State
	broker *bridge.Broker
	hosts  *HostFilter
	tabs   TabURLProvider
	buffer time.Duration

	now func() time.Time
}

func NewObserver(state *session.State, broker *bridge.Broker, hosts *HostFilter, tabs TabURLProvider, buffer time.Duration) *Observer {
	return &Observer{
		state:  state,
		broker: broker,
		hosts:  hosts,
		tabs:   tabs,
		buffer: buffer,
		now:    time.Now,
	}
}

// OnRequestWillBeSent is invoked once per outgoing request from an attached
// tab. Requests from the consumer surface's own tab are skipped outright:
// the consumer replays the discovered credential, and re-mining its calls
// would have the agent discover itself.
func (o *Observer) OnRequestWillBeSent(tabID string, ev *network.EventRequestWillBeSent) {
	if ev == nil || ev.Request == nil {
		return
	}
	if tabID != "" && tabID == o.state.ConsumerTabID() {
		return
	}

	reqURL := ev.Request.URL
	if !o.hosts.Match(reqURL) {
		return
	}

	o.observeAuthorization(reqURL, headerValue(ev.Request.Headers, "authorization"))
	o.observeCoordinate(tabID, reqURL)
}

// observeAuthorization tracks the bearer credential. Decoding only runs when
// the header value differs from the stored credential; identical repeats are
// free.
func (o *Observer) observeAuthorization(reqURL, auth string) {
	if auth == "" {
		// Expected for many requests, not an error.
		return
	}
	if auth == o.state.Credential() {
		return
	}

	expiry, err := token.Decode(auth)
	if err != nil {
		// Untrusted credential: keep current state.
		slog.Debug("credential decode failed, discarding", "url", reqURL, "error", err)
		return
	}

	base := endpointBase(reqURL)
	if base == "" {
		return
	}

	o.state.SetCredential(auth, expiry, base)
	slog.Info("credential observed", "endpoint_base", base, "expires_at", expiry.UTC())

	if token.Expired(expiry, o.buffer, o.now()) {
		slog.Info("observed credential already stale, push withheld", "expires_at", expiry.UTC())
		return
	}

	result := o.broker.Publish(bridge.CredentialUpdate(auth, base))
	slog.Debug("credential update publish", "result", result.String())
}

// observeCoordinate attempts extraction from the request URL, then falls
// back to the tab's current URL. The fallback covers SPA navigations where
// the interesting API call fired before we attached, or where the
// coordinate only ever appears in the visible URL.
func (o *Observer) observeCoordinate(tabID, reqURL string) {
	coord := extract.FromRequestURL(reqURL)
	if coord == nil && o.tabs != nil {
		if tabURL, ok := o.tabs.URLForTab(tabID); ok {
			coord = extract.FromTabURL(tabURL)
		}
	}
	if coord == nil {
		return
	}

	prev, had := o.state.Coordinate()
	o.state.SetCoordinate(*coord, tabID)
	if !had || prev != *coord {
		slog.Info("flow coordinate discovered, entry action available",
			"environment_id", coord.EnvironmentID,
			"resource_id", coord.ResourceID,
			"tab_id", tabID,
		)
	}
}

// headerValue does a case-insensitive lookup in a CDP header map.
func headerValue(headers network.Headers, name string) string {
	for k, v := range headers {
		if !strings.EqualFold(k, name) {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// endpointBase reduces a request URL to scheme+host.
func endpointBase(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
