// Package activate decides what happens when the user invokes the agent.
// The controller only reads discovery state and branches on it; all state
// transitions are driven by the traffic observer. The single exception is
// the last-ditch tab-URL extraction on entry, which feeds the same setter
// the observer uses.
package activate

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/agentfault"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/bridge"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/config"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/extract"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/notify"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/session"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/token"
)

// State classifies the discovery record for the entry action.
type State string

const (
	StateNoContext    State = "no-context"
	StateNoToken      State = "no-token"
	StateExpiredToken State = "expired-token"
	StateValidToken   State = "valid-token"
)

// Browser is the small slice of CDP operations the controller needs.
// Implemented by cdp.Client.
type Browser interface {
	ActiveTab(ctx context.Context) (tabID, url string, err error)
	OpenTab(ctx context.Context, url string) (tabID string, err error)
	FocusTab(ctx context.Context, tabID string) error
	ReloadTab(ctx context.Context, tabID string) error
	HasTab(tabID string) bool
}

// Result describes a successful entry action.
type Result struct {
	State         State  `json:"state"`
	ConsumerTabID string `json:"consumer_tab_id,omitempty"`
	ConsumerURL   string `json:"consumer_url,omitempty"`
	Focused       bool   `json:"focused,omitempty"`
}

// Controller gates the consumer surface launch on discovery state.
type Controller struct {
	state    *session.State
	browser  Browser
	notifier *notify.Notifier

	consumerURL  string
	portalFilter string
	buffer       time.Duration
	maxWait      time.Duration

	now func() time.Time
}

func NewController(state *session.State, browser Browser, notifier *notify.Notifier, cfg *config.Config) *Controller {
	return &Controller{
		state:        state,
		browser:      browser,
		notifier:     notifier,
		consumerURL:  cfg.ConsumerURL,
		portalFilter: cfg.PortalTabFilter,
		buffer:       time.Duration(cfg.ExpiryBufferSeconds) * time.Second,
		maxWait:      time.Duration(cfg.DiscoveryWaitSeconds) * time.Second,
		now:          time.Now,
	}
}

// Evaluate classifies the current discovery record.
func (c *Controller) Evaluate() State {
	snap := c.state.Snapshot()
	switch {
	case snap.Coordinate == nil:
		return StateNoContext
	case snap.Credential == "":
		return StateNoToken
	case token.Expired(snap.Expiry, c.buffer, c.now()):
		return StateExpiredToken
	default:
		return StateValidToken
	}
}

// Activate runs the entry action: launch (or focus) the consumer surface if
// enough state exists, otherwise surface a diagnostic naming exactly which
// piece is missing.
func (c *Controller) Activate(ctx context.Context) (Result, error) {
	st := c.Evaluate()

	if st == StateNoContext {
		var err error
		st, err = c.lastDitchExtraction(ctx)
		if err != nil {
			return Result{State: StateNoContext}, err
		}
	}

	switch st {
	case StateNoToken:
		return Result{State: st}, c.diagnose(ctx, agentfault.CodeNoToken,
			"Flow detected, but no sign-in token has been observed yet. Interact with the portal (refresh the flow page) so a request can be captured, then try again.")
	case StateExpiredToken:
		return Result{State: st}, c.diagnose(ctx, agentfault.CodeTokenExpired,
			"The captured sign-in token has expired. Sign in to the portal again, then retry.")
	case StateValidToken:
		return c.launchConsumer(ctx)
	default:
		// lastDitchExtraction reports NoContext through its own diagnostics.
		return Result{State: StateNoContext}, agentfault.New(agentfault.CodeNoActivity, "no flow context discovered")
	}
}

// lastDitchExtraction tries the active tab's URL when no coordinate was
// discovered from traffic. On a miss it distinguishes "wrong site" from
// "right site, not yet interacted with".
func (c *Controller) lastDitchExtraction(ctx context.Context) (State, error) {
	tabID, tabURL, err := c.browser.ActiveTab(ctx)
	if err != nil {
		return StateNoContext, c.diagnoseWrap(ctx, agentfault.CodeCDPUnavailable,
			"No browser tab could be inspected. Check that the browser is running with remote debugging enabled.", err)
	}

	coord := extract.FromTabURL(tabURL)
	if coord == nil {
		if c.onPortal(tabURL) {
			return StateNoContext, c.diagnose(ctx, agentfault.CodeNoActivity,
				"You are on the portal, but no flow has been detected yet. Open a flow and try again.")
		}
		return StateNoContext, c.diagnose(ctx, agentfault.CodeWrongSite,
			"The current tab is not the flow portal. Open your flow in the portal, then try again.")
	}

	c.state.SetCoordinate(*coord, tabID)
	slog.Info("flow coordinate recovered from active tab",
		"environment_id", coord.EnvironmentID, "resource_id", coord.ResourceID, "tab_id", tabID)
	return c.Evaluate(), nil
}

func (c *Controller) launchConsumer(ctx context.Context) (Result, error) {
	snap := c.state.Snapshot()
	if snap.Coordinate == nil {
		return Result{State: StateNoContext}, agentfault.New(agentfault.CodeNoActivity, "no flow context discovered")
	}

	if id := snap.ConsumerTabID; id != "" && c.browser.HasTab(id) {
		if err := c.browser.FocusTab(ctx, id); err == nil {
			slog.Info("focused existing consumer tab", "tab_id", id)
			return Result{State: StateValidToken, ConsumerTabID: id, Focused: true}, nil
		}
		slog.Warn("failed to focus consumer tab, opening a new one", "tab_id", id)
	}

	launchURL := c.consumerLaunchURL(*snap.Coordinate)
	id, err := c.browser.OpenTab(ctx, launchURL)
	if err != nil {
		return Result{State: StateValidToken}, c.diagnoseWrap(ctx, agentfault.CodeCDPUnavailable,
			"Could not open the editor tab.", err)
	}

	c.state.SetConsumerTab(id)
	slog.Info("opened consumer tab", "tab_id", id, "url", launchURL)
	return Result{State: StateValidToken, ConsumerTabID: id, ConsumerURL: launchURL}, nil
}

// consumerLaunchURL appends the coordinate as initialization parameters.
// This query string is the only contract with the externally-owned editor.
func (c *Controller) consumerLaunchURL(coord extract.Coordinate) string {
	u, err := url.Parse(c.consumerURL)
	if err != nil {
		return c.consumerURL
	}
	q := u.Query()
	q.Set("envId", coord.EnvironmentID)
	q.Set("resourceId", coord.ResourceID)
	u.RawQuery = q.Encode()
	return u.String()
}

// AwaitContext waits, up to the configured bound, for discovery to yield a
// coordinate. The wait is advisory UX only: discovery itself continues in
// the background regardless of the outcome.
func (c *Controller) AwaitContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	if wait > c.maxWait {
		wait = c.maxWait
	}
	if _, ok := c.state.Coordinate(); ok {
		return nil
	}

	deadline := c.now().Add(wait)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, ok := c.state.Coordinate(); ok {
				return nil
			}
			if c.now().After(deadline) {
				return agentfault.New(agentfault.CodeDiscoveryTimeout,
					"Discovery did not complete in time. Keep the portal open and try again.")
			}
		}
	}
}

// ConsumerGreeting implements bridge.Agent: the push sent when a consumer
// surface reports ready. Withheld (with a diagnostic) when no fresh
// credential exists.
func (c *Controller) ConsumerGreeting(ctx context.Context) (bridge.Message, error) {
	snap := c.state.Snapshot()
	if snap.Credential == "" || snap.EndpointBase == "" {
		return bridge.Message{}, agentfault.New(agentfault.CodeNoToken, "no credential observed yet")
	}
	if token.Expired(snap.Expiry, c.buffer, c.now()) {
		err := c.diagnose(ctx, agentfault.CodeTokenExpired,
			"The captured sign-in token has expired. Sign in to the portal again, then reload the editor.")
		return bridge.Message{}, err
	}
	return bridge.CredentialUpdate(snap.Credential, snap.EndpointBase), nil
}

// RefreshRequested implements bridge.Agent: reload the observing tab so the
// portal issues a fresh authenticated request. Silently no-ops when no
// observing tab is recorded.
func (c *Controller) RefreshRequested(ctx context.Context) {
	id := c.state.ObservingTabID()
	if id == "" {
		slog.Debug("refresh requested with no observing tab recorded, ignoring")
		return
	}
	if err := c.browser.ReloadTab(ctx, id); err != nil {
		slog.Warn("failed to reload observing tab", "tab_id", id, "error", err)
		return
	}
	slog.Info("reloaded observing tab for credential refresh", "tab_id", id)
}

func (c *Controller) diagnose(ctx context.Context, code, msg string) error {
	c.notifier.Diagnostic(ctx, msg)
	return agentfault.New(code, msg)
}

func (c *Controller) diagnoseWrap(ctx context.Context, code, msg string, cause error) error {
	c.notifier.Diagnostic(ctx, msg)
	return agentfault.Wrap(code, msg, cause)
}

func (c *Controller) onPortal(tabURL string) bool {
	if c.portalFilter == "" {
		return false
	}
	return strings.Contains(strings.ToLower(tabURL), strings.ToLower(c.portalFilter))
}
