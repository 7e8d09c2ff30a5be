package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/config"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/observe"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/session"
)

// Client manages CDP connections to browser tabs: it attaches to portal
// tabs and routes their request events into the traffic observer, and it
// carries the few active operations the agent needs (open/focus the
// consumer tab, reload the observing tab).
type Client struct {
	cfg      *config.Config
	observer *observe.Observer
	registry *TabRegistry
	state    *session.State

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	tabs   map[target.ID]*TabContext
	tabsMu sync.RWMutex
}

type TabContext struct {
	ID     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cfg *config.Config, observer *observe.Observer, registry *TabRegistry, state *session.State) *Client {
	return &Client{
		cfg:      cfg,
		observer: observer,
		registry: registry,
		state:    state,
		tabs:     make(map[target.ID]*TabContext),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	_ = ctx
	cdpURL := c.cfg.GetCDPURL()
	slog.Info("Connecting to Chromium", "url", cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	if err := chromedp.Run(c.browserCtx); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	// Browser-level target lifecycle: attach to portal tabs as they appear,
	// notice when the consumer tab goes away.
	chromedp.ListenBrowser(c.browserCtx, c.onBrowserEvent)

	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return fmt.Errorf("failed to enumerate targets: %w", err)
	}

	slog.Info("Found browser targets", "count", len(targets))

	attachedCount := 0
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if !c.matchesTabURL(t.URL) {
			slog.Debug("Skipping tab (url filter)", "url", truncateURL(t.URL))
			continue
		}
		if err := c.attachToTab(t.TargetID, t.URL); err != nil {
			slog.Error("Failed to attach to tab", "target_id", t.TargetID, "url", truncateURL(t.URL), "error", err)
			continue
		}
		attachedCount++
	}

	// Zero portal tabs is fine at startup: the browser listener attaches
	// later when the user opens the portal.
	slog.Info("Attached to portal tabs", "count", attachedCount, "portal_tab_filter", c.cfg.PortalTabFilter)
	return nil
}

func (c *Client) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		c.maybeAttachLater(e.TargetInfo)
	case *target.EventTargetInfoChanged:
		c.maybeAttachLater(e.TargetInfo)
	case *target.EventTargetDestroyed:
		c.onTargetDestroyed(e.TargetID)
	}
}

// maybeAttachLater attaches a newly seen or newly navigated portal tab.
// Runs the attach off the event goroutine; chromedp listeners must not block.
func (c *Client) maybeAttachLater(info *target.Info) {
	if info == nil || info.Type != "page" || !c.matchesTabURL(info.URL) {
		return
	}
	c.tabsMu.RLock()
	_, attached := c.tabs[info.TargetID]
	c.tabsMu.RUnlock()
	if attached {
		c.registry.Register(info.TargetID, info.URL)
		return
	}
	id, url := info.TargetID, info.URL
	go func() {
		if err := c.attachToTab(id, url); err != nil {
			slog.Error("Failed to attach to new tab", "target_id", id, "error", err)
		}
	}()
}

func (c *Client) onTargetDestroyed(id target.ID) {
	tabID := string(id)
	if tabID == c.state.ConsumerTabID() {
		c.state.ClearConsumerTab(tabID)
		slog.Info("Consumer tab closed", "target_id", tabID)
	}

	c.tabsMu.Lock()
	tab, ok := c.tabs[id]
	if ok {
		delete(c.tabs, id)
	}
	c.tabsMu.Unlock()
	if ok {
		tab.cancel()
		c.registry.Remove(id)
		slog.Info("Portal tab closed", "target_id", tabID)
	}
}

func (c *Client) attachToTab(targetID target.ID, url string) error {
	c.tabsMu.Lock()
	if _, exists := c.tabs[targetID]; exists {
		c.tabsMu.Unlock()
		return nil
	}
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	c.tabs[targetID] = &TabContext{ID: targetID, ctx: tabCtx, cancel: tabCancel}
	c.tabsMu.Unlock()

	c.registry.Register(targetID, url)

	if err := chromedp.Run(tabCtx, network.Enable(), page.Enable()); err != nil {
		tabCancel()
		c.tabsMu.Lock()
		delete(c.tabs, targetID)
		c.tabsMu.Unlock()
		c.registry.Remove(targetID)
		return fmt.Errorf("failed to enable network/page domains: %w", err)
	}

	slog.Info("Attached to tab", "target_id", targetID, "url", truncateURL(url))
	chromedp.ListenTarget(tabCtx, c.createEventHandler(string(targetID)))

	if c.cfg.ReloadOnAttach {
		reloadCtx, reloadCancel := context.WithTimeout(tabCtx, 30*time.Second)
		defer reloadCancel()
		if err := chromedp.Run(reloadCtx, chromedp.Reload()); err != nil {
			slog.Warn("Failed to reload tab (continuing)", "target_id", targetID, "error", err)
		} else {
			slog.Info("Reloaded tab after attach", "target_id", targetID, "url", truncateURL(url))
		}
	}

	return nil
}

func (c *Client) createEventHandler(tabID string) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				c.registry.Register(target.ID(tabID), e.Frame.URL)
				slog.Debug("Tab navigated (full)", "tab_id", tabID, "url", truncateURL(e.Frame.URL))
			}
		case *page.EventNavigatedWithinDocument:
			c.registry.Register(target.ID(tabID), e.URL)
			slog.Debug("Tab navigated (SPA)", "tab_id", tabID, "url", truncateURL(e.URL))
		case *network.EventRequestWillBeSent:
			c.registry.Touch(target.ID(tabID))
			c.observer.OnRequestWillBeSent(tabID, e)
		}
	}
}

// ActiveTab returns the id and URL of the tab the user is most plausibly
// looking at: the most recently active attached portal tab, falling back to
// any open page target so the "wrong site" diagnostic can name what it saw.
func (c *Client) ActiveTab(ctx context.Context) (string, string, error) {
	if info, ok := c.registry.MostRecent(); ok {
		return info.TargetID, info.URL, nil
	}

	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return "", "", fmt.Errorf("enumerate targets: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" {
			return string(t.TargetID), t.URL, nil
		}
	}
	return "", "", fmt.Errorf("no open page targets")
}

// OpenTab creates a new browser tab at the given URL and returns its id.
func (c *Client) OpenTab(ctx context.Context, url string) (string, error) {
	var id target.ID
	err := chromedp.Run(c.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = target.CreateTarget(url).Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("create target: %w", err)
	}
	return string(id), nil
}

// FocusTab brings an existing tab to the foreground.
func (c *Client) FocusTab(ctx context.Context, tabID string) error {
	err := chromedp.Run(c.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.ActivateTarget(target.ID(tabID)).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("activate target: %w", err)
	}
	return nil
}

// HasTab reports whether the tab still exists in the browser.
func (c *Client) HasTab(tabID string) bool {
	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return false
	}
	for _, t := range targets {
		if string(t.TargetID) == tabID {
			return true
		}
	}
	return false
}

// ReloadTab reloads the given tab, reusing the attached context when the tab
// is one of ours.
func (c *Client) ReloadTab(ctx context.Context, tabID string) error {
	c.tabsMu.RLock()
	tab, ok := c.tabs[target.ID(tabID)]
	c.tabsMu.RUnlock()

	var tabCtx context.Context
	if ok {
		tabCtx = tab.ctx
	} else {
		var cancel context.CancelFunc
		tabCtx, cancel = chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(target.ID(tabID)))
		defer cancel()
	}

	reloadCtx, reloadCancel := context.WithTimeout(tabCtx, 30*time.Second)
	defer reloadCancel()
	if err := chromedp.Run(reloadCtx, chromedp.Reload()); err != nil {
		return fmt.Errorf("reload tab %s: %w", tabID, err)
	}
	return nil
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	for _, tab := range c.tabs {
		tab.cancel()
	}
	c.tabs = make(map[target.ID]*TabContext)
	c.tabsMu.Unlock()

	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}

	slog.Info("CDP client closed")
	return nil
}

func (c *Client) GetTabCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) matchesTabURL(url string) bool {
	if c.cfg.PortalTabFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.cfg.PortalTabFilter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
