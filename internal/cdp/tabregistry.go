package cdp

import (
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// TabInfo is the registry's view of one attached portal tab.
type TabInfo struct {
	TargetID string
	URL      string
	LastSeen time.Time
}

// TabRegistry maps CDP target IDs to tab metadata. It tracks the current
// visible URL of every attached tab across full and SPA navigations, which
// is what makes tab-URL fallback extraction possible.
type TabRegistry struct {
	tabs map[target.ID]*TabInfo
	mu   sync.RWMutex

	now func() time.Time
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[target.ID]*TabInfo), now: time.Now}
}

// Register inserts or updates a tab with its current URL.
func (r *TabRegistry) Register(targetID target.ID, url string) *TabInfo {
	info := &TabInfo{TargetID: string(targetID), URL: url, LastSeen: r.now()}
	r.mu.Lock()
	r.tabs[targetID] = info
	r.mu.Unlock()
	return info
}

// Touch bumps a tab's recency without changing its URL.
func (r *TabRegistry) Touch(targetID target.ID) {
	r.mu.Lock()
	if info, ok := r.tabs[targetID]; ok {
		info.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// URLForTab returns a tab's current URL. Satisfies observe.TabURLProvider.
func (r *TabRegistry) URLForTab(tabID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.tabs[target.ID(tabID)]
	if !ok {
		return "", false
	}
	return info.URL, true
}

// MostRecent returns the tab with the latest activity.
func (r *TabRegistry) MostRecent() (*TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *TabInfo
	for _, info := range r.tabs {
		if best == nil || info.LastSeen.After(best.LastSeen) {
			best = info
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

func (r *TabRegistry) Remove(targetID target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, targetID)
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
