package observe

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/bridge"
	"github.com/Ryan8182/Power-Automate-Tools-Reloaded-GCC/internal/session"
)

const testFlowID = "11111111-2222-3333-4444-555555555555"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func bearerCredential(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(map[string]any{"exp": exp.Unix()})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return "Bearer " + header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

type fakeTabs map[string]string

func (f fakeTabs) URLForTab(tabID string) (string, bool) {
	u, ok := f[tabID]
	return u, ok
}

func requestEvent(url string, headers map[string]any) *network.EventRequestWillBeSent {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &network.EventRequestWillBeSent{
		Request: &network.Request{URL: url, Method: "GET", Headers: h},
	}
}

func newTestObserver(state *session.State, tabs TabURLProvider) (*Observer, *bridge.Broker) {
	broker := bridge.NewBroker()
	o := NewObserver(state, broker, DefaultHostFilter(), tabs, 300*time.Second)
	o.now = func() time.Time { return testNow }
	return o, broker
}

func drainPushes(ch <-chan bridge.Message) []bridge.Message {
	var out []bridge.Message
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestObserveRequestCapturesCredentialAndCoordinate(t *testing.T) {
	state := session.New()
	o, broker := newTestObserver(state, fakeTabs{})
	_, pushes := broker.Subscribe()

	cred := bearerCredential(t, testNow.Add(2*time.Hour))
	url := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-123/flows/" + testFlowID
	o.OnRequestWillBeSent("tab-1", requestEvent(url, map[string]any{"Authorization": cred}))

	snap := state.Snapshot()
	if snap.Credential != cred {
		t.Fatalf("Credential = %q; want observed header value", snap.Credential)
	}
	if snap.EndpointBase != "https://api.flow.microsoft.com" {
		t.Fatalf("EndpointBase = %q; want %q", snap.EndpointBase, "https://api.flow.microsoft.com")
	}
	if snap.Coordinate == nil || snap.Coordinate.EnvironmentID != "env-123" || snap.Coordinate.ResourceID != testFlowID {
		t.Fatalf("Coordinate = %+v; want env-123/%s", snap.Coordinate, testFlowID)
	}
	if snap.ObservingTabID != "tab-1" {
		t.Fatalf("ObservingTabID = %q; want tab-1", snap.ObservingTabID)
	}

	got := drainPushes(pushes)
	if len(got) != 1 {
		t.Fatalf("pushes = %d; want 1", len(got))
	}
	if got[0].Type != bridge.TypeCredentialUpdate || got[0].Credential != cred {
		t.Fatalf("push = %+v; want credential-update with observed credential", got[0])
	}
}

func TestIdenticalCredentialNotRedecodedOrRepushed(t *testing.T) {
	state := session.New()
	o, broker := newTestObserver(state, fakeTabs{})
	_, pushes := broker.Subscribe()

	cred := bearerCredential(t, testNow.Add(2*time.Hour))
	url := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-123/flows/" + testFlowID
	ev := requestEvent(url, map[string]any{"authorization": cred})

	o.OnRequestWillBeSent("tab-1", ev)
	firstExpiry := state.Snapshot().Expiry

	// Identical header value: must short-circuit before decode, no second push.
	o.OnRequestWillBeSent("tab-1", ev)

	if got := len(drainPushes(pushes)); got != 1 {
		t.Fatalf("pushes = %d; want exactly 1 for an unchanged credential", got)
	}
	if !state.Snapshot().Expiry.Equal(firstExpiry) {
		t.Fatal("expiry changed on identical credential observation")
	}
}

func TestMalformedCredentialLeavesStateUntouched(t *testing.T) {
	state := session.New()
	o, broker := newTestObserver(state, fakeTabs{})
	_, pushes := broker.Subscribe()

	good := bearerCredential(t, testNow.Add(time.Hour))
	url := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-1/flows/" + testFlowID
	o.OnRequestWillBeSent("tab-1", requestEvent(url, map[string]any{"authorization": good}))
	o.OnRequestWillBeSent("tab-1", requestEvent(url, map[string]any{"authorization": "Bearer garbage"}))

	if got := state.Credential(); got != good {
		t.Fatalf("Credential = %q; malformed observation must not replace %q", got, good)
	}
	if got := len(drainPushes(pushes)); got != 1 {
		t.Fatalf("pushes = %d; want 1 (no push for the malformed credential)", got)
	}
}

func TestExpiredCredentialStoredButNotPushed(t *testing.T) {
	state := session.New()
	o, broker := newTestObserver(state, fakeTabs{})
	_, pushes := broker.Subscribe()

	stale := bearerCredential(t, testNow.Add(100*time.Second)) // inside the 300s buffer
	url := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-1/flows/" + testFlowID
	o.OnRequestWillBeSent("tab-1", requestEvent(url, map[string]any{"authorization": stale}))

	if state.Credential() != stale {
		t.Fatal("stale credential should still be recorded (drives the expired diagnostic)")
	}
	if got := len(drainPushes(pushes)); got != 0 {
		t.Fatalf("pushes = %d; want 0 for a stale credential", got)
	}
}

func TestConsumerTabTrafficSkipped(t *testing.T) {
	state := session.New()
	state.SetConsumerTab("tab-consumer")
	o, broker := newTestObserver(state, fakeTabs{})
	_, pushes := broker.Subscribe()

	cred := bearerCredential(t, testNow.Add(time.Hour))
	url := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-x/flows/" + testFlowID
	o.OnRequestWillBeSent("tab-consumer", requestEvent(url, map[string]any{"authorization": cred}))

	if state.Credential() != "" {
		t.Fatal("consumer tab traffic must never be mined")
	}
	if got := len(drainPushes(pushes)); got != 0 {
		t.Fatalf("pushes = %d; want 0", got)
	}
}

func TestNonAllowListedHostIgnored(t *testing.T) {
	state := session.New()
	o, _ := newTestObserver(state, fakeTabs{})

	cred := bearerCredential(t, testNow.Add(time.Hour))
	url := "https://telemetry.example.net/environments/env-1/flows/" + testFlowID
	o.OnRequestWillBeSent("tab-1", requestEvent(url, map[string]any{"authorization": cred}))

	if state.Credential() != "" {
		t.Fatal("credential mined from a host outside the allow-list")
	}
	if _, ok := state.Coordinate(); ok {
		t.Fatal("coordinate mined from a host outside the allow-list")
	}
}

func TestRequestWithoutAuthorizationStillExtracts(t *testing.T) {
	state := session.New()
	o, _ := newTestObserver(state, fakeTabs{})

	url := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-7/flows/" + testFlowID + "/runs"
	o.OnRequestWillBeSent("tab-1", requestEvent(url, nil))

	coord, ok := state.Coordinate()
	if !ok {
		t.Fatal("Coordinate() = none; extraction must run independently of token handling")
	}
	if coord.EnvironmentID != "env-7" {
		t.Fatalf("EnvironmentID = %q; want env-7", coord.EnvironmentID)
	}
	if state.Credential() != "" {
		t.Fatal("credential appeared from a request with no authorization header")
	}
}

func TestTabURLFallbackWhenRequestURLHasNoCoordinate(t *testing.T) {
	state := session.New()
	tabs := fakeTabs{"tab-9": "https://make.powerautomate.com/environments/env-9/flows/shared/" + testFlowID}
	o, _ := newTestObserver(state, tabs)

	// API call carries a token but no coordinate in its path.
	cred := bearerCredential(t, testNow.Add(time.Hour))
	o.OnRequestWillBeSent("tab-9", requestEvent("https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments", map[string]any{"authorization": cred}))

	coord, ok := state.Coordinate()
	if !ok {
		t.Fatal("Coordinate() = none; want tab-URL fallback extraction")
	}
	if coord.EnvironmentID != "env-9" || coord.ResourceID != testFlowID {
		t.Fatalf("Coordinate = %+v; want env-9/%s", coord, testFlowID)
	}
	if state.ObservingTabID() != "tab-9" {
		t.Fatalf("ObservingTabID = %q; want tab-9", state.ObservingTabID())
	}
}

func TestLaterObservationWins(t *testing.T) {
	state := session.New()
	o, _ := newTestObserver(state, fakeTabs{})

	first := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-1/flows/" + testFlowID
	second := "https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env-2/flows/99999999-8888-7777-6666-555555555555"
	o.OnRequestWillBeSent("tab-1", requestEvent(first, nil))
	o.OnRequestWillBeSent("tab-2", requestEvent(second, nil))

	coord, _ := state.Coordinate()
	if coord.EnvironmentID != "env-2" {
		t.Fatalf("EnvironmentID = %q; last observation must win", coord.EnvironmentID)
	}
	if state.ObservingTabID() != "tab-2" {
		t.Fatalf("ObservingTabID = %q; want tab-2", state.ObservingTabID())
	}
}

func TestEndpointBase(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api.flow.microsoft.com/providers/x", "https://api.flow.microsoft.com"},
		{"https://gov.api.flow.microsoft.us:443/a/b", "https://gov.api.flow.microsoft.us:443"},
		{"not-a-url", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := endpointBase(tt.url); got != tt.want {
			t.Fatalf("endpointBase(%q) = %q; want %q", tt.url, got, tt.want)
		}
	}
}

func TestHeaderValueCaseInsensitive(t *testing.T) {
	h := network.Headers{"AUTHORIZATION": "Bearer x.y.z", "Accept": "application/json", "x-count": 3}
	if got := headerValue(h, "authorization"); got != "Bearer x.y.z" {
		t.Fatalf("headerValue() = %q; want %q", got, "Bearer x.y.z")
	}
	if got := headerValue(h, "x-count"); got != "" {
		t.Fatalf("headerValue() = %q; non-string header values are ignored", got)
	}
	if got := headerValue(nil, "authorization"); got != "" {
		t.Fatalf("headerValue(nil) = %q; want \"\"", got)
	}
}
