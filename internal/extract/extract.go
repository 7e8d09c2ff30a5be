// Package extract maps portal URLs to flow coordinates. The portal exposes
// the same flow under several URL shapes (REST paths, client-side routes,
// legacy routes, encoded redirect parameters), so each field is resolved by
// an ordered rule chain where the first match wins.
package extract

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Coordinate identifies the flow the user is viewing.
type Coordinate struct {
	EnvironmentID string `json:"environmentId"`
	ResourceID    string `json:"resourceId"`
}

const guidPattern = `[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`

// encodedGUIDPattern tolerates percent-encoded hyphens, which show up when
// the flow id is embedded inside an encoded redirect or deep-link parameter.
var encodedGUIDPattern = func() string {
	h := `[0-9a-fA-F]`
	sep := `(?:-|%2[dD])`
	groups := []string{
		strings.Repeat(h, 8),
		strings.Repeat(h, 4),
		strings.Repeat(h, 4),
		strings.Repeat(h, 4),
		strings.Repeat(h, 12),
	}
	return strings.Join(groups, sep)
}()

// coordinateRule captures both fields from a single REST path match.
type coordinateRule struct {
	re     *regexp.Regexp
	envIdx int
	resIdx int
}

// requestRules are tried top to bottom against observed request URLs.
// Order matters: later entries are fallbacks for older API path shapes.
var requestRules = []coordinateRule{
	// Modern ProcessSimple REST paths.
	{re: regexp.MustCompile(`(?i)/providers/Microsoft\.ProcessSimple/environments/([^/?#]+)/flows/(` + guidPattern + `)`), envIdx: 1, resIdx: 2},
	// Pre-provider API shape.
	{re: regexp.MustCompile(`(?i)/environments/([^/?#]+)/flows/(` + guidPattern + `)`), envIdx: 1, resIdx: 2},
}

// fieldRule captures one semantic field from a tab URL.
type fieldRule struct {
	re  *regexp.Regexp
	idx int
}

// tabEnvironmentRules resolve the environment segment from visible tab URLs.
var tabEnvironmentRules = []fieldRule{
	// Path segment, covers both make.powerautomate.com and the legacy
	// flow.microsoft.com/manage/ routes.
	{re: regexp.MustCompile(`(?i)/environments/([^/?&#]+)`), idx: 1},
	// Query parameter form.
	{re: regexp.MustCompile(`(?i)[?&]environment(?:id)?=([^&#]+)`), idx: 1},
	// Percent-encoded path separator, seen in login redirect parameters.
	{re: regexp.MustCompile(`(?i)environments%2[fF]([A-Za-z0-9][A-Za-z0-9.~_-]*)`), idx: 1},
}

// tabResourceRules resolve the flow identifier from visible tab URLs.
var tabResourceRules = []fieldRule{
	// Modern path form.
	{re: regexp.MustCompile(`(?i)/flows/(` + guidPattern + `)`), idx: 1},
	// Shared-flow path form.
	{re: regexp.MustCompile(`(?i)/flows/shared/(` + guidPattern + `)`), idx: 1},
	// Query parameter forms.
	{re: regexp.MustCompile(`(?i)[?&](?:flowid|resourceid)=(` + encodedGUIDPattern + `)`), idx: 1},
	// Fully encoded path form inside redirect parameters.
	{re: regexp.MustCompile(`(?i)flows%2[fF](` + encodedGUIDPattern + `)`), idx: 1},
}

// FromRequestURL extracts a coordinate from an observed API request URL.
// Captures are returned exactly as they appear in the URL, case preserved.
// Returns nil when no rule yields both fields.
func FromRequestURL(rawURL string) *Coordinate {
	if rawURL == "" {
		return nil
	}
	for _, rule := range requestRules {
		m := rule.re.FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		env, res := m[rule.envIdx], m[rule.resIdx]
		if env == "" || res == "" {
			continue
		}
		return &Coordinate{EnvironmentID: env, ResourceID: res}
	}
	return nil
}

// FromTabURL extracts a coordinate from a visible tab URL. The environment
// and resource fields are resolved by independent rule chains because
// client-side routes vary far more than REST paths. Captured values are
// percent-decoded before being returned; the resource id must decode to a
// canonical 36-character hyphenated identifier or the whole extraction
// fails. Partial matches return nil.
func FromTabURL(rawURL string) *Coordinate {
	if rawURL == "" {
		return nil
	}

	env, ok := firstField(tabEnvironmentRules, rawURL)
	if !ok {
		return nil
	}
	env = percentDecode(env)
	if env == "" {
		return nil
	}

	res, ok := firstField(tabResourceRules, rawURL)
	if !ok {
		return nil
	}
	res, ok = canonicalResourceID(res)
	if !ok {
		return nil
	}

	return &Coordinate{EnvironmentID: env, ResourceID: res}
}

func firstField(rules []fieldRule, rawURL string) (string, bool) {
	for _, rule := range rules {
		m := rule.re.FindStringSubmatch(rawURL)
		if m == nil {
			continue
		}
		if v := m[rule.idx]; v != "" {
			return v, true
		}
	}
	return "", false
}

// canonicalResourceID percent-decodes a captured flow id and validates its
// 8-4-4-4-12 shape. Case is preserved from the URL.
func canonicalResourceID(captured string) (string, bool) {
	decoded := percentDecode(captured)
	if _, err := uuid.Parse(decoded); err != nil {
		return "", false
	}
	return decoded, true
}

// percentDecode reverses transport encoding. PathUnescape rather than
// QueryUnescape so literal '+' survives. Undecodable input is returned as-is;
// a malformed escape is not an error at this layer.
func percentDecode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}
