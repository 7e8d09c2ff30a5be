package observe

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// defaultHostPatterns covers the regional and sovereign-cloud domain
// variants of the flow service API. Requests to any other host are never
// observed.
var defaultHostPatterns = []string{
	"api.flow.microsoft.com",
	"*.api.flow.microsoft.com",
	"api.powerautomate.com",
	"*.api.powerautomate.com",
	// US Government clouds (GCC, GCC High, DoD).
	"gov.api.flow.microsoft.us",
	"high.api.flow.microsoft.us",
	"api.flow.appsplatform.us",
	// Operated by 21Vianet.
	"api.powerautomate.cn",
	"api.flow.microsoft.cn",
}

// HostFilter matches request URLs against the API host allow-list.
type HostFilter struct {
	patterns []glob.Glob
	raw      []string
}

// hostRulesFile is the optional YAML override. By default the listed hosts
// extend the built-in allow-list; replace: true swaps it out entirely.
type hostRulesFile struct {
	Hosts   []string `yaml:"hosts"`
	Replace bool     `yaml:"replace,omitempty"`
}

// DefaultHostFilter builds the built-in allow-list.
func DefaultHostFilter() *HostFilter {
	f, err := newHostFilter(defaultHostPatterns)
	if err != nil {
		// The built-in patterns are compile-time constants.
		panic(err)
	}
	return f
}

// LoadHostFilter reads a YAML host-rules file. An empty path yields the
// built-in allow-list.
func LoadHostFilter(path string) (*HostFilter, error) {
	if path == "" {
		return DefaultHostFilter(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("host rules: %w", err)
	}
	var file hostRulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("host rules: %w", err)
	}
	if len(file.Hosts) == 0 {
		return nil, fmt.Errorf("host rules: %s lists no hosts", path)
	}

	patterns := file.Hosts
	if !file.Replace {
		patterns = append(append([]string{}, defaultHostPatterns...), file.Hosts...)
	}
	return newHostFilter(patterns)
}

func newHostFilter(patterns []string) (*HostFilter, error) {
	f := &HostFilter{}
	for i, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			return nil, fmt.Errorf("host rules: pattern[%d] is empty", i)
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, fmt.Errorf("host rules: pattern[%d] (%s): %w", i, p, err)
		}
		f.patterns = append(f.patterns, g)
		f.raw = append(f.raw, p)
	}
	return f, nil
}

// Match reports whether the request URL's host is on the allow-list.
func (f *HostFilter) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, g := range f.patterns {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// Patterns returns the active patterns, for startup logging.
func (f *HostFilter) Patterns() []string {
	return append([]string{}, f.raw...)
}
