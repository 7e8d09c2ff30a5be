package observe

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHostFilterMatch(t *testing.T) {
	f := DefaultHostFilter()

	allowed := []string{
		"https://api.flow.microsoft.com/providers/Microsoft.ProcessSimple/environments/env/flows",
		"https://emea.api.flow.microsoft.com/some/path",
		"https://gov.api.flow.microsoft.us/x",
		"https://high.api.flow.microsoft.us/x",
		"https://api.flow.appsplatform.us/x",
		"https://api.powerautomate.cn/x",
	}
	for _, u := range allowed {
		if !f.Match(u) {
			t.Fatalf("Match(%q) = false; want true", u)
		}
	}

	denied := []string{
		"https://example.com/api.flow.microsoft.com",
		"https://evil-api.flow.microsoft.com.attacker.net/x",
		"https://make.powerautomate.com/environments/env-1",
		"",
		"::not a url::",
	}
	for _, u := range denied {
		if f.Match(u) {
			t.Fatalf("Match(%q) = true; want false", u)
		}
	}
}

func TestGlobDoesNotCrossLabels(t *testing.T) {
	f := DefaultHostFilter()
	// "*" is compiled with "." as separator: one label only.
	if f.Match("https://a.b.api.flow.microsoft.com/x") {
		t.Fatal("Match() = true for two-label wildcard expansion; want false")
	}
}

func TestLoadHostFilterExtendsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	if err := os.WriteFile(path, []byte("hosts:\n  - internal.flow.corp.example\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	f, err := LoadHostFilter(path)
	if err != nil {
		t.Fatalf("LoadHostFilter() error = %v", err)
	}
	if !f.Match("https://internal.flow.corp.example/api") {
		t.Fatal("Match() = false for host from rules file")
	}
	if !f.Match("https://api.flow.microsoft.com/api") {
		t.Fatal("Match() = false for built-in host; extend mode must keep defaults")
	}
}

func TestLoadHostFilterReplaceMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	if err := os.WriteFile(path, []byte("replace: true\nhosts:\n  - only.example\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	f, err := LoadHostFilter(path)
	if err != nil {
		t.Fatalf("LoadHostFilter() error = %v", err)
	}
	if !f.Match("https://only.example/x") {
		t.Fatal("Match() = false for replacement host")
	}
	if f.Match("https://api.flow.microsoft.com/x") {
		t.Fatal("Match() = true for built-in host; replace mode must drop defaults")
	}
}

func TestLoadHostFilterRejectsBadRules(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("hosts: []\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := LoadHostFilter(empty); err == nil {
		t.Fatal("LoadHostFilter() = nil error for empty host list")
	}

	if _, err := LoadHostFilter(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("LoadHostFilter() = nil error for missing file")
	}
}

func TestLoadHostFilterEmptyPathUsesDefaults(t *testing.T) {
	f, err := LoadHostFilter("")
	if err != nil {
		t.Fatalf("LoadHostFilter(\"\") error = %v", err)
	}
	if !f.Match("https://api.flow.microsoft.com/x") {
		t.Fatal("Match() = false; empty path should yield built-in allow-list")
	}
}
