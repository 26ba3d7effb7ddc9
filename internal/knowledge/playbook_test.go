package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestQueryPrefersKeywordMatches(t *testing.T) {
	p := NewPlaybook(nil, 0)
	hits := p.Query("performance", "many degraded decisions")
	if len(hits) != 2 || hits[0].Title != "响应超时" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
	generic := p.Query("performance", "")
	if len(generic) != 1 || generic[0].Title != "表现不佳" {
		t.Fatalf("unexpected generic hits: %+v", generic)
	}
}

func TestRemediationFallback(t *testing.T) {
	p := NewPlaybook([]Snippet{{Topic: "bias", Content: "forget"}}, 1)
	if got := p.Remediation("BIAS", ""); got != "forget" {
		t.Fatalf("unexpected remediation %q", got)
	}
	if got := p.Remediation("unknown", ""); !strings.Contains(got, "unknown") {
		t.Fatalf("fallback should mention topic, got %q", got)
	}
}

func TestLoadPlaybookFormats(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "playbook.yaml")
	if err := os.WriteFile(yamlPath, []byte("- topic: herding\n  title: t\n  content: diversify\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := LoadPlaybook(yamlPath, 0)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if p.Remediation("herding", "") != "diversify" {
		t.Fatalf("yaml entries not loaded")
	}

	jsonPath := filepath.Join(dir, "playbook.json")
	if err := os.WriteFile(jsonPath, []byte(`[{"topic":"security","content":"lock"}]`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err = LoadPlaybook(jsonPath, 0)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if p.Remediation("security", "") != "lock" {
		t.Fatalf("json entries not loaded")
	}

	if _, err := LoadPlaybook(filepath.Join(dir, "missing.json"), 0); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if p, err := LoadPlaybook("", 0); err != nil || len(p.Query("herding", "")) == 0 {
		t.Fatalf("empty path should use defaults: %v", err)
	}
}
