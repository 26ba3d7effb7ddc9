package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	xerrors "TreasuryMind-Chain/internal/errors"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "treasury.yaml", `
agents:
  - id: trader-1
    kind: Trader
    auto_start: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address: %s", cfg.Server.Address)
	}
	if cfg.Bias.PenaltyFactor != 0.2 {
		t.Fatalf("unexpected penalty factor: %v", cfg.Bias.PenaltyFactor)
	}
	if cfg.Federated.Quorum != 3 {
		t.Fatalf("unexpected quorum: %d", cfg.Federated.Quorum)
	}
	if cfg.Inference.Timeout != time.Second {
		t.Fatalf("unexpected inference timeout: %v", cfg.Inference.Timeout)
	}
	if cfg.Attestation.Timeout != 30*time.Second {
		t.Fatalf("unexpected attestation timeout: %v", cfg.Attestation.Timeout)
	}
	if len(cfg.Agents) != 1 || cfg.Agents[0].Kind != "trader" || cfg.Agents[0].Name != "trader-1" {
		t.Fatalf("agent defaults not applied: %+v", cfg.Agents)
	}
	if cfg.Runtime.DataDir != filepath.Join(filepath.Dir(path), "data") {
		t.Fatalf("unexpected data dir: %s", cfg.Runtime.DataDir)
	}
}

func TestLoadReadsJSONAndDurations(t *testing.T) {
	path := writeConfig(t, "treasury.json", `{
  "scheduler": {"tick_interval": "250ms", "workers": 2},
  "federated": {"epsilon": "inf", "quorum": 5},
  "storage": {"driver": "sqlite"}
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.TickInterval != 250*time.Millisecond || cfg.Scheduler.Workers != 2 {
		t.Fatalf("scheduler not parsed: %+v", cfg.Scheduler)
	}
	eps, err := cfg.Federated.EpsilonValue()
	if err != nil || !math.IsInf(eps, 1) {
		t.Fatalf("expected infinite epsilon, got %v (%v)", eps, err)
	}
	if cfg.Storage.DSN != filepath.Join(cfg.Runtime.DataDir, "treasury.db") {
		t.Fatalf("sqlite dsn default not applied: %s", cfg.Storage.DSN)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "treasury.yaml", "bias:\n  penalty_factor: 0.3\n")
	t.Setenv("TREASURY_BIAS_PENALTY_FACTOR", "0.4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bias.PenaltyFactor != 0.4 {
		t.Fatalf("expected env override, got %v", cfg.Bias.PenaltyFactor)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"penalty":  "bias:\n  penalty_factor: 1.5\n",
		"quorum":   "federated:\n  quorum: 0\n",
		"epsilon":  "federated:\n  epsilon: \"-1\"\n",
		"driver":   "storage:\n  driver: postgres\n",
		"kind":     "agents:\n  - id: a\n    kind: oracle\n",
		"dup":      "agents:\n  - id: a\n    kind: trader\n  - id: a\n    kind: advisor\n",
		"mysqldsn": "storage:\n  driver: mysql\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "c.yaml", body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if xerrors.CodeOf(err) != xerrors.CodeConfiguration {
				t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
}
