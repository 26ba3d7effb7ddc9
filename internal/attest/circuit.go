package attest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "TreasuryMind-Chain/internal/errors"
)

// Well-known circuit names registered by default.
const (
	CircuitDecision   = "decision_attestation"
	CircuitModel      = "model_update"
	CircuitUnlearning = "unlearning_audit"
)

// Circuit describes a named proving circuit.
type Circuit struct {
	Name             string `yaml:"name" json:"name"`
	Constraints      int    `yaml:"constraints" json:"constraints"`
	QuantumResistant bool   `yaml:"quantum_resistant" json:"quantum_resistant"`
	GasOptimized     bool   `yaml:"gas_optimized" json:"gas_optimized"`
	VerificationKey  string `yaml:"verification_key" json:"verification_key"`
}

// CircuitDefinitions models the structure of configs/circuits.yaml.
type CircuitDefinitions struct {
	Circuits []Circuit `yaml:"circuits"`
}

// LoadCircuits parses the YAML file containing circuit metadata. An empty
// path yields the default circuit set.
func LoadCircuits(path string) ([]Circuit, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCircuits(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取电路配置失败")
	}
	var defs CircuitDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析电路配置失败")
	}
	if len(defs.Circuits) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("电路配置 %s 为空", path))
	}
	return defs.Circuits, nil
}

// DefaultCircuits returns the circuits used when no file is configured.
func DefaultCircuits() []Circuit {
	return []Circuit{
		{Name: CircuitDecision, Constraints: 4096, GasOptimized: true},
		{Name: CircuitModel, Constraints: 65536, QuantumResistant: true},
		{Name: CircuitUnlearning, Constraints: 8192, QuantumResistant: true, GasOptimized: true},
	}
}

// Registry is the read-only circuit store. It is populated once by
// NewRegistry and safe for unbounded concurrent reads afterwards.
type Registry struct {
	circuits map[string]Circuit
}

// NewRegistry registers circuits, filling missing verification keys from the
// backend.
func NewRegistry(backend ProofBackend, circuits ...Circuit) (*Registry, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置证明后端")
	}
	set := make(map[string]Circuit, len(circuits))
	for _, c := range circuits {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, "电路名称不能为空")
		}
		if _, dup := set[c.Name]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("重复的电路: %s", c.Name))
		}
		if c.VerificationKey == "" {
			key, err := backend.VerificationKey(c.Name)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("生成电路 %s 的验证密钥失败", c.Name))
			}
			c.VerificationKey = key
		}
		set[c.Name] = c
	}
	return &Registry{circuits: set}, nil
}

// Lookup returns the named circuit or a CONFIGURATION_ERROR.
func (r *Registry) Lookup(name string) (Circuit, error) {
	c, ok := r.circuits[name]
	if !ok {
		return Circuit{}, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的电路: %s", name),
			xerrors.WithMetadata("circuit", name))
	}
	return c, nil
}

// List returns all circuits sorted by name.
func (r *Registry) List() []Circuit {
	out := make([]Circuit, 0, len(r.circuits))
	for _, c := range r.circuits {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
