package attest

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"TreasuryMind-Chain/internal/decision"
)

// contextSignalPrefix marks the public signal carrying the context hash.
const contextSignalPrefix = "ctx:"

// Proof is an immutable attestation artifact.
type Proof struct {
	Blob             hexutil.Bytes `json:"blob"`
	PublicSignals    []string      `json:"public_signals"`
	Circuit          string        `json:"circuit"`
	Timestamp        time.Time     `json:"timestamp"`
	GasEstimate      uint64        `json:"gas_estimate,omitempty"`
	VerificationTime time.Duration `json:"verification_time,omitempty"`
}

// CacheKey is the content hash of (blob, circuit, timestamp).
func CacheKey(p *Proof) string {
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(p.Timestamp.UnixNano()))
	return crypto.Keccak256Hash(p.Blob, []byte(p.Circuit), ts).Hex()
}

// Attestation converts the proof into the reference stored on a decision.
func (p *Proof) Attestation() *decision.Attestation {
	return &decision.Attestation{
		Key:           CacheKey(p),
		Circuit:       p.Circuit,
		Blob:          append(hexutil.Bytes(nil), p.Blob...),
		PublicSignals: append([]string(nil), p.PublicSignals...),
		Timestamp:     p.Timestamp,
		GasEstimate:   p.GasEstimate,
	}
}

// FromAttestation rebuilds a proof from a decision's attestation reference.
func FromAttestation(a *decision.Attestation) *Proof {
	if a == nil {
		return nil
	}
	return &Proof{
		Blob:          append(hexutil.Bytes(nil), a.Blob...),
		PublicSignals: append([]string(nil), a.PublicSignals...),
		Circuit:       a.Circuit,
		Timestamp:     a.Timestamp,
		GasEstimate:   a.GasEstimate,
	}
}

// buildSignals renders public inputs in canonical order and appends the hash
// of the full decision context.
func buildSignals(private, public map[string]string) []string {
	signals := canonical(public)
	ctxHash := crypto.Keccak256Hash(
		[]byte(strings.Join(canonical(private), "\x1f")),
		[]byte{0x1e},
		[]byte(strings.Join(signals, "\x1f")),
	)
	return append(signals, contextSignalPrefix+ctxHash.Hex())
}

func canonical(inputs map[string]string) []string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, inputs[k]))
	}
	return out
}

// digest binds circuit, signals and timestamp into the 32 bytes that get signed.
func digest(circuit string, signals []string, ts time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts.UnixNano()))
	parts := [][]byte{[]byte(circuit), {0x00}}
	for _, s := range signals {
		parts = append(parts, []byte(s), []byte{0x00})
	}
	parts = append(parts, buf)
	return crypto.Keccak256(parts...)
}

func signalsDigest(p *Proof) common.Hash {
	return common.BytesToHash(digest(p.Circuit, p.PublicSignals, p.Timestamp))
}

// estimateGas approximates on-chain verification cost from circuit size.
func estimateGas(c Circuit) uint64 {
	gas := uint64(21000) + uint64(c.Constraints)*3
	if c.GasOptimized {
		gas = gas * 6 / 10
	}
	if c.QuantumResistant {
		gas += 50000
	}
	return gas
}
