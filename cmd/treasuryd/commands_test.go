package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"TreasuryMind-Chain/internal/attest"
)

func writeConfig(t *testing.T, key string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "treasury.yaml")
	body := "attestation:\n  signing_key: \"" + key + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCircuitsListsDefaults(t *testing.T) {
	path := writeConfig(t, "")
	out, err := execute(t, "circuits", "--config", path)
	require.NoError(t, err)
	for _, c := range attest.DefaultCircuits() {
		require.Contains(t, out, c.Name)
	}
}

func TestVerifyProof(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hexutil.Encode(crypto.FromECDSA(key))
	path := writeConfig(t, keyHex)

	backend, err := attest.NewECDSABackend(keyHex)
	require.NoError(t, err)
	registry, err := attest.NewRegistry(backend, attest.DefaultCircuits()...)
	require.NoError(t, err)
	svc := attest.NewService(registry, backend)
	circuit := attest.DefaultCircuits()[0].Name
	proof, err := svc.GenerateProof(context.Background(), circuit,
		map[string]string{"action": "HOLD"}, map[string]string{"agent_id": "trader-1"})
	require.NoError(t, err)

	raw, err := json.Marshal(proof)
	require.NoError(t, err)
	proofPath := filepath.Join(t.TempDir(), "proof.json")
	require.NoError(t, os.WriteFile(proofPath, raw, 0o600))

	out, err := execute(t, "verify-proof", proofPath, "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, `"valid": true`)

	proof.PublicSignals = append(proof.PublicSignals, "tampered")
	raw, err = json.Marshal(proof)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(proofPath, raw, 0o600))

	out, err = execute(t, "verify-proof", proofPath, "--config", path)
	require.Error(t, err)
	require.Contains(t, out, `"valid": false`)
}

func TestVerifyProofRequiresArgument(t *testing.T) {
	_, err := execute(t, "verify-proof")
	require.Error(t, err)
}
