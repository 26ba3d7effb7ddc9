package attest

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ProofBackend produces and checks proof blobs over a 32-byte digest.
type ProofBackend interface {
	Name() string
	VerificationKey(circuit string) (string, error)
	Prove(ctx context.Context, circuit Circuit, digest []byte) ([]byte, error)
	Verify(circuit Circuit, digest, blob []byte) bool
}

// ECDSABackend signs digests with a secp256k1 key derived per circuit from a
// master key. The verification key is the derived key's address.
type ECDSABackend struct {
	master []byte
	mu     sync.Mutex
	keys   map[string]*ecdsa.PrivateKey
}

// NewECDSABackend creates a backend from a hex encoded master key. An empty
// string generates a fresh random master key.
func NewECDSABackend(masterHex string) (*ECDSABackend, error) {
	masterHex = strings.TrimPrefix(strings.TrimSpace(masterHex), "0x")
	var master []byte
	if masterHex == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		master = crypto.FromECDSA(key)
	} else {
		key, err := crypto.HexToECDSA(masterHex)
		if err != nil {
			return nil, fmt.Errorf("invalid master key: %w", err)
		}
		master = crypto.FromECDSA(key)
	}
	return &ECDSABackend{master: master, keys: make(map[string]*ecdsa.PrivateKey)}, nil
}

// Name implements ProofBackend.
func (b *ECDSABackend) Name() string { return "ecdsa-secp256k1" }

func (b *ECDSABackend) key(circuit string) (*ecdsa.PrivateKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key, ok := b.keys[circuit]; ok {
		return key, nil
	}
	// keccak(master || circuit) is a valid scalar with overwhelming probability;
	// rehash on the rare out-of-range result.
	seed := crypto.Keccak256(b.master, []byte(circuit))
	for i := 0; i < 4; i++ {
		key, err := crypto.ToECDSA(seed)
		if err == nil {
			b.keys[circuit] = key
			return key, nil
		}
		seed = crypto.Keccak256(seed)
	}
	return nil, errors.New("derive circuit key")
}

// VerificationKey implements ProofBackend.
func (b *ECDSABackend) VerificationKey(circuit string) (string, error) {
	key, err := b.key(circuit)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// Prove implements ProofBackend.
func (b *ECDSABackend) Prove(ctx context.Context, circuit Circuit, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(digest) != common.HashLength {
		return nil, fmt.Errorf("digest must be %d bytes", common.HashLength)
	}
	key, err := b.key(circuit.Name)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest, key)
}

// Verify implements ProofBackend. Malformed input yields false.
func (b *ECDSABackend) Verify(circuit Circuit, digest, blob []byte) bool {
	if len(digest) != common.HashLength || len(blob) != crypto.SignatureLength {
		return false
	}
	if !common.IsHexAddress(circuit.VerificationKey) {
		return false
	}
	pub, err := crypto.SigToPub(digest, blob)
	if err != nil {
		return false
	}
	return crypto.PubkeyToAddress(*pub) == common.HexToAddress(circuit.VerificationKey)
}
