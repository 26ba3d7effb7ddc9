// Package attest generates, verifies and caches proofs that bind a decision's
// public signals to a named circuit. Proofs are produced by a pluggable
// ProofBackend; the default backend signs a keccak256 digest with a
// per-circuit secp256k1 key whose address acts as the verification key.
package attest
