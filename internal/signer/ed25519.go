package signer

import (
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/ar-bundler/bundler/pkg/helpers"
)

// verifyEd25519 checks a 64-byte Ed25519 signature against a 32-byte public
// key and a message, built directly on edwards25519 point/scalar arithmetic
// rather than crypto/ed25519.
func verifyEd25519(pub, sig, message []byte) (bool, error) {
	if len(pub) != 32 {
		return false, fmt.Errorf("public key must be 32 bytes, got %d", len(pub))
	}
	if len(sig) != 64 {
		return false, fmt.Errorf("signature must be 64 bytes, got %d", len(sig))
	}

	A, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}

	R := sig[:32]
	S, err := new(edwards25519.Scalar).SetCanonicalBytes(sig[32:64])
	if err != nil {
		return false, fmt.Errorf("non-canonical signature scalar: %w", err)
	}

	h := sha512.New()
	h.Write(R)
	h.Write(pub)
	h.Write(message)
	digest := h.Sum(nil)

	k, err := new(edwards25519.Scalar).SetUniformBytes(digest)
	if err != nil {
		return false, fmt.Errorf("reduce challenge scalar: %w", err)
	}
	minusK := new(edwards25519.Scalar).Negate(k)

	// Checks [S]B == R + [k]A, rearranged as [S]B + [-k]A == R so a single
	// double-scalar multiply suffices.
	check := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(minusK, A, S)

	return helpers.ConstantTimeCompare(check.Bytes(), R), nil
}
