package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	decredecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// verifySecp256k1 recovers the public key from a 65-byte compact recoverable
// signature (v || r || s, the same layout btcec's SignCompact produces) and
// checks it matches owner, the item's 65-byte uncompressed public key.
//
// Verification goes through decred's dcrec/secp256k1 rather than btcec
// (which only signs here) so the two curve operations are grounded on two
// distinct implementations. The wallet package uses btcec alone, both to
// sign and to derive its public key.
func verifySecp256k1(owner, sig, message []byte) (bool, error) {
	if len(owner) != 65 {
		return false, fmt.Errorf("owner must be 65 bytes (uncompressed pubkey), got %d", len(owner))
	}
	if len(sig) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	hash := Keccak256(message)

	recovered, _, err := decredecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return false, fmt.Errorf("recover public key: %w", err)
	}

	ownerKey, err := secp256k1.ParsePubKey(owner)
	if err != nil {
		return false, fmt.Errorf("parse owner public key: %w", err)
	}

	return recovered.IsEqual(ownerKey), nil
}

// SignSecp256k1 produces a 65-byte compact recoverable signature over
// message using the funding wallet's private key, for the prepare worker's
// bundle transaction signing step.
func SignSecp256k1(privKey *btcec.PrivateKey, message []byte) []byte {
	hash := Keccak256(message)
	return btcecdsa.SignCompact(privKey, hash, true)
}

// Keccak256 computes the Keccak-256 digest used as the message hash for
// secp256k1 signatures and for the bundle transaction header hash.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
