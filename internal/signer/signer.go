// Package signer implements per-signature_type verification of incoming data
// items and signing of outbound bundle transactions.
//
// Two curves are supported, matching bundleformat.SignatureType: Ed25519
// (verification only - clients sign their own data items) and secp256k1
// (verification for client-signed items, signing for the funding wallet's
// bundle transactions).
package signer

import (
	"errors"
	"fmt"

	"github.com/ar-bundler/bundler/internal/bundleformat"
)

// ErrSignatureInvalid means the signature did not verify against the owner
// key and message.
var ErrSignatureInvalid = errors.New("signature invalid")

// VerifyDataItem checks that item.Signature was produced by item.Owner over
// item's signature base (everything but sig_type and signature itself, per
// ANS-104 convention: owner, target, anchor, tags and payload).
func VerifyDataItem(item *bundleformat.DataItem) error {
	msg := signatureBase(item)
	switch item.SignatureType {
	case bundleformat.SignatureTypeEd25519:
		ok, err := verifyEd25519(item.Owner, item.Signature, msg)
		if err != nil {
			return fmt.Errorf("ed25519 verify: %w", err)
		}
		if !ok {
			return ErrSignatureInvalid
		}
		return nil
	case bundleformat.SignatureTypeSecp256k1:
		ok, err := verifySecp256k1(item.Owner, item.Signature, msg)
		if err != nil {
			return fmt.Errorf("secp256k1 verify: %w", err)
		}
		if !ok {
			return ErrSignatureInvalid
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", bundleformat.ErrUnknownSignatureType, item.SignatureType)
	}
}

// signatureBase reconstructs the bytes a client signs: owner, target
// (32 zero bytes if absent), anchor (32 zero bytes if absent), the encoded
// tag block and the payload, in that order. This mirrors the deep-hash
// input of the ANS-104 data item format without requiring a second encode
// pass of the whole item.
func signatureBase(item *bundleformat.DataItem) []byte {
	var buf []byte
	buf = append(buf, item.Owner...)
	buf = append(buf, pad32Field(item.Target)...)
	buf = append(buf, pad32Field(item.Anchor)...)
	tagBytes, _ := bundleformat.EncodeTags(item.Tags)
	buf = append(buf, tagBytes...)
	buf = append(buf, item.Payload...)
	return buf
}

func pad32Field(b []byte) []byte {
	out := make([]byte, 32)
	copy(out, b)
	return out
}
