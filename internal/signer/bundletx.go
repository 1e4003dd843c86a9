package signer

import (
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// BundleTxFields is the set of fields the prepare worker's "Sign the tx"
// step commits to: everything needed to reconstruct the signature base.
// Signature is filled in only after signing.
type BundleTxFields struct {
	Owner     []byte // funding wallet's uncompressed secp256k1 public key
	LastTx    string // current anchor (last_tx)
	DataRoot  []byte // Merkle root of the bundle payload's chunks
	DataSize  int64
	Reward    *big.Int // winston
	Tags      [][2]string
	Signature []byte // set by SignBundleTx
}

// SignatureBase RLP-encodes the fields a bundle transaction signature
// commits to, excluding the signature itself.
func (f *BundleTxFields) SignatureBase() []byte {
	items := []interface{}{
		f.Owner,
		f.LastTx,
		f.DataRoot,
		uint64(f.DataSize),
		f.Reward,
		tagsToRLPItems(f.Tags),
	}
	return rlpEncode(items)
}

func tagsToRLPItems(tags [][2]string) []interface{} {
	out := make([]interface{}, len(tags))
	for i, t := range tags {
		out[i] = []interface{}{t[0], t[1]}
	}
	return out
}

// SignBundleTx signs fields' signature base with privKey and fills in
// fields.Signature.
func SignBundleTx(privKey *btcec.PrivateKey, fields *BundleTxFields) {
	fields.Signature = SignSecp256k1(privKey, fields.SignatureBase())
}

// VerifyBundleTx checks fields.Signature against fields.Owner and the
// recomputed signature base - used in tests and by operators auditing a
// posted bundle's header.
func VerifyBundleTx(fields *BundleTxFields) (bool, error) {
	return verifySecp256k1(fields.Owner, fields.Signature, fields.SignatureBase())
}

// rlpEncode is a minimal RLP encoder covering the value kinds a bundle tx
// header needs: byte strings, unsigned integers, *big.Int and nested lists.
func rlpEncode(data interface{}) []byte {
	switch v := data.(type) {
	case []byte:
		return rlpEncodeBytes(v)
	case string:
		return rlpEncodeBytes([]byte(v))
	case uint64:
		return rlpEncodeUint(v)
	case *big.Int:
		if v == nil || v.Sign() == 0 {
			return rlpEncodeBytes(nil)
		}
		return rlpEncodeBytes(v.Bytes())
	case []interface{}:
		return rlpEncodeList(v)
	default:
		return nil
	}
}

func rlpEncodeBytes(b []byte) []byte {
	if len(b) == 0 {
		return []byte{0x80}
	}
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	if len(b) < 56 {
		return append([]byte{byte(0x80 + len(b))}, b...)
	}
	lenBytes := rlpEncodeLength(uint64(len(b)))
	prefix := append([]byte{byte(0xb7 + len(lenBytes))}, lenBytes...)
	return append(prefix, b...)
}

func rlpEncodeUint(n uint64) []byte {
	if n == 0 {
		return []byte{0x80}
	}
	var buf [8]byte
	i := 7
	for n > 0 {
		buf[i] = byte(n & 0xff)
		n >>= 8
		i--
	}
	return rlpEncodeBytes(buf[i+1:])
}

func rlpEncodeList(items []interface{}) []byte {
	var encoded []byte
	for _, item := range items {
		encoded = append(encoded, rlpEncode(item)...)
	}
	if len(encoded) < 56 {
		return append([]byte{byte(0xc0 + len(encoded))}, encoded...)
	}
	lenBytes := rlpEncodeLength(uint64(len(encoded)))
	prefix := append([]byte{byte(0xf7 + len(lenBytes))}, lenBytes...)
	return append(prefix, encoded...)
}

func rlpEncodeLength(n uint64) []byte {
	if n < 256 {
		return []byte{byte(n)}
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte(n & 0xff)}, buf...)
		n >>= 8
	}
	return buf
}
