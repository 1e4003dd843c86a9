// Package bundleformat implements the two binary wire formats this service
// reads and writes: the data item layout produced by ingest, and the
// ANS-104 bundle container the prepare worker assembles from many data
// items.
package bundleformat

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SignatureType selects the curve a data item is signed with, and fixes the
// signature/owner field lengths in its binary layout.
type SignatureType uint16

const (
	SignatureTypeEd25519   SignatureType = 2
	SignatureTypeSecp256k1 SignatureType = 3
)

// sigLen and ownerLen return the fixed field widths for a signature_type.
func sigLen(t SignatureType) (int, error) {
	switch t {
	case SignatureTypeEd25519:
		return 64, nil
	case SignatureTypeSecp256k1:
		return 65, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownSignatureType, t)
	}
}

func ownerLen(t SignatureType) (int, error) {
	switch t {
	case SignatureTypeEd25519:
		return 32, nil
	case SignatureTypeSecp256k1:
		return 65, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownSignatureType, t)
	}
}

var (
	ErrUnknownSignatureType = errors.New("unknown signature_type")
	ErrTruncated            = errors.New("data item truncated")
)

// Tag is a single key/value pair attached to a data item.
type Tag struct {
	Name  string
	Value string
}

// DataItem is a parsed data item envelope, with binary layout:
//
//	sig_type[2] | signature[sig_len] | owner[owner_len] | target_present[1] |
//	target[32]? | anchor_present[1] | anchor[32]? | n_tags[8] | n_tags_bytes[8] |
//	tags[n_tags_bytes] | payload[...]
//
// All integers are little-endian.
type DataItem struct {
	SignatureType    SignatureType
	Signature        []byte
	Owner            []byte
	Target           []byte // nil if absent
	Anchor           []byte // nil if absent
	Tags             []Tag
	Payload          []byte
	PayloadDataStart int64
}

// ID returns the data_item_id: URL-safe base64 of SHA-256 of the signature.
func (d *DataItem) ID() string {
	sum := sha256.Sum256(d.Signature)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Encode serializes d into the wire layout.
func (d *DataItem) Encode() ([]byte, error) {
	wantSig, err := sigLen(d.SignatureType)
	if err != nil {
		return nil, err
	}
	wantOwner, err := ownerLen(d.SignatureType)
	if err != nil {
		return nil, err
	}
	if len(d.Signature) != wantSig {
		return nil, fmt.Errorf("signature length %d does not match signature_type %d (want %d)", len(d.Signature), d.SignatureType, wantSig)
	}
	if len(d.Owner) != wantOwner {
		return nil, fmt.Errorf("owner length %d does not match signature_type %d (want %d)", len(d.Owner), d.SignatureType, wantOwner)
	}

	tagBytes, err := encodeTags(d.Tags)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 2+wantSig+wantOwner+1+32+1+32+8+8+len(tagBytes)+len(d.Payload))

	var sigTypeBuf [2]byte
	binary.LittleEndian.PutUint16(sigTypeBuf[:], uint16(d.SignatureType))
	buf = append(buf, sigTypeBuf[:]...)
	buf = append(buf, d.Signature...)
	buf = append(buf, d.Owner...)

	if d.Target != nil {
		buf = append(buf, 1)
		buf = append(buf, pad32(d.Target)...)
	} else {
		buf = append(buf, 0)
	}

	if d.Anchor != nil {
		buf = append(buf, 1)
		buf = append(buf, pad32(d.Anchor)...)
	} else {
		buf = append(buf, 0)
	}

	var nTagsBuf, nTagsBytesBuf [8]byte
	binary.LittleEndian.PutUint64(nTagsBuf[:], uint64(len(d.Tags)))
	binary.LittleEndian.PutUint64(nTagsBytesBuf[:], uint64(len(tagBytes)))
	buf = append(buf, nTagsBuf[:]...)
	buf = append(buf, nTagsBytesBuf[:]...)
	buf = append(buf, tagBytes...)
	buf = append(buf, d.Payload...)

	return buf, nil
}

// Decode parses a data item from its wire layout.
func Decode(raw []byte) (*DataItem, error) {
	if len(raw) < 2 {
		return nil, ErrTruncated
	}
	sigType := SignatureType(binary.LittleEndian.Uint16(raw[:2]))
	offset := 2

	wantSig, err := sigLen(sigType)
	if err != nil {
		return nil, err
	}
	wantOwner, err := ownerLen(sigType)
	if err != nil {
		return nil, err
	}

	if len(raw) < offset+wantSig+wantOwner+1 {
		return nil, ErrTruncated
	}
	signature := raw[offset : offset+wantSig]
	offset += wantSig
	owner := raw[offset : offset+wantOwner]
	offset += wantOwner

	var target []byte
	if raw[offset] == 1 {
		offset++
		if len(raw) < offset+32 {
			return nil, ErrTruncated
		}
		target = append([]byte(nil), raw[offset:offset+32]...)
		offset += 32
	} else {
		offset++
	}

	var anchor []byte
	if len(raw) <= offset {
		return nil, ErrTruncated
	}
	if raw[offset] == 1 {
		offset++
		if len(raw) < offset+32 {
			return nil, ErrTruncated
		}
		anchor = append([]byte(nil), raw[offset:offset+32]...)
		offset += 32
	} else {
		offset++
	}

	if len(raw) < offset+16 {
		return nil, ErrTruncated
	}
	nTags := binary.LittleEndian.Uint64(raw[offset : offset+8])
	offset += 8
	nTagsBytes := binary.LittleEndian.Uint64(raw[offset : offset+8])
	offset += 8

	if len(raw) < offset+int(nTagsBytes) {
		return nil, ErrTruncated
	}
	tags, err := decodeTags(raw[offset:offset+int(nTagsBytes)], int(nTags))
	if err != nil {
		return nil, err
	}
	offset += int(nTagsBytes)

	payload := raw[offset:]

	return &DataItem{
		SignatureType:    sigType,
		Signature:        append([]byte(nil), signature...),
		Owner:            append([]byte(nil), owner...),
		Target:           target,
		Anchor:           anchor,
		Tags:             tags,
		Payload:          payload,
		PayloadDataStart: int64(offset),
	}, nil
}

func pad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out, b)
	return out
}

// EncodeTags exposes the tag wire encoding for callers that need the exact
// bytes a signature was computed over (see internal/signer), without
// encoding a full data item.
func EncodeTags(tags []Tag) ([]byte, error) {
	return encodeTags(tags)
}

// encodeTags serializes tags as a sequence of length-prefixed name/value
// pairs. The inner tag encoding is internal to this module; only the
// outer n_tags/n_tags_bytes framing is part of the wire contract.
func encodeTags(tags []Tag) ([]byte, error) {
	var buf []byte
	for _, t := range tags {
		name, value := []byte(t.Name), []byte(t.Value)
		var nameLen, valueLen [4]byte
		binary.LittleEndian.PutUint32(nameLen[:], uint32(len(name)))
		binary.LittleEndian.PutUint32(valueLen[:], uint32(len(value)))
		buf = append(buf, nameLen[:]...)
		buf = append(buf, name...)
		buf = append(buf, valueLen[:]...)
		buf = append(buf, value...)
	}
	return buf, nil
}

func decodeTags(raw []byte, expected int) ([]Tag, error) {
	var tags []Tag
	offset := 0
	for offset < len(raw) {
		if offset+4 > len(raw) {
			return nil, ErrTruncated
		}
		nameLen := int(binary.LittleEndian.Uint32(raw[offset : offset+4]))
		offset += 4
		if offset+nameLen > len(raw) {
			return nil, ErrTruncated
		}
		name := string(raw[offset : offset+nameLen])
		offset += nameLen

		if offset+4 > len(raw) {
			return nil, ErrTruncated
		}
		valueLen := int(binary.LittleEndian.Uint32(raw[offset : offset+4]))
		offset += 4
		if offset+valueLen > len(raw) {
			return nil, ErrTruncated
		}
		value := string(raw[offset : offset+valueLen])
		offset += valueLen

		tags = append(tags, Tag{Name: name, Value: value})
	}
	if len(tags) != expected {
		return nil, fmt.Errorf("tag count mismatch: header says %d, decoded %d", expected, len(tags))
	}
	return tags, nil
}

// DecodeFrom reads and decodes a data item from r in one shot. Large items
// should instead use Decode on a bounded read; DecodeFrom is for tests and
// small fixtures.
func DecodeFrom(r io.Reader) (*DataItem, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(raw)
}
