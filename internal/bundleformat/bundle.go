package bundleformat

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

func decodeBase64ID(id string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(id)
}

// BundleEntry is one item's header entry in a bundle container: its byte
// count and id, in the fixed 64-byte-per-item header section.
type BundleEntry struct {
	ByteCount int64
	ID        [32]byte
}

// WriteBundleHeader writes the ANS-104 container header to w: a 32-byte
// big-endian item count followed by 64 bytes (size[32] | id[32]) per item.
func WriteBundleHeader(w io.Writer, entries []BundleEntry) error {
	var countBuf [32]byte
	binary.BigEndian.PutUint64(countBuf[24:], uint64(len(entries)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return err
	}

	for _, e := range entries {
		var sizeBuf [32]byte
		binary.BigEndian.PutUint64(sizeBuf[24:], uint64(e.ByteCount))
		if _, err := w.Write(sizeBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(e.ID[:]); err != nil {
			return err
		}
	}
	return nil
}

// HeaderByteCount returns the size of the header section for n items:
// 32 bytes for the count plus 64 bytes per item.
func HeaderByteCount(n int) int64 {
	return 32 + int64(n)*64
}

// ReadBundleHeader parses the header section from r and returns the parsed
// entries, leaving r positioned at the first item's bytes.
func ReadBundleHeader(r io.Reader) ([]BundleEntry, error) {
	var countBuf [32]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("read item count: %w", err)
	}
	n := binary.BigEndian.Uint64(countBuf[24:])

	entries := make([]BundleEntry, n)
	for i := range entries {
		var sizeBuf [32]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, fmt.Errorf("read entry %d size: %w", i, err)
		}
		entries[i].ByteCount = int64(binary.BigEndian.Uint64(sizeBuf[24:]))
		if _, err := io.ReadFull(r, entries[i].ID[:]); err != nil {
			return nil, fmt.Errorf("read entry %d id: %w", i, err)
		}
	}
	return entries, nil
}

// WriteBundle writes a full ANS-104 container: header section followed by
// the raw bytes of each item, in entry order. Callers are responsible for
// ensuring rawItems[i] corresponds to entries[i].
func WriteBundle(w io.Writer, entries []BundleEntry, rawItems [][]byte) error {
	if len(entries) != len(rawItems) {
		return fmt.Errorf("entries/rawItems length mismatch: %d vs %d", len(entries), len(rawItems))
	}
	if err := WriteBundleHeader(w, entries); err != nil {
		return err
	}
	for i, raw := range rawItems {
		if int64(len(raw)) != entries[i].ByteCount {
			return fmt.Errorf("item %d: raw length %d does not match declared byte_count %d", i, len(raw), entries[i].ByteCount)
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	return nil
}

// IDFromDataItemID decodes a 43-char URL-safe base64 data_item_id into the
// 32-byte array used in a BundleEntry.
func IDFromDataItemID(id string) ([32]byte, error) {
	var out [32]byte
	decoded, err := decodeBase64ID(id)
	if err != nil {
		return out, err
	}
	if len(decoded) != 32 {
		return out, fmt.Errorf("decoded data_item_id is %d bytes, want 32", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
