package bundleformat

import (
	"bytes"
	"testing"
)

func TestWriteReadBundleHeaderRoundtrip(t *testing.T) {
	entries := []BundleEntry{
		{ByteCount: 10, ID: [32]byte{1}},
		{ByteCount: 2048, ID: [32]byte{2}},
	}

	var buf bytes.Buffer
	if err := WriteBundleHeader(&buf, entries); err != nil {
		t.Fatalf("WriteBundleHeader: %v", err)
	}

	decoded, err := ReadBundleHeader(&buf)
	if err != nil {
		t.Fatalf("ReadBundleHeader: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("want 2 entries, got %d", len(decoded))
	}
	if decoded[0].ByteCount != 10 || decoded[1].ByteCount != 2048 {
		t.Fatalf("byte counts mismatch: %+v", decoded)
	}
	if decoded[0].ID != entries[0].ID || decoded[1].ID != entries[1].ID {
		t.Fatalf("ids mismatch: %+v", decoded)
	}
}

func TestHeaderByteCount(t *testing.T) {
	if got := HeaderByteCount(0); got != 32 {
		t.Fatalf("want 32 for 0 items, got %d", got)
	}
	if got := HeaderByteCount(3); got != 32+3*64 {
		t.Fatalf("want %d for 3 items, got %d", 32+3*64, got)
	}
}

func TestWriteBundleFullContainer(t *testing.T) {
	entries := []BundleEntry{
		{ByteCount: 5, ID: [32]byte{0xAA}},
		{ByteCount: 3, ID: [32]byte{0xBB}},
	}
	rawItems := [][]byte{[]byte("hello"), []byte("hey")}

	var buf bytes.Buffer
	if err := WriteBundle(&buf, entries, rawItems); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}

	expectedLen := HeaderByteCount(2) + 5 + 3
	if int64(buf.Len()) != expectedLen {
		t.Fatalf("want total length %d, got %d", expectedLen, buf.Len())
	}

	body := buf.Bytes()[HeaderByteCount(2):]
	if !bytes.Equal(body, []byte("hellohey")) {
		t.Fatalf("want concatenated payloads, got %q", body)
	}
}

func TestWriteBundleRejectsSizeMismatch(t *testing.T) {
	entries := []BundleEntry{{ByteCount: 99, ID: [32]byte{1}}}
	rawItems := [][]byte{[]byte("short")}

	var buf bytes.Buffer
	if err := WriteBundle(&buf, entries, rawItems); err == nil {
		t.Fatal("want error when declared byte_count does not match actual length")
	}
}

func TestIDFromDataItemIDRoundtrip(t *testing.T) {
	item := sampleDataItem()
	id := item.ID()

	arr, err := IDFromDataItemID(id)
	if err != nil {
		t.Fatalf("IDFromDataItemID: %v", err)
	}
	if len(arr) != 32 {
		t.Fatalf("want 32 bytes, got %d", len(arr))
	}
}
