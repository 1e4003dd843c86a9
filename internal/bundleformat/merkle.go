package bundleformat

import "crypto/sha256"

// ChunkSize is the fixed chunk size used to compute a bundle payload's
// data_root. ComputeDataRoot works in-process over the whole payload held
// in memory; no gateway call is involved. 256 KiB matches Arweave's own
// chunking scheme.
const ChunkSize = 256 * 1024

// ComputeDataRoot splits payload into ChunkSize chunks and folds their
// SHA-256 hashes into a binary Merkle root, the identifier the gateway
// commits to in an unsigned tx before any chunk is uploaded.
func ComputeDataRoot(payload []byte) []byte {
	if len(payload) == 0 {
		sum := sha256.Sum256(nil)
		return sum[:]
	}

	var level [][]byte
	for off := 0; off < len(payload); off += ChunkSize {
		end := off + ChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		sum := sha256.Sum256(payload[off:end])
		level = append(level, sum[:])
	}

	for len(level) > 1 {
		var next [][]byte
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}
