package qstore

import (
	"golang.org/x/crypto/blake2b"

	"github.com/qstorelabs/quorumstore/pkg/qstore/qbin"
)

// ComputeDigest hashes (author ‖ epoch ‖ batch_id ‖ concat(payload))
// with BLAKE2b-256, per spec.md §6: "The digest is computed over
// (author ‖ epoch ‖ batch_id ‖ concat(payload)) under a cryptographic
// hash." author/epoch/batch_id are fixed-width, but payload is appended
// as flattened raw bytes rather than length-prefixed blobs: fragment
// boundaries are a transport/reassembly detail, not part of a batch's
// identity, so concat(["ab","c"]) and concat(["a","bc"]) must hash
// identically.
func ComputeDigest(author PeerID, epoch uint64, batchID BatchId, payload [][]byte) Digest {
	w := qbin.NewWriter(64)
	w.Append(author[:])
	w.Uint64(epoch)
	w.Uint64(uint64(batchID))
	for _, p := range payload {
		w.Append(p)
	}
	sum := blake2b.Sum256(w.Bytes())
	var d Digest
	copy(d[:], sum[:])
	return d
}

func numBytes(payload [][]byte) int {
	n := 0
	for _, p := range payload {
		n += len(p)
	}
	return n
}

func concatPayload(a, b [][]byte) [][]byte {
	out := make([][]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
