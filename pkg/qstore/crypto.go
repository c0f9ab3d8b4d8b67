package qstore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signer produces a deterministic signature over a byte string. It is
// the concrete instance of the "signature primitives" collaborator
// spec.md §1 assumes and places out of scope; only the Batch Store
// (C4) holds one (spec.md §5).
type Signer interface {
	PeerID() PeerID
	Sign(body []byte) []byte
}

// Verifier checks a single signature from signer over body.
type Verifier interface {
	Verify(signer PeerID, body, signature []byte) bool
}

// ed25519Signer is the standard-library adapter for Signer. Spec §1
// places signature primitives out of scope as an assumed external
// collaborator; ed25519 from the standard library is the deterministic
// sign/verify-over-bytes primitive it assumes, so no third-party
// signing library is pulled in for this concern (see DESIGN.md).
type ed25519Signer struct {
	id      PeerID
	private ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh ed25519 keypair and returns a
// Signer together with the PeerID/public key validators should
// register in the ValidatorVerifier.
func NewEd25519Signer() (Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("qstore: generate ed25519 key: %w", err)
	}
	var id PeerID
	copy(id[:], pub)
	return &ed25519Signer{id: id, private: priv}, pub, nil
}

func (s *ed25519Signer) PeerID() PeerID { return s.id }

func (s *ed25519Signer) Sign(body []byte) []byte {
	return ed25519.Sign(s.private, body)
}

// ValidatorVerifier holds the immutable, epoch-scoped committee: each
// validator's public key and voting power, plus the quorum threshold
// (spec.md §5: "Validator verifier ... is immutable within an epoch;
// each actor holds a snapshot."). Signature aggregation itself is
// treated as opaque (spec.md §9): Aggregate just concatenates the
// contributing signatures in the order given, recording who contributed
// via the ProofOfStore.Signers list.
type ValidatorVerifier struct {
	epoch       uint64
	keys        map[PeerID]ed25519.PublicKey
	votingPower map[PeerID]uint64
	totalPower  uint64
	quorumPower uint64
}

// NewValidatorVerifier builds a committee snapshot for epoch. quorum
// is the minimum total voting power (inclusive) required for a
// ProofOfStore to be valid.
func NewValidatorVerifier(epoch uint64, committee map[PeerID]ed25519.PublicKey, votingPower map[PeerID]uint64, quorum uint64) *ValidatorVerifier {
	var total uint64
	for id := range committee {
		total += votingPower[id]
	}
	return &ValidatorVerifier{
		epoch:       epoch,
		keys:        committee,
		votingPower: votingPower,
		totalPower:  total,
		quorumPower: quorum,
	}
}

// Epoch returns the committee's epoch.
func (v *ValidatorVerifier) Epoch() uint64 { return v.epoch }

// InCommittee reports whether id is a member of this epoch's committee.
func (v *ValidatorVerifier) InCommittee(id PeerID) bool {
	_, ok := v.keys[id]
	return ok
}

// Peers returns every committee member's PeerID, in no particular
// order.
func (v *ValidatorVerifier) Peers() []PeerID {
	out := make([]PeerID, 0, len(v.keys))
	for id := range v.keys {
		out = append(out, id)
	}
	return out
}

// VotingPower returns id's voting power, or 0 if id is not a member.
func (v *ValidatorVerifier) VotingPower(id PeerID) uint64 {
	return v.votingPower[id]
}

// QuorumVotingPower returns the total voting power a ProofOfStore must
// reach.
func (v *ValidatorVerifier) QuorumVotingPower() uint64 { return v.quorumPower }

// Verify checks a single signature from signer over body. Returns
// false (never errors) for a non-committee signer, matching spec.md
// §7: a signer outside the committee is a VerificationFailure, always
// dropped silently.
func (v *ValidatorVerifier) Verify(signer PeerID, body, signature []byte) bool {
	pub, ok := v.keys[signer]
	if !ok {
		return false
	}
	return ed25519.Verify(pub, body, signature)
}

// Aggregate combines the per-signer signatures collected for one
// digest into a ProofOfStore's opaque AggregatedSignature, once the
// quorum threshold has first been crossed (spec.md §9: "calls the
// verifier's aggregate(signers, sigs) only when the quorum threshold
// is first crossed, once per digest"). signers is not read: each
// signature is written with a 2-byte big-endian length prefix, in the
// order of sigs (ProofBuilder passes arrival order, the same order as
// its Signers list).
func (v *ValidatorVerifier) Aggregate(signers []PeerID, sigs [][]byte) []byte {
	var out []byte
	for _, s := range sigs {
		var length [2]byte
		length[0] = byte(len(s) >> 8)
		length[1] = byte(len(s))
		out = append(out, length[:]...)
		out = append(out, s...)
	}
	return out
}
