package qstore

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type votingCommittee struct {
	signers  []Signer
	verifier *ValidatorVerifier
}

func newVotingCommittee(t *testing.T, n int, quorum uint64) votingCommittee {
	t.Helper()
	signers := make([]Signer, n)
	committee := make(map[PeerID]ed25519.PublicKey, n)
	votingPower := make(map[PeerID]uint64, n)
	for i := 0; i < n; i++ {
		s, pub, err := NewEd25519Signer()
		require.NoError(t, err)
		signers[i] = s
		committee[s.PeerID()] = pub
		votingPower[s.PeerID()] = 1
	}
	return votingCommittee{
		signers:  signers,
		verifier: NewValidatorVerifier(1, committee, votingPower, quorum),
	}
}

func (c votingCommittee) sign(i int, digest Digest, exp LogicalTime) *SignedDigest {
	sd := &SignedDigest{Signer: c.signers[i].PeerID(), Epoch: 1, Digest: digest, Expiration: exp}
	sd.Signature = c.signers[i].Sign(sd.SigningBody())
	return sd
}

func TestProofBuilderFormsProofOnQuorum(t *testing.T) {
	committee := newVotingCommittee(t, 3, 2)
	b := NewProofBuilder(DefaultConfig(), committee.verifier, NewNopMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	digest := Digest{1}
	exp := LogicalTime{Epoch: 1, Round: 10}
	reply := make(chan ProofResult, 1)

	b.InitProof(committee.sign(0, digest, exp), 7, reply)

	select {
	case <-reply:
		t.Fatal("proof should not form with only 1/3 voting power against a quorum of 2")
	case <-time.After(50 * time.Millisecond):
	}

	b.AddSignature(committee.sign(1, digest, exp))

	select {
	case res := <-reply:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Proof)
		require.Equal(t, BatchId(7), res.BatchID)
		require.Equal(t, digest, res.Proof.Digest)
		require.Len(t, res.Proof.Signers, 2)
	case <-time.After(time.Second):
		t.Fatal("proof did not form after quorum reached")
	}
}

func TestProofBuilderDuplicateVoteIgnored(t *testing.T) {
	committee := newVotingCommittee(t, 3, 2)
	b := NewProofBuilder(DefaultConfig(), committee.verifier, NewNopMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	digest := Digest{2}
	exp := LogicalTime{Epoch: 1, Round: 10}
	reply := make(chan ProofResult, 1)
	b.InitProof(committee.sign(0, digest, exp), 1, reply)

	// Re-sending signer 0's vote must not double-count toward quorum.
	b.AddSignature(committee.sign(0, digest, exp))

	select {
	case <-reply:
		t.Fatal("duplicate vote from the same signer must not reach quorum")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProofBuilderTimesOutWithoutQuorum(t *testing.T) {
	committee := newVotingCommittee(t, 3, 3)
	cfg := DefaultConfig()
	cfg.ProofTimeout = 40 * time.Millisecond
	b := NewProofBuilder(cfg, committee.verifier, NewNopMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	digest := Digest{3}
	exp := LogicalTime{Epoch: 1, Round: 10}
	reply := make(chan ProofResult, 1)
	b.InitProof(committee.sign(0, digest, exp), 2, reply)

	select {
	case res := <-reply:
		require.Error(t, res.Err)
		require.Nil(t, res.Proof)
		require.Equal(t, BatchId(2), res.BatchID)
	case <-time.After(time.Second):
		t.Fatal("expected a timeout result")
	}
}

func TestProofBuilderTeardownResolvesOpenAggregations(t *testing.T) {
	committee := newVotingCommittee(t, 3, 3)
	b := NewProofBuilder(DefaultConfig(), committee.verifier, NewNopMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)

	digest := Digest{4}
	exp := LogicalTime{Epoch: 1, Round: 10}
	reply := make(chan ProofResult, 1)
	b.InitProof(committee.sign(0, digest, exp), 1, reply)

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case res := <-reply:
		require.Error(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("teardown did not resolve the open aggregation")
	}
}

func TestProofBuilderRejectsWrongEpochVote(t *testing.T) {
	committee := newVotingCommittee(t, 2, 2)
	b := NewProofBuilder(DefaultConfig(), committee.verifier, NewNopMetrics(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	digest := Digest{5}
	exp := LogicalTime{Epoch: 1, Round: 10}
	reply := make(chan ProofResult, 1)
	b.InitProof(committee.sign(0, digest, exp), 1, reply)

	wrongEpoch := committee.sign(1, digest, exp)
	wrongEpoch.Epoch = 2
	b.AddSignature(wrongEpoch)

	select {
	case <-reply:
		t.Fatal("a vote from a stale/future epoch must be dropped, not counted")
	case <-time.After(50 * time.Millisecond):
	}
}
