package qstore

import (
	"context"
	"fmt"
	"time"

	"github.com/qstorelabs/quorumstore/internal/log"
	"github.com/qstorelabs/quorumstore/pkg/qstore/qerr"
)

// ProofResult is what InitProof's caller eventually receives on its
// return channel: either the assembled ProofOfStore or a timeout,
// each tagged with the batch_id the producer used (spec.md §4.5).
type ProofResult struct {
	Proof   *ProofOfStore
	BatchID BatchId
	Err     error
}

// proofState is the per-digest aggregation state the Proof Builder
// tracks while a quorum hasn't yet formed (spec.md §4.5: "{ expiration,
// batch_id, return_channel, voters: set, accumulated_voting_power,
// deadline }").
type proofState struct {
	expiration LogicalTime
	batchID    BatchId
	reply      chan ProofResult
	voters     map[PeerID]bool
	signers    []PeerID
	sigs       [][]byte
	power      uint64
	deadline   time.Time
}

type builderCmd interface{ isBuilderCmd() }

type cmdInitProof struct {
	signed  *SignedDigest
	batchID BatchId
	reply   chan ProofResult
}

type cmdAddSignature struct{ signed *SignedDigest }

func (cmdInitProof) isBuilderCmd()    {}
func (cmdAddSignature) isBuilderCmd() {}

// ProofBuilder aggregates SignedDigest votes into a ProofOfStore once
// a quorum of voting power is reached, per digest, under a deadline
// (spec.md §4.5, C5).
type ProofBuilder struct {
	cfg      Config
	verifier *ValidatorVerifier
	log      log.Logger
	metrics  *Metrics

	cmds  chan builderCmd
	open  map[Digest]*proofState
	timer *time.Timer
}

// NewProofBuilder constructs a Proof Builder scoped to one epoch's
// committee snapshot.
func NewProofBuilder(cfg Config, verifier *ValidatorVerifier, metrics *Metrics, logger log.Logger) *ProofBuilder {
	if logger == nil {
		logger = log.Nop{}
	}
	return &ProofBuilder{
		cfg:      cfg,
		verifier: verifier,
		log:      logger.With("proof_builder"),
		metrics:  metrics,
		cmds:     make(chan builderCmd, cfg.ChannelSize),
		open:     make(map[Digest]*proofState),
	}
}

// Run drives the builder's command loop until ctx is canceled,
// polling for expired deadlines on a fixed tick. On cancellation every
// open digest resolves with Err(Timeout), matching the epoch-teardown
// cancellation model (spec.md §5).
func (b *ProofBuilder) Run(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.teardown()
			return
		case now := <-ticker.C:
			b.sweepDeadlines(now)
		case cmd := <-b.cmds:
			if b.metrics != nil {
				b.metrics.QueueDepth.WithLabelValues("proof_builder").Set(float64(len(b.cmds)))
			}
			b.handle(cmd)
		}
	}
}

func (b *ProofBuilder) teardown() {
	for digest, st := range b.open {
		st.reply <- ProofResult{BatchID: st.batchID, Err: timeoutErr(st.batchID)}
		delete(b.open, digest)
	}
}

func (b *ProofBuilder) handle(cmd builderCmd) {
	switch c := cmd.(type) {
	case cmdInitProof:
		b.initProof(c)
	case cmdAddSignature:
		b.addSignature(c.signed)
	}
}

// InitProof opens aggregation state for a just-persisted digest,
// seeded with the local vote, and schedules a deadline
// (spec.md §4.5). Callers must guarantee InitProof happens before any
// AddSignature for the same digest reaches this actor (spec.md §8:
// enforced by the driver waiting on the store's reply first).
func (b *ProofBuilder) InitProof(localSigned *SignedDigest, batchID BatchId, reply chan ProofResult) {
	b.cmds <- cmdInitProof{signed: localSigned, batchID: batchID, reply: reply}
}

func (b *ProofBuilder) initProof(c cmdInitProof) {
	st := &proofState{
		expiration: c.signed.Expiration,
		batchID:    c.batchID,
		reply:      c.reply,
		voters:     make(map[PeerID]bool),
		deadline:   time.Now().Add(b.cfg.ProofTimeout),
	}
	b.open[c.signed.Digest] = st
	b.addVote(st, c.signed.Digest, c.signed.Signer, c.signed.Signature)
}

// AddSignature feeds a remote vote into whichever digest's aggregation
// it belongs to (spec.md §4.5).
func (b *ProofBuilder) AddSignature(signed *SignedDigest) {
	b.cmds <- cmdAddSignature{signed: signed}
}

func (b *ProofBuilder) addSignature(signed *SignedDigest) {
	st, ok := b.open[signed.Digest]
	if !ok {
		return // no open aggregation for this digest; drop
	}
	if signed.Epoch != b.verifier.Epoch() {
		return
	}
	if st.voters[signed.Signer] {
		return // already voted
	}
	if !b.verifier.Verify(signed.Signer, signed.SigningBody(), signed.Signature) {
		return
	}
	b.addVote(st, signed.Digest, signed.Signer, signed.Signature)
}

func (b *ProofBuilder) addVote(st *proofState, digest Digest, signer PeerID, signature []byte) {
	st.voters[signer] = true
	st.signers = append(st.signers, signer)
	st.sigs = append(st.sigs, signature)
	st.power += b.verifier.VotingPower(signer)

	if st.power < b.verifier.QuorumVotingPower() {
		return
	}

	proof := &ProofOfStore{
		Digest:              digest,
		Expiration:          st.expiration,
		Signers:             st.signers,
		AggregatedSignature: b.verifier.Aggregate(st.signers, st.sigs),
	}
	st.reply <- ProofResult{Proof: proof, BatchID: st.batchID}
	delete(b.open, digest)
	if b.metrics != nil {
		b.metrics.ProofsFormed.Inc()
	}
}

// timeoutErr builds the Err(Timeout(batch_id)) result spec.md §4.5
// describes for a deadline reached without quorum.
func timeoutErr(batchID BatchId) error {
	return qerr.New(qerr.KindTimeout, fmt.Sprintf("proof aggregation timed out for batch_id %d", batchID))
}

func (b *ProofBuilder) sweepDeadlines(now time.Time) {
	for digest, st := range b.open {
		if now.Before(st.deadline) {
			continue
		}
		st.reply <- ProofResult{BatchID: st.batchID, Err: timeoutErr(st.batchID)}
		delete(b.open, digest)
		if b.metrics != nil {
			b.metrics.ProofTimeouts.Inc()
		}
	}
}
