package qstore

import (
	"context"

	"github.com/qstorelabs/quorumstore/internal/log"
)

// Listener demultiplexes inbound peer messages to the Batch Store
// (C4), Batch Reader (C3) and Proof Builder (C5), the way spec.md
// §4.6's routing table describes. It owns one BatchAggregator per
// ingress author, each running in IgnoreWrongOrder mode, since a
// misbehaving or lagging peer must never be able to wedge or crash
// the local node (spec.md §4.1).
type Listener struct {
	cfg      Config
	epoch    uint64
	verifier *ValidatorVerifier
	store    *BatchStore
	reader   *BatchReader
	builder  *ProofBuilder
	log      log.Logger
	metrics  *Metrics

	aggregators map[PeerID]*BatchAggregator
}

// NewListener constructs a Network Listener scoped to one epoch.
func NewListener(cfg Config, epoch uint64, verifier *ValidatorVerifier, store *BatchStore, reader *BatchReader, builder *ProofBuilder, metrics *Metrics, logger log.Logger) *Listener {
	if logger == nil {
		logger = log.Nop{}
	}
	return &Listener{
		cfg:         cfg,
		epoch:       epoch,
		verifier:    verifier,
		store:       store,
		reader:      reader,
		builder:     builder,
		log:         logger.With("listener"),
		metrics:     metrics,
		aggregators: make(map[PeerID]*BatchAggregator),
	}
}

// Run drains inbound until ctx is canceled or inbound closes.
func (l *Listener) Run(ctx context.Context, inbound <-chan InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			l.dispatch(msg)
		}
	}
}

func (l *Listener) dispatch(msg InboundMessage) {
	switch v := msg.Msg.(type) {
	case *Fragment:
		l.onFragment(v)
	case *SignedDigest:
		l.builder.AddSignature(v)
	case *BatchRequest:
		l.store.ServeBatchRequest(msg.From, v)
	case *BatchResponse:
		l.store.IngestBatchResponse(v)
	case *ProofOfStore:
		l.onProofOfStore(msg.From, v)
	default:
		l.log.Log(log.LevelWarn, "dropping message of unrecognized type", "tag", msg.Tag.String())
	}
}

func (l *Listener) onFragment(f *Fragment) {
	if f.Epoch != l.epoch {
		return // EpochMismatch, dropped silently (spec.md §7)
	}
	agg, ok := l.aggregators[f.Author]
	if !ok {
		agg = NewBatchAggregator(l.cfg.MaxBatchSize, IgnoreWrongOrder, l.log)
		l.aggregators[f.Author] = agg
	}

	if !f.IsTerminator() {
		agg.Append(BatchId(f.BatchID), f.FragmentID, f.Payload)
		return
	}

	numBytes, assembled, ok := agg.End(BatchId(f.BatchID), f.FragmentID, f.Payload)
	if !ok {
		return
	}
	digest := ComputeDigest(f.Author, f.Epoch, BatchId(f.BatchID), assembled)
	l.store.Persist(PersistRequest{
		Author:     f.Author,
		Payload:    assembled,
		Digest:     digest,
		BatchID:    BatchId(f.BatchID),
		Epoch:      f.Epoch,
		NumBytes:   numBytes,
		Expiration: *f.Expiration,
	}, nil)
}

// onProofOfStore registers a peer-observed ProofOfStore as a Remote
// location in the reader, but only once its signer set plausibly
// reaches quorum under the current committee — individual signatures
// inside the opaque aggregate are not independently re-checkable
// (spec.md §9: aggregation is opaque), so committee membership plus
// accumulated voting power is the validity gate (spec.md §4.6).
func (l *Listener) onProofOfStore(from PeerID, p *ProofOfStore) {
	var power uint64
	for _, signer := range p.Signers {
		if !l.verifier.InCommittee(signer) {
			return
		}
		power += l.verifier.VotingPower(signer)
	}
	if power < l.verifier.QuorumVotingPower() {
		return
	}
	l.reader.Register(p.Digest, from, p.Expiration, LocationRemote)
}
