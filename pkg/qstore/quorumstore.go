package qstore

import (
	"context"

	"github.com/qstorelabs/quorumstore/internal/log"
)

// QuorumStore wires together one epoch's worth of C1–C7 actors.
// Components never hold references to each other beyond what's handed
// in at construction (spec.md §9: "avoid mutual ownership; wire
// components by message queues passed at construction and never store
// cross-references").
type QuorumStore struct {
	Driver   *Driver
	Store    *BatchStore
	Builder  *ProofBuilder
	Listener *Listener
	Reader   *BatchReader

	inbound <-chan InboundMessage
}

// New constructs one epoch's quorum store instance and returns it
// alongside its Batch Reader, the component consensus calls directly
// to fetch batch bodies by digest. inbound is the NetworkSender's
// companion receive channel (internal/transport's Mem or Framed both
// expose one).
func New(cfg Config, self PeerID, epoch uint64, verifier *ValidatorVerifier, db DB, net NetworkSender, inbound <-chan InboundMessage, signer Signer, metrics *Metrics, logger log.Logger) (*QuorumStore, *BatchReader) {
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	if logger == nil {
		logger = log.Nop{}
	}

	peers := func() []PeerID {
		all := verifier.Peers()
		out := make([]PeerID, 0, len(all))
		for _, p := range all {
			if p != self {
				out = append(out, p)
			}
		}
		return out
	}

	reader := NewBatchReader(cfg, self, db, net, metrics, logger, peers)
	store := NewBatchStore(cfg, self, epoch, db, reader, net, signer, metrics, logger)
	builder := NewProofBuilder(cfg, verifier, metrics, logger)
	listener := NewListener(cfg, epoch, verifier, store, reader, builder, metrics, logger)
	driver := NewDriver(cfg, self, epoch, net, store, builder, metrics, logger)

	return &QuorumStore{
		Driver:   driver,
		Store:    store,
		Builder:  builder,
		Listener: listener,
		Reader:   reader,
		inbound:  inbound,
	}, reader
}

// Run starts every actor's goroutine. It returns immediately; the
// actors run until ctx is canceled, at which point every open
// aggregation, pending fetch, and pending proof is cancelled with an
// error the way spec.md §5 describes epoch teardown.
func (qs *QuorumStore) Run(ctx context.Context) {
	go qs.Reader.Run(ctx)
	go qs.Store.Run(ctx)
	go qs.Builder.Run(ctx)
	go qs.Listener.Run(ctx, qs.inbound)
	go qs.Driver.Run(ctx)
}
