package qstore

import (
	"context"

	"github.com/qstorelabs/quorumstore/internal/log"
)

// pendingSelfBatch is a self-authored batch awaiting local persistence
// before its terminator fragment can be broadcast (spec.md §4.7: a map
// `digest → (terminator_fragment, return_channel)`).
type pendingSelfBatch struct {
	terminator *Fragment
	batchID    BatchId
	reply      chan ProofResult
}

type persistDoneMsg struct {
	digest Digest
	result persistResult
}

type driverCmd interface{ isDriverCmd() }

type cmdAppendToBatch struct {
	payload [][]byte
	batchID BatchId
}

type cmdEndBatch struct {
	payload    [][]byte
	batchID    BatchId
	expiration LogicalTime
	reply      chan ProofResult
}

func (cmdAppendToBatch) isDriverCmd() {}
func (cmdEndBatch) isDriverCmd()      {}

// Driver is the quorum store's front door (spec.md §4.7, C7): it
// receives producer commands, drives the self-aggregator (C1 in
// AssertWrongOrder mode), broadcasts fragments, hands finalized
// payloads to the Batch Store (C4), and threads proof-return channels
// through to the Proof Builder (C5).
type Driver struct {
	self  PeerID
	epoch uint64
	cfg   Config

	net     NetworkSender
	store   *BatchStore
	builder *ProofBuilder
	log     log.Logger
	metrics *Metrics

	agg        *BatchAggregator
	fragmentID uint32
	pending    map[Digest]*pendingSelfBatch

	cmds        chan driverCmd
	persistDone chan persistDoneMsg
}

// NewDriver constructs a Quorum Store Driver for one epoch.
func NewDriver(cfg Config, self PeerID, epoch uint64, net NetworkSender, store *BatchStore, builder *ProofBuilder, metrics *Metrics, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.Nop{}
	}
	l := logger.With("driver")
	return &Driver{
		self:        self,
		epoch:       epoch,
		cfg:         cfg,
		net:         net,
		store:       store,
		builder:     builder,
		log:         l,
		metrics:     metrics,
		agg:         NewBatchAggregator(cfg.MaxBatchSize, AssertWrongOrder, l),
		pending:     make(map[Digest]*pendingSelfBatch),
		cmds:        make(chan driverCmd, cfg.ChannelSize),
		persistDone: make(chan persistDoneMsg, cfg.ChannelSize),
	}
}

// Run drives the producer-facing command loop until ctx is canceled.
// It multiplexes the command queue with the set of in-flight persist
// replies (spec.md §9: "a select-style multiplexer over its command
// queue and the set of in-flight persist replies").
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.teardown()
			return
		case cmd := <-d.cmds:
			if d.metrics != nil {
				d.metrics.QueueDepth.WithLabelValues("driver").Set(float64(len(d.cmds)))
			}
			d.handle(ctx, cmd)
		case pd := <-d.persistDone:
			d.onPersistDone(ctx, pd)
		}
	}
}

func (d *Driver) teardown() {
	for digest, p := range d.pending {
		p.reply <- ProofResult{BatchID: p.batchID, Err: timeoutErr(p.batchID)}
		delete(d.pending, digest)
	}
}

func (d *Driver) handle(ctx context.Context, cmd driverCmd) {
	switch c := cmd.(type) {
	case cmdAppendToBatch:
		d.appendToBatch(ctx, c)
	case cmdEndBatch:
		d.endBatch(ctx, c)
	}
}

// AppendToBatch feeds one fragment's worth of payload into the
// self-aggregator (spec.md §4.7 `AppendToBatch`).
func (d *Driver) AppendToBatch(payload [][]byte, batchID BatchId) {
	d.cmds <- cmdAppendToBatch{payload: payload, batchID: batchID}
}

func (d *Driver) appendToBatch(ctx context.Context, c cmdAppendToBatch) {
	// Append only returns false after first panicking in
	// AssertWrongOrder mode (spec.md §4.1) — the driver owns
	// fragment_id, so a mismatch here is this code's own bug, not
	// recoverable input.
	d.agg.Append(c.batchID, d.fragmentID, c.payload)

	frag := &Fragment{
		Epoch:      d.epoch,
		BatchID:    uint64(c.batchID),
		FragmentID: d.fragmentID,
		Payload:    c.payload,
		Author:     d.self,
	}
	if err := d.net.Broadcast(ctx, frag); err != nil {
		d.log.Log(log.LevelWarn, "broadcasting fragment failed", "batch_id", c.batchID, "fragment_id", d.fragmentID, "err", err)
	}
	d.fragmentID++
}

// EndBatch closes the in-flight batch, stashes its terminator fragment
// pending local persistence, and submits it to the Batch Store with a
// one-shot reply channel (spec.md §4.7 `EndBatch`).
func (d *Driver) EndBatch(payload [][]byte, batchID BatchId, expiration LogicalTime, reply chan ProofResult) {
	d.cmds <- cmdEndBatch{payload: payload, batchID: batchID, expiration: expiration, reply: reply}
}

func (d *Driver) endBatch(ctx context.Context, c cmdEndBatch) {
	numBytes, assembled, _ := d.agg.End(c.batchID, d.fragmentID, c.payload)
	digest := ComputeDigest(d.self, d.epoch, c.batchID, assembled)

	terminator := &Fragment{
		Epoch:      d.epoch,
		BatchID:    uint64(c.batchID),
		FragmentID: d.fragmentID,
		Payload:    c.payload,
		Expiration: &c.expiration,
		Author:     d.self,
	}
	d.pending[digest] = &pendingSelfBatch{terminator: terminator, batchID: c.batchID, reply: c.reply}
	d.fragmentID = 0

	persistReply := make(chan persistResult, 1)
	d.store.Persist(PersistRequest{
		Author:     d.self,
		Payload:    assembled,
		Digest:     digest,
		BatchID:    c.batchID,
		Epoch:      d.epoch,
		NumBytes:   numBytes,
		Expiration: c.expiration,
	}, persistReply)

	go func() {
		res := <-persistReply
		select {
		case d.persistDone <- persistDoneMsg{digest: digest, result: res}:
		case <-ctx.Done():
		}
	}()
}

// onPersistDone handles the Batch Store's reply for a self-authored
// batch: hand the signed digest to the Proof Builder, then broadcast
// the terminator fragment, in that order (spec.md §4.7 — deferred
// until after self-persistence so a lagging peer's fetch of the author
// finds the body already there).
func (d *Driver) onPersistDone(ctx context.Context, pd persistDoneMsg) {
	p, ok := d.pending[pd.digest]
	if !ok {
		return
	}
	delete(d.pending, pd.digest)

	if pd.result.err != nil {
		p.reply <- ProofResult{BatchID: p.batchID, Err: pd.result.err}
		return
	}

	d.builder.InitProof(pd.result.signed, p.batchID, p.reply)

	if err := d.net.Broadcast(ctx, p.terminator); err != nil {
		d.log.Log(log.LevelWarn, "broadcasting terminator fragment failed", "batch_id", p.batchID, "err", err)
	}
}
