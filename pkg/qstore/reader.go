package qstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/btree"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/qstorelabs/quorumstore/internal/log"
	"github.com/qstorelabs/quorumstore/pkg/qstore/qerr"
)

// entry is the Batch Reader's per-digest index row (spec.md §4.3).
type entry struct {
	location   Location
	author     PeerID
	expiration LogicalTime
	payload    [][]byte // populated when location is Local or Persisted-and-cached
	waiters    []chan getResult
}

type getResult struct {
	payload [][]byte
	err     error
}

// expItem orders the GC index by (expiration, digest), the ordered
// map spec.md §9 calls for ("a balanced ordered map keyed by
// (expiration, digest) suffices"). google/btree gives us an
// O(log n) balanced tree with ordered range iteration, the structure
// dagstore/storacha-piri-style content stores reach for when an
// index needs both point lookup and range eviction.
type expItem struct {
	exp    LogicalTime
	digest Digest
}

func (a expItem) Less(than btree.Item) bool {
	b := than.(expItem)
	if a.exp.Epoch != b.exp.Epoch {
		return a.exp.Epoch < b.exp.Epoch
	}
	if a.exp.Round != b.exp.Round {
		return a.exp.Round < b.exp.Round
	}
	return bytes.Compare(a.digest[:], b.digest[:]) < 0
}

// readerCmd is the Batch Reader's inbound message envelope. Every
// variant is handled sequentially by run(), so entry/expIndex never
// need locking (spec.md §5: "single writer per state").
type readerCmd interface{ isReaderCmd() }

type cmdRegister struct {
	digest     Digest
	author     PeerID
	expiration LogicalTime
	location   Location
	payload    [][]byte // only meaningful for Local/Persisted
}

type cmdGet struct {
	digest Digest
	reply  chan getResult
}

type cmdUpdateCertifiedRound struct{ round Round }

type cmdFetchDone struct {
	digest Digest
	result getResult
}

func (cmdRegister) isReaderCmd()             {}
func (cmdGet) isReaderCmd()                  {}
func (cmdUpdateCertifiedRound) isReaderCmd() {}
func (cmdFetchDone) isReaderCmd()            {}

// BatchReader is the read-side index and on-demand peer fetcher for
// batches by digest (spec.md §4.3, C3).
type BatchReader struct {
	cfg     Config
	db      DB
	net     NetworkSender
	log     log.Logger
	metrics *Metrics
	self    PeerID
	peers   func() []PeerID // current epoch committee, excluding self

	cmds chan readerCmd

	index    map[Digest]*entry
	expIndex *btree.BTree
}

// NewBatchReader constructs a Batch Reader. peers returns the current
// committee's peer list (excluding self) at call time, so the reader
// always fetches against the live epoch snapshot (spec.md §5).
func NewBatchReader(cfg Config, self PeerID, db DB, net NetworkSender, metrics *Metrics, logger log.Logger, peers func() []PeerID) *BatchReader {
	if logger == nil {
		logger = log.Nop{}
	}
	r := &BatchReader{
		cfg:      cfg,
		db:       db,
		net:      net,
		log:      logger.With("batch_reader"),
		metrics:  metrics,
		self:     self,
		peers:    peers,
		cmds:     make(chan readerCmd, cfg.ChannelSize),
		index:    make(map[Digest]*entry),
		expIndex: btree.New(32),
	}
	return r
}

// Run drives the reader's command loop until ctx is canceled. On
// cancellation every pending waiter resolves with a "teardown"
// Timeout error, matching spec.md §5's epoch-teardown cancellation
// model.
func (r *BatchReader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return
		case cmd := <-r.cmds:
			if r.metrics != nil {
				r.metrics.QueueDepth.WithLabelValues("batch_reader").Set(float64(len(r.cmds)))
			}
			r.handle(ctx, cmd)
		}
	}
}

func (r *BatchReader) teardown() {
	for _, e := range r.index {
		for _, w := range e.waiters {
			w <- getResult{err: qerr.New(qerr.KindTimeout, "epoch torn down")}
		}
		e.waiters = nil
	}
}

func (r *BatchReader) handle(ctx context.Context, cmd readerCmd) {
	switch c := cmd.(type) {
	case cmdRegister:
		r.register(c)
	case cmdGet:
		r.get(ctx, c)
	case cmdUpdateCertifiedRound:
		r.updateCertifiedRound(c.round)
	case cmdFetchDone:
		r.resolveFetch(c.digest, c.result)
	case cmdPeek:
		c.reply <- r.index[c.digest]
	}
}

// Register installs an index entry, called by the Batch Store on
// persist or by the Listener on inbound-proof observation (spec.md
// §4.3 `register`).
func (r *BatchReader) Register(digest Digest, author PeerID, expiration LogicalTime, location Location) {
	r.cmds <- cmdRegister{digest: digest, author: author, expiration: expiration, location: location}
}

// RegisterWithPayload is Register plus an immediately-available
// payload (used when the Batch Store just persisted or received one
// locally).
func (r *BatchReader) RegisterWithPayload(digest Digest, author PeerID, expiration LogicalTime, location Location, payload [][]byte) {
	r.cmds <- cmdRegister{digest: digest, author: author, expiration: expiration, location: location, payload: payload}
}

func (r *BatchReader) register(c cmdRegister) {
	e, ok := r.index[c.digest]
	if !ok {
		e = &entry{}
		r.index[c.digest] = e
		r.expIndex.ReplaceOrInsert(expItem{exp: c.expiration, digest: c.digest})
	} else if e.expiration != c.expiration {
		r.expIndex.Delete(expItem{exp: e.expiration, digest: c.digest})
		r.expIndex.ReplaceOrInsert(expItem{exp: c.expiration, digest: c.digest})
	}
	e.author = c.author
	e.expiration = c.expiration
	if c.location != LocationUnknown {
		e.location = c.location
	}
	if c.payload != nil {
		e.payload = c.payload
	}
	r.flushWaiters(c.digest, e)
}

// Get resolves digest's payload, fetching from peers if necessary
// (spec.md §4.3 `get`). It blocks until ctx is done or a result is
// available; callers typically wrap it with their own timeout.
func (r *BatchReader) Get(ctx context.Context, digest Digest) ([][]byte, error) {
	reply := make(chan getResult, 1)
	select {
	case r.cmds <- cmdGet{digest: digest, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *BatchReader) get(ctx context.Context, c cmdGet) {
	e, ok := r.index[c.digest]
	if !ok {
		e = &entry{location: LocationRemote}
		r.index[c.digest] = e
	}

	switch e.location {
	case LocationLocal:
		c.reply <- getResult{payload: e.payload}
		return
	case LocationPersisted:
		if e.payload != nil {
			c.reply <- getResult{payload: e.payload}
			return
		}
		stored, found, err := r.db.Load(c.digest)
		if err != nil {
			c.reply <- getResult{err: qerr.Wrap(qerr.KindTimeout, err, "db load failed")}
			return
		}
		if !found {
			// Index says Persisted but the body is gone (e.g. raced
			// with GC); fall through to a peer fetch.
			e.location = LocationRemote
		} else {
			c.reply <- getResult{payload: stored.Payload}
			return
		}
	}

	// LocationRemote or freshly-unknown: register the waiter and kick
	// off a peer fetch if one isn't already in flight.
	firstWaiter := len(e.waiters) == 0
	e.waiters = append(e.waiters, c.reply)
	if firstWaiter {
		go r.fetchFromPeers(ctx, c.digest, e.author)
	}
}

func (r *BatchReader) flushWaiters(digest Digest, e *entry) {
	if len(e.waiters) == 0 {
		return
	}
	if e.location != LocationLocal && e.location != LocationPersisted {
		return
	}
	payload := e.payload
	if payload == nil {
		stored, found, err := r.db.Load(digest)
		if err == nil && found {
			payload = stored.Payload
		}
	}
	for _, w := range e.waiters {
		w <- getResult{payload: payload}
	}
	e.waiters = nil
}

// fetchFromPeers runs the peer fetch for digest. It sends BatchRequest
// to one candidate at a time, author first, then the other committee
// members, capped at batch_request_num_peers * batch_request_max_retries
// candidates. Each attempt waits out the full batch_request_timeout
// before checking whether the digest has been resolved. Requests are not
// sent to several peers in parallel. The reader does not verify
// responses itself; the Batch Store re-hashes a BatchResponse before
// registering it. Once the candidates are exhausted, waiters resolve
// with a Timeout-kind error.
func (r *BatchReader) fetchFromPeers(ctx context.Context, digest Digest, author PeerID) {
	candidates := r.orderedCandidates(author)
	if len(candidates) == 0 {
		r.cmds <- cmdFetchDone{digest: digest, result: getResult{err: qerr.New(qerr.KindTimeout, "no peers to fetch from")}}
		return
	}

	sem := semaphore.NewWeighted(int64(r.cfg.BatchRequestNumPeers))
	attempts := 0
	for _, peer := range candidates {
		if attempts >= r.cfg.BatchRequestMaxRetries*r.cfg.BatchRequestNumPeers {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		attempts++
		if r.metrics != nil {
			r.metrics.FetchAttempts.Inc()
		}

		reqID := uuid.New()
		var idBytes [16]byte
		copy(idBytes[:], reqID[:])
		req := &BatchRequest{Digest: digest, RequestID: idBytes}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.BatchRequestTimeout)
		err := r.net.Send(attemptCtx, peer, req)
		if err == nil {
			// The response arrives asynchronously through the Listener
			// (C6) -> BatchStore.BatchResponse -> our Register path;
			// we just wait out this attempt's timeout window for it.
			<-attemptCtx.Done()
		}
		cancel()
		sem.Release(1)

		if e := r.peekEntry(digest); e != nil && (e.location == LocationLocal || e.location == LocationPersisted) {
			return
		}
		if ctx.Err() != nil {
			break
		}
	}

	if r.metrics != nil {
		r.metrics.FetchFailures.Inc()
	}
	r.log.Log(log.LevelWarn, "peer fetch exhausted retry budget", "digest", digest.String(), "attempts", attempts)
	r.cmds <- cmdFetchDone{digest: digest, result: getResult{err: qerr.New(qerr.KindTimeout, "peer fetch exhausted retry budget")}}
}

// peekEntry synchronously reads an index entry via the actor loop,
// used to short-circuit the fetch loop early once a concurrent
// Register has resolved the digest; the authoritative resolution
// still happens through resolveFetch/flushWaiters.
func (r *BatchReader) peekEntry(digest Digest) *entry {
	reply := make(chan *entry, 1)
	r.cmds <- cmdPeek{digest: digest, reply: reply}
	return <-reply
}

// PeekExpiration returns the expiration registered for digest, if
// any. Used by the Batch Store to recover the expiration of a digest
// it's promoting from a fetch response, since BatchResponse itself
// doesn't carry expiration (spec.md §6).
func (r *BatchReader) PeekExpiration(digest Digest) (LogicalTime, bool) {
	e := r.peekEntry(digest)
	if e == nil {
		return LogicalTime{}, false
	}
	return e.expiration, true
}

type cmdPeek struct {
	digest Digest
	reply  chan *entry
}

func (cmdPeek) isReaderCmd() {}

func (r *BatchReader) orderedCandidates(author PeerID) []PeerID {
	all := r.peers()
	out := make([]PeerID, 0, len(all))
	if !author.IsZero() {
		out = append(out, author)
	}
	for _, p := range all {
		if p == author {
			continue
		}
		out = append(out, p)
	}
	if len(out) > r.cfg.BatchRequestNumPeers*r.cfg.BatchRequestMaxRetries {
		out = out[:r.cfg.BatchRequestNumPeers*r.cfg.BatchRequestMaxRetries]
	}
	return out
}

func (r *BatchReader) resolveFetch(digest Digest, result getResult) {
	e, ok := r.index[digest]
	if !ok || len(e.waiters) == 0 {
		return
	}
	for _, w := range e.waiters {
		w <- result
	}
	e.waiters = nil
}

// UpdateCertifiedRound advances the GC watermark (spec.md §4.3
// `update_certified_round`): any entry with
// expiration.round + max_execution_round_lag <= round is evicted from
// the index, a Persisted entry's body is deleted from the DB by the
// reader itself, and pending waiters for those digests resolve with a
// Timeout-kind error reporting the expiry.
func (r *BatchReader) UpdateCertifiedRound(round Round) {
	r.cmds <- cmdUpdateCertifiedRound{round: round}
}

func (r *BatchReader) updateCertifiedRound(round Round) {
	var toEvict []expItem
	r.expIndex.Ascend(func(i btree.Item) bool {
		it := i.(expItem)
		if it.exp.Round+r.cfg.MaxExecutionRoundLag > round {
			return false
		}
		toEvict = append(toEvict, it)
		return true
	})

	for _, it := range toEvict {
		r.expIndex.Delete(it)
		e, ok := r.index[it.digest]
		if !ok {
			continue
		}
		delete(r.index, it.digest)
		if e.location == LocationPersisted {
			_ = r.db.Delete(it.digest)
		}
		expiredErr := qerr.New(qerr.KindTimeout, fmt.Sprintf("digest %s expired at round %d", it.digest, round))
		for _, w := range e.waiters {
			w <- getResult{err: expiredErr}
		}
		if r.metrics != nil {
			r.metrics.BatchesGCed.Inc()
		}
	}
}
