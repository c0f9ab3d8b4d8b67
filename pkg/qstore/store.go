package qstore

import (
	"context"

	"github.com/google/btree"

	"github.com/qstorelabs/quorumstore/internal/log"
	"github.com/qstorelabs/quorumstore/pkg/qstore/qerr"
)

// storeEntry is the Batch Store's bookkeeping row for one persisted
// digest: enough to serve a BatchRequest, resend the cached SignedDigest
// on idempotent Persist, and drive quota eviction (spec.md §4.4).
type storeEntry struct {
	author     PeerID
	batchID    BatchId
	epoch      uint64
	expiration LogicalTime
	numBytes   int
	signed     *SignedDigest
	cached     [][]byte // present only while held under memory_quota
}

type persistResult struct {
	signed *SignedDigest
	err    error
}

type storeCmd interface{ isStoreCmd() }

type cmdPersist struct {
	req   PersistRequest
	reply chan persistResult // nil for peer-ingress batches (no producer waiting)
}

type cmdClean struct{ round Round }

type cmdServeBatchRequest struct {
	from PeerID
	req  *BatchRequest
}

type cmdIngestBatchResponse struct {
	resp *BatchResponse
}

func (cmdPersist) isStoreCmd()             {}
func (cmdClean) isStoreCmd()               {}
func (cmdServeBatchRequest) isStoreCmd()   {}
func (cmdIngestBatchResponse) isStoreCmd() {}

// BatchStore is the write side of the quorum store: it owns the only
// Signer, persists batch bodies to the DB (C2), tracks quota-bounded
// disk and cache usage with nearest-expiration-first eviction, and
// answers peer fetch requests (spec.md §4.4, C4).
type BatchStore struct {
	cfg     Config
	db      DB
	reader  *BatchReader
	net     NetworkSender
	signer  Signer
	log     log.Logger
	metrics *Metrics
	self    PeerID
	epoch   uint64

	cmds chan storeCmd

	entries  map[Digest]*storeEntry
	dbIndex  *btree.BTree // all persisted digests, for db_quota eviction
	memIndex *btree.BTree // digests with a cached payload, for memory_quota eviction
	dbUsed   int
	memUsed  int
}

// NewBatchStore constructs a Batch Store. epoch is the current epoch;
// the store is torn down and replaced across an epoch boundary like
// every other actor (spec.md §5).
func NewBatchStore(cfg Config, self PeerID, epoch uint64, db DB, reader *BatchReader, net NetworkSender, signer Signer, metrics *Metrics, logger log.Logger) *BatchStore {
	if logger == nil {
		logger = log.Nop{}
	}
	return &BatchStore{
		cfg:      cfg,
		db:       db,
		reader:   reader,
		net:      net,
		signer:   signer,
		log:      logger.With("batch_store"),
		metrics:  metrics,
		self:     self,
		epoch:    epoch,
		cmds:     make(chan storeCmd, cfg.ChannelSize),
		entries:  make(map[Digest]*storeEntry),
		dbIndex:  btree.New(32),
		memIndex: btree.New(32),
	}
}

// Run drives the store's command loop until ctx is canceled.
func (s *BatchStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			if s.metrics != nil {
				s.metrics.QueueDepth.WithLabelValues("batch_store").Set(float64(len(s.cmds)))
			}
			s.handle(ctx, cmd)
		}
	}
}

func (s *BatchStore) handle(ctx context.Context, cmd storeCmd) {
	switch c := cmd.(type) {
	case cmdPersist:
		s.persist(ctx, c)
	case cmdClean:
		s.reader.UpdateCertifiedRound(c.round)
	case cmdServeBatchRequest:
		s.serveBatchRequest(ctx, c)
	case cmdIngestBatchResponse:
		s.ingestBatchResponse(c.resp)
	}
}

// Persist asks the store to durably persist req, sign its digest, and
// broadcast a SignedDigest. reply may be nil for peer-ingress batches,
// where no producer is waiting on a return channel (spec.md §4.4,
// §4.6).
func (s *BatchStore) Persist(req PersistRequest, reply chan persistResult) {
	s.cmds <- cmdPersist{req: req, reply: reply}
}

func (s *BatchStore) persist(ctx context.Context, c cmdPersist) {
	req := c.req

	if e, ok := s.entries[req.Digest]; ok {
		// Idempotent: refresh the index, resend the already-signed digest.
		s.reader.Register(req.Digest, e.author, e.expiration, LocationPersisted)
		s.replyPersist(c.reply, persistResult{signed: e.signed})
		return
	}

	if err := s.admit(req.NumBytes); err != nil {
		s.replyPersist(c.reply, persistResult{err: err})
		return
	}

	err := s.db.Save(req.Digest, StoredBatch{
		Payload:    req.Payload,
		Author:     req.Author,
		BatchID:    req.BatchID,
		Epoch:      req.Epoch,
		Expiration: req.Expiration,
		NumBytes:   req.NumBytes,
	})
	if err != nil {
		s.log.Log(log.LevelError, "db save failed", "digest", req.Digest.String(), "err", err)
		s.replyPersist(c.reply, persistResult{err: qerr.Wrap(qerr.KindTimeout, err, "db save failed")})
		return
	}

	e := &storeEntry{
		author:     req.Author,
		batchID:    req.BatchID,
		epoch:      req.Epoch,
		expiration: req.Expiration,
		numBytes:   req.NumBytes,
	}
	s.entries[req.Digest] = e
	s.dbIndex.ReplaceOrInsert(expItem{exp: req.Expiration, digest: req.Digest})
	s.dbUsed += req.NumBytes
	if s.metrics != nil {
		s.metrics.DBBytesUsed.Set(float64(s.dbUsed))
	}

	if s.admitMemory(req.NumBytes) {
		e.cached = req.Payload
		s.memIndex.ReplaceOrInsert(expItem{exp: req.Expiration, digest: req.Digest})
		s.memUsed += req.NumBytes
		if s.metrics != nil {
			s.metrics.MemoryBytesUsed.Set(float64(s.memUsed))
		}
		s.reader.RegisterWithPayload(req.Digest, req.Author, req.Expiration, LocationPersisted, req.Payload)
	} else {
		s.reader.Register(req.Digest, req.Author, req.Expiration, LocationPersisted)
	}

	signed := &SignedDigest{
		Signer:     s.self,
		Epoch:      s.epoch,
		Digest:     req.Digest,
		Expiration: req.Expiration,
	}
	signed.Signature = s.signer.Sign(signed.SigningBody())
	e.signed = signed

	if err := s.net.Broadcast(ctx, signed); err != nil {
		s.log.Log(log.LevelWarn, "broadcasting signed digest failed", "digest", req.Digest.String(), "err", err)
	}

	s.replyPersist(c.reply, persistResult{signed: signed})
}

func (s *BatchStore) replyPersist(reply chan persistResult, res persistResult) {
	if reply == nil {
		return
	}
	reply <- res
}

// admit enforces db_quota: evict already-persisted entries nearest
// expiration first until size fits, failing with QuotaExceeded if it
// still doesn't fit after every evictable entry is gone (spec.md
// §4.4).
func (s *BatchStore) admit(size int) error {
	for s.dbUsed+size > s.cfg.DBQuota {
		evicted := s.evictOneDB()
		if !evicted {
			if s.metrics != nil {
				s.metrics.QuotaExceeded.WithLabelValues("db").Inc()
			}
			return qerr.New(qerr.KindQuotaExceeded, "db_quota exceeded and nothing left to evict")
		}
	}
	return nil
}

// admitMemory enforces memory_quota. Unlike db_quota, failing to fit
// in the cache is not fatal to the persist — the payload is simply
// served from disk on the next read instead of from RAM.
func (s *BatchStore) admitMemory(size int) bool {
	for s.memUsed+size > s.cfg.MemoryQuota {
		if !s.evictOneMemory() {
			return false
		}
	}
	return true
}

func (s *BatchStore) evictOneDB() bool {
	var victim *expItem
	s.dbIndex.Ascend(func(i btree.Item) bool {
		it := i.(expItem)
		victim = &it
		return false
	})
	if victim == nil {
		return false
	}
	s.dbIndex.Delete(*victim)
	s.memIndex.Delete(*victim)
	e, ok := s.entries[victim.digest]
	if ok {
		s.dbUsed -= e.numBytes
		if e.cached != nil {
			s.memUsed -= e.numBytes
		}
		delete(s.entries, victim.digest)
	}
	_ = s.db.Delete(victim.digest)
	if s.metrics != nil {
		s.metrics.QuotaEvictions.WithLabelValues("db").Inc()
		s.metrics.DBBytesUsed.Set(float64(s.dbUsed))
		s.metrics.MemoryBytesUsed.Set(float64(s.memUsed))
	}
	return true
}

func (s *BatchStore) evictOneMemory() bool {
	var victim *expItem
	s.memIndex.Ascend(func(i btree.Item) bool {
		it := i.(expItem)
		victim = &it
		return false
	})
	if victim == nil {
		return false
	}
	s.memIndex.Delete(*victim)
	if e, ok := s.entries[victim.digest]; ok {
		s.memUsed -= e.numBytes
		e.cached = nil
	}
	if s.metrics != nil {
		s.metrics.QuotaEvictions.WithLabelValues("memory").Inc()
		s.metrics.MemoryBytesUsed.Set(float64(s.memUsed))
	}
	return true
}

// Clean drives the Batch Reader's GC watermark forward to round
// (spec.md §4.4 `Clean`).
func (s *BatchStore) Clean(round Round) {
	s.cmds <- cmdClean{round: round}
}

// ServeBatchRequest answers from peer for digest, unicasting a
// BatchResponse if the body is held locally (spec.md §4.4).
func (s *BatchStore) ServeBatchRequest(from PeerID, req *BatchRequest) {
	s.cmds <- cmdServeBatchRequest{from: from, req: req}
}

func (s *BatchStore) serveBatchRequest(ctx context.Context, c cmdServeBatchRequest) {
	e, ok := s.entries[c.req.Digest]
	if !ok {
		return // silently drop; we don't hold this batch
	}
	payload := e.cached
	if payload == nil {
		stored, found, err := s.db.Load(c.req.Digest)
		if err != nil || !found {
			return
		}
		payload = stored.Payload
	}
	resp := &BatchResponse{
		Digest:    c.req.Digest,
		Payload:   payload,
		Author:    e.author,
		BatchID:   uint64(e.batchID),
		Epoch:     e.epoch,
		RequestID: c.req.RequestID,
	}
	if err := s.net.Send(ctx, c.from, resp); err != nil {
		s.log.Log(log.LevelWarn, "serving batch request failed", "peer", c.from.String(), "digest", c.req.Digest.String(), "err", err)
	}
}

// IngestBatchResponse hands the Listener's inbound fetch reply to the
// store for verification and promotion (spec.md §4.4).
func (s *BatchStore) IngestBatchResponse(resp *BatchResponse) {
	s.cmds <- cmdIngestBatchResponse{resp: resp}
}

func (s *BatchStore) ingestBatchResponse(resp *BatchResponse) {
	want := ComputeDigest(resp.Author, resp.Epoch, BatchId(resp.BatchID), resp.Payload)
	if want != resp.Digest {
		s.log.Log(log.LevelWarn, "dropping batch response with mismatched digest", "claimed", resp.Digest.String(), "recomputed", want.String())
		return
	}

	size := numBytes(resp.Payload)
	if err := s.admit(size); err != nil {
		s.log.Log(log.LevelWarn, "dropping fetched batch, quota exceeded", "digest", resp.Digest.String())
		return
	}

	expiration, ok := s.expirationFor(resp.Digest)
	if !ok {
		// We never registered interest in this digest; nothing to
		// promote and no expiration to account it under.
		return
	}

	err := s.db.Save(resp.Digest, StoredBatch{
		Payload:    resp.Payload,
		Author:     resp.Author,
		BatchID:    BatchId(resp.BatchID),
		Epoch:      resp.Epoch,
		Expiration: expiration,
		NumBytes:   size,
	})
	if err != nil {
		s.log.Log(log.LevelError, "db save of fetched batch failed", "digest", resp.Digest.String(), "err", err)
		return
	}

	e := &storeEntry{
		author:     resp.Author,
		batchID:    BatchId(resp.BatchID),
		epoch:      resp.Epoch,
		expiration: expiration,
		numBytes:   size,
	}
	s.entries[resp.Digest] = e
	s.dbIndex.ReplaceOrInsert(expItem{exp: expiration, digest: resp.Digest})
	s.dbUsed += size
	if s.admitMemory(size) {
		e.cached = resp.Payload
		s.memIndex.ReplaceOrInsert(expItem{exp: expiration, digest: resp.Digest})
		s.memUsed += size
		s.reader.RegisterWithPayload(resp.Digest, resp.Author, expiration, LocationPersisted, resp.Payload)
	} else {
		s.reader.Register(resp.Digest, resp.Author, expiration, LocationPersisted)
	}
	if s.metrics != nil {
		s.metrics.DBBytesUsed.Set(float64(s.dbUsed))
		s.metrics.MemoryBytesUsed.Set(float64(s.memUsed))
	}
}

// expirationFor recovers the expiration of a digest we've registered
// interest in but not yet persisted, by asking the reader — which
// learns such expirations from Register calls, such as the Listener's
// on an observed ProofOfStore, before a fetch completes.
func (s *BatchStore) expirationFor(digest Digest) (LogicalTime, bool) {
	return s.reader.PeekExpiration(digest)
}
