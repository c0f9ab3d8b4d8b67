// Package qstore implements the quorum store core of spec.md: batch
// aggregation, dissemination, durable persistence, and proof-of-store
// aggregation in front of a BFT consensus engine. Components are
// modeled as independent actors — one goroutine, one inbound channel,
// strictly sequential handling — communicating only through messages
// and one-shot reply channels — the same shape as one goroutine per
// connection plus promised request/response pairs.
package qstore

import (
	"github.com/qstorelabs/quorumstore/pkg/qstore/qmsg"
)

// BatchId is an opaque, producer-chosen monotonic identifier, unique
// within an epoch (spec.md §3).
type BatchId uint64

// Round is a monotonic consensus sequence number within an epoch.
type Round = uint64

// LogicalTime, Digest, PeerID, Fragment, SignedDigest, ProofOfStore,
// BatchRequest and BatchResponse are re-exported from qmsg so callers
// of this package don't need to import it directly for the common
// case.
type (
	LogicalTime   = qmsg.LogicalTime
	Digest        = qmsg.Digest
	PeerID        = qmsg.PeerID
	Fragment      = qmsg.Fragment
	SignedDigest  = qmsg.SignedDigest
	ProofOfStore  = qmsg.ProofOfStore
	BatchRequest  = qmsg.BatchRequest
	BatchResponse = qmsg.BatchResponse
)

// Batch is an assembled, content-addressed sequence of transactions
// authored by one validator (spec.md §3).
type Batch struct {
	Author     PeerID
	Payload    [][]byte
	Digest     Digest
	NumBytes   int
	Expiration LogicalTime
}

// PersistRequest asks the Batch Store to durably persist an assembled
// batch (spec.md §3, §4.4). BatchID is carried alongside the already-
// computed Digest (rather than only at digest-computation time) so a
// later fetch response for this digest can be re-hashed and verified
// without the verifier needing out-of-band knowledge of the producer's
// batch_id.
type PersistRequest struct {
	Author     PeerID
	Payload    [][]byte
	Digest     Digest
	BatchID    BatchId
	Epoch      uint64
	NumBytes   int
	Expiration LogicalTime
}

// StoredBatch is what the Quorum Store DB (C2) persists per digest.
type StoredBatch struct {
	Payload    [][]byte
	Author     PeerID
	BatchID    BatchId
	Epoch      uint64
	Expiration LogicalTime
	NumBytes   int
}

// Location classifies where the Batch Reader (C3) believes a batch's
// body currently lives (spec.md §4.3).
type Location uint8

const (
	LocationUnknown Location = iota
	LocationLocal            // in-memory handle, not yet durably persisted
	LocationPersisted        // on disk, in the local Quorum Store DB
	LocationRemote           // known only to hold at author_peer
)

func (l Location) String() string {
	switch l {
	case LocationLocal:
		return "local"
	case LocationPersisted:
		return "persisted"
	case LocationRemote:
		return "remote"
	default:
		return "unknown"
	}
}
