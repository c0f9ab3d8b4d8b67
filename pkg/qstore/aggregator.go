package qstore

import (
	"fmt"

	"github.com/qstorelabs/quorumstore/internal/log"
)

// AggregationMode controls how a BatchAggregator reacts to a fragment
// that does not continue the in-flight batch (spec.md §4.1).
type AggregationMode uint8

const (
	// AssertWrongOrder is used for the local node's own productions:
	// the driver owns the fragment_id counter, so misordering can only
	// mean a programming error, and it is fatal.
	AssertWrongOrder AggregationMode = iota

	// IgnoreWrongOrder is used for peer ingress: a misordered or
	// duplicated fragment is silently discarded and the aggregator for
	// that author resets, ready for the next batch to start at
	// fragment_id 0.
	IgnoreWrongOrder
)

// BatchAggregator is the pure, single-writer state machine that
// assembles the fragments of one in-flight batch at a time (spec.md
// §4.1, C1). One instance exists per ingress author on the peer side;
// the driver (C7) owns a single AssertWrongOrder instance for its own
// productions.
type BatchAggregator struct {
	mode         AggregationMode
	maxBatchSize int
	log          log.Logger

	active         bool
	batchID        BatchId
	nextFragmentID uint32
	payload        [][]byte
	cumulativeSize int
}

// NewBatchAggregator constructs an aggregator bounding assembled
// batches to maxBatchSize bytes.
func NewBatchAggregator(maxBatchSize int, mode AggregationMode, logger log.Logger) *BatchAggregator {
	if logger == nil {
		logger = log.Nop{}
	}
	return &BatchAggregator{
		mode:         mode,
		maxBatchSize: maxBatchSize,
		log:          logger,
	}
}

// reset clears in-flight state, ready to accept fragment_id 0 of a new
// batch.
func (a *BatchAggregator) reset() {
	a.active = false
	a.batchID = 0
	a.nextFragmentID = 0
	a.payload = nil
	a.cumulativeSize = 0
}

// violation handles a fragment that cannot extend or start a batch.
// AssertWrongOrder treats this as a fatal programmer error (spec.md
// §4.1); IgnoreWrongOrder drops the fragment and resets silently.
func (a *BatchAggregator) violation(reason string, fields ...interface{}) {
	if a.mode == AssertWrongOrder {
		panic(fmt.Sprintf("qstore: batch aggregator invariant violated: %s %v", reason, fields))
	}
	a.log.Log(log.LevelWarn, "discarding misordered fragment, resetting aggregator", append([]interface{}{"reason", reason}, fields...)...)
	a.reset()
}

// Append accepts a non-terminal fragment, returning whether it
// extended or started a batch (spec.md §4.1 `append`).
func (a *BatchAggregator) Append(batchID BatchId, fragmentID uint32, payload [][]byte) bool {
	return a.accept(batchID, fragmentID, payload)
}

// End accepts the terminal fragment of a batch, returning the
// assembled batch's size, concatenated payload, and whether the
// fragment was accepted (spec.md §4.1 `end`). On success the
// aggregator's state is cleared.
func (a *BatchAggregator) End(batchID BatchId, fragmentID uint32, payload [][]byte) (numBytes int, assembled [][]byte, ok bool) {
	if !a.accept(batchID, fragmentID, payload) {
		return 0, nil, false
	}
	numBytes = a.cumulativeSize
	assembled = a.payload
	a.reset()
	return numBytes, assembled, true
}

func (a *BatchAggregator) accept(batchID BatchId, fragmentID uint32, payload [][]byte) bool {
	if !a.active {
		if fragmentID != 0 {
			a.violation("fragment_id != 0 for new batch", "batch_id", batchID, "fragment_id", fragmentID)
			return false
		}
		size := numBytes(payload)
		if size > a.maxBatchSize {
			a.violation("oversize batch on first fragment", "batch_id", batchID, "size", size)
			return false
		}
		a.active = true
		a.batchID = batchID
		a.nextFragmentID = 1
		a.payload = payload
		a.cumulativeSize = size
		return true
	}

	if batchID != a.batchID || fragmentID != a.nextFragmentID {
		a.violation("fragment does not continue in-flight batch",
			"expected_batch_id", a.batchID, "expected_fragment_id", a.nextFragmentID,
			"got_batch_id", batchID, "got_fragment_id", fragmentID)
		return false
	}

	size := a.cumulativeSize + numBytes(payload)
	if size > a.maxBatchSize {
		a.violation("batch exceeds max_batch_size", "batch_id", batchID, "size", size, "max", a.maxBatchSize)
		return false
	}

	a.payload = concatPayload(a.payload, payload)
	a.cumulativeSize = size
	a.nextFragmentID++
	return true
}

// Active reports whether a batch is currently in flight.
func (a *BatchAggregator) Active() bool { return a.active }
