// Package qdb implements the Quorum Store DB (spec.md §4.2) on top of
// go.etcd.io/bbolt, a single-file embedded KV store. bbolt's
// transactional Update already gives the required "durable before Save
// returns" guarantee — Update only returns after its write transaction
// has been committed and synced to disk.
package qdb

import (
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/qstorelabs/quorumstore/pkg/qstore"
	"github.com/qstorelabs/quorumstore/pkg/qstore/qbin"
)

var batchesBucket = []byte("batches")

// DB is a bbolt-backed qstore.DB. One bucket, keyed by the 32-byte
// digest, matching spec.md §7's persisted state layout.
type DB struct {
	bolt  *bbolt.DB
	codec qstore.Codec
}

// Open opens (creating if necessary) a bbolt database at path. codec
// selects the compression applied to payload bytes before they're
// written; CodecNone is always a safe default.
func Open(path string, codec qstore.Codec) (*DB, error) {
	bolt, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("qdb: open %s: %w", path, err)
	}
	err = bolt.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(batchesBucket)
		return err
	})
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("qdb: create bucket: %w", err)
	}
	return &DB{bolt: bolt, codec: codec}, nil
}

func (d *DB) Close() error { return d.bolt.Close() }

// record is: author(length-prefixed, 32) | batch_id(8) | epoch(8) | exp.epoch(8) |
// exp.round(8) | num_bytes(8) | codec(1) | blob-count(uvarint) |
// blob-len(uvarint)... | compressed payload bytes (length-prefixed).
// Blob lengths are stored explicitly so the flattened, compressed
// payload can be re-split on load into the original fragment-aligned
// blobs. batch_id/epoch round-trip so a later fetch response can be
// re-hashed against the digest it claims to answer.
func encodeRecord(codec qstore.Codec, b qstore.StoredBatch, compressed []byte) []byte {
	w := qbin.NewWriter(80 + len(compressed))
	w.RawBytes(b.Author[:])
	w.Uint64(uint64(b.BatchID))
	w.Uint64(b.Epoch)
	w.Uint64(b.Expiration.Epoch)
	w.Uint64(b.Expiration.Round)
	w.Uint64(uint64(b.NumBytes))
	w.Uint8(uint8(codec))
	w.Uvarint(uint64(len(b.Payload)))
	for _, p := range b.Payload {
		w.Uvarint(uint64(len(p)))
	}
	w.RawBytes(compressed)
	return w.Bytes()
}

type decoded struct {
	batch      qstore.StoredBatch
	codec      qstore.Codec
	blobLens   []int
	compressed []byte
}

func decodeRecord(buf []byte) (decoded, error) {
	r := qbin.NewReader(buf)
	var b qstore.StoredBatch
	copy(b.Author[:], r.RawBytes())
	b.BatchID = qstore.BatchId(r.Uint64())
	b.Epoch = r.Uint64()
	b.Expiration.Epoch = r.Uint64()
	b.Expiration.Round = r.Uint64()
	b.NumBytes = int(r.Uint64())
	codec := qstore.Codec(r.Uint8())
	n := r.Uvarint()
	lens := make([]int, 0, n)
	for i := uint64(0); i < n; i++ {
		lens = append(lens, int(r.Uvarint()))
	}
	compressed := append([]byte(nil), r.RawBytes()...)
	if r.Err() != nil {
		return decoded{}, r.Err()
	}
	return decoded{batch: b, codec: codec, blobLens: lens, compressed: compressed}, nil
}

func (d decoded) reassemble() (qstore.StoredBatch, error) {
	payload, err := qstore.DecompressPayload(d.codec, d.compressed, d.blobLens)
	if err != nil {
		return qstore.StoredBatch{}, err
	}
	b := d.batch
	b.Payload = payload
	return b, nil
}

// Save persists batch under digest. bbolt's Update does not return
// until the write transaction is committed and synced to disk, which
// is what lets the Batch Store sign only after Save returns
// successfully (spec.md invariant: persist-before-prove).
func (d *DB) Save(digest qstore.Digest, batch qstore.StoredBatch) error {
	compressed, err := qstore.CompressPayload(d.codec, batch.Payload)
	if err != nil {
		return fmt.Errorf("qdb: compress: %w", err)
	}
	rec := encodeRecord(d.codec, batch, compressed)
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(batchesBucket).Put(digest[:], rec)
	})
}

func (d *DB) Load(digest qstore.Digest) (qstore.StoredBatch, bool, error) {
	var out qstore.StoredBatch
	found := false
	err := d.bolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(batchesBucket).Get(digest[:])
		if v == nil {
			return nil
		}
		found = true
		dec, err := decodeRecord(append([]byte(nil), v...))
		if err != nil {
			return err
		}
		out, err = dec.reassemble()
		return err
	})
	if err != nil {
		return qstore.StoredBatch{}, false, err
	}
	return out, found, nil
}

func (d *DB) Delete(digest qstore.Digest) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(batchesBucket).Delete(digest[:])
	})
}

func (d *DB) Iter(fn func(digest qstore.Digest, batch qstore.StoredBatch) bool) error {
	return d.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(batchesBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var digest qstore.Digest
			copy(digest[:], k)
			dec, err := decodeRecord(append([]byte(nil), v...))
			if err != nil {
				return err
			}
			batch, err := dec.reassemble()
			if err != nil {
				return err
			}
			if !fn(digest, batch) {
				break
			}
		}
		return nil
	})
}
