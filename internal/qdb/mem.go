package qdb

import (
	"sync"

	"github.com/qstorelabs/quorumstore/pkg/qstore"
)

// MemDB is an in-memory qstore.DB used by tests in place of a real
// bbolt file. "Durable before Save returns" is trivially true here:
// the write completes synchronously under the mutex.
type MemDB struct {
	mu   sync.Mutex
	data map[qstore.Digest]qstore.StoredBatch
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[qstore.Digest]qstore.StoredBatch)}
}

func (m *MemDB) Save(digest qstore.Digest, batch qstore.StoredBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := batch
	cp.Payload = make([][]byte, len(batch.Payload))
	for i, p := range batch.Payload {
		cp.Payload[i] = append([]byte(nil), p...)
	}
	m.data[digest] = cp
	return nil
}

func (m *MemDB) Load(digest qstore.Digest) (qstore.StoredBatch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[digest]
	return b, ok, nil
}

func (m *MemDB) Delete(digest qstore.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, digest)
	return nil
}

func (m *MemDB) Iter(fn func(digest qstore.Digest, batch qstore.StoredBatch) bool) error {
	m.mu.Lock()
	snapshot := make(map[qstore.Digest]qstore.StoredBatch, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mu.Unlock()
	for k, v := range snapshot {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

func (m *MemDB) Close() error { return nil }
