package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend is an in-process Backend. Update works on a copy of the
// data and swaps it in only when fn succeeds, so a failed transaction
// leaves nothing behind.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]map[string]memRecord
	closed      bool
}

type memRecord struct {
	value   []byte
	indexes map[string]string
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]map[string]memRecord)}
}

// Update implements Backend.Update.
func (m *MemoryBackend) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("memory backend is closed")
	}

	staged := &memTx{collections: cloneCollections(m.collections)}
	if err := fn(staged); err != nil {
		return err
	}
	m.collections = staged.collections
	return nil
}

// View implements Backend.View.
func (m *MemoryBackend) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("memory backend is closed")
	}
	return fn(&memTx{collections: m.collections, readOnly: true})
}

// Close implements Backend.Close.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneCollections(in map[string]map[string]memRecord) map[string]map[string]memRecord {
	out := make(map[string]map[string]memRecord, len(in))
	for name, records := range in {
		cp := make(map[string]memRecord, len(records))
		for k, r := range records {
			cp[k] = r
		}
		out[name] = cp
	}
	return out
}

type memTx struct {
	collections map[string]map[string]memRecord
	readOnly    bool
}

func (t *memTx) Get(collection, key string) ([]byte, error) {
	r, ok := t.collections[collection][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), r.value...), nil
}

func (t *memTx) GetAll(collection string) ([]Record, error) {
	return t.collect(collection, func(memRecord) bool { return true }), nil
}

func (t *memTx) GetByIndex(collection, index, value string) ([]Record, error) {
	return t.collect(collection, func(r memRecord) bool {
		v, ok := r.indexes[index]
		return ok && v == value
	}), nil
}

func (t *memTx) collect(collection string, keep func(memRecord) bool) []Record {
	records := t.collections[collection]
	keys := make([]string, 0, len(records))
	for k, r := range records {
		if keep(r) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, Record{Key: k, Value: append([]byte(nil), records[k].value...)})
	}
	return out
}

func (t *memTx) Put(collection, key string, value []byte, indexes map[string]string) error {
	if t.readOnly {
		return fmt.Errorf("put %s/%s in read-only transaction", collection, key)
	}
	records, ok := t.collections[collection]
	if !ok {
		records = make(map[string]memRecord)
		t.collections[collection] = records
	}
	idx := make(map[string]string, len(indexes))
	for k, v := range indexes {
		idx[k] = v
	}
	records[key] = memRecord{value: append([]byte(nil), value...), indexes: idx}
	return nil
}

func (t *memTx) Delete(collection, key string) error {
	if t.readOnly {
		return fmt.Errorf("delete %s/%s in read-only transaction", collection, key)
	}
	delete(t.collections[collection], key)
	return nil
}
