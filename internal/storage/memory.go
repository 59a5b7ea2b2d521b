package storage

import (
	"errors"
	"strings"
)

// MemoryDB implements DB using an in-memory map.
type MemoryDB struct {
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	return v, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.data[string(key)] = value
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	for k, v := range m.data {
		if strings.HasPrefix(k, p) {
			if err := fn([]byte(k), v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

// NewBatch creates an atomic batch over this MemoryDB. Writes/deletes are
// buffered and applied to the map only on Commit; Get/Has read the buffer
// first.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{
		db:      m,
		pending: make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

type memoryBatch struct {
	db      *MemoryDB
	pending map[string][]byte
	deleted map[string]bool
}

func (mb *memoryBatch) Put(key, value []byte) error {
	k := string(key)
	delete(mb.deleted, k)
	v := make([]byte, len(value))
	copy(v, value)
	mb.pending[k] = v
	return nil
}

func (mb *memoryBatch) Delete(key []byte) error {
	k := string(key)
	delete(mb.pending, k)
	mb.deleted[k] = true
	return nil
}

func (mb *memoryBatch) Get(key []byte) ([]byte, error) {
	k := string(key)
	if mb.deleted[k] {
		return nil, errors.New("key not found")
	}
	if v, ok := mb.pending[k]; ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	return mb.db.Get(key)
}

func (mb *memoryBatch) Has(key []byte) (bool, error) {
	k := string(key)
	if mb.deleted[k] {
		return false, nil
	}
	if _, ok := mb.pending[k]; ok {
		return true, nil
	}
	return mb.db.Has(key)
}

func (mb *memoryBatch) Commit() error {
	for k, v := range mb.pending {
		mb.db.data[k] = v
	}
	for k := range mb.deleted {
		delete(mb.db.data, k)
	}
	return nil
}
