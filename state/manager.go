package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"yieldsource/storage"
)

// Storage abstracts the subset of state functionality the ledgers require.
// Values are RLP encoded before hitting the backing database.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Manager layers a journalled write cache over a key-value database. Writes
// land in the cache; Snapshot/RevertToSnapshot unwind them, and Commit flushes
// the surviving entries to the database. An operation that spans several
// ledgers can therefore fail without leaving partial state behind.
type Manager struct {
	mu        sync.Mutex
	db        storage.Database
	cache     map[string][]byte
	journal   []journalEntry
	snapshots []int
}

type journalEntry struct {
	key         string
	prev        []byte
	prevInCache bool
}

// NewManager wraps the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:    db,
		cache: make(map[string][]byte),
	}
}

// KVGet decodes the value stored at key into out. It reports whether the key
// was present.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil {
		return false, errors.New("state: manager not initialised")
	}
	m.mu.Lock()
	encoded, inCache := m.cache[string(key)]
	m.mu.Unlock()
	if !inCache {
		value, err := m.db.Get(key)
		if errors.Is(err, storage.ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		encoded = value
	}
	if len(encoded) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut encodes value and records it in the write cache.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil {
		return errors.New("state: manager not initialised")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, inCache := m.cache[string(key)]
	m.journal = append(m.journal, journalEntry{key: string(key), prev: prev, prevInCache: inCache})
	m.cache[string(key)] = encoded
	return nil
}

// Snapshot marks the current journal position and returns a handle for
// RevertToSnapshot.
func (m *Manager) Snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := len(m.snapshots)
	m.snapshots = append(m.snapshots, len(m.journal))
	return id
}

// RevertToSnapshot unwinds every write recorded after the snapshot was taken.
func (m *Manager) RevertToSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	mark := m.snapshots[id]
	for i := len(m.journal) - 1; i >= mark; i-- {
		entry := m.journal[i]
		if entry.prevInCache {
			m.cache[entry.key] = entry.prev
		} else {
			delete(m.cache, entry.key)
		}
	}
	m.journal = m.journal[:mark]
	m.snapshots = m.snapshots[:id]
}

// DiscardSnapshot releases the snapshot handle without unwinding, keeping the
// writes recorded since it was taken.
func (m *Manager) DiscardSnapshot(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 0 || id >= len(m.snapshots) {
		return
	}
	m.snapshots = m.snapshots[:id]
}

// Commit flushes the write cache to the database in one batch and resets the
// journal. A failed flush leaves the cache and journal untouched: memory
// stays authoritative over the unflushed writes and the commit can be
// retried.
func (m *Manager) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.cache) == 0 {
		m.journal = m.journal[:0]
		m.snapshots = m.snapshots[:0]
		return nil
	}
	if err := m.db.WriteBatch(m.cache); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.cache = make(map[string][]byte)
	m.journal = m.journal[:0]
	m.snapshots = m.snapshots[:0]
	return nil
}
