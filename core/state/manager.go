package state

import (
	"context"
	"errors"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// cacheSize is the size of the read-through cache in front of the database.
const cacheSize = 32 * 1024 * 1024

// ErrNoCheckpoint is returned when Commit or Revert is called with no open
// checkpoint.
var ErrNoCheckpoint = errors.New("state: no open checkpoint")

// Manager is the state collaborator the miner sequences its work through.
// Checkpoints nest: every Checkpoint must be paired with exactly one Commit
// or Revert. The miner keeps two levels open at a time, a block-level
// checkpoint around the whole selection loop and a transaction-level one
// around each EVM execution.
type Manager interface {
	Checkpoint(ctx context.Context) error
	Commit(ctx context.Context) error
	Revert(ctx context.Context) error
}

// KVManager is a journaled key-value state store. Writes land in the topmost
// checkpoint frame; committing the outermost frame flushes the accumulated
// writes to the backing database in a single batch. Reads search open frames
// newest-first before falling through to the cache and the database.
type KVManager struct {
	mu     sync.Mutex
	db     *leveldb.DB
	cache  *fastcache.Cache
	frames []map[string][]byte
}

// NewKVManager creates a state manager over an in-memory leveldb store.
func NewKVManager() (*KVManager, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &KVManager{
		db:    db,
		cache: fastcache.New(cacheSize),
	}, nil
}

// Checkpoint opens a new frame. Until the frame is committed or reverted, all
// writes are staged in it.
func (m *KVManager) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, make(map[string][]byte))
	return nil
}

// Commit merges the topmost frame into its parent, or flushes it to the
// database if it is the outermost frame.
func (m *KVManager) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.frames)
	if n == 0 {
		return ErrNoCheckpoint
	}
	top := m.frames[n-1]
	m.frames = m.frames[:n-1]
	if n > 1 {
		parent := m.frames[n-2]
		for k, v := range top {
			parent[k] = v
		}
		return nil
	}
	batch := new(leveldb.Batch)
	for k, v := range top {
		batch.Put([]byte(k), v)
	}
	if err := m.db.Write(batch, nil); err != nil {
		return err
	}
	for k, v := range top {
		m.cache.Set([]byte(k), v)
	}
	return nil
}

// Revert discards the topmost frame.
func (m *KVManager) Revert(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.frames)
	if n == 0 {
		return ErrNoCheckpoint
	}
	m.frames = m.frames[:n-1]
	return nil
}

// Put stages a write in the topmost frame, or writes through to the database
// when no checkpoint is open.
func (m *KVManager) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.frames); n > 0 {
		m.frames[n-1][string(key)] = value
		return nil
	}
	if err := m.db.Put(key, value, nil); err != nil {
		return err
	}
	m.cache.Set(key, value)
	return nil
}

// Get returns the value for key, searching open frames newest-first, then the
// cache, then the database. A missing key returns (nil, nil).
func (m *KVManager) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.frames) - 1; i >= 0; i-- {
		if v, ok := m.frames[i][string(key)]; ok {
			return v, nil
		}
	}
	if v, ok := m.cache.HasGet(nil, key); ok {
		return v, nil
	}
	v, err := m.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, v)
	return v, nil
}

// Depth returns the number of open checkpoint frames.
func (m *KVManager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

// Close releases the backing database.
func (m *KVManager) Close() error {
	return m.db.Close()
}
