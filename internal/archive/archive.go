// Package archive is the terminal key -> chosen-value store: once an
// Acceptor commits a choose, the value lives here forever.
//
// Generalized from the teacher's internal/storage.Storage (which holds
// one acceptor's own highestPromised/acceptedProposal/acceptedValue) into
// a plain key/value map shared across every key's acceptor rather than
// scoped to a single one.
package archive

import (
	"sort"
	"sync"

	"github.com/basaltdb/paxoscore/internal/kv"
)

// Archive is the durable chosen-value store. Get reports whether key has
// ever been chosen; Put records a chosen value and returns the
// generation (a monotonically increasing counter) under which it was
// written, carried in the close record alongside the chosen value.
//
// Range serves the ScanDirector's deputy reads: it returns up to limit
// chosen cells with key >= from and, if to is non-empty, key < to, in
// ascending key order, plus a continuation key if more remain within
// that window. Each cell's Time is the generation it was chosen under,
// standing in for this store's single-version-per-key archive as the
// scan's transaction clock.
type Archive interface {
	Get(key kv.Key) (kv.Value, bool, error)
	Put(key kv.Key, value kv.Value) (generation int64, err error)
	Range(from, to kv.Key, limit int) (cells []kv.Cell, next kv.Key, hasNext bool, err error)
}

type entry struct {
	value kv.Value
	gen   int64
}

// Memory is an in-process Archive, the direct generalization of the
// teacher's MemoryStorage: not for production (lost on restart), fine
// for tests and demos.
type Memory struct {
	mu   sync.RWMutex
	vals map[string]entry
	gen  int64
}

func NewMemory() *Memory {
	return &Memory{vals: make(map[string]entry)}
}

func (m *Memory) Get(key kv.Key) (kv.Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.vals[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make(kv.Value, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Put(key kv.Key, value kv.Value) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(kv.Value, len(value))
	copy(cp, value)
	m.gen++
	m.vals[string(key)] = entry{value: cp, gen: m.gen}
	return m.gen, nil
}

func (m *Memory) Range(from, to kv.Key, limit int) ([]kv.Cell, kv.Key, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.vals))
	for k := range m.vals {
		if k < string(from) {
			continue
		}
		if len(to) > 0 && k >= string(to) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var cells []kv.Cell
	for i, k := range keys {
		if i >= limit {
			return cells, kv.Key(k), true, nil
		}
		e := m.vals[k]
		cells = append(cells, kv.Cell{Key: kv.Key(k), Time: kv.Time(e.gen), Value: e.value})
	}
	return cells, nil, false, nil
}
