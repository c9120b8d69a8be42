package subscriptions

import "sync"

// ScopedKey identifies one client subscription within one connection.
type ScopedKey struct {
	ConnID string
	SubID  string
}

// String returns the connection identity concatenated with the client id.
func (k ScopedKey) String() string {
	return k.ConnID + k.SubID
}

type entry struct {
	handle Handle
	gen    uint64
}

// Table maps scoped keys to backend handles. It is safe for concurrent use
// from message dispatch and from backend callbacks.
type Table struct {
	mu      sync.Mutex
	conns   map[string]map[string]*entry // connID -> subID -> entry
	current map[ScopedKey]uint64         // live generation per key
	nextGen uint64
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		conns:   make(map[string]map[string]*entry),
		current: make(map[ScopedKey]uint64),
	}
}

func (t *Table) lookup(key ScopedKey) (*entry, bool) {
	subs, ok := t.conns[key.ConnID]
	if !ok {
		return nil, false
	}
	e, ok := subs[key.SubID]
	return e, ok
}

func (t *Table) store(key ScopedKey, e *entry) {
	subs, ok := t.conns[key.ConnID]
	if !ok {
		subs = make(map[string]*entry)
		t.conns[key.ConnID] = subs
	}
	subs[key.SubID] = e
	t.current[key] = e.gen
}

func (t *Table) drop(key ScopedKey) {
	subs, ok := t.conns[key.ConnID]
	if !ok {
		return
	}
	delete(subs, key.SubID)
	if len(subs) == 0 {
		delete(t.conns, key.ConnID)
	}
	delete(t.current, key)
}

func (t *Table) newGen() uint64 {
	t.nextGen++
	return t.nextGen
}

// Put inserts or overwrites the handle for key under a fresh generation.
func (t *Table) Put(key ScopedKey, h Handle) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen := t.newGen()
	t.store(key, &entry{handle: h, gen: gen})
	return gen
}

// Get returns the handle stored for key.
func (t *Table) Get(key ScopedKey) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lookup(key)
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Remove deletes the entry for key and returns its handle.
func (t *Table) Remove(key ScopedKey) (Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.lookup(key)
	if !ok {
		return nil, false
	}
	t.drop(key)
	return e.handle, true
}

// RemoveAll deletes every entry belonging to connID and returns their
// handles keyed by scoped key. Outstanding reservations for connID are
// retired as well.
func (t *Table) RemoveAll(connID string) map[ScopedKey]Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	// pending reservations have no entry yet but must not be installable
	for key := range t.current {
		if key.ConnID == connID {
			delete(t.current, key)
		}
	}

	subs, ok := t.conns[connID]
	if !ok {
		return nil
	}

	removed := make(map[ScopedKey]Handle, len(subs))
	for subID, e := range subs {
		removed[ScopedKey{ConnID: connID, SubID: subID}] = e.handle
	}
	delete(t.conns, connID)
	return removed
}

// Reserve opens a new generation for key ahead of a Subscribe call. Any
// stored entry stays in place, but its generation stops being live.
func (t *Table) Reserve(key ScopedKey) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	gen := t.newGen()
	t.current[key] = gen
	return gen
}

// Install stores h for key if gen is still the live generation.
func (t *Table) Install(key ScopedKey, gen uint64, h Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current[key] != gen {
		return false
	}
	t.store(key, &entry{handle: h, gen: gen})
	return true
}

// Release retires a reservation that never got a handle.
func (t *Table) Release(key ScopedKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current[key] == gen {
		delete(t.current, key)
	}
}

// Live reports whether gen is the current generation for key.
func (t *Table) Live(key ScopedKey, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current[key] == gen
}

// Len returns the number of stored entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, subs := range t.conns {
		n += len(subs)
	}
	return n
}

// ConnLen returns the number of stored entries for one connection.
func (t *Table) ConnLen(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.conns[connID])
}
