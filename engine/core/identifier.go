package core

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Symbol is an interned, canonical resource key. The low 32 bits hold the
// slot index and the high 32 bits the slot generation, so a symbol whose slot
// was released and reused never compares equal to the new occupant.
type Symbol uint64

// InvalidSymbol represents the empty key.
const InvalidSymbol Symbol = 0

func newSymbol(index, generation uint32) Symbol {
	return Symbol(uint64(generation)<<32 | uint64(index))
}

func (s Symbol) index() uint32      { return uint32(s) }
func (s Symbol) generation() uint32 { return uint32(s >> 32) }

// IsValid reports whether s refers to a non-empty key.
func (s Symbol) IsValid() bool { return s.index() != 0 }

// NormalizeKey returns the canonical form of a resource key: trimmed, forward
// slashes, lower case. GUID strings in any accepted notation collapse to the
// canonical hyphenated form.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if id, err := uuid.Parse(key); err == nil {
		return id.String()
	}
	key = strings.ToLower(strings.ReplaceAll(key, "\\", "/"))
	if strings.Contains(key, "/") {
		key = path.Clean(key)
	}
	return key
}

type symbolSlot struct {
	name       string
	generation uint32
	refs       uint32
}

// SymbolTable interns normalised keys. Slot 0 is reserved for the empty key.
type SymbolTable struct {
	mu     sync.RWMutex
	slots  []symbolSlot
	lookup map[string]Symbol
	free   []uint32
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		slots:  make([]symbolSlot, 1, 128),
		lookup: make(map[string]Symbol),
	}
}

// Lookup returns the symbol for key without taking a reference.
func (st *SymbolTable) Lookup(key string) (Symbol, bool) {
	n := NormalizeKey(key)
	if n == "" {
		return InvalidSymbol, false
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.lookup[n]
	return s, ok
}

// Intern returns the symbol for key, allocating a slot if needed, and takes
// one reference on it. The empty key yields InvalidSymbol.
func (st *SymbolTable) Intern(key string) Symbol {
	n := NormalizeKey(key)
	if n == "" {
		return InvalidSymbol
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.lookup[n]; ok {
		st.slots[s.index()].refs++
		return s
	}

	// Existing free spot. Take it.
	var idx uint32
	if l := len(st.free); l > 0 {
		idx = st.free[l-1]
		st.free = st.free[:l-1]
	} else {
		st.slots = append(st.slots, symbolSlot{})
		idx = uint32(len(st.slots) - 1)
	}
	slot := &st.slots[idx]
	slot.name = n
	slot.generation++
	slot.refs = 1
	s := newSymbol(idx, slot.generation)
	st.lookup[n] = s
	return s
}

// Release drops one reference. The slot is recycled once no reference remains.
func (st *SymbolTable) Release(s Symbol) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	idx := s.index()
	if idx == 0 || idx >= uint32(len(st.slots)) {
		return fmt.Errorf("symbol release: index '%d' out of range (max=%d). Nothing was done", idx, len(st.slots))
	}
	slot := &st.slots[idx]
	if slot.generation != s.generation() || slot.refs == 0 {
		return fmt.Errorf("symbol release: symbol %d is stale. Nothing was done", idx)
	}
	slot.refs--
	if slot.refs == 0 {
		delete(st.lookup, slot.name)
		slot.name = ""
		st.free = append(st.free, idx)
	}
	return nil
}

// String returns the canonical key of s, or "" if s is invalid or stale.
func (st *SymbolTable) String(s Symbol) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	idx := s.index()
	if idx == 0 || idx >= uint32(len(st.slots)) {
		return ""
	}
	slot := st.slots[idx]
	if slot.generation != s.generation() || slot.refs == 0 {
		return ""
	}
	return slot.name
}

// Len returns the number of live symbols.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.lookup)
}
