// Package wantlist implements an object for bitswap-style want tracking:
// the set of keys a node currently wishes to obtain, with per-key
// priority and the kind of answer wanted.
package wantlist

import (
	"sort"

	"github.com/ipfs/go-cid"
)

// WantType distinguishes a request for the block itself from a cheap
// presence probe. The numeric values are part of the wire protocol.
type WantType int32

const (
	// WantBlock asks the peer for the full block.
	WantBlock WantType = 0
	// WantHave asks the peer only whether it holds the block.
	WantHave WantType = 1
)

func (t WantType) String() string {
	switch t {
	case WantBlock:
		return "want-block"
	case WantHave:
		return "want-have"
	default:
		return "unknown"
	}
}

// Entry is one wanted key.
type Entry struct {
	Cid      cid.Cid
	Priority int64
	WantType WantType
}

// NewRefEntry creates a want-block entry with the given priority.
func NewRefEntry(c cid.Cid, p int64) Entry {
	return Entry{
		Cid:      c,
		Priority: p,
		WantType: WantBlock,
	}
}

// Wantlist is a raw list of wanted blocks and their priorities. It is
// not safe for concurrent use; owners serialize access.
type Wantlist struct {
	set map[cid.Cid]Entry
}

func New() *Wantlist {
	return &Wantlist{
		set: make(map[cid.Cid]Entry),
	}
}

func (w *Wantlist) Len() int {
	return len(w.set)
}

// Add puts an entry for c, reporting whether the list changed. A
// want-block always supersedes a want-have for the same key; a
// want-have never downgrades an existing want-block.
func (w *Wantlist) Add(c cid.Cid, priority int64, wantType WantType) bool {
	e, ok := w.set[c]
	if ok && (e.WantType == WantBlock || wantType == WantHave) {
		return false
	}

	w.set[c] = Entry{
		Cid:      c,
		Priority: priority,
		WantType: wantType,
	}
	return true
}

// Remove drops the entry for c regardless of its type.
func (w *Wantlist) Remove(c cid.Cid) bool {
	_, ok := w.set[c]
	if !ok {
		return false
	}
	delete(w.set, c)
	return true
}

// RemoveType drops the entry for c unless it is a want-block and only a
// want-have is being removed.
func (w *Wantlist) RemoveType(c cid.Cid, wantType WantType) bool {
	e, ok := w.set[c]
	if !ok {
		return false
	}
	if e.WantType == WantBlock && wantType == WantHave {
		return false
	}
	delete(w.set, c)
	return true
}

// Contains returns the entry for c, if any.
func (w *Wantlist) Contains(c cid.Cid) (Entry, bool) {
	e, ok := w.set[c]
	return e, ok
}

// Entries returns a snapshot of the list in no particular order.
func (w *Wantlist) Entries() []Entry {
	es := make([]Entry, 0, len(w.set))
	for _, e := range w.set {
		es = append(es, e)
	}
	return es
}

// Absorb merges all entries from other into this list, with the usual
// upgrade-only type handling.
func (w *Wantlist) Absorb(other *Wantlist) {
	for _, e := range other.Entries() {
		w.Add(e.Cid, e.Priority, e.WantType)
	}
}

// SortEntries orders a set of entries by descending priority, ties by
// key bytes so the order is stable.
func SortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Priority == es[j].Priority {
			return es[i].Cid.KeyString() < es[j].Cid.KeyString()
		}
		return es[i].Priority > es[j].Priority
	})
}
