package pin

import "github.com/ipfs/go-cid"

// PinRecord is the persisted pin state for a single key. A key can carry
// direct and recursive pins at the same time; each count is saturating
// and the record is deleted once both reach zero.
type PinRecord struct {
	Direct    uint64
	Recursive uint64
}

func (r *PinRecord) empty() bool {
	return r.Direct == 0 && r.Recursive == 0
}

// Mode names how a key is pinned, as reported by IsPinned and Ls.
type Mode string

const (
	// NotPinned marks a key with no pin relationship at all.
	NotPinned Mode = ""
	// Direct pins protect exactly the named key.
	Direct Mode = "direct"
	// Recursive pins protect the key and everything reachable from it.
	Recursive Mode = "recursive"
	// Indirect marks a key protected by some recursive pin's closure.
	Indirect Mode = "indirect"
)

// Status is one pin as listed by Ls.
type Status struct {
	Key  cid.Cid
	Mode Mode
	Refs uint64
}
