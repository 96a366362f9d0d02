package message

import "github.com/ipfs/go-cid"

// WireMessage is the on-wire shape of a protocol message, encoded as a
// cbor tuple inside a varint frame. Field order is the wire format; do
// not reorder.
type WireMessage struct {
	Full    bool
	Entries []WireEntry
	Blocks  []WireBlock
	Haves   []cid.Cid
}

// WireEntry is one wantlist change.
type WireEntry struct {
	Key      cid.Cid
	Priority int64
	Cancel   bool
	WantType int64
}

// WireBlock carries block bytes under the key the sender claims for
// them. Receivers recompute the digest before trusting the pairing.
type WireBlock struct {
	Key  cid.Cid
	Data []byte
}
