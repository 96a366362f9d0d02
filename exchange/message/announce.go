package message

import (
	"bytes"

	"github.com/ipfs/go-cid"
)

// Announce is the gossip notice a node publishes after admitting new
// blocks, naming their keys and sizes. Receivers treat the publisher
// as a provider hint for keys they want; nothing in the notice is
// trusted beyond that, the blocks themselves still arrive over the
// exchange protocol and get verified there.
type Announce struct {
	Entries []AnnounceEntry
}

// AnnounceEntry names one newly stored block.
type AnnounceEntry struct {
	Key  cid.Cid
	Size uint64
}

// DecodeAnnounce parses a pubsub payload.
func DecodeAnnounce(b []byte) (*Announce, error) {
	var am Announce
	if err := am.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return &am, nil
}
