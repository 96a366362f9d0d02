package exchange

import (
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// blockPresenceManager remembers which peers have claimed HAVE for which
// keys. Only positive knowledge is kept; a peer that stays silent about
// a key is simply unknown, per the protocol's no-negative-answers rule.
type blockPresenceManager struct {
	sync.RWMutex
	presence map[cid.Cid]map[peer.ID]struct{}
}

func newBlockPresenceManager() *blockPresenceManager {
	return &blockPresenceManager{
		presence: make(map[cid.Cid]map[peer.ID]struct{}),
	}
}

// ReceiveFrom records HAVE claims from a peer.
func (bpm *blockPresenceManager) ReceiveFrom(p peer.ID, haves []cid.Cid) {
	bpm.Lock()
	defer bpm.Unlock()

	for _, c := range haves {
		ps, ok := bpm.presence[c]
		if !ok {
			ps = make(map[peer.ID]struct{})
			bpm.presence[c] = ps
		}
		ps[p] = struct{}{}
	}
}

func (bpm *blockPresenceManager) PeerHasBlock(p peer.ID, c cid.Cid) bool {
	bpm.RLock()
	defer bpm.RUnlock()

	_, ok := bpm.presence[c][p]
	return ok
}

// PeersWithBlock returns every peer known to hold c, in no particular
// order.
func (bpm *blockPresenceManager) PeersWithBlock(c cid.Cid) []peer.ID {
	bpm.RLock()
	defer bpm.RUnlock()

	ps := bpm.presence[c]
	if len(ps) == 0 {
		return nil
	}
	out := make([]peer.ID, 0, len(ps))
	for p := range ps {
		out = append(out, p)
	}
	return out
}

// RemoveKeys forgets all presence for resolved keys so the table does
// not grow with the lifetime of the node.
func (bpm *blockPresenceManager) RemoveKeys(ks []cid.Cid) {
	bpm.Lock()
	defer bpm.Unlock()

	for _, c := range ks {
		delete(bpm.presence, c)
	}
}

func (bpm *blockPresenceManager) RemovePeer(p peer.ID) {
	bpm.Lock()
	defer bpm.Unlock()

	for c, ps := range bpm.presence {
		delete(ps, p)
		if len(ps) == 0 {
			delete(bpm.presence, c)
		}
	}
}
