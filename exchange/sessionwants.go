package exchange

import (
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/filecoin-project/go-blockswap/build"
)

// cidQueue is a FIFO of keys with constant-time membership checks.
type cidQueue struct {
	elems []cid.Cid
	eset  *cid.Set
}

func newCidQueue() *cidQueue {
	return &cidQueue{eset: cid.NewSet()}
}

func (cq *cidQueue) Pop() cid.Cid {
	for {
		if len(cq.elems) == 0 {
			return cid.Cid{}
		}
		out := cq.elems[0]
		cq.elems = cq.elems[1:]
		if cq.eset.Has(out) {
			cq.eset.Remove(out)
			return out
		}
	}
}

func (cq *cidQueue) Push(c cid.Cid) {
	if cq.eset.Visit(c) {
		cq.elems = append(cq.elems, c)
	}
}

// Remove drops c lazily; the stale slice entry is skipped at Pop time.
func (cq *cidQueue) Remove(c cid.Cid) {
	cq.eset.Remove(c)
}

func (cq *cidQueue) Has(c cid.Cid) bool {
	return cq.eset.Has(c)
}

func (cq *cidQueue) Len() int {
	return cq.eset.Len()
}

// sessionWants tracks one session's member keys through their life:
// queued in toFetch, then live on the network, then gone once a block
// arrives or the caller cancels. Only the session loop touches it.
type sessionWants struct {
	toFetch   *cidQueue
	liveWants map[cid.Cid]time.Time

	// peers asked with want-block per live key, in ask order
	blockReqs map[cid.Cid][]peer.ID

	limit int
}

func newSessionWants(limit int) sessionWants {
	return sessionWants{
		toFetch:   newCidQueue(),
		liveWants: make(map[cid.Cid]time.Time),
		blockReqs: make(map[cid.Cid][]peer.ID),
		limit:     limit,
	}
}

func (sw *sessionWants) isWanted(c cid.Cid) bool {
	if _, live := sw.liveWants[c]; live {
		return true
	}
	return sw.toFetch.Has(c)
}

func (sw *sessionWants) isLive(c cid.Cid) bool {
	_, live := sw.liveWants[c]
	return live
}

// nextWants promotes queued keys into the live set up to the limit and
// returns the newly live keys.
func (sw *sessionWants) nextWants() []cid.Cid {
	var out []cid.Cid
	now := build.Clock.Now()
	for len(sw.liveWants) < sw.limit && sw.toFetch.Len() > 0 {
		c := sw.toFetch.Pop()
		if !c.Defined() {
			break
		}
		sw.liveWants[c] = now
		out = append(out, c)
	}
	return out
}

// blocksReceived settles arrived keys, returning the ones this session
// was actually tracking.
func (sw *sessionWants) blocksReceived(ks []cid.Cid) []cid.Cid {
	var resolved []cid.Cid
	for _, c := range ks {
		if !sw.isWanted(c) {
			continue
		}
		resolved = append(resolved, c)
		delete(sw.liveWants, c)
		delete(sw.blockReqs, c)
		sw.toFetch.Remove(c)
	}
	return resolved
}

// remove drops keys on cancel, returning the ones that were members.
func (sw *sessionWants) remove(ks []cid.Cid) []cid.Cid {
	var removed []cid.Cid
	for _, c := range ks {
		if !sw.isWanted(c) {
			continue
		}
		removed = append(removed, c)
		delete(sw.liveWants, c)
		delete(sw.blockReqs, c)
		sw.toFetch.Remove(c)
	}
	return removed
}

func (sw *sessionWants) liveKeys() []cid.Cid {
	out := make([]cid.Cid, 0, len(sw.liveWants))
	for c := range sw.liveWants {
		out = append(out, c)
	}
	return out
}

func (sw *sessionWants) hasBlockReq(c cid.Cid, p peer.ID) bool {
	for _, asked := range sw.blockReqs[c] {
		if asked == p {
			return true
		}
	}
	return false
}

func (sw *sessionWants) sentBlockReq(c cid.Cid, p peer.ID) {
	sw.blockReqs[c] = append(sw.blockReqs[c], p)
}

func (sw *sessionWants) hasLiveWants() bool {
	return len(sw.liveWants) > 0 || sw.toFetch.Len() > 0
}
