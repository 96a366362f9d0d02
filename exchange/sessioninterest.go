package exchange

import (
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// sessionInterestManager is the key-to-session index. It decides which
// sessions hear about an arriving block or HAVE, and which keys can be
// cancelled on the wire once no session is left wanting them.
//
// A key maps to the sessions interested in it; the value records whether
// the session is still waiting (true) or has already been given the
// block (false). The false entries keep late duplicate arrivals from
// looking unsolicited until the session goes away.
type sessionInterestManager struct {
	lk    sync.RWMutex
	wants map[cid.Cid]map[uint64]bool
}

func newSessionInterestManager() *sessionInterestManager {
	return &sessionInterestManager{
		wants: make(map[cid.Cid]map[uint64]bool),
	}
}

// RecordSessionInterest marks ses as waiting on each of ks.
func (sim *sessionInterestManager) RecordSessionInterest(ses uint64, ks []cid.Cid) {
	sim.lk.Lock()
	defer sim.lk.Unlock()

	for _, c := range ks {
		if _, ok := sim.wants[c]; !ok {
			sim.wants[c] = make(map[uint64]bool)
		}
		sim.wants[c][ses] = true
	}
}

// RemoveSession forgets every interest held by ses and returns the keys
// that no session cares about anymore.
func (sim *sessionInterestManager) RemoveSession(ses uint64) []cid.Cid {
	sim.lk.Lock()
	defer sim.lk.Unlock()

	var deleted []cid.Cid
	for c, sessions := range sim.wants {
		if _, ok := sessions[ses]; !ok {
			continue
		}
		delete(sessions, ses)
		if len(sessions) == 0 {
			delete(sim.wants, c)
			deleted = append(deleted, c)
		}
	}
	return deleted
}

// RemoveSessionWants marks ks as delivered to ses. The interest entry
// stays, flipped to false, so duplicates keep counting as solicited.
func (sim *sessionInterestManager) RemoveSessionWants(ses uint64, ks []cid.Cid) {
	sim.lk.Lock()
	defer sim.lk.Unlock()

	for _, c := range ks {
		if _, ok := sim.wants[c][ses]; ok {
			sim.wants[c][ses] = false
		}
	}
}

// RemoveSessionInterested drops ses's interest in ks entirely (a cancel,
// not a delivery) and returns the keys left with no interested session.
func (sim *sessionInterestManager) RemoveSessionInterested(ses uint64, ks []cid.Cid) []cid.Cid {
	sim.lk.Lock()
	defer sim.lk.Unlock()

	var deleted []cid.Cid
	for _, c := range ks {
		sessions, ok := sim.wants[c]
		if !ok {
			continue
		}
		if _, ok := sessions[ses]; !ok {
			continue
		}
		delete(sessions, ses)
		if len(sessions) == 0 {
			delete(sim.wants, c)
			deleted = append(deleted, c)
		}
	}
	return deleted
}

// FilterSessionInterested reduces each key set to the keys ses is still
// waiting on.
func (sim *sessionInterestManager) FilterSessionInterested(ses uint64, ksets ...[]cid.Cid) [][]cid.Cid {
	sim.lk.RLock()
	defer sim.lk.RUnlock()

	out := make([][]cid.Cid, len(ksets))
	for i, ks := range ksets {
		var filtered []cid.Cid
		for _, c := range ks {
			if wanted, ok := sim.wants[c][ses]; ok && wanted {
				filtered = append(filtered, c)
			}
		}
		out[i] = filtered
	}
	return out
}

// SplitWantedUnwanted separates blocks some session is still waiting on
// from blocks nobody asked for. Both halves get stored; only the wanted
// half wakes up callers.
func (sim *sessionInterestManager) SplitWantedUnwanted(blks []blocks.Block) ([]blocks.Block, []blocks.Block) {
	sim.lk.RLock()
	defer sim.lk.RUnlock()

	var wanted, unwanted []blocks.Block
	for _, b := range blks {
		stillWanted := false
		for _, w := range sim.wants[b.Cid()] {
			if w {
				stillWanted = true
				break
			}
		}
		if stillWanted {
			wanted = append(wanted, b)
		} else {
			unwanted = append(unwanted, b)
		}
	}
	return wanted, unwanted
}

// InterestedSessions returns the sessions holding any interest, live or
// delivered, in any of the given keys.
func (sim *sessionInterestManager) InterestedSessions(blks []cid.Cid, haves []cid.Cid) []uint64 {
	sim.lk.RLock()
	defer sim.lk.RUnlock()

	set := make(map[uint64]struct{})
	for _, ks := range [][]cid.Cid{blks, haves} {
		for _, c := range ks {
			for ses := range sim.wants[c] {
				set[ses] = struct{}{}
			}
		}
	}

	out := make([]uint64, 0, len(set))
	for ses := range set {
		out = append(out, ses)
	}
	return out
}
