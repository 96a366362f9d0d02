package exchange

import (
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Connection manager weight for peers serving an active session, so the
// host prunes them last.
const sessionPeerTagValue = 3

// PeerTagger protects peers we are actively exchanging with from
// connection pruning. The host's connection manager implements it.
type PeerTagger interface {
	TagPeer(peer.ID, string, int)
	UntagPeer(p peer.ID, tag string)
}

// sessionPeerManager is one session's private peer pool: everyone who
// has answered for a member key, in first-answer order. The order is the
// hint ranking; earlier responders are asked first for later keys. Pools
// are never shared between sessions.
type sessionPeerManager struct {
	tagger PeerTagger
	tag    string

	plk   sync.RWMutex
	peers map[peer.ID]struct{}
	order []peer.ID
}

func newSessionPeerManager(tagger PeerTagger, id uint64) *sessionPeerManager {
	return &sessionPeerManager{
		tagger: tagger,
		tag:    fmt.Sprint("bswap-ses-", id),
		peers:  make(map[peer.ID]struct{}),
	}
}

// AddPeer records a responsive peer, reporting whether it is new.
func (spm *sessionPeerManager) AddPeer(p peer.ID) bool {
	spm.plk.Lock()
	defer spm.plk.Unlock()

	if _, ok := spm.peers[p]; ok {
		return false
	}

	spm.peers[p] = struct{}{}
	spm.order = append(spm.order, p)
	spm.tagger.TagPeer(p, spm.tag, sessionPeerTagValue)

	log.Debugw("session peer added", "tag", spm.tag, "peer", p)
	return true
}

func (spm *sessionPeerManager) RemovePeer(p peer.ID) bool {
	spm.plk.Lock()
	defer spm.plk.Unlock()

	if _, ok := spm.peers[p]; !ok {
		return false
	}

	delete(spm.peers, p)
	for i, o := range spm.order {
		if o == p {
			spm.order = append(spm.order[:i], spm.order[i+1:]...)
			break
		}
	}
	spm.tagger.UntagPeer(p, spm.tag)
	return true
}

func (spm *sessionPeerManager) HasPeers() bool {
	spm.plk.RLock()
	defer spm.plk.RUnlock()

	return len(spm.peers) > 0
}

func (spm *sessionPeerManager) HasPeer(p peer.ID) bool {
	spm.plk.RLock()
	defer spm.plk.RUnlock()

	_, ok := spm.peers[p]
	return ok
}

// Peers returns the pool in hint order, earliest responder first.
func (spm *sessionPeerManager) Peers() []peer.ID {
	spm.plk.RLock()
	defer spm.plk.RUnlock()

	out := make([]peer.ID, len(spm.order))
	copy(out, spm.order)
	return out
}

// Shutdown untags everything the session was protecting.
func (spm *sessionPeerManager) Shutdown() {
	spm.plk.Lock()
	defer spm.plk.Unlock()

	for p := range spm.peers {
		spm.tagger.UntagPeer(p, spm.tag)
	}
	spm.peers = make(map[peer.ID]struct{})
	spm.order = nil
}
