package exchange

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerQueue is the outbound side of one peer connection. The message
// queue implements it; tests substitute their own.
type PeerQueue interface {
	AddBroadcastWantHaves([]cid.Cid)
	AddWants(wantBlocks []cid.Cid, wantHaves []cid.Cid)
	AddCancels([]cid.Cid)
	Startup()
	Shutdown()
}

type peerQueueInstance struct {
	refcnt int
	pq     PeerQueue
}

// PeerManager owns one outbound queue per connected peer and the record
// of which wants have been handed to which queue. All want traffic to
// the network funnels through here, which is what enforces the
// at-most-one-outstanding rule per peer and key.
type PeerManager struct {
	pqLk       sync.RWMutex
	peerQueues map[peer.ID]*peerQueueInstance
	pwm        *peerWantManager

	createPeerQueue func(context.Context, peer.ID) PeerQueue
	ctx             context.Context

	self peer.ID
}

func NewPeerManager(ctx context.Context, self peer.ID, createPeerQueue func(context.Context, peer.ID) PeerQueue, maxWantsPerPeer int) *PeerManager {
	return &PeerManager{
		peerQueues:      make(map[peer.ID]*peerQueueInstance),
		pwm:             newPeerWantManager(maxWantsPerPeer),
		createPeerQueue: createPeerQueue,
		ctx:             ctx,
		self:            self,
	}
}

func (pm *PeerManager) ConnectedPeers() []peer.ID {
	pm.pqLk.RLock()
	defer pm.pqLk.RUnlock()

	peers := make([]peer.ID, 0, len(pm.peerQueues))
	for p := range pm.peerQueues {
		peers = append(peers, p)
	}
	return peers
}

// Connected is called every time a connection to the peer opens. The
// first connection starts a queue and replays the broadcast wantlist so
// the new peer gets a full snapshot.
func (pm *PeerManager) Connected(p peer.ID) {
	pm.pqLk.Lock()
	defer pm.pqLk.Unlock()

	pq := pm.getOrCreate(p)
	pq.refcnt++
	if pq.refcnt > 1 {
		return
	}

	pq.pq.Startup()
	pm.pwm.addPeer(p)
	if bcast := pm.pwm.replayBroadcasts(p); len(bcast) > 0 {
		pq.pq.AddBroadcastWantHaves(bcast)
	}
}

// Disconnected is called for every closed connection. When the last one
// goes the queue shuts down and the peer's outstanding want state is
// dropped; the wants themselves stay alive globally and get re-targeted
// by session rebroadcast.
func (pm *PeerManager) Disconnected(p peer.ID) {
	pm.pqLk.Lock()
	defer pm.pqLk.Unlock()

	pq, ok := pm.peerQueues[p]
	if !ok {
		return
	}

	pq.refcnt--
	if pq.refcnt > 0 {
		return
	}

	delete(pm.peerQueues, p)
	pq.pq.Shutdown()
	pm.pwm.removePeer(p)
}

// BroadcastWantHaves sends want-haves to every connected peer that does
// not already have a want outstanding for the key.
func (pm *PeerManager) BroadcastWantHaves(ctx context.Context, wantHaves []cid.Cid) {
	pm.pqLk.Lock()
	defer pm.pqLk.Unlock()

	for p, ks := range pm.pwm.prepareBroadcastWantHaves(wantHaves) {
		if pq, ok := pm.peerQueues[p]; ok {
			pq.pq.AddBroadcastWantHaves(ks)
		}
	}
}

// SendWants routes want-blocks and want-haves to a single peer, minus
// anything already outstanding there. Want-blocks beyond the per-peer
// cap are left unsent for a later pass.
func (pm *PeerManager) SendWants(ctx context.Context, p peer.ID, wantBlocks []cid.Cid, wantHaves []cid.Cid) {
	pm.pqLk.Lock()
	defer pm.pqLk.Unlock()

	pq, ok := pm.peerQueues[p]
	if !ok {
		return
	}

	wblks, whvs := pm.pwm.prepareSendWants(p, wantBlocks, wantHaves)
	if len(wblks) > 0 || len(whvs) > 0 {
		pq.pq.AddWants(wblks, whvs)
	}
}

// SendCancels retracts ks from every peer holding outstanding want state
// for them. The except peer, normally the one that answered, has its
// state cleared without a wire cancel since its copy of our wantlist
// already dropped the entry when it sent the block.
func (pm *PeerManager) SendCancels(ctx context.Context, cancelKs []cid.Cid, except peer.ID) {
	pm.pqLk.Lock()
	defer pm.pqLk.Unlock()

	for p, ks := range pm.pwm.prepareSendCancels(cancelKs) {
		if p == except {
			continue
		}
		if pq, ok := pm.peerQueues[p]; ok {
			pq.pq.AddCancels(ks)
		}
	}
}

// CurrentWants returns every key with an outstanding want-block or
// broadcast want-have anywhere.
func (pm *PeerManager) CurrentWants() []cid.Cid {
	pm.pqLk.RLock()
	defer pm.pqLk.RUnlock()

	return pm.pwm.currentWants()
}

// ActiveWants returns the keys with a want-block outstanding to p.
func (pm *PeerManager) ActiveWants(p peer.ID) []cid.Cid {
	pm.pqLk.RLock()
	defer pm.pqLk.RUnlock()

	if pw, ok := pm.pwm.peerWants[p]; ok {
		return pw.wantBlocks.Keys()
	}
	return nil
}

// ActiveHaves returns the keys with a want-have outstanding to p.
func (pm *PeerManager) ActiveHaves(p peer.ID) []cid.Cid {
	pm.pqLk.RLock()
	defer pm.pqLk.RUnlock()

	if pw, ok := pm.pwm.peerWants[p]; ok {
		return pw.wantHaves.Keys()
	}
	return nil
}

func (pm *PeerManager) getOrCreate(p peer.ID) *peerQueueInstance {
	pqi, ok := pm.peerQueues[p]
	if !ok {
		pqi = &peerQueueInstance{pq: pm.createPeerQueue(pm.ctx, p)}
		pm.peerQueues[p] = pqi
	}
	return pqi
}

// peerWantManager is the bookkeeping behind PeerManager: which wants
// have been sent to which peer, plus a reverse index for cancels. All
// access is under PeerManager.pqLk.
type peerWantManager struct {
	peerWants map[peer.ID]*peerWant
	// reverse index of any outstanding want, block or have, per key
	wantPeers map[cid.Cid]map[peer.ID]struct{}
	// keys broadcast to all peers, replayed to newcomers
	broadcastWants *cid.Set

	maxWantsPerPeer int
}

type peerWant struct {
	wantBlocks *cid.Set
	wantHaves  *cid.Set
}

func newPeerWantManager(maxWantsPerPeer int) *peerWantManager {
	return &peerWantManager{
		peerWants:       make(map[peer.ID]*peerWant),
		wantPeers:       make(map[cid.Cid]map[peer.ID]struct{}),
		broadcastWants:  cid.NewSet(),
		maxWantsPerPeer: maxWantsPerPeer,
	}
}

func (pwm *peerWantManager) addPeer(p peer.ID) {
	if _, ok := pwm.peerWants[p]; ok {
		return
	}
	pwm.peerWants[p] = &peerWant{
		wantBlocks: cid.NewSet(),
		wantHaves:  cid.NewSet(),
	}
}

func (pwm *peerWantManager) removePeer(p peer.ID) {
	pw, ok := pwm.peerWants[p]
	if !ok {
		return
	}

	clear := func(c cid.Cid) error {
		pwm.reverseRemove(c, p)
		return nil
	}
	_ = pw.wantBlocks.ForEach(clear)
	_ = pw.wantHaves.ForEach(clear)

	delete(pwm.peerWants, p)
}

// replayBroadcasts records the live broadcast wantlist as sent to a
// newly connected peer and returns the keys to put on its queue.
func (pwm *peerWantManager) replayBroadcasts(p peer.ID) []cid.Cid {
	pw, ok := pwm.peerWants[p]
	if !ok {
		return nil
	}

	var out []cid.Cid
	_ = pwm.broadcastWants.ForEach(func(c cid.Cid) error {
		if pw.wantBlocks.Has(c) || pw.wantHaves.Has(c) {
			return nil
		}
		pw.wantHaves.Add(c)
		pwm.reverseAdd(c, p)
		out = append(out, c)
		return nil
	})
	return out
}

func (pwm *peerWantManager) prepareBroadcastWantHaves(wantHaves []cid.Cid) map[peer.ID][]cid.Cid {
	res := make(map[peer.ID][]cid.Cid, len(pwm.peerWants))

	for _, c := range wantHaves {
		pwm.broadcastWants.Add(c)

		for p, pw := range pwm.peerWants {
			if pw.wantBlocks.Has(c) || pw.wantHaves.Has(c) {
				continue
			}
			pw.wantHaves.Add(c)
			pwm.reverseAdd(c, p)
			res[p] = append(res[p], c)
		}
	}
	return res
}

func (pwm *peerWantManager) prepareSendWants(p peer.ID, wantBlocks []cid.Cid, wantHaves []cid.Cid) ([]cid.Cid, []cid.Cid) {
	pw, ok := pwm.peerWants[p]
	if !ok {
		return nil, nil
	}

	var outBlocks []cid.Cid
	for _, c := range wantBlocks {
		if pw.wantBlocks.Has(c) {
			continue
		}
		if pwm.maxWantsPerPeer > 0 && pw.wantBlocks.Len() >= pwm.maxWantsPerPeer {
			break
		}
		// a want-block supersedes any earlier want-have
		pw.wantHaves.Remove(c)
		pw.wantBlocks.Add(c)
		pwm.reverseAdd(c, p)
		outBlocks = append(outBlocks, c)
	}

	var outHaves []cid.Cid
	for _, c := range wantHaves {
		if pw.wantBlocks.Has(c) || pw.wantHaves.Has(c) {
			continue
		}
		pw.wantHaves.Add(c)
		pwm.reverseAdd(c, p)
		outHaves = append(outHaves, c)
	}

	return outBlocks, outHaves
}

func (pwm *peerWantManager) prepareSendCancels(cancelKs []cid.Cid) map[peer.ID][]cid.Cid {
	res := make(map[peer.ID][]cid.Cid)

	for _, c := range cancelKs {
		pwm.broadcastWants.Remove(c)

		for p := range pwm.wantPeers[c] {
			pw, ok := pwm.peerWants[p]
			if !ok {
				continue
			}
			pw.wantBlocks.Remove(c)
			pw.wantHaves.Remove(c)
			res[p] = append(res[p], c)
		}
		delete(pwm.wantPeers, c)
	}
	return res
}

func (pwm *peerWantManager) currentWants() []cid.Cid {
	seen := cid.NewSet()
	for _, pw := range pwm.peerWants {
		_ = pw.wantBlocks.ForEach(func(c cid.Cid) error {
			seen.Add(c)
			return nil
		})
	}
	_ = pwm.broadcastWants.ForEach(func(c cid.Cid) error {
		seen.Add(c)
		return nil
	})
	return seen.Keys()
}

func (pwm *peerWantManager) reverseAdd(c cid.Cid, p peer.ID) {
	ps, ok := pwm.wantPeers[c]
	if !ok {
		ps = make(map[peer.ID]struct{})
		pwm.wantPeers[c] = ps
	}
	ps[p] = struct{}{}
}

func (pwm *peerWantManager) reverseRemove(c cid.Cid, p peer.ID) {
	ps, ok := pwm.wantPeers[c]
	if !ok {
		return
	}
	delete(ps, p)
	if len(ps) == 0 {
		delete(pwm.wantPeers, c)
	}
}
