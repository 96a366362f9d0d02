package exchange

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/stats"

	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
	"github.com/filecoin-project/go-blockswap/metrics"
)

// PeerHandler routes want traffic toward the network. PeerManager is
// the production implementation.
type PeerHandler interface {
	ConnectedPeers() []peer.ID
	Connected(p peer.ID)
	Disconnected(p peer.ID)
	BroadcastWantHaves(ctx context.Context, wantHaves []cid.Cid)
	SendWants(ctx context.Context, p peer.ID, wantBlocks []cid.Cid, wantHaves []cid.Cid)
	SendCancels(ctx context.Context, cancelKs []cid.Cid, except peer.ID)
}

// WantManager owns the authoritative global wantlist. All mutation
// funnels through a single run loop, so sessions, the receive path and
// connection events never race on it; reads take a round trip through
// the same loop.
type WantManager struct {
	wantMessages chan wantMessage

	// state below is owned by the run loop
	wl       *wantlist.Wantlist
	priority int64

	ctx      context.Context
	shutdown context.CancelFunc

	peerHandler PeerHandler
	sim         *sessionInterestManager
	bpm         *blockPresenceManager
}

// wantMessage is one unit of work for the run loop.
type wantMessage interface {
	handle(wm *WantManager)
}

func NewWantManager(ctx context.Context, peerHandler PeerHandler, sim *sessionInterestManager, bpm *blockPresenceManager) *WantManager {
	ctx, cancel := context.WithCancel(ctx)
	return &WantManager{
		wantMessages: make(chan wantMessage, 16),
		wl:           wantlist.New(),
		priority:     maxPriority,
		ctx:          ctx,
		shutdown:     cancel,
		peerHandler:  peerHandler,
		sim:          sim,
		bpm:          bpm,
	}
}

func (wm *WantManager) Startup() {
	go wm.run()
}

func (wm *WantManager) Shutdown() {
	wm.shutdown()
}

func (wm *WantManager) run() {
	for {
		select {
		case message := <-wm.wantMessages:
			message.handle(wm)
		case <-wm.ctx.Done():
			return
		}
	}
}

// WantBlocks registers wants for a session and routes them out. With
// target peers the want-blocks and want-haves go to each; without, the
// want-haves are broadcast as a discovery probe.
func (wm *WantManager) WantBlocks(ctx context.Context, ses uint64, peers []peer.ID, wantBlocks []cid.Cid, wantHaves []cid.Cid) {
	wm.sim.RecordSessionInterest(ses, wantBlocks)
	wm.sim.RecordSessionInterest(ses, wantHaves)
	wm.addEntries(ctx, &wantSet{ses: ses, peers: peers, wantBlocks: wantBlocks, wantHaves: wantHaves})
}

// CancelWants drops a session's interest in ks. Keys nobody else wants
// anymore are removed from the wantlist and cancelled on the wire.
func (wm *WantManager) CancelWants(ctx context.Context, ses uint64, ks []cid.Cid) {
	deleted := wm.sim.RemoveSessionInterested(ses, ks)
	wm.addEntries(ctx, &cancelSet{ks: deleted})
}

// RemoveSession clears every want the closing session held, cancelling
// whatever it was the last one interested in.
func (wm *WantManager) RemoveSession(ctx context.Context, ses uint64) {
	deleted := wm.sim.RemoveSession(ses)
	wm.addEntries(ctx, &cancelSet{ks: deleted})
}

// ReceiveFrom settles arriving blocks against the wantlist: resolved
// keys come off the list and every other peer holding an outstanding
// want for them gets a cancel.
func (wm *WantManager) ReceiveFrom(ctx context.Context, from peer.ID, blks []cid.Cid, haves []cid.Cid) {
	wm.bpm.ReceiveFrom(from, haves)
	wm.addEntries(ctx, &receivedSet{from: from, blks: blks})
}

func (wm *WantManager) Connected(p peer.ID) {
	select {
	case wm.wantMessages <- &connectedMessage{p: p}:
	case <-wm.ctx.Done():
	}
}

func (wm *WantManager) Disconnected(p peer.ID) {
	select {
	case wm.wantMessages <- &disconnectedMessage{p: p}:
	case <-wm.ctx.Done():
	}
}

// CurrentWants snapshots the global wantlist.
func (wm *WantManager) CurrentWants() []wantlist.Entry {
	resp := make(chan []wantlist.Entry, 1)
	select {
	case wm.wantMessages <- &currentWantsMessage{resp: resp}:
	case <-wm.ctx.Done():
		return nil
	}
	select {
	case entries := <-resp:
		return entries
	case <-wm.ctx.Done():
		return nil
	}
}

// IsWanted reports whether any session still wants k.
func (wm *WantManager) IsWanted(k cid.Cid) bool {
	resp := make(chan bool, 1)
	select {
	case wm.wantMessages <- &isWantedMessage{k: k, resp: resp}:
	case <-wm.ctx.Done():
		return false
	}
	select {
	case wanted := <-resp:
		return wanted
	case <-wm.ctx.Done():
		return false
	}
}

func (wm *WantManager) addEntries(ctx context.Context, msg wantMessage) {
	select {
	case wm.wantMessages <- msg:
	case <-wm.ctx.Done():
	case <-ctx.Done():
	}
}

func (wm *WantManager) recordGauge() {
	stats.Record(wm.ctx, metrics.WantlistTotal.M(int64(wm.wl.Len())))
}

type wantSet struct {
	ses        uint64
	peers      []peer.ID
	wantBlocks []cid.Cid
	wantHaves  []cid.Cid
}

func (ws *wantSet) handle(wm *WantManager) {
	for _, c := range ws.wantBlocks {
		wm.priority--
		wm.wl.Add(c, wm.priority, wantlist.WantBlock)
	}
	for _, c := range ws.wantHaves {
		wm.priority--
		wm.wl.Add(c, wm.priority, wantlist.WantHave)
	}
	wm.recordGauge()

	if len(ws.peers) == 0 {
		if len(ws.wantHaves) > 0 {
			wm.peerHandler.BroadcastWantHaves(wm.ctx, ws.wantHaves)
		}
		// want-blocks with no target wait for a HAVE to pick one
		return
	}
	for _, p := range ws.peers {
		wm.peerHandler.SendWants(wm.ctx, p, ws.wantBlocks, ws.wantHaves)
	}
}

type cancelSet struct {
	ks []cid.Cid
}

func (cs *cancelSet) handle(wm *WantManager) {
	if len(cs.ks) == 0 {
		return
	}
	for _, c := range cs.ks {
		wm.wl.Remove(c)
	}
	wm.bpm.RemoveKeys(cs.ks)
	wm.recordGauge()
	wm.peerHandler.SendCancels(wm.ctx, cs.ks, "")
}

type receivedSet struct {
	from peer.ID
	blks []cid.Cid
}

func (rs *receivedSet) handle(wm *WantManager) {
	var resolved []cid.Cid
	for _, c := range rs.blks {
		if wm.wl.Remove(c) {
			resolved = append(resolved, c)
		}
	}
	if len(resolved) == 0 {
		return
	}
	wm.bpm.RemoveKeys(resolved)
	wm.recordGauge()
	wm.peerHandler.SendCancels(wm.ctx, resolved, rs.from)
}

type connectedMessage struct {
	p peer.ID
}

func (cm *connectedMessage) handle(wm *WantManager) {
	wm.peerHandler.Connected(cm.p)
}

type disconnectedMessage struct {
	p peer.ID
}

func (dm *disconnectedMessage) handle(wm *WantManager) {
	wm.peerHandler.Disconnected(dm.p)
	wm.bpm.RemovePeer(dm.p)
}

type currentWantsMessage struct {
	resp chan []wantlist.Entry
}

func (cwm *currentWantsMessage) handle(wm *WantManager) {
	es := wm.wl.Entries()
	wantlist.SortEntries(es)
	cwm.resp <- es
}

type isWantedMessage struct {
	k    cid.Cid
	resp chan bool
}

func (iwm *isWantedMessage) handle(wm *WantManager) {
	_, wanted := wm.wl.Contains(iwm.k)
	iwm.resp <- wanted
}
