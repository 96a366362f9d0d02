package exchange

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	blocks "github.com/ipfs/go-block-format"

	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/exchange/notifications"
)

// broadcastLiveWantsLimit caps how many wants a session keeps live on
// the network at once. Queued keys wait in toFetch for a free slot.
const broadcastLiveWantsLimit = 64

const (
	idleTickMin    = 500 * time.Millisecond
	idleTickFactor = 2
)

type opType int

const (
	// request blocks
	opWant opType = iota
	// abandon pending requests
	opCancel
	// blocks arrived
	opReceive
	// a peer claimed it has blocks
	opHave
)

type op struct {
	op   opType
	from peer.ID
	keys []cid.Cid
}

// Session drives a group of related fetches. It remembers which peers
// answered earlier requests and asks them first, falls back to probing
// and broadcast when nobody it knows has a key, and pulls in fresh
// peers from the provider resolver when the swarm stays silent.
//
// All state is owned by the run loop; external callers talk to it
// through the incoming channel.
type Session struct {
	ctx      context.Context
	shutdown context.CancelFunc
	id       uint64

	wm             *WantManager
	sprm           *sessionPeerManager
	providerFinder *ProviderQueryManager
	sim            *sessionInterestManager
	bpm            *blockPresenceManager
	notif          notifications.PubSub

	incoming chan op

	// loop-owned
	sw           sessionWants
	idleTick     *clock.Timer
	idleBackoff  *backoff.Backoff
	discovery    <-chan peer.ID
	discoveryKey cid.Cid

	haveProbeThreshold int

	onShutdown func(uint64)
}

func newSession(
	ctx context.Context,
	id uint64,
	wm *WantManager,
	sprm *sessionPeerManager,
	providerFinder *ProviderQueryManager,
	sim *sessionInterestManager,
	bpm *blockPresenceManager,
	notif notifications.PubSub,
	haveProbeThreshold int,
	onShutdown func(uint64),
) *Session {
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:            ctx,
		shutdown:       cancel,
		id:             id,
		wm:             wm,
		sprm:           sprm,
		providerFinder: providerFinder,
		sim:            sim,
		bpm:            bpm,
		notif:          notif,
		incoming:       make(chan op, 128),
		sw:             newSessionWants(broadcastLiveWantsLimit),
		idleBackoff: &backoff.Backoff{
			Min:    idleTickMin,
			Max:    defaultRebroadcastInterval,
			Factor: idleTickFactor,
		},
		haveProbeThreshold: haveProbeThreshold,
		onShutdown:         onShutdown,
	}

	go s.run()

	return s
}

func (s *Session) ID() uint64 {
	return s.id
}

// GetBlocks fetches the given keys, delivering blocks on the returned
// channel as they arrive. The channel closes once every key has been
// delivered or ctx is done. Keys already being fetched by this session
// are folded into the existing requests.
func (s *Session) GetBlocks(ctx context.Context, keys []cid.Cid) (<-chan blocks.Block, error) {
	if len(keys) == 0 {
		out := make(chan blocks.Block)
		close(out)
		return out, nil
	}

	// subscribe before asking so an immediate answer cannot slip past
	blocksCh := s.notif.Subscribe(ctx, keys...)

	select {
	case s.incoming <- op{op: opWant, keys: keys}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, xerrors.New("session closed")
	}

	go func() {
		select {
		case <-ctx.Done():
			// drop whatever is still outstanding; settled keys are
			// ignored by the loop
			select {
			case s.incoming <- op{op: opCancel, keys: keys}:
			case <-s.ctx.Done():
			}
		case <-s.ctx.Done():
		}
	}()

	return blocksCh, nil
}

// ReceiveFrom feeds network responses into the session. Runs on the
// message receive path, so it only filters and hands off to the loop.
func (s *Session) ReceiveFrom(from peer.ID, blks []cid.Cid, haves []cid.Cid) {
	interested := s.sim.FilterSessionInterested(s.id, blks, haves)
	interestedBlks, interestedHaves := interested[0], interested[1]

	if len(interestedBlks) > 0 {
		// mark delivered so a second copy is treated as a duplicate
		s.sim.RemoveSessionWants(s.id, interestedBlks)
		s.pushOp(op{op: opReceive, from: from, keys: interestedBlks})
	}
	if len(interestedHaves) > 0 {
		s.pushOp(op{op: opHave, from: from, keys: interestedHaves})
	}
}

func (s *Session) pushOp(o op) {
	select {
	case s.incoming <- o:
	case <-s.ctx.Done():
	}
}

// Close shuts the session down, cancelling anything still in flight.
func (s *Session) Close() {
	s.shutdown()
}

func (s *Session) run() {
	s.idleTick = build.Clock.Timer(s.idleBackoff.Duration())
	defer s.idleTick.Stop()

	for {
		select {
		case o := <-s.incoming:
			switch o.op {
			case opWant:
				s.wantBlocks(o.keys)
			case opCancel:
				s.cancelKeys(o.keys)
			case opReceive:
				s.handleReceive(o.from, o.keys)
			case opHave:
				s.handleHaves(o.from, o.keys)
			}
		case p, ok := <-s.discovery:
			if !ok {
				s.discovery = nil
				continue
			}
			s.handleDiscoveredPeer(p)
		case <-s.idleTick.C:
			s.handleIdleTick()
		case <-s.ctx.Done():
			s.cleanup()
			return
		}
	}
}

func (s *Session) wantBlocks(ks []cid.Cid) {
	var fresh []cid.Cid
	for _, c := range ks {
		if s.sw.isWanted(c) {
			continue
		}
		fresh = append(fresh, c)
		s.sw.toFetch.Push(c)
	}
	if len(fresh) == 0 {
		return
	}
	s.sim.RecordSessionInterest(s.id, fresh)
	s.activate()
}

// activate promotes queued keys into live requests. Keys with a known
// holder get a want-block straight to it, the rest probe the session's
// peer pool with want-haves, and with no pool at all they fall back to
// broadcast plus a provider search.
func (s *Session) activate() {
	newLive := s.sw.nextWants()
	if len(newLive) == 0 {
		return
	}

	targeted := make(map[peer.ID][]cid.Cid)
	var probes, bcast []cid.Cid

	for _, c := range newLive {
		if p := s.nextHavePeer(c); p != "" {
			s.sw.sentBlockReq(c, p)
			targeted[p] = append(targeted[p], c)
			continue
		}
		if s.sprm.HasPeers() {
			probes = append(probes, c)
		} else {
			bcast = append(bcast, c)
		}
	}

	for p, ks := range targeted {
		s.wm.WantBlocks(s.ctx, s.id, []peer.ID{p}, ks, nil)
	}
	if len(probes) > 0 {
		s.wm.WantBlocks(s.ctx, s.id, s.probeTargets(), nil, probes)
	}
	if len(bcast) > 0 {
		s.wm.WantBlocks(s.ctx, s.id, nil, nil, bcast)
		s.searchProviders(bcast[0])
	}
}

// nextHavePeer picks a peer known to hold c that we have not yet asked
// for the block itself, preferring peers in the session pool's
// first-answered order.
func (s *Session) nextHavePeer(c cid.Cid) peer.ID {
	havePeers := s.bpm.PeersWithBlock(c)
	if len(havePeers) == 0 {
		return ""
	}
	haveSet := make(map[peer.ID]struct{}, len(havePeers))
	for _, p := range havePeers {
		haveSet[p] = struct{}{}
	}
	for _, p := range s.sprm.Peers() {
		if _, ok := haveSet[p]; ok && !s.sw.hasBlockReq(c, p) {
			return p
		}
	}
	for _, p := range havePeers {
		if !s.sw.hasBlockReq(c, p) {
			return p
		}
	}
	return ""
}

// probeTargets returns the pool peers to send want-have probes to,
// capped at the probe threshold.
func (s *Session) probeTargets() []peer.ID {
	peers := s.sprm.Peers()
	if len(peers) > s.haveProbeThreshold {
		peers = peers[:s.haveProbeThreshold]
	}
	return peers
}

func (s *Session) cancelKeys(ks []cid.Cid) {
	removed := s.sw.remove(ks)
	if len(removed) == 0 {
		return
	}
	s.wm.CancelWants(s.ctx, s.id, removed)
	s.activate()
}

func (s *Session) handleReceive(from peer.ID, ks []cid.Cid) {
	resolved := s.sw.blocksReceived(ks)
	if len(resolved) == 0 {
		return
	}
	if from != "" {
		s.sprm.AddPeer(from)
	}
	s.idleBackoff.Reset()
	s.resetIdleTick()
	s.activate()
}

// handleHaves reacts to HAVE claims: the first claim for a live key
// turns into a want-block to the claiming peer; later claims are
// remembered (by the presence manager) and used when rotating.
func (s *Session) handleHaves(from peer.ID, ks []cid.Cid) {
	s.sprm.AddPeer(from)

	var escalate []cid.Cid
	for _, c := range ks {
		if !s.sw.isLive(c) {
			continue
		}
		if len(s.sw.blockReqs[c]) > 0 {
			continue
		}
		s.sw.sentBlockReq(c, from)
		escalate = append(escalate, c)
	}
	if len(escalate) > 0 {
		s.wm.WantBlocks(s.ctx, s.id, []peer.ID{from}, escalate, nil)
	}
}

// handleIdleTick fires when nothing has arrived for a while. Live keys
// with an unasked holder escalate to a want-block there; the rest are
// re-broadcast so newly connected peers hear about them, and a
// provider search widens the pool. The tick interval backs off while
// the silence lasts.
func (s *Session) handleIdleTick() {
	if !s.sw.hasLiveWants() {
		s.resetIdleTick()
		return
	}

	targeted := make(map[peer.ID][]cid.Cid)
	var bcast []cid.Cid
	for _, c := range s.sw.liveKeys() {
		if p := s.nextHavePeer(c); p != "" {
			s.sw.sentBlockReq(c, p)
			targeted[p] = append(targeted[p], c)
		} else {
			bcast = append(bcast, c)
		}
	}

	for p, ks := range targeted {
		s.wm.WantBlocks(s.ctx, s.id, []peer.ID{p}, ks, nil)
	}
	if len(bcast) > 0 {
		s.wm.WantBlocks(s.ctx, s.id, nil, nil, bcast)
		s.searchProviders(bcast[0])
	}

	log.Debugw("session idle tick", "session", s.id, "live", len(s.sw.liveWants), "escalated", len(targeted), "broadcast", len(bcast))
	s.resetIdleTick()
}

// searchProviders starts a provider query for c unless one is already
// running. One search at a time per session; each discovered provider
// is probed for the whole live set anyway.
func (s *Session) searchProviders(c cid.Cid) {
	if s.discovery != nil {
		return
	}
	s.discoveryKey = c
	s.discovery = s.providerFinder.FindProvidersAsync(s.ctx, c)
}

func (s *Session) handleDiscoveredPeer(p peer.ID) {
	if p == "" {
		return
	}
	isNew := s.sprm.AddPeer(p)

	// the provider advertised the searched key, ask for the block
	if c := s.discoveryKey; s.sw.isLive(c) && !s.sw.hasBlockReq(c, p) {
		s.sw.sentBlockReq(c, p)
		s.wm.WantBlocks(s.ctx, s.id, []peer.ID{p}, []cid.Cid{c}, nil)
	}

	// probe a fresh peer for everything else we are waiting on
	if isNew {
		var others []cid.Cid
		for _, k := range s.sw.liveKeys() {
			if !k.Equals(s.discoveryKey) {
				others = append(others, k)
			}
		}
		if len(others) > 0 {
			s.wm.WantBlocks(s.ctx, s.id, []peer.ID{p}, nil, others)
		}
	}
}

func (s *Session) resetIdleTick() {
	s.idleTick.Stop()
	s.idleTick.Reset(s.idleBackoff.Duration())
}

func (s *Session) cleanup() {
	// the session ctx is already dead, use a fresh one so the
	// cancels actually reach the want manager
	s.wm.RemoveSession(context.Background(), s.id)
	s.sprm.Shutdown()
	if s.onShutdown != nil {
		s.onShutdown(s.id)
	}
}
