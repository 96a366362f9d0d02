package exchange

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/stats"

	"github.com/filecoin-project/go-blockswap/exchange/notifications"
	"github.com/filecoin-project/go-blockswap/metrics"
)

// SessionManager creates sessions and routes incoming blocks and HAVEs
// to the ones that asked for them.
type SessionManager struct {
	ctx            context.Context
	wm             *WantManager
	sim            *sessionInterestManager
	bpm            *blockPresenceManager
	notif          notifications.PubSub
	providerFinder *ProviderQueryManager
	peerTagger     PeerTagger

	haveProbeThreshold int

	sessLk   sync.RWMutex
	sessions map[uint64]*Session

	sessIDLk sync.Mutex
	sessID   uint64
}

func NewSessionManager(
	ctx context.Context,
	wm *WantManager,
	sim *sessionInterestManager,
	bpm *blockPresenceManager,
	notif notifications.PubSub,
	providerFinder *ProviderQueryManager,
	peerTagger PeerTagger,
	haveProbeThreshold int,
) *SessionManager {
	return &SessionManager{
		ctx:                ctx,
		wm:                 wm,
		sim:                sim,
		bpm:                bpm,
		notif:              notif,
		providerFinder:     providerFinder,
		peerTagger:         peerTagger,
		haveProbeThreshold: haveProbeThreshold,
		sessions:           make(map[uint64]*Session),
	}
}

// NewSession starts a session tied to ctx. Closing ctx, or calling
// Close on the session, cancels its outstanding wants.
func (sm *SessionManager) NewSession(ctx context.Context) *Session {
	id := sm.nextSessionID()

	sprm := newSessionPeerManager(sm.peerTagger, id)
	s := newSession(ctx, id, sm.wm, sprm, sm.providerFinder, sm.sim, sm.bpm, sm.notif, sm.haveProbeThreshold, sm.removeSession)

	sm.sessLk.Lock()
	sm.sessions[id] = s
	n := len(sm.sessions)
	sm.sessLk.Unlock()

	stats.Record(sm.ctx, metrics.SessionsActive.M(int64(n)))
	log.Debugw("session started", "session", id)

	return s
}

func (sm *SessionManager) removeSession(id uint64) {
	sm.sessLk.Lock()
	delete(sm.sessions, id)
	n := len(sm.sessions)
	sm.sessLk.Unlock()

	stats.Record(sm.ctx, metrics.SessionsActive.M(int64(n)))
	log.Debugw("session closed", "session", id)
}

func (sm *SessionManager) nextSessionID() uint64 {
	sm.sessIDLk.Lock()
	defer sm.sessIDLk.Unlock()
	sm.sessID++
	return sm.sessID
}

// ReceiveFrom dispatches a peer's response to every interested session.
// Called on the network receive path.
func (sm *SessionManager) ReceiveFrom(from peer.ID, blks []cid.Cid, haves []cid.Cid) {
	for _, id := range sm.sim.InterestedSessions(blks, haves) {
		sm.sessLk.RLock()
		ses, ok := sm.sessions[id]
		sm.sessLk.RUnlock()
		if ok {
			ses.ReceiveFrom(from, blks, haves)
		}
	}
}

// Shutdown closes every live session.
func (sm *SessionManager) Shutdown() {
	sm.sessLk.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.sessLk.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
