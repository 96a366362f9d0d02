// Package exchange implements the blockswap protocol: a content
// addressed block exchange in which peers ask each other for blocks by
// key, answer with blocks or HAVE presences, and keep per-peer ledgers
// of bytes moved in each direction.
//
// The requester half (want manager, sessions, peer manager, message
// queues) decides who to ask and keeps wants alive until blocks arrive
// or callers give up. The responder half (engine) decides which peer to
// serve next out of the local store. Both halves meet the wire in this
// package's facade, which owns validation, accounting and notification
// fan-out.
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/boxo/verifcid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/exchange/network"
	"github.com/filecoin-project/go-blockswap/exchange/notifications"
	"github.com/filecoin-project/go-blockswap/metrics"
)

var log = logging.Logger("exchange")

const (
	defaultWantTimeout         = 60 * time.Second
	defaultHaveProbeThreshold  = 16
	defaultProviderSearchLimit = 10
	defaultMaxWantsPerPeer     = 64
	defaultTaskWorkerCount     = 8
)

// ErrWantTimeout is returned by GetBlock when no peer produced the
// block within the want timeout. It matches context.DeadlineExceeded
// so callers selecting on that keep working.
var ErrWantTimeout = xerrors.Errorf("want timed out: %w", context.DeadlineExceeded)

var ErrClosed = xerrors.New("exchange is closed")

// Option configures the exchange at construction time.
type Option func(*Exchange)

// ProvideEnabled toggles announcing received and added blocks to the
// routing layer.
func ProvideEnabled(enabled bool) Option {
	return func(ex *Exchange) {
		ex.provideEnabled = enabled
	}
}

// TaskWorkerCount sets how many workers drain the responder outbox to
// the network.
func TaskWorkerCount(count int) Option {
	return func(ex *Exchange) {
		ex.taskWorkerCount = count
	}
}

// EngineTaskWorkerCount sets how many workers package responses inside
// the engine.
func EngineTaskWorkerCount(count int) Option {
	return func(ex *Exchange) {
		ex.engineTaskWorkerCount = count
	}
}

// RebroadcastDelay sets how often unanswered wants are resent to the
// peers that already hold them.
func RebroadcastDelay(delay time.Duration) Option {
	return func(ex *Exchange) {
		ex.rebroadcastDelay = delay
	}
}

// WantTimeout bounds GetBlock when the caller's context carries no
// deadline of its own. Zero disables the implicit bound.
func WantTimeout(d time.Duration) Option {
	return func(ex *Exchange) {
		ex.wantTimeout = d
	}
}

// MaxConcurrentWantsPerPeer caps the want-blocks outstanding toward a
// single peer.
func MaxConcurrentWantsPerPeer(n int) Option {
	return func(ex *Exchange) {
		ex.maxWantsPerPeer = n
	}
}

// HaveProbeThreshold caps how many session peers are probed with
// want-haves before a session falls back to broadcast.
func HaveProbeThreshold(n int) Option {
	return func(ex *Exchange) {
		ex.haveProbeThreshold = n
	}
}

// ProviderSearchLimit caps the providers requested from the routing
// layer per key.
func ProviderSearchLimit(n int) Option {
	return func(ex *Exchange) {
		ex.providerSearchLimit = n
	}
}

// Exchange ties the requester and responder halves to one network and
// one blockstore.
type Exchange struct {
	ctx    context.Context
	cancel context.CancelFunc

	network network.Network
	bs      blockstore.Blockstore

	wm     *WantManager
	pm     *PeerManager
	sm     *SessionManager
	sim    *sessionInterestManager
	bpm    *blockPresenceManager
	pqm    *ProviderQueryManager
	engine *Engine
	notif  notifications.PubSub

	violations *violationListeners

	// newBlocks feeds the provide collector; provideKeys feeds the
	// provide workers
	newBlocks   chan cid.Cid
	provideKeys chan cid.Cid

	counterLk sync.Mutex
	counters  counters

	closing chan struct{}
	closeWg sync.WaitGroup

	provideEnabled        bool
	wantTimeout           time.Duration
	rebroadcastDelay      time.Duration
	maxWantsPerPeer       int
	haveProbeThreshold    int
	providerSearchLimit   int
	taskWorkerCount       int
	engineTaskWorkerCount int
}

type counters struct {
	blocksRecvd    uint64
	dupBlocksRecvd uint64
	dupDataRecvd   uint64
	blocksSent     uint64
	dataSent       uint64
	dataRecvd      uint64
	messagesRecvd  uint64
}

// New wires up an exchange over the given network and blockstore and
// registers it as the network delegate. It runs until parent is
// cancelled or Close is called.
func New(parent context.Context, net network.Network, bstore blockstore.Blockstore, options ...Option) *Exchange {
	ctx, cancel := context.WithCancel(parent)

	ex := &Exchange{
		ctx:     ctx,
		cancel:  cancel,
		network: net,
		bs:      bstore,

		newBlocks:   make(chan cid.Cid, hasBlockBufferSize),
		provideKeys: make(chan cid.Cid, provideKeysBufferSize),
		closing:     make(chan struct{}),

		provideEnabled:        true,
		wantTimeout:           defaultWantTimeout,
		rebroadcastDelay:      defaultRebroadcastInterval,
		maxWantsPerPeer:       defaultMaxWantsPerPeer,
		haveProbeThreshold:    defaultHaveProbeThreshold,
		providerSearchLimit:   defaultProviderSearchLimit,
		taskWorkerCount:       defaultTaskWorkerCount,
		engineTaskWorkerCount: defaultEngineTaskWorkerCount,
	}
	for _, option := range options {
		option(ex)
	}

	ex.notif = notifications.New()
	ex.sim = newSessionInterestManager()
	ex.bpm = newBlockPresenceManager()
	ex.violations = newViolationListeners()

	ex.engine = NewEngine(ctx, bstore, net.ConnectionManager(), net.Self(), ex.engineTaskWorkerCount)

	createQueue := func(ctx context.Context, p peer.ID) PeerQueue {
		mq := NewMessageQueue(ctx, p, net)
		mq.SetRebroadcastInterval(ex.rebroadcastDelay)
		return mq
	}
	ex.pm = NewPeerManager(ctx, net.Self(), createQueue, ex.maxWantsPerPeer)
	ex.wm = NewWantManager(ctx, ex.pm, ex.sim, ex.bpm)
	ex.pqm = NewProviderQueryManager(ctx, net, ex.providerSearchLimit)
	ex.sm = NewSessionManager(ctx, ex.wm, ex.sim, ex.bpm, ex.notif, ex.pqm, net.ConnectionManager(), ex.haveProbeThreshold)

	ex.wm.Startup()
	ex.pqm.Startup()
	ex.engine.StartWorkers(ctx)
	ex.startWorkers(ctx)

	net.SetDelegate(ex)

	return ex
}

// GetBlock fetches a single block, serving it locally when present.
// Without a caller deadline the configured want timeout applies; on
// expiry the want is withdrawn and ErrWantTimeout returned.
func (ex *Exchange) GetBlock(parent context.Context, k cid.Cid) (blocks.Block, error) {
	if err := verifcid.ValidateCid(verifcid.DefaultAllowlist, k); err != nil {
		return nil, xerrors.Errorf("refusing to want %s: %w", k, err)
	}

	blk, err := ex.bs.Get(parent, k)
	if err == nil {
		return blk, nil
	}
	if !ipld.IsNotFound(err) {
		return nil, err
	}

	ctx := parent
	if _, ok := parent.Deadline(); !ok && ex.wantTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, ex.wantTimeout)
		defer cancel()
	}

	promise, err := ex.GetBlocks(ctx, []cid.Cid{k})
	if err != nil {
		return nil, err
	}

	select {
	case blk, ok := <-promise:
		if !ok {
			// subscription closed before delivering: the context died
			if cerr := ctx.Err(); cerr != nil {
				if xerrors.Is(cerr, context.DeadlineExceeded) && parent.Err() == nil {
					return nil, xerrors.Errorf("fetching %s: %w", k, ErrWantTimeout)
				}
				return nil, cerr
			}
			return nil, xerrors.New("block promise closed unexpectedly")
		}
		return blk, nil
	case <-parent.Done():
		return nil, parent.Err()
	}
}

// GetBlocks fetches a batch of blocks, delivering them on the returned
// channel as they show up. Locally held blocks are delivered straight
// away; the rest are fetched through a fresh session. The request stays
// open until every block arrives or ctx is done, so callers should
// cancel ctx once satisfied.
func (ex *Exchange) GetBlocks(ctx context.Context, keys []cid.Cid) (<-chan blocks.Block, error) {
	if len(keys) == 0 {
		out := make(chan blocks.Block)
		close(out)
		return out, nil
	}

	select {
	case <-ex.closing:
		return nil, ErrClosed
	default:
	}

	for _, k := range keys {
		if err := verifcid.ValidateCid(verifcid.DefaultAllowlist, k); err != nil {
			return nil, xerrors.Errorf("refusing to want %s: %w", k, err)
		}
	}

	var local []blocks.Block
	var missing []cid.Cid
	for _, k := range keys {
		blk, err := ex.bs.Get(ctx, k)
		if err == nil {
			local = append(local, blk)
			continue
		}
		if !ipld.IsNotFound(err) {
			return nil, err
		}
		missing = append(missing, k)
	}

	if len(missing) == 0 {
		out := make(chan blocks.Block, len(local))
		for _, blk := range local {
			out <- blk
		}
		close(out)
		return out, nil
	}

	remote, err := ex.sm.NewSession(ctx).GetBlocks(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return remote, nil
	}

	out := make(chan blocks.Block)
	go func() {
		defer close(out)
		for _, blk := range local {
			select {
			case out <- blk:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case blk, ok := <-remote:
				if !ok {
					return
				}
				select {
				case out <- blk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// NewSession starts a fetch session that remembers which peers answered
// and asks them first for subsequent related blocks.
func (ex *Exchange) NewSession(ctx context.Context) *Session {
	return ex.sm.NewSession(ctx)
}

// NotifyNewBlocks announces blocks that were just written to the local
// store: interested peers get them scheduled, waiting local sessions
// resolve, and the keys are queued for providing.
func (ex *Exchange) NotifyNewBlocks(ctx context.Context, blks ...blocks.Block) error {
	select {
	case <-ex.closing:
		return ErrClosed
	default:
	}

	return ex.receiveBlocksFrom(ctx, "", blks, nil)
}

// receiveBlocksFrom is the single entry point for blocks landing in
// this node, whether off the wire or added locally.
func (ex *Exchange) receiveBlocksFrom(ctx context.Context, from peer.ID, blks []blocks.Block, haves []cid.Cid) error {
	valid := blks

	// off-the-wire blocks get their hashes recomputed; a mismatch is
	// discarded before it can touch the store or the ledger
	if from != "" {
		valid = make([]blocks.Block, 0, len(blks))
		for _, b := range blks {
			if err := blockstore.VerifyBlock(b); err != nil {
				log.Warnw("discarding corrupt block", "peer", from, "cid", b.Cid(), "err", err)
				_ = stats.RecordWithTags(ctx,
					[]tag.Mutator{tag.Upsert(metrics.PeerID, from.String())},
					metrics.IntegrityViolations.M(1))
				ex.violations.fire(IntegrityViolation{Peer: from, Key: b.Cid()})
				continue
			}
			valid = append(valid, b)
		}
	}

	if len(valid) == 0 && len(haves) == 0 {
		return nil
	}

	if len(valid) > 0 {
		if err := ex.bs.PutMany(ctx, valid); err != nil {
			log.Errorw("failed to put blocks to store", "count", len(valid), "err", err)
			return err
		}
	}

	// who wanted these has to be read before the sessions mark them
	// delivered below
	wanted, _ := ex.sim.SplitWantedUnwanted(valid)

	validKs := make([]cid.Cid, 0, len(valid))
	for _, b := range valid {
		validKs = append(validKs, b.Cid())
	}

	ex.sm.ReceiveFrom(from, validKs, haves)
	ex.wm.ReceiveFrom(ctx, from, validKs, haves)

	// serve peers whose wantlists mention the new blocks, and credit
	// the sender
	ex.engine.ReceiveFrom(from, valid)

	for _, b := range wanted {
		ex.notif.Publish(b)
	}

	if ex.provideEnabled {
		for _, k := range validKs {
			select {
			case ex.newBlocks <- k:
			case <-ex.ctx.Done():
				return nil
			}
		}
	}

	return nil
}

// ReceiveMessage is called by the network for every inbound message.
func (ex *Exchange) ReceiveMessage(ctx context.Context, p peer.ID, incoming *message.Message) {
	ex.counterLk.Lock()
	ex.counters.messagesRecvd++
	ex.counterLk.Unlock()
	stats.Record(ctx, metrics.MessagesReceived.M(1))

	// answer the peer's wants and cancels
	ex.engine.MessageReceived(ctx, p, incoming)

	iblocks := incoming.Blocks()
	ihaves := incoming.Haves()
	if len(iblocks) == 0 && len(ihaves) == 0 {
		return
	}

	ex.updateReceiveCounters(ctx, iblocks)

	if err := ex.receiveBlocksFrom(ctx, p, iblocks, ihaves); err != nil {
		log.Warnw("failed to process blocks", "peer", p, "err", err)
	}
}

// updateReceiveCounters counts arrivals and duplicates. A block we
// already hold still counts as received data, just duplicated.
func (ex *Exchange) updateReceiveCounters(ctx context.Context, blks []blocks.Block) {
	ex.counterLk.Lock()
	defer ex.counterLk.Unlock()

	for _, b := range blks {
		blkLen := len(b.RawData())
		has, err := ex.bs.Has(ctx, b.Cid())
		if err != nil {
			log.Infof("blockstore.Has error: %s", err)
			continue
		}

		stats.Record(ctx, metrics.BlocksReceived.M(1), metrics.BytesReceived.M(int64(blkLen)), metrics.ReceivedBlockSize.M(int64(blkLen)))

		ex.counters.blocksRecvd++
		ex.counters.dataRecvd += uint64(blkLen)
		if has {
			stats.Record(ctx, metrics.DupBlocksReceived.M(1))
			ex.counters.dupBlocksRecvd++
			ex.counters.dupDataRecvd += uint64(blkLen)
		}
	}
}

// ReceiveError is called by the network when a stream read fails. The
// message queue for the peer notices on its own send path; nothing to
// unwind here.
func (ex *Exchange) ReceiveError(p peer.ID, err error) {
	log.Infow("receive error", "peer", p, "err", err)
}

// PeerConnected is called by the network every time a connection to the
// peer comes up.
func (ex *Exchange) PeerConnected(p peer.ID) {
	ex.wm.Connected(p)
	ex.engine.PeerConnected(p)
}

// PeerDisconnected is called when the last connection to the peer
// drops. Its in-flight state is cleared; our global wants survive and
// stay eligible for other peers.
func (ex *Exchange) PeerDisconnected(p peer.ID) {
	ex.wm.Disconnected(p)
	ex.engine.PeerDisconnected(p)
}

// WantlistForPeer returns the keys p has asked us for.
func (ex *Exchange) WantlistForPeer(p peer.ID) []cid.Cid {
	var out []cid.Cid
	for _, e := range ex.engine.WantlistForPeer(p) {
		out = append(out, e.Cid)
	}
	return out
}

// LedgerForPeer returns this node's accounting with p, including the
// wants currently outstanding toward it.
func (ex *Exchange) LedgerForPeer(p peer.ID) *Receipt {
	r := ex.engine.LedgerForPeer(p)
	r.ActiveWants = ex.pm.ActiveWants(p)
	r.ActiveHaves = ex.pm.ActiveHaves(p)
	return r
}

// GetWantlist returns the keys this node currently wants from the
// network.
func (ex *Exchange) GetWantlist() []cid.Cid {
	entries := ex.wm.CurrentWants()
	out := make([]cid.Cid, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Cid)
	}
	return out
}

// Peers lists the peers we keep exchange state for.
func (ex *Exchange) Peers() []peer.ID {
	return ex.engine.Peers()
}

// SubscribeIntegrityViolations registers cb for corrupt-block events.
// The returned function unsubscribes it.
func (ex *Exchange) SubscribeIntegrityViolations(cb func(IntegrityViolation)) func() {
	unsub := ex.violations.subscribe(cb)
	return func() { unsub() }
}

// Stat is a snapshot of exchange activity.
type Stat struct {
	ProvideBufLen    int
	Wantlist         []cid.Cid
	Peers            []string
	BlocksReceived   uint64
	DataReceived     uint64
	BlocksSent       uint64
	DataSent         uint64
	DupBlksReceived  uint64
	DupDataReceived  uint64
	MessagesReceived uint64
}

func (ex *Exchange) Stat() (*Stat, error) {
	st := new(Stat)
	st.ProvideBufLen = len(ex.newBlocks)
	st.Wantlist = ex.GetWantlist()

	ex.counterLk.Lock()
	c := ex.counters
	ex.counterLk.Unlock()

	st.BlocksReceived = c.blocksRecvd
	st.DupBlksReceived = c.dupBlocksRecvd
	st.DupDataReceived = c.dupDataRecvd
	st.BlocksSent = c.blocksSent
	st.DataSent = c.dataSent
	st.DataReceived = c.dataRecvd
	st.MessagesReceived = c.messagesRecvd

	peers := ex.engine.Peers()
	st.Peers = make([]string, 0, len(peers))
	for _, p := range peers {
		st.Peers = append(st.Peers, p.String())
	}

	return st, nil
}

// IsOnline reports whether the exchange can reach the network.
func (ex *Exchange) IsOnline() bool {
	return true
}

// Close shuts the exchange down: sessions wind up their wants, workers
// drain and the notification bus closes.
func (ex *Exchange) Close() error {
	select {
	case <-ex.closing:
		return nil
	default:
		close(ex.closing)
	}

	ex.sm.Shutdown()
	ex.cancel()
	ex.closeWg.Wait()
	ex.notif.Shutdown()
	return nil
}
