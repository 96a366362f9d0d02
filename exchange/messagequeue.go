package exchange

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"

	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/exchange/network"
	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
)

const (
	defaultRebroadcastInterval = 30 * time.Second
	// cap on a single outgoing wantlist message, entries and bytes
	defaultMaxEntries  = 1024
	mqMaxMessageSize   = 512 << 10
	sendMessageRetries = 3
	// short pause after a work signal so bursts coalesce into one message
	sendMessageDebounce = 20 * time.Millisecond

	maxPriority = int64(math.MaxInt32)
)

// MessageNetwork is the slice of the network the message queue needs.
type MessageNetwork interface {
	ConnectTo(context.Context, peer.ID) error
	NewMessageSender(context.Context, peer.ID) (network.MessageSender, error)
	Self() peer.ID
}

// MessageQueue buffers and sends all wantlist traffic for one peer. The
// first message after startup carries the full wantlist; everything
// after is a diff. Sent wants are remembered so the rebroadcast timer
// can re-offer whatever a peer has left unanswered.
type MessageQueue struct {
	ctx      context.Context
	shutdown context.CancelFunc
	p        peer.ID
	network  MessageNetwork

	maxMessageSize int
	maxEntries     int

	outgoingWork chan struct{}

	wllock    sync.Mutex
	bcstWants recallWantlist
	peerWants recallWantlist
	cancels   *cid.Set
	priority  int64
	sendFull  bool

	rebroadcastIntervalLk sync.RWMutex
	rebroadcastInterval   time.Duration
	rebroadcastTimer      *clock.Timer

	sender        network.MessageSender
	senderBackoff *backoff.Backoff

	// scratch message, reused across sends
	msg *message.Message
}

// recallWantlist splits wants into those not yet put on the wire and
// those sent and awaiting an answer.
type recallWantlist struct {
	pending *wantlist.Wantlist
	sent    *wantlist.Wantlist
}

func newRecallWantlist() recallWantlist {
	return recallWantlist{
		pending: wantlist.New(),
		sent:    wantlist.New(),
	}
}

func (r *recallWantlist) add(c cid.Cid, priority int64, wt wantlist.WantType) {
	r.pending.Add(c, priority, wt)
}

func (r *recallWantlist) remove(c cid.Cid) bool {
	p := r.pending.Remove(c)
	s := r.sent.Remove(c)
	return p || s
}

func (r *recallWantlist) markSent(e wantlist.Entry) {
	r.pending.RemoveType(e.Cid, e.WantType)
	r.sent.Add(e.Cid, e.Priority, e.WantType)
}

func NewMessageQueue(ctx context.Context, p peer.ID, net MessageNetwork) *MessageQueue {
	ctx, cancel := context.WithCancel(ctx)
	return &MessageQueue{
		ctx:      ctx,
		shutdown: cancel,
		p:        p,
		network:  net,

		maxMessageSize: mqMaxMessageSize,
		maxEntries:     defaultMaxEntries,

		outgoingWork: make(chan struct{}, 1),

		bcstWants: newRecallWantlist(),
		peerWants: newRecallWantlist(),
		cancels:   cid.NewSet(),
		priority:  maxPriority,

		rebroadcastInterval: defaultRebroadcastInterval,

		senderBackoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},

		msg: message.New(false),
	}
}

// AddBroadcastWantHaves queues want-haves sent to every peer.
func (mq *MessageQueue) AddBroadcastWantHaves(wantHaves []cid.Cid) {
	mq.wllock.Lock()
	for _, c := range wantHaves {
		mq.bcstWants.add(c, mq.nextPriority(), wantlist.WantHave)
		mq.cancels.Remove(c)
	}
	mq.wllock.Unlock()

	mq.signalWork()
}

// AddWants queues wants addressed specifically to this peer.
func (mq *MessageQueue) AddWants(wantBlocks []cid.Cid, wantHaves []cid.Cid) {
	mq.wllock.Lock()
	for _, c := range wantHaves {
		mq.peerWants.add(c, mq.nextPriority(), wantlist.WantHave)
		mq.cancels.Remove(c)
	}
	for _, c := range wantBlocks {
		mq.peerWants.add(c, mq.nextPriority(), wantlist.WantBlock)
		mq.cancels.Remove(c)
	}
	mq.wllock.Unlock()

	mq.signalWork()
}

// AddCancels retracts earlier wants. Wants never sent are just dropped;
// anything that reached the wire gets an explicit cancel entry.
func (mq *MessageQueue) AddCancels(cancelKs []cid.Cid) {
	mq.wllock.Lock()
	work := false
	for _, c := range cancelKs {
		sent := mq.bcstWants.sent.Remove(c) || mq.peerWants.sent.Remove(c)
		mq.bcstWants.pending.Remove(c)
		mq.peerWants.pending.Remove(c)
		if sent {
			mq.cancels.Add(c)
			work = true
		}
	}
	mq.wllock.Unlock()

	if work {
		mq.signalWork()
	}
}

// SetRebroadcastInterval changes how long unanswered wants wait before
// being resent.
func (mq *MessageQueue) SetRebroadcastInterval(delay time.Duration) {
	mq.rebroadcastIntervalLk.Lock()
	mq.rebroadcastInterval = delay
	if mq.rebroadcastTimer != nil {
		mq.rebroadcastTimer.Reset(delay)
	}
	mq.rebroadcastIntervalLk.Unlock()
}

// Startup opens the queue. The next message out carries the complete
// wantlist with the full flag set, which is how a (re)connected peer is
// brought in sync.
func (mq *MessageQueue) Startup() {
	mq.wllock.Lock()
	mq.sendFull = true
	mq.wllock.Unlock()

	mq.rebroadcastIntervalLk.RLock()
	mq.rebroadcastTimer = build.Clock.Timer(mq.rebroadcastInterval)
	mq.rebroadcastIntervalLk.RUnlock()

	go mq.runQueue()
}

func (mq *MessageQueue) Shutdown() {
	mq.shutdown()
}

func (mq *MessageQueue) onShutdown() {
	mq.rebroadcastTimer.Stop()
	if mq.sender != nil {
		_ = mq.sender.Close()
		mq.sender = nil
	}
}

func (mq *MessageQueue) runQueue() {
	defer mq.onShutdown()

	for {
		select {
		case <-mq.rebroadcastTimer.C:
			mq.rebroadcastWantlist()
		case <-mq.outgoingWork:
			debounce := build.Clock.Timer(sendMessageDebounce)
		coalesce:
			for {
				select {
				case <-mq.outgoingWork:
				case <-debounce.C:
					break coalesce
				case <-mq.ctx.Done():
					debounce.Stop()
					return
				}
			}
			mq.sendMessage()
		case <-mq.ctx.Done():
			return
		}
	}
}

// rebroadcastWantlist moves everything sent-but-unanswered back into
// pending so it goes out again. Peers answer what they can and stay
// silent otherwise; resending is the only recovery for silence.
func (mq *MessageQueue) rebroadcastWantlist() {
	mq.rebroadcastIntervalLk.RLock()
	mq.rebroadcastTimer.Reset(mq.rebroadcastInterval)
	mq.rebroadcastIntervalLk.RUnlock()

	if mq.transferRebroadcastWants() {
		mq.signalWork()
	}
}

func (mq *MessageQueue) transferRebroadcastWants() bool {
	mq.wllock.Lock()
	defer mq.wllock.Unlock()

	if mq.bcstWants.sent.Len() == 0 && mq.peerWants.sent.Len() == 0 {
		return false
	}

	mq.bcstWants.pending.Absorb(mq.bcstWants.sent)
	mq.bcstWants.sent = wantlist.New()
	mq.peerWants.pending.Absorb(mq.peerWants.sent)
	mq.peerWants.sent = wantlist.New()
	return true
}

func (mq *MessageQueue) signalWork() {
	select {
	case mq.outgoingWork <- struct{}{}:
	default:
	}
}

func (mq *MessageQueue) sendMessage() {
	sender, err := mq.initializeSender()
	if err != nil {
		log.Infof("cannot open message sender to peer %s: %s", mq.p, err)
		// wants stay queued; the rebroadcast timer retries
		return
	}

	msg := mq.extractOutgoingMessage()
	if msg.Empty() {
		return
	}

	for i := 0; i < sendMessageRetries; i++ {
		if mq.attemptSendAndRecovery(sender, msg) {
			mq.senderBackoff.Reset()
			if mq.hasPendingWork() {
				mq.signalWork()
			}
			return
		}
		sender = mq.sender
		if sender == nil {
			return
		}
	}
}

// extractOutgoingMessage drains pending wants and cancels into the
// scratch message, subject to the entry and byte caps. Extracted wants
// are optimistically marked sent; a lost message is recovered by the
// rebroadcast timer, not tracked per attempt.
func (mq *MessageQueue) extractOutgoingMessage() *message.Message {
	mq.wllock.Lock()
	defer mq.wllock.Unlock()

	full := mq.sendFull
	if full {
		// put every outstanding want back on the table
		mq.bcstWants.pending.Absorb(mq.bcstWants.sent)
		mq.bcstWants.sent = wantlist.New()
		mq.peerWants.pending.Absorb(mq.peerWants.sent)
		mq.peerWants.sent = wantlist.New()
		mq.sendFull = false
	}

	mq.msg.Reset(full)
	count := 0

	roomFor := func() bool {
		return count < mq.maxEntries && mq.msg.Size() < mq.maxMessageSize
	}

	peerEntries := mq.peerWants.pending.Entries()
	wantlist.SortEntries(peerEntries)
	for _, e := range peerEntries {
		if !roomFor() {
			break
		}
		mq.msg.AddEntry(e.Cid, e.Priority, e.WantType)
		mq.peerWants.markSent(e)
		count++
	}

	bcstEntries := mq.bcstWants.pending.Entries()
	wantlist.SortEntries(bcstEntries)
	for _, e := range bcstEntries {
		if !roomFor() {
			break
		}
		mq.msg.AddEntry(e.Cid, e.Priority, wantlist.WantHave)
		mq.bcstWants.markSent(e)
		count++
	}

	for _, c := range mq.cancels.Keys() {
		if !roomFor() {
			break
		}
		mq.msg.Cancel(c)
		mq.cancels.Remove(c)
		count++
	}

	return mq.msg
}

func (mq *MessageQueue) hasPendingWork() bool {
	mq.wllock.Lock()
	defer mq.wllock.Unlock()

	return mq.bcstWants.pending.Len() > 0 ||
		mq.peerWants.pending.Len() > 0 ||
		mq.cancels.Len() > 0
}

func (mq *MessageQueue) initializeSender() (network.MessageSender, error) {
	if mq.sender != nil {
		return mq.sender, nil
	}
	sender, err := mq.network.NewMessageSender(mq.ctx, mq.p)
	if err != nil {
		return nil, err
	}
	mq.sender = sender
	return sender, nil
}

// attemptSendAndRecovery tries one send. On failure the sender is torn
// down and reopened after a backoff, in case the connection is mid-flap
// and disconnect notifications are still propagating.
func (mq *MessageQueue) attemptSendAndRecovery(sender network.MessageSender, msg *message.Message) bool {
	err := sender.SendMsg(mq.ctx, msg)
	if err == nil {
		return true
	}

	log.Infof("send error to peer %s: %s", mq.p, err)
	_ = sender.Reset()
	mq.sender = nil

	select {
	case <-mq.ctx.Done():
		return true
	case <-build.Clock.After(mq.senderBackoff.Duration()):
	}

	if _, err := mq.initializeSender(); err != nil {
		log.Infof("cannot reopen message sender to peer %s: %s", mq.p, err)
		return true
	}
	return false
}

// nextPriority hands out decreasing priorities so earlier wants rank
// higher. Callers hold wllock.
func (mq *MessageQueue) nextPriority() int64 {
	mq.priority--
	return mq.priority
}
