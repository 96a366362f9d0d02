package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/ipfs/go-peertaskqueue"
	"github.com/ipfs/go-peertaskqueue/peertask"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/raulk/clock"
	"go.opencensus.io/stats"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
	"github.com/filecoin-project/go-blockswap/metrics"
)

const (
	// outboxChanBuffer must be 0 to prevent stale messages from being sent
	outboxChanBuffer = 0

	// targetMessageSize is the ideal size of the batched response
	// payload. We pop this much work off the request queue at a time,
	// though the actual message may come out a little bigger.
	targetMessageSize = 16 * 1024

	// tagFormat is the tag given to peers with queued work
	tagFormat = "blkswap-%s-%s"

	// queuedTagWeight is the weight for peers that have work queued on
	// their behalf
	queuedTagWeight = 10

	// maxBlockSizeReplaceHasWithBlock is the maximum size of a block in
	// bytes up to which we answer a want-have with the block itself
	maxBlockSizeReplaceHasWithBlock = 1024

	// maxOutstandingBytesPerPeer caps the responder work queued for any
	// single peer so one busy partner cannot starve the rest
	maxOutstandingBytesPerPeer = 1 << 20

	defaultEngineTaskWorkerCount = 8
)

// Envelope contains a message bound for a peer.
type Envelope struct {
	// Peer is the intended recipient.
	Peer peer.ID

	// Message is the payload.
	Message *message.Message

	// Sent tells the engine the envelope went out so the queued tasks
	// can be cleared.
	Sent func()
}

// Engine is the responder half of the exchange: it tracks what every
// connected peer wants, decides which peer to serve next and packages
// blocks and HAVEs into envelopes for the send workers.
//
// Wants for keys we do not hold produce no reply at all. The requester
// learns nothing from us until the block shows up locally, at which
// point ReceiveFrom schedules it.
type Engine struct {
	// peerRequestQueue is a priority queue of requests received from
	// peers. Requests are popped, packaged and placed in the outbox.
	peerRequestQueue *peertaskqueue.PeerTaskQueue

	workSignal chan struct{}

	// outbox contains outgoing messages to peers, owned by the
	// taskWorker goroutines
	outbox chan (<-chan *Envelope)

	bs blockstore.Blockstore

	peerTagger PeerTagger
	tagQueued  string

	lock sync.RWMutex
	// ledgerMap lists ledgers by their partner key
	ledgerMap map[peer.ID]*ledger

	ticker *clock.Ticker

	taskWorkerLock  sync.Mutex
	taskWorkerCount int

	maxBlockSizeReplaceHasWithBlock int

	self peer.ID
}

// NewEngine creates a new responder engine over the given store.
func NewEngine(ctx context.Context, bs blockstore.Blockstore, peerTagger PeerTagger, self peer.ID, taskWorkerCount int) *Engine {
	return newEngine(bs, peerTagger, self, taskWorkerCount, maxBlockSizeReplaceHasWithBlock)
}

func newEngine(bs blockstore.Blockstore, peerTagger PeerTagger, self peer.ID, taskWorkerCount int, maxReplaceSize int) *Engine {
	if taskWorkerCount <= 0 {
		taskWorkerCount = defaultEngineTaskWorkerCount
	}
	e := &Engine{
		ledgerMap:                       make(map[peer.ID]*ledger),
		bs:                              bs,
		peerTagger:                      peerTagger,
		outbox:                          make(chan (<-chan *Envelope), outboxChanBuffer),
		workSignal:                      make(chan struct{}, 1),
		ticker:                          build.Clock.Ticker(100 * time.Millisecond),
		maxBlockSizeReplaceHasWithBlock: maxReplaceSize,
		taskWorkerCount:                 taskWorkerCount,
		self:                            self,
	}
	e.tagQueued = fmt.Sprintf(tagFormat, "queued", uuid.New().String())
	e.peerRequestQueue = peertaskqueue.New(
		peertaskqueue.OnPeerAddedHook(e.onPeerAdded),
		peertaskqueue.OnPeerRemovedHook(e.onPeerRemoved),
		peertaskqueue.TaskMerger(newTaskMerger()),
		peertaskqueue.IgnoreFreezing(true),
		peertaskqueue.MaxOutstandingWorkPerPeer(maxOutstandingBytesPerPeer))
	return e
}

// StartWorkers spins up the task workers that drain the request queue
// into the outbox. They exit when ctx is done, closing the outbox once
// the last one leaves.
func (e *Engine) StartWorkers(ctx context.Context) {
	for i := 0; i < e.taskWorkerCount; i++ {
		go e.taskWorker(ctx)
	}
}

func (e *Engine) onPeerAdded(p peer.ID) {
	e.peerTagger.TagPeer(p, e.tagQueued, queuedTagWeight)
}

func (e *Engine) onPeerRemoved(p peer.ID) {
	e.peerTagger.UntagPeer(p, e.tagQueued)
}

// WantlistForPeer returns the list of keys the given peer has asked us for.
func (e *Engine) WantlistForPeer(p peer.ID) []wantlist.Entry {
	partner := e.findOrCreate(p)

	partner.lk.RLock()
	entries := partner.wantList.Entries()
	partner.lk.RUnlock()

	wantlist.SortEntries(entries)

	return entries
}

// LedgerForPeer returns aggregated data about blocks swapped with the
// given peer.
func (e *Engine) LedgerForPeer(p peer.ID) *Receipt {
	l := e.findOrCreate(p)

	l.lk.RLock()
	defer l.lk.RUnlock()

	return &Receipt{
		Peer:      l.partner.String(),
		Value:     l.value(),
		Sent:      l.bytesSent,
		Recv:      l.bytesRecv,
		Exchanged: l.exchangeCount,
	}
}

// Each taskWorker pulls items off the request queue up to the target
// message size and hands them to the send workers as an envelope.
func (e *Engine) taskWorker(ctx context.Context) {
	defer e.taskWorkerExit()
	for {
		oneTimeUse := make(chan *Envelope, 1) // buffer to prevent blocking
		select {
		case <-ctx.Done():
			return
		case e.outbox <- oneTimeUse:
		}
		// receiver is ready for an outgoing envelope, prepare one
		envelope, err := e.nextEnvelope(ctx)
		if err != nil {
			close(oneTimeUse)
			return // ctx cancelled
		}
		oneTimeUse <- envelope // buffered, won't block
		close(oneTimeUse)
	}
}

func (e *Engine) taskWorkerExit() {
	e.taskWorkerLock.Lock()
	defer e.taskWorkerLock.Unlock()

	e.taskWorkerCount--
	if e.taskWorkerCount == 0 {
		close(e.outbox)
	}
}

// nextEnvelope runs in a taskWorker goroutine. Returns an error if the
// context is cancelled before the next envelope can be created.
func (e *Engine) nextEnvelope(ctx context.Context) (*Envelope, error) {
	for {
		p, nextTasks, pendingBytes := e.peerRequestQueue.PopTasks(targetMessageSize)
		for len(nextTasks) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-e.workSignal:
				p, nextTasks, pendingBytes = e.peerRequestQueue.PopTasks(targetMessageSize)
			case <-e.ticker.C:
				// When a task is cancelled the queue may freeze that
				// peer briefly. Thaw periodically so it cannot get
				// stuck.
				e.peerRequestQueue.ThawRound()
				p, nextTasks, pendingBytes = e.peerRequestQueue.PopTasks(targetMessageSize)
			}
		}

		stats.Record(ctx, metrics.SendQueueDepth.M(int64(pendingBytes)))

		msg := message.New(false)

		// Split out want-blocks and want-haves
		blockCids := make([]cid.Cid, 0, len(nextTasks))
		for _, t := range nextTasks {
			c := t.Topic.(cid.Cid)
			td := t.Data.(*taskData)
			if td.IsWantBlock {
				blockCids = append(blockCids, c)
			} else {
				msg.AddHave(c)
			}
		}

		// Re-read blocks at send time; anything GCed since the task was
		// queued is silently dropped from the response.
		for _, c := range blockCids {
			blk, err := e.bs.Get(ctx, c)
			if err != nil {
				if ipld.IsNotFound(err) {
					continue
				}
				return nil, err
			}
			msg.AddBlock(blk)
		}

		if msg.Empty() {
			e.peerRequestQueue.TasksDone(p, nextTasks...)
			continue
		}

		log.Debugw("engine -> msg", "local", e.self, "to", p, "blockCount", len(msg.Blocks()), "presenceCount", len(msg.Haves()), "size", msg.Size())
		return &Envelope{
			Peer:    p,
			Message: msg,
			Sent: func() {
				e.peerRequestQueue.TasksDone(p, nextTasks...)

				// Signal the worker to check for more work
				e.signalNewWork()
			},
		}, nil
	}
}

// Outbox returns a channel of one-time use Envelope channels.
func (e *Engine) Outbox() <-chan (<-chan *Envelope) {
	return e.outbox
}

// Peers returns the peers we keep ledgers for.
func (e *Engine) Peers() []peer.ID {
	e.lock.RLock()
	defer e.lock.RUnlock()

	response := make([]peer.ID, 0, len(e.ledgerMap))
	for _, l := range e.ledgerMap {
		response = append(response, l.partner)
	}
	return response
}

// MessageReceived is called when a wantlist message arrives from a
// remote peer. Each want-have or want-block for a key we hold becomes
// an entry on the request queue; wants for keys we lack are recorded on
// the ledger and otherwise ignored.
func (e *Engine) MessageReceived(ctx context.Context, p peer.ID, m *message.Message) {
	entries := m.Wantlist()

	if m.Empty() {
		log.Infof("received empty message from %s", p)
	}

	newWorkExists := false
	defer func() {
		if newWorkExists {
			e.signalNewWork()
		}
	}()

	wants, cancels := splitWantsCancels(entries)
	wantKs := make([]cid.Cid, 0, len(wants))
	for _, entry := range wants {
		wantKs = append(wantKs, entry.Cid)
	}
	blockSizes, err := e.getBlockSizes(ctx, wantKs)
	if err != nil {
		log.Infow("aborting message processing", "error", err, "from", p)
		return
	}

	l := e.findOrCreate(p)
	l.lk.Lock()
	defer l.lk.Unlock()

	// A full wantlist replaces whatever we knew before
	if m.Full() {
		l.wantList = wantlist.New()
	}

	var activeEntries []peertask.Task

	for _, entry := range cancels {
		log.Debugw("engine <- cancel", "local", e.self, "from", p, "cid", entry.Cid)
		if l.CancelWant(entry.Cid) {
			e.peerRequestQueue.Remove(entry.Cid, p)
		}
	}

	for _, entry := range wants {
		c := entry.Cid
		blockSize, found := blockSizes[c]

		l.Wants(c, entry.Priority, entry.WantType)

		// We don't have it. Stay silent; the want is on the ledger and
		// will be answered from ReceiveFrom if the block ever arrives.
		if !found {
			log.Debugw("engine: block not found", "local", e.self, "from", p, "cid", c)
			continue
		}

		newWorkExists = true
		isWantBlock := e.sendAsBlock(entry.WantType, blockSize)

		// entrySize is the amount of space the reply occupies in the
		// outgoing message: the block itself, or just a presence.
		entrySize := blockSize
		if !isWantBlock {
			entrySize = message.BlockPresenceSize(c)
		}
		activeEntries = append(activeEntries, peertask.Task{
			Topic:    c,
			Priority: int(entry.Priority),
			Work:     entrySize,
			Data: &taskData{
				BlockSize:   blockSize,
				IsWantBlock: isWantBlock,
			},
		})
	}

	if len(activeEntries) > 0 {
		e.peerRequestQueue.PushTasks(p, activeEntries...)
	}
}

func splitWantsCancels(es []message.Entry) ([]message.Entry, []message.Entry) {
	wants := make([]message.Entry, 0, len(es))
	cancels := make([]message.Entry, 0, len(es))
	for _, et := range es {
		if et.Cancel {
			cancels = append(cancels, et)
		} else {
			wants = append(wants, et)
		}
	}
	return wants, cancels
}

func (e *Engine) getBlockSizes(ctx context.Context, ks []cid.Cid) (map[cid.Cid]int, error) {
	sizes := make(map[cid.Cid]int, len(ks))
	for _, c := range ks {
		size, err := e.bs.GetSize(ctx, c)
		if err != nil {
			if ipld.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		sizes[c] = size
	}
	return sizes, nil
}

// ReceiveFrom is called when new valid blocks land in the local store.
// It credits the sending peer's ledger and schedules the blocks for any
// peer whose wantlist mentions them.
func (e *Engine) ReceiveFrom(from peer.ID, blks []blocks.Block) {
	if len(blks) == 0 {
		return
	}

	if from != "" {
		l := e.findOrCreate(from)
		l.lk.Lock()
		for _, blk := range blks {
			log.Debugw("engine <- block", "local", e.self, "from", from, "cid", blk.Cid(), "size", len(blk.RawData()))
			l.ReceivedBytes(len(blk.RawData()))
		}
		l.lk.Unlock()
	}

	blockSizes := make(map[cid.Cid]int, len(blks))
	for _, blk := range blks {
		blockSizes[blk.Cid()] = len(blk.RawData())
	}

	// Check each ledger to see if the partner wants one of the new blocks
	work := false
	e.lock.RLock()
	for _, l := range e.ledgerMap {
		l.lk.RLock()
		for _, b := range blks {
			k := b.Cid()

			entry, ok := l.WantListContains(k)
			if !ok {
				continue
			}
			work = true

			blockSize := blockSizes[k]
			isWantBlock := e.sendAsBlock(entry.WantType, blockSize)

			entrySize := blockSize
			if !isWantBlock {
				entrySize = message.BlockPresenceSize(k)
			}

			e.peerRequestQueue.PushTasks(l.partner, peertask.Task{
				Topic:    entry.Cid,
				Priority: int(entry.Priority),
				Work:     entrySize,
				Data: &taskData{
					BlockSize:   blockSize,
					IsWantBlock: isWantBlock,
				},
			})
		}
		l.lk.RUnlock()
	}
	e.lock.RUnlock()

	if work {
		e.signalNewWork()
	}
}

// MessageSent is called when a response has gone out, to settle the
// ledger and drop the answered wants.
func (e *Engine) MessageSent(p peer.ID, m *message.Message) {
	l := e.findOrCreate(p)
	l.lk.Lock()
	defer l.lk.Unlock()

	for _, block := range m.Blocks() {
		l.SentBytes(len(block.RawData()))
		l.wantList.RemoveType(block.Cid(), wantlist.WantBlock)
	}

	for _, c := range m.Haves() {
		// presences settle the want-have but carry no byte credit
		l.wantList.RemoveType(c, wantlist.WantHave)
	}
}

// PeerConnected is called when a new peer connects.
func (e *Engine) PeerConnected(p peer.ID) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if _, ok := e.ledgerMap[p]; !ok {
		e.ledgerMap[p] = newLedger(p)
	}
}

// PeerDisconnected is called when a peer disconnects. The ledger's
// byte counters survive for when the peer comes back; its wantlist is
// forgotten, a reconnecting peer resends the full list anyway.
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.lock.RLock()
	l, ok := e.ledgerMap[p]
	e.lock.RUnlock()
	if !ok {
		return
	}

	l.lk.Lock()
	l.wantList = wantlist.New()
	l.lk.Unlock()
}

// If the want is a want-have and the block is small, send the block
// itself instead of a HAVE.
func (e *Engine) sendAsBlock(wantType wantlist.WantType, blockSize int) bool {
	isWantBlock := wantType == wantlist.WantBlock
	return isWantBlock || blockSize <= e.maxBlockSizeReplaceHasWithBlock
}

// findOrCreate lazily instantiates a ledger.
func (e *Engine) findOrCreate(p peer.ID) *ledger {
	e.lock.RLock()
	l, ok := e.ledgerMap[p]
	e.lock.RUnlock()
	if ok {
		return l
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	l, ok = e.ledgerMap[p]
	if !ok {
		l = newLedger(p)
		e.ledgerMap[p] = l
	}
	return l
}

func (e *Engine) signalNewWork() {
	select {
	case e.workSignal <- struct{}{}:
	default:
	}
}

// taskData is the engine's per-task annotation on the request queue.
type taskData struct {
	// BlockSize is the size of the block this task would send
	BlockSize int
	// IsWantBlock is true for a want-block, false for a want-have
	IsWantBlock bool
}

// taskMerger resolves a new want against tasks already queued for the
// same key and peer: a want-block or a bigger block wins.
type taskMerger struct{}

func newTaskMerger() *taskMerger {
	return &taskMerger{}
}

func (*taskMerger) HasNewInfo(task peertask.Task, existing []*peertask.Task) bool {
	haveSize := false
	isWantBlock := false
	for _, et := range existing {
		etd := et.Data.(*taskData)
		if etd.BlockSize > 0 {
			haveSize = true
		}
		if etd.IsWantBlock {
			isWantBlock = true
		}
	}

	td := task.Data.(*taskData)
	if td.BlockSize > 0 && !haveSize {
		return true
	}
	return td.IsWantBlock && !isWantBlock
}

func (*taskMerger) Merge(task peertask.Task, existing *peertask.Task) {
	newTask := task.Data.(*taskData)
	existingTask := existing.Data.(*taskData)

	if newTask.BlockSize > 0 {
		existingTask.BlockSize = newTask.BlockSize
	}
	if newTask.IsWantBlock {
		existingTask.IsWantBlock = true
	}
	if existingTask.IsWantBlock {
		existing.Work = existingTask.BlockSize
	}
}
