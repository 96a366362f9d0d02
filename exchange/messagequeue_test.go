package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/exchange/network"
	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
)

type fakeMessageNetwork struct {
	sender    network.MessageSender
	senderErr error
}

func (fmn *fakeMessageNetwork) ConnectTo(context.Context, peer.ID) error { return nil }
func (fmn *fakeMessageNetwork) Self() peer.ID                            { return "self" }

func (fmn *fakeMessageNetwork) NewMessageSender(context.Context, peer.ID) (network.MessageSender, error) {
	if fmn.senderErr != nil {
		return nil, fmn.senderErr
	}
	return fmn.sender, nil
}

// fakeMessageSender clones what it is given; the queue reuses one
// scratch message across sends.
type fakeMessageSender struct {
	lk       sync.Mutex
	sent     chan *message.Message
	sendErrs int
	resets   int
	closed   bool
}

func newFakeMessageSender() *fakeMessageSender {
	return &fakeMessageSender{sent: make(chan *message.Message, 16)}
}

func (fms *fakeMessageSender) SendMsg(ctx context.Context, msg *message.Message) error {
	fms.lk.Lock()
	defer fms.lk.Unlock()
	if fms.sendErrs > 0 {
		fms.sendErrs--
		return xerrors.New("stream gone")
	}
	fms.sent <- msg.Clone()
	return nil
}

func (fms *fakeMessageSender) Reset() error {
	fms.lk.Lock()
	defer fms.lk.Unlock()
	fms.resets++
	return nil
}

func (fms *fakeMessageSender) Close() error {
	fms.lk.Lock()
	defer fms.lk.Unlock()
	fms.closed = true
	return nil
}

func (fms *fakeMessageSender) stats() (int, bool) {
	fms.lk.Lock()
	defer fms.lk.Unlock()
	return fms.resets, fms.closed
}

func collectMessage(t *testing.T, sent chan *message.Message, timeout time.Duration) *message.Message {
	t.Helper()
	select {
	case msg := <-sent:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func expectNoMessage(t *testing.T, sent chan *message.Message, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-sent:
		t.Fatalf("unexpected message with %d entries", len(msg.Wantlist()))
	case <-time.After(wait):
	}
}

func entryMap(msg *message.Message) map[cid.Cid]message.Entry {
	out := make(map[cid.Cid]message.Entry, len(msg.Wantlist()))
	for _, e := range msg.Wantlist() {
		out[e.Cid] = e
	}
	return out
}

func newTestMessageQueue(t *testing.T) (*MessageQueue, *fakeMessageSender) {
	t.Helper()
	fms := newFakeMessageSender()
	mq := NewMessageQueue(context.Background(), "peer-a", &fakeMessageNetwork{sender: fms})
	t.Cleanup(mq.Shutdown)
	return mq, fms
}

func TestMessageQueueFirstMessageIsFull(t *testing.T) {
	mq, fms := newTestMessageQueue(t)
	ks := testKeys(3, "mq-full")

	mq.Startup()
	mq.AddWants(ks[:1], ks[1:2])
	mq.AddBroadcastWantHaves(ks[2:])

	msg := collectMessage(t, fms.sent, time.Second)
	require.True(t, msg.Full())

	es := entryMap(msg)
	require.Len(t, es, 3)
	require.Equal(t, wantlist.WantBlock, es[ks[0]].WantType)
	require.Equal(t, wantlist.WantHave, es[ks[1]].WantType)
	require.Equal(t, wantlist.WantHave, es[ks[2]].WantType)
	for _, e := range es {
		require.False(t, e.Cancel)
	}

	// later messages are diffs
	more := testKeys(1, "mq-more")
	mq.AddWants(more, nil)
	msg = collectMessage(t, fms.sent, time.Second)
	require.False(t, msg.Full())
	require.Len(t, msg.Wantlist(), 1)
	require.Equal(t, more[0], msg.Wantlist()[0].Cid)
}

func TestMessageQueueCoalescesAndDedups(t *testing.T) {
	mq, fms := newTestMessageQueue(t)
	k := testKeys(1, "mq-dedup")[0]

	mq.Startup()
	// a burst inside the debounce window becomes one message, and a
	// want-block absorbs the earlier want-have for the same key
	mq.AddWants(nil, []cid.Cid{k})
	mq.AddWants([]cid.Cid{k}, nil)

	msg := collectMessage(t, fms.sent, time.Second)
	require.Len(t, msg.Wantlist(), 1)
	require.Equal(t, wantlist.WantBlock, msg.Wantlist()[0].WantType)

	expectNoMessage(t, fms.sent, 100*time.Millisecond)
}

func TestMessageQueueCancelBeforeSendIsSilent(t *testing.T) {
	mq, fms := newTestMessageQueue(t)
	ks := testKeys(2, "mq-cancel-unsent")

	mq.Startup()
	mq.AddWants(ks[:1], nil)
	mq.AddCancels(ks[:1])

	// the want never hit the wire, so neither does the cancel
	expectNoMessage(t, fms.sent, 100*time.Millisecond)

	// the queue is still live for later work
	mq.AddWants(ks[1:], nil)
	msg := collectMessage(t, fms.sent, time.Second)
	require.Len(t, msg.Wantlist(), 1)
	require.Equal(t, ks[1], msg.Wantlist()[0].Cid)
}

func TestMessageQueueCancelAfterSend(t *testing.T) {
	mq, fms := newTestMessageQueue(t)
	k := testKeys(1, "mq-cancel-sent")[0]

	mq.Startup()
	mq.AddWants([]cid.Cid{k}, nil)
	collectMessage(t, fms.sent, time.Second)

	mq.AddCancels([]cid.Cid{k})
	msg := collectMessage(t, fms.sent, time.Second)
	require.False(t, msg.Full())
	require.Len(t, msg.Wantlist(), 1)
	require.Equal(t, k, msg.Wantlist()[0].Cid)
	require.True(t, msg.Wantlist()[0].Cancel)
}

func TestMessageQueueRebroadcastsUnanswered(t *testing.T) {
	mq, fms := newTestMessageQueue(t)
	k := testKeys(1, "mq-rebroadcast")[0]

	mq.SetRebroadcastInterval(50 * time.Millisecond)
	mq.Startup()
	mq.AddWants([]cid.Cid{k}, nil)

	msg := collectMessage(t, fms.sent, time.Second)
	require.Len(t, msg.Wantlist(), 1)

	// the peer stays silent, so the want goes out again
	msg = collectMessage(t, fms.sent, time.Second)
	require.Len(t, msg.Wantlist(), 1)
	require.Equal(t, k, msg.Wantlist()[0].Cid)
	require.Equal(t, wantlist.WantBlock, msg.Wantlist()[0].WantType)
	require.False(t, msg.Wantlist()[0].Cancel)
}

func TestMessageQueueCancelStopsRebroadcast(t *testing.T) {
	mq, fms := newTestMessageQueue(t)
	k := testKeys(1, "mq-rb-cancel")[0]

	mq.SetRebroadcastInterval(50 * time.Millisecond)
	mq.Startup()
	mq.AddWants([]cid.Cid{k}, nil)
	collectMessage(t, fms.sent, time.Second)

	mq.AddCancels([]cid.Cid{k})
	msg := collectMessage(t, fms.sent, time.Second)
	require.True(t, msg.Wantlist()[0].Cancel)

	// nothing left to rebroadcast
	expectNoMessage(t, fms.sent, 200*time.Millisecond)
}

func TestMessageQueueRetriesFailedSends(t *testing.T) {
	mq, fms := newTestMessageQueue(t)
	k := testKeys(1, "mq-retry")[0]
	fms.sendErrs = 2

	mq.Startup()
	mq.AddWants([]cid.Cid{k}, nil)

	msg := collectMessage(t, fms.sent, 5*time.Second)
	require.Len(t, msg.Wantlist(), 1)
	require.Equal(t, k, msg.Wantlist()[0].Cid)

	resets, _ := fms.stats()
	require.Equal(t, 2, resets)
}

func TestMessageQueueShutdownClosesSender(t *testing.T) {
	mq, fms := newTestMessageQueue(t)

	mq.Startup()
	mq.AddWants(testKeys(1, "mq-shutdown"), nil)
	collectMessage(t, fms.sent, time.Second)

	mq.Shutdown()
	require.Eventually(t, func() bool {
		_, closed := fms.stats()
		return closed
	}, time.Second, 10*time.Millisecond)
}
