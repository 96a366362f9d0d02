package exchange

import (
	"bytes"
	"context"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
)

type fakePeerTagger struct{}

func (fakePeerTagger) TagPeer(peer.ID, string, int) {}

func (fakePeerTagger) UntagPeer(peer.ID, string) {}

func newTestEngine(t *testing.T) (*Engine, blockstore.Blockstore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bs := blockstore.NewMemorySync()
	e := NewEngine(ctx, bs, fakePeerTagger{}, "self", 1)
	e.StartWorkers(ctx)
	return e, bs
}

func nextTestEnvelope(t *testing.T, e *Engine, timeout time.Duration) *Envelope {
	t.Helper()
	select {
	case envChan := <-e.Outbox():
		select {
		case env := <-envChan:
			return env
		case <-time.After(timeout):
			t.Fatal("timed out waiting for an envelope")
		}
	case <-time.After(timeout):
		t.Fatal("timed out waiting for the outbox")
	}
	return nil
}

func wantMessage(c cid.Cid, wt wantlist.WantType) *message.Message {
	m := message.New(false)
	m.AddEntry(c, 1, wt)
	return m
}

func TestEngineServesWantBlock(t *testing.T) {
	ctx := context.Background()
	e, bs := newTestEngine(t)

	blk := blocks.NewBlock([]byte("engine want-block data"))
	require.NoError(t, bs.Put(ctx, blk))

	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(blk.Cid(), wantlist.WantBlock))

	env := nextTestEnvelope(t, e, time.Second)
	require.Equal(t, partner, env.Peer)
	require.Equal(t, []blocks.Block{blk}, env.Message.Blocks())
	require.Empty(t, env.Message.Haves())
	env.Sent()
}

func TestEngineAnswersWantHave(t *testing.T) {
	ctx := context.Background()
	e, bs := newTestEngine(t)

	big := blocks.NewBlock(bytes.Repeat([]byte("x"), 2048))
	require.NoError(t, bs.Put(ctx, big))

	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(big.Cid(), wantlist.WantHave))

	env := nextTestEnvelope(t, e, time.Second)
	require.Equal(t, []cid.Cid{big.Cid()}, env.Message.Haves())
	require.Empty(t, env.Message.Blocks())
	env.Sent()
}

func TestEngineSendsSmallBlockInsteadOfHave(t *testing.T) {
	ctx := context.Background()
	e, bs := newTestEngine(t)

	small := blocks.NewBlock([]byte("small enough to just send"))
	require.NoError(t, bs.Put(ctx, small))

	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(small.Cid(), wantlist.WantHave))

	env := nextTestEnvelope(t, e, time.Second)
	require.Equal(t, []blocks.Block{small}, env.Message.Blocks())
	require.Empty(t, env.Message.Haves())
	env.Sent()
}

func TestEngineStaysSilentOnMissingBlock(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	blk := blocks.NewBlock([]byte("nobody has this"))
	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(blk.Cid(), wantlist.WantBlock))

	envChan := <-e.Outbox()
	select {
	case <-envChan:
		t.Fatal("answered a want for a block we do not have")
	case <-time.After(100 * time.Millisecond):
	}

	// the want stays on the ledger for a late arrival
	wl := e.WantlistForPeer(partner)
	require.Len(t, wl, 1)
	require.Equal(t, blk.Cid(), wl[0].Cid)
}

func TestEngineLateBlockAnswersPendingWant(t *testing.T) {
	ctx := context.Background()
	e, bs := newTestEngine(t)

	blk := blocks.NewBlock([]byte("arrives later"))
	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(blk.Cid(), wantlist.WantBlock))

	envChan := <-e.Outbox()
	select {
	case <-envChan:
		t.Fatal("answered before the block arrived")
	case <-time.After(100 * time.Millisecond):
	}

	// the block shows up from elsewhere
	require.NoError(t, bs.Put(ctx, blk))
	e.ReceiveFrom("", []blocks.Block{blk})

	select {
	case env := <-envChan:
		require.Equal(t, partner, env.Peer)
		require.Equal(t, []blocks.Block{blk}, env.Message.Blocks())
		env.Sent()
	case <-time.After(time.Second):
		t.Fatal("pending want was not answered")
	}
}

func TestEngineCancelRemovesWant(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	blk := blocks.NewBlock([]byte("cancelled want"))
	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(blk.Cid(), wantlist.WantBlock))

	m := message.New(false)
	m.Cancel(blk.Cid())
	e.MessageReceived(ctx, partner, m)

	require.Empty(t, e.WantlistForPeer(partner))
}

func TestEngineFullWantlistReplacesOld(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	ks := testKeys(2, "engine-full")
	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(ks[0], wantlist.WantBlock))

	full := message.New(true)
	full.AddEntry(ks[1], 1, wantlist.WantBlock)
	e.MessageReceived(ctx, partner, full)

	wl := e.WantlistForPeer(partner)
	require.Len(t, wl, 1)
	require.Equal(t, ks[1], wl[0].Cid)
}

func TestEngineLedgerAccounting(t *testing.T) {
	e, _ := newTestEngine(t)

	partner := peer.ID("partner")
	sentBlk := blocks.NewBlock([]byte("outbound data"))
	recvBlk := blocks.NewBlock([]byte("inbound data for the ledger"))

	sent := message.New(false)
	sent.AddBlock(sentBlk)
	e.MessageSent(partner, sent)
	e.ReceiveFrom(partner, []blocks.Block{recvBlk})

	r := e.LedgerForPeer(partner)
	require.Equal(t, partner.String(), r.Peer)
	require.Equal(t, uint64(len(sentBlk.RawData())), r.Sent)
	require.Equal(t, uint64(len(recvBlk.RawData())), r.Recv)
	require.Equal(t, uint64(2), r.Exchanged)
	require.InDelta(t, float64(r.Sent)/float64(r.Recv+1), r.Value, 0.001)
}

func TestEngineMessageSentClearsServedWants(t *testing.T) {
	ctx := context.Background()
	e, bs := newTestEngine(t)

	blk := blocks.NewBlock([]byte("served and cleared"))
	require.NoError(t, bs.Put(ctx, blk))

	partner := peer.ID("partner")
	e.MessageReceived(ctx, partner, wantMessage(blk.Cid(), wantlist.WantBlock))
	env := nextTestEnvelope(t, e, time.Second)
	env.Sent()

	e.MessageSent(partner, env.Message)
	require.Empty(t, e.WantlistForPeer(partner))
}

func TestEngineDisconnectKeepsCounters(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	partner := peer.ID("partner")
	e.PeerConnected(partner)
	e.ReceiveFrom(partner, []blocks.Block{blocks.NewBlock([]byte("before disconnect"))})

	blk := blocks.NewBlock([]byte("wanted at disconnect"))
	e.MessageReceived(ctx, partner, wantMessage(blk.Cid(), wantlist.WantBlock))

	e.PeerDisconnected(partner)

	require.Empty(t, e.WantlistForPeer(partner))
	require.NotZero(t, e.LedgerForPeer(partner).Recv)
}
