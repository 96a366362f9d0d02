package exchange

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/exchange/message"
	"github.com/filecoin-project/go-blockswap/exchange/network"
)

type testNode struct {
	id  peer.ID
	net network.Network
	bs  blockstore.Blockstore
	ex  *Exchange
}

func newTestNode(t *testing.T, vn *network.VirtualNetwork, id peer.ID, opts ...Option) *testNode {
	t.Helper()
	bs := blockstore.NewMemorySync()
	n := vn.Client(id)
	ex := New(context.Background(), n, bs, opts...)
	t.Cleanup(func() { _ = ex.Close() })
	return &testNode{id: id, net: n, bs: bs, ex: ex}
}

func newTestNet(t *testing.T) *network.VirtualNetwork {
	t.Helper()
	vn := network.NewVirtual()
	t.Cleanup(vn.Shutdown)
	return vn
}

func connectNodes(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, a.net.ConnectTo(context.Background(), b.id))
}

func testBlocks(n int, prefix string) []blocks.Block {
	out := make([]blocks.Block, n)
	for i := range out {
		out[i] = blocks.NewBlock([]byte(fmt.Sprintf("%s-%d", prefix, i)))
	}
	return out
}

func putBlocks(t *testing.T, n *testNode, blks ...blocks.Block) {
	t.Helper()
	require.NoError(t, n.bs.PutMany(context.Background(), blks))
}

func TestGetBlockLocal(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")

	blk := blocks.NewBlock([]byte("already here"))
	putBlocks(t, a, blk)

	got, err := a.ex.GetBlock(context.Background(), blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got.RawData())

	// nothing was wanted from the network
	require.Empty(t, a.ex.GetWantlist())
}

func TestGetBlockFromPeer(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	b := newTestNode(t, vn, "b")
	connectNodes(t, a, b)

	blk := blocks.NewBlock([]byte("served across the wire"))
	putBlocks(t, b, blk)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got, err := a.ex.GetBlock(ctx, blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got.RawData())

	// the block is cached locally now
	has, err := a.bs.Has(ctx, blk.Cid())
	require.NoError(t, err)
	require.True(t, has)

	size := uint64(len(blk.RawData()))

	st, err := a.ex.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.BlocksReceived)
	require.Equal(t, size, st.DataReceived)
	require.Zero(t, st.DupBlksReceived)

	// both sides account the transfer
	require.Equal(t, size, a.ex.LedgerForPeer(b.id).Recv)
	require.Eventually(t, func() bool {
		return b.ex.LedgerForPeer(a.id).Sent == size
	}, 5*time.Second, 10*time.Millisecond)

	// and the want is gone from b's view of us
	require.Eventually(t, func() bool {
		return len(b.ex.WantlistForPeer(a.id)) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, a.ex.GetWantlist())
}

func TestGetBlocksMixedLocalAndRemote(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	b := newTestNode(t, vn, "b")
	connectNodes(t, a, b)

	blks := testBlocks(5, "mixed")
	putBlocks(t, a, blks[:2]...)
	putBlocks(t, b, blks[2:]...)

	keys := make([]cid.Cid, len(blks))
	for i, blk := range blks {
		keys[i] = blk.Cid()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ch, err := a.ex.GetBlocks(ctx, keys)
	require.NoError(t, err)

	got := cid.NewSet()
	for blk := range ch {
		got.Add(blk.Cid())
	}
	require.Equal(t, len(blks), got.Len())
	for _, k := range keys {
		require.True(t, got.Has(k))
	}
}

func TestConcurrentGetBlockSingleTransfer(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	b := newTestNode(t, vn, "b")
	connectNodes(t, a, b)

	blk := blocks.NewBlock([]byte("fetched once, delivered twice"))
	putBlocks(t, b, blk)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := a.ex.GetBlock(ctx, blk.Cid())
			if err == nil && !bytes.Equal(got.RawData(), blk.RawData()) {
				err = fmt.Errorf("wrong block data")
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// one copy crossed the wire
	st, err := a.ex.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.BlocksReceived)
	require.Zero(t, st.DupBlksReceived)
}

func TestFirstResponseWins(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	b := newTestNode(t, vn, "b")
	c := newTestNode(t, vn, "c")
	connectNodes(t, a, b)
	connectNodes(t, a, c)

	// large enough that holders answer the probe with HAVE instead of
	// the block itself, so the block only moves once
	blk := blocks.NewBlock(bytes.Repeat([]byte("popular"), 300))
	putBlocks(t, b, blk)
	putBlocks(t, c, blk)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got, err := a.ex.GetBlock(ctx, blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got.RawData())

	st, err := a.ex.Stat()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.BlocksReceived)
	require.Zero(t, st.DupBlksReceived)

	// the losing holder is told to stop as well
	require.Eventually(t, func() bool {
		return len(b.ex.WantlistForPeer(a.id)) == 0 &&
			len(c.ex.WantlistForPeer(a.id)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRejectsTamperedBlock(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	evil := vn.Client("evil")
	require.NoError(t, evil.ConnectTo(context.Background(), a.id))

	genuine := blocks.NewBlock([]byte("the real content"))
	forged, err := blocks.NewBlockWithCid([]byte("not the real content"), genuine.Cid())
	require.NoError(t, err)

	violations := make(chan IntegrityViolation, 1)
	unsub := a.ex.SubscribeIntegrityViolations(func(v IntegrityViolation) {
		select {
		case violations <- v:
		default:
		}
	})
	defer unsub()

	msg := message.New(false)
	msg.AddBlock(forged)
	require.NoError(t, evil.SendMessage(context.Background(), a.id, msg))

	select {
	case v := <-violations:
		require.Equal(t, peer.ID("evil"), v.Peer)
		require.Equal(t, genuine.Cid(), v.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no integrity violation reported")
	}

	// the forgery is not stored and earns no credit
	has, err := a.bs.Has(context.Background(), genuine.Cid())
	require.NoError(t, err)
	require.False(t, has)
	require.Zero(t, a.ex.LedgerForPeer("evil").Recv)
}

func TestGetBlockWantTimeout(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a", WantTimeout(100*time.Millisecond))

	blk := blocks.NewBlock([]byte("nobody has this one"))

	_, err := a.ex.GetBlock(context.Background(), blk.Cid())
	require.ErrorIs(t, err, ErrWantTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the dead want is withdrawn
	require.Eventually(t, func() bool {
		return len(a.ex.GetWantlist()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCallerCancelIsNotATimeout(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")

	blk := blocks.NewBlock([]byte("cancelled by the caller"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := a.ex.GetBlock(ctx, blk.Cid())
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrWantTimeout)
}

func TestSessionFetchesManyBlocks(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	b := newTestNode(t, vn, "b")
	connectNodes(t, a, b)

	blks := testBlocks(12, "session")
	putBlocks(t, b, blks...)

	keys := make([]cid.Cid, len(blks))
	for i, blk := range blks {
		keys[i] = blk.Cid()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ses := a.ex.NewSession(ctx)
	ch, err := ses.GetBlocks(ctx, keys)
	require.NoError(t, err)

	got := cid.NewSet()
	for blk := range ch {
		got.Add(blk.Cid())
	}
	require.Equal(t, len(blks), got.Len())
}

func TestProviderDiscovery(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	b := newTestNode(t, vn, "b")

	// a and b are strangers; only the provider index links them
	blk := blocks.NewBlock([]byte("find me through the index"))
	putBlocks(t, b, blk)
	require.NoError(t, b.net.Provide(context.Background(), blk.Cid()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got, err := a.ex.GetBlock(ctx, blk.Cid())
	require.NoError(t, err)
	require.Equal(t, blk.RawData(), got.RawData())

	require.Eventually(t, func() bool {
		for _, p := range a.ex.Peers() {
			if p == b.id {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNotifyNewBlocksServesPendingWant(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")
	b := newTestNode(t, vn, "b")
	connectNodes(t, a, b)

	blk := blocks.NewBlock([]byte("published after the ask"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type result struct {
		blk blocks.Block
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := b.ex.GetBlock(ctx, blk.Cid())
		done <- result{got, err}
	}()

	// give the want time to land on a's ledger
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.ex.NotifyNewBlocks(ctx, blk))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, blk.RawData(), res.blk.RawData())
	case <-ctx.Done():
		t.Fatal("pending want was never served")
	}
}

func TestNotifyNewBlocksResolvesLocalFetch(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")

	blk := blocks.NewBlock([]byte("added while waiting"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := a.ex.GetBlock(ctx, blk.Cid())
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, a.ex.NotifyNewBlocks(ctx, blk))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("local fetch did not resolve")
	}
}

func TestCloseRejectsRequests(t *testing.T) {
	vn := newTestNet(t)
	a := newTestNode(t, vn, "a")

	require.NoError(t, a.ex.Close())
	require.NoError(t, a.ex.Close())

	blk := blocks.NewBlock([]byte("too late"))

	_, err := a.ex.GetBlocks(context.Background(), []cid.Cid{blk.Cid()})
	require.ErrorIs(t, err, ErrClosed)

	_, err = a.ex.GetBlock(context.Background(), blk.Cid())
	require.ErrorIs(t, err, ErrClosed)

	require.ErrorIs(t, a.ex.NotifyNewBlocks(context.Background(), blk), ErrClosed)
}
