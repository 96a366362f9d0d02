package notifications

import (
	"context"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func testBlocks(t *testing.T, data ...string) []blocks.Block {
	t.Helper()
	out := make([]blocks.Block, 0, len(data))
	for _, d := range data {
		out = append(out, blocks.NewBlock([]byte(d)))
	}
	return out
}

func TestPublishSubscribe(t *testing.T) {
	n := New()
	defer n.Shutdown()

	blks := testBlocks(t, "one", "two")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := n.Subscribe(ctx, blks[0].Cid(), blks[1].Cid())

	n.Publish(blks[0])
	n.Publish(blks[1])

	got := map[cid.Cid]struct{}{}
	for b := range ch {
		got[b.Cid()] = struct{}{}
	}
	require.Len(t, got, 2)
	require.Contains(t, got, blks[0].Cid())
	require.Contains(t, got, blks[1].Cid())
}

func TestDuplicatePublishDeliversOnce(t *testing.T) {
	n := New()
	defer n.Shutdown()

	b := testBlocks(t, "dup")[0]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := n.Subscribe(ctx, b.Cid())
	n.Publish(b)
	n.Publish(b)

	count := 0
	for range ch {
		count++
	}
	require.Equal(t, 1, count)
}

func TestSubscribeCtxCancel(t *testing.T) {
	n := New()
	defer n.Shutdown()

	b := testBlocks(t, "never")[0]

	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx, b.Cid())
	cancel()

	select {
	case _, ok := <-ch:
		require.False(t, ok, "channel should close without delivering")
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close on cancel")
	}
}

func TestSubscribeNoKeys(t *testing.T) {
	n := New()
	defer n.Shutdown()

	ch := n.Subscribe(context.Background())
	_, ok := <-ch
	require.False(t, ok)
}

func TestShutdownClosesSubscribers(t *testing.T) {
	n := New()
	b := testBlocks(t, "late")[0]

	ch := n.Subscribe(context.Background(), b.Cid())
	n.Shutdown()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close on shutdown")
	}

	// publishing after shutdown must not panic
	n.Publish(b)
}
