package pin

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/build"
)

// gatedStore delays key iteration until the gate opens, to pin down the
// interleaving of a sweep with concurrent writers.
type gatedStore struct {
	*blockstore.SyncBlockstore
	gate chan struct{}
}

func (g *gatedStore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.SyncBlockstore.AllKeysChan(ctx)
}

func collectRemoved(t *testing.T, res <-chan GCResult) []cid.Cid {
	t.Helper()

	var removed []cid.Cid
	for r := range res {
		require.NoError(t, r.Error)
		removed = append(removed, r.KeyRemoved)
	}
	return removed
}

func TestGCRemovesOnlyUnpinned(t *testing.T) {
	ctx := context.Background()

	bs := blockstore.NewMemorySync()
	direct := putBlock(t, bs, "directly pinned")
	root := putBlock(t, bs, "recursive root")
	child := putBlock(t, bs, "reachable child")
	junk1 := putBlock(t, bs, "junk one")
	junk2 := putBlock(t, bs, "junk two")

	links := map[cid.Cid][]cid.Cid{
		root.Cid(): {child.Cid()},
	}
	d := dssync.MutexWrap(ds.NewMapDatastore())
	p, err := NewPinner(ctx, d, bs, WithWalker(func(ctx context.Context, c cid.Cid, data []byte) ([]cid.Cid, error) {
		return links[c], nil
	}))
	require.NoError(t, err)

	require.NoError(t, p.Pin(ctx, direct.Cid(), false))
	require.NoError(t, p.Pin(ctx, root.Cid(), true))

	var guard GCGuard
	gc := NewGC(bs, p, &guard)

	res, err := gc.Run(ctx)
	require.NoError(t, err)
	removed := collectRemoved(t, res)

	require.ElementsMatch(t, []cid.Cid{junk1.Cid(), junk2.Cid()}, removed)

	for _, c := range []cid.Cid{direct.Cid(), root.Cid(), child.Cid()} {
		has, err := bs.Has(ctx, c)
		require.NoError(t, err)
		require.True(t, has, "%s should have survived", c)
	}
	for _, c := range removed {
		has, err := bs.Has(ctx, c)
		require.NoError(t, err)
		require.False(t, has)
	}
}

func TestGCKeepsBlocksPutDuringPass(t *testing.T) {
	ctx := context.Background()

	gs := &gatedStore{
		SyncBlockstore: blockstore.NewMemorySync(),
		gate:           make(chan struct{}),
	}
	d := dssync.MutexWrap(ds.NewMapDatastore())
	p, err := NewPinner(ctx, d, gs)
	require.NoError(t, err)

	var guard GCGuard
	pbs := Protect(gs, p, &guard)
	gc := NewGC(gs, p, &guard)

	junk := putBlock(t, pbs, "pre-pass junk")

	res, err := gc.Run(ctx)
	require.NoError(t, err)

	// lands mid-pass, before the sweep snapshots the keys
	fresh := putBlock(t, pbs, "mid-pass write")
	close(gs.gate)

	removed := collectRemoved(t, res)
	require.ElementsMatch(t, []cid.Cid{junk.Cid()}, removed)

	has, err := gs.Has(ctx, fresh.Cid())
	require.NoError(t, err)
	require.True(t, has, "a block put during the pass must survive it")
}

func TestGCRunExclusive(t *testing.T) {
	ctx := context.Background()

	gs := &gatedStore{
		SyncBlockstore: blockstore.NewMemorySync(),
		gate:           make(chan struct{}),
	}
	d := dssync.MutexWrap(ds.NewMapDatastore())
	p, err := NewPinner(ctx, d, gs)
	require.NoError(t, err)

	var guard GCGuard
	gc := NewGC(gs, p, &guard)

	res, err := gc.Run(ctx)
	require.NoError(t, err)

	_, err = gc.Run(ctx)
	require.ErrorIs(t, err, ErrGCRunning)

	close(gs.gate)
	collectRemoved(t, res)

	res, err = gc.Run(ctx)
	require.NoError(t, err)
	collectRemoved(t, res)
}

func TestGCCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	gs := &gatedStore{
		SyncBlockstore: blockstore.NewMemorySync(),
		gate:           make(chan struct{}),
	}
	d := dssync.MutexWrap(ds.NewMapDatastore())
	p, err := NewPinner(ctx, d, gs)
	require.NoError(t, err)

	junk := putBlock(t, gs, "survives the cancelled pass")

	var guard GCGuard
	gc := NewGC(gs, p, &guard)

	res, err := gc.Run(ctx)
	require.NoError(t, err)

	cancel()
	for range res {
	}

	has, err := gs.Has(context.Background(), junk.Cid())
	require.NoError(t, err)
	require.True(t, has)
}

func TestPeriodicGC(t *testing.T) {
	mc := clock.NewMock()
	prev := build.Clock
	build.Clock = mc
	defer func() {
		build.Clock = prev
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := blockstore.NewMemorySync()
	d := dssync.MutexWrap(ds.NewMapDatastore())
	p, err := NewPinner(ctx, d, bs)
	require.NoError(t, err)

	pinned := putBlock(t, bs, "periodic pinned")
	junk := putBlock(t, bs, "periodic junk")
	require.NoError(t, p.Pin(ctx, pinned.Cid(), false))

	var guard GCGuard
	gc := NewGC(bs, p, &guard)
	go gc.Periodic(ctx, time.Minute)

	require.Eventually(t, func() bool {
		mc.Add(time.Minute)
		has, err := bs.Has(ctx, junk.Cid())
		require.NoError(t, err)
		return !has
	}, 5*time.Second, 10*time.Millisecond)

	has, err := bs.Has(ctx, pinned.Cid())
	require.NoError(t, err)
	require.True(t, has)
}
