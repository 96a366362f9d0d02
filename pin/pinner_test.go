package pin

import (
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/blockstore"
)

func newTestPinner(t *testing.T, links map[cid.Cid][]cid.Cid) (*Pinner, *blockstore.SyncBlockstore, ds.Batching) {
	t.Helper()

	d := dssync.MutexWrap(ds.NewMapDatastore())
	bs := blockstore.NewMemorySync()

	walker := func(ctx context.Context, c cid.Cid, data []byte) ([]cid.Cid, error) {
		return links[c], nil
	}

	p, err := NewPinner(context.Background(), d, bs, WithWalker(walker))
	require.NoError(t, err)
	return p, bs, d
}

func putBlock(t *testing.T, bs blockstore.Blockstore, data string) blocks.Block {
	t.Helper()

	b := blocks.NewBlock([]byte(data))
	require.NoError(t, bs.Put(context.Background(), b))
	return b
}

func TestPinUnpinSaturating(t *testing.T) {
	ctx := context.Background()
	p, bs, _ := newTestPinner(t, nil)
	b := putBlock(t, bs, "saturate me")

	require.NoError(t, p.Pin(ctx, b.Cid(), false))
	require.NoError(t, p.Pin(ctx, b.Cid(), false))

	require.NoError(t, p.Unpin(ctx, b.Cid()))
	mode, err := p.IsPinned(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, Direct, mode)

	require.NoError(t, p.Unpin(ctx, b.Cid()))
	mode, err = p.IsPinned(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, NotPinned, mode)

	// unpinning past zero stays a no-op
	require.NoError(t, p.Unpin(ctx, b.Cid()))
	require.NoError(t, p.Unpin(ctx, b.Cid()))
	mode, err = p.IsPinned(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, NotPinned, mode)
}

func TestUnpinDropsRecursiveFirst(t *testing.T) {
	ctx := context.Background()
	p, bs, _ := newTestPinner(t, nil)
	b := putBlock(t, bs, "both modes")

	require.NoError(t, p.Pin(ctx, b.Cid(), false))
	require.NoError(t, p.Pin(ctx, b.Cid(), true))

	mode, err := p.IsPinned(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, Recursive, mode)

	require.NoError(t, p.Unpin(ctx, b.Cid()))
	mode, err = p.IsPinned(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, Direct, mode)
}

func TestIsPinnedIndirect(t *testing.T) {
	ctx := context.Background()

	bs := blockstore.NewMemorySync()
	root := putBlock(t, bs, "root")
	mid := putBlock(t, bs, "mid")
	leaf := putBlock(t, bs, "leaf")
	loose := putBlock(t, bs, "loose")

	links := map[cid.Cid][]cid.Cid{
		root.Cid(): {mid.Cid()},
		mid.Cid():  {leaf.Cid()},
	}
	d := dssync.MutexWrap(ds.NewMapDatastore())
	p, err := NewPinner(ctx, d, bs, WithWalker(func(ctx context.Context, c cid.Cid, data []byte) ([]cid.Cid, error) {
		return links[c], nil
	}))
	require.NoError(t, err)

	require.NoError(t, p.Pin(ctx, root.Cid(), true))

	mode, err := p.IsPinned(ctx, root.Cid())
	require.NoError(t, err)
	require.Equal(t, Recursive, mode)

	for _, c := range []cid.Cid{mid.Cid(), leaf.Cid()} {
		mode, err = p.IsPinned(ctx, c)
		require.NoError(t, err)
		require.Equal(t, Indirect, mode)
	}

	mode, err = p.IsPinned(ctx, loose.Cid())
	require.NoError(t, err)
	require.Equal(t, NotPinned, mode)
}

func TestPinMatchesOnHash(t *testing.T) {
	ctx := context.Background()
	p, bs, _ := newTestPinner(t, nil)
	b := putBlock(t, bs, "same bytes, different codec")

	// pin under a different codec naming the same bytes
	alias := cid.NewCidV1(cid.DagCBOR, b.Cid().Hash())
	require.NoError(t, p.Pin(ctx, alias, false))

	mode, err := p.IsPinned(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, Direct, mode)
}

func TestPinnerReload(t *testing.T) {
	ctx := context.Background()
	p, bs, d := newTestPinner(t, nil)

	a := putBlock(t, bs, "pin a")
	b := putBlock(t, bs, "pin b")

	require.NoError(t, p.Pin(ctx, a.Cid(), false))
	require.NoError(t, p.Pin(ctx, a.Cid(), false))
	require.NoError(t, p.Pin(ctx, b.Cid(), true))
	require.NoError(t, p.Flush(ctx))

	reloaded, err := NewPinner(ctx, d, bs)
	require.NoError(t, err)

	ls, err := reloaded.Ls(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []Status{
		{Key: a.Cid(), Mode: Direct, Refs: 2},
		{Key: b.Cid(), Mode: Recursive, Refs: 1},
	}, ls)
}

func TestProtectedDeleteRefusesPinned(t *testing.T) {
	ctx := context.Background()

	bs := blockstore.NewMemorySync()
	root := putBlock(t, bs, "protected root")
	child := putBlock(t, bs, "protected child")
	loose := putBlock(t, bs, "deletable")

	links := map[cid.Cid][]cid.Cid{
		root.Cid(): {child.Cid()},
	}
	d := dssync.MutexWrap(ds.NewMapDatastore())
	p, err := NewPinner(ctx, d, bs, WithWalker(func(ctx context.Context, c cid.Cid, data []byte) ([]cid.Cid, error) {
		return links[c], nil
	}))
	require.NoError(t, err)

	var guard GCGuard
	pbs := Protect(bs, p, &guard)

	require.NoError(t, p.Pin(ctx, root.Cid(), true))

	require.ErrorIs(t, pbs.DeleteBlock(ctx, root.Cid()), ErrPinned)
	require.ErrorIs(t, pbs.DeleteBlock(ctx, child.Cid()), ErrPinned)
	require.ErrorIs(t, pbs.DeleteMany(ctx, []cid.Cid{loose.Cid(), child.Cid()}), ErrPinned)

	// the refused batch must not have deleted anything
	has, err := bs.Has(ctx, loose.Cid())
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, pbs.DeleteBlock(ctx, loose.Cid()))

	require.NoError(t, p.Unpin(ctx, root.Cid()))
	require.NoError(t, pbs.DeleteBlock(ctx, child.Cid()))
	require.NoError(t, pbs.DeleteBlock(ctx, root.Cid()))
}

func TestLsEmpty(t *testing.T) {
	p, _, _ := newTestPinner(t, nil)

	ls, err := p.Ls(context.Background())
	require.NoError(t, err)
	require.Empty(t, ls)
}
