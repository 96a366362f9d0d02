package blockstore

import (
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"
)

func TestMemGetCodec(t *testing.T) {
	ctx := context.Background()
	bs := NewMemory()

	cborArr := []byte{0x82, 1, 2}

	pref := cid.Prefix{
		Version:  1,
		Codec:    cid.DagCBOR,
		MhType:   cid.DefaultHash,
		MhLength: -1,
	}

	c, err := pref.Sum(cborArr)
	require.NoError(t, err)

	blk, err := blocks.NewBlockWithCid(cborArr, c)
	require.NoError(t, err)

	require.NoError(t, bs.Put(ctx, blk))

	// asking for the same multihash with a different codec must return
	// a block carrying the requested CID
	rawCid := cid.NewCidV1(cid.Raw, c.Hash())
	rawBlk, err := bs.Get(ctx, rawCid)
	require.NoError(t, err)
	require.Equal(t, rawCid, rawBlk.Cid())
	require.Equal(t, cborArr, rawBlk.RawData())
}

func TestMemRoundtrip(t *testing.T) {
	ctx := context.Background()
	bs := NewMemory()

	b := blocks.NewBlock([]byte("some data"))

	has, err := bs.Has(ctx, b.Cid())
	require.NoError(t, err)
	require.False(t, has)

	_, err = bs.Get(ctx, b.Cid())
	require.True(t, ipld.IsNotFound(err))

	require.NoError(t, bs.Put(ctx, b))

	got, err := bs.Get(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, b.RawData(), got.RawData())

	size, err := bs.GetSize(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, len(b.RawData()), size)

	require.NoError(t, bs.DeleteBlock(ctx, b.Cid()))
	has, err = bs.Has(ctx, b.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestSyncConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	bs := NewMemorySync()

	b := blocks.NewBlock([]byte("shared"))

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = bs.Put(ctx, b)
			_, _ = bs.Get(ctx, b.Cid())
			_, _ = bs.Has(ctx, b.Cid())
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	got, err := bs.Get(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, b.RawData(), got.RawData())
}
