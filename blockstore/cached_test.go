package blockstore

import (
	"context"
	"sync/atomic"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

type readCountingStore struct {
	Blockstore
	getCalls int64
}

func (c *readCountingStore) Get(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	atomic.AddInt64(&c.getCalls, 1)
	return c.Blockstore.Get(ctx, k)
}

func TestCachedGetHitsCacheOnSecondRead(t *testing.T) {
	ctx := context.Background()

	inner := &readCountingStore{Blockstore: NewMemorySync()}
	bs := WithCache(inner, 16)

	b := blocks.NewBlock([]byte("cache me"))
	require.NoError(t, inner.Put(ctx, b))

	for i := 0; i < 3; i++ {
		got, err := bs.Get(ctx, b.Cid())
		require.NoError(t, err)
		require.Equal(t, b.RawData(), got.RawData())
	}

	require.Equal(t, int64(1), atomic.LoadInt64(&inner.getCalls))
}

func TestCachedPutPopulatesCache(t *testing.T) {
	ctx := context.Background()

	inner := &readCountingStore{Blockstore: NewMemorySync()}
	bs := WithCache(inner, 16)

	b := blocks.NewBlock([]byte("written through"))
	require.NoError(t, bs.Put(ctx, b))

	got, err := bs.Get(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, b.RawData(), got.RawData())
	require.Equal(t, int64(0), atomic.LoadInt64(&inner.getCalls))

	// the write must also land in the backing store
	has, err := inner.Has(ctx, b.Cid())
	require.NoError(t, err)
	require.True(t, has)
}

func TestCachedDeleteEvicts(t *testing.T) {
	ctx := context.Background()

	bs := WithCache(NewMemorySync(), 16)

	b := blocks.NewBlock([]byte("evict me"))
	require.NoError(t, bs.Put(ctx, b))
	require.NoError(t, bs.DeleteBlock(ctx, b.Cid()))

	has, err := bs.Has(ctx, b.Cid())
	require.NoError(t, err)
	require.False(t, has)
}
