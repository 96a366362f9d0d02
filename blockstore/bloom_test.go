package blockstore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

// countingStore counts Has calls that reach the backing store.
type countingStore struct {
	Blockstore
	hasCalls int64
}

func (c *countingStore) Has(ctx context.Context, k cid.Cid) (bool, error) {
	atomic.AddInt64(&c.hasCalls, 1)
	return c.Blockstore.Has(ctx, k)
}

func TestBloomNegativeHasSkipsBackingStore(t *testing.T) {
	ctx := context.Background()

	inner := &countingStore{Blockstore: NewMemorySync()}
	pre := blocks.NewBlock([]byte("present before open"))
	require.NoError(t, inner.Put(ctx, pre))

	bs, err := WithBloom(ctx, inner, 0, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&bs.active) == 1
	}, time.Second, time.Millisecond)

	// scanned key answers true
	has, err := bs.Has(ctx, pre.Cid())
	require.NoError(t, err)
	require.True(t, has)

	// unknown key answers false without consulting the backing store
	before := atomic.LoadInt64(&inner.hasCalls)
	missing := blocks.NewBlock([]byte("nowhere"))
	has, err = bs.Has(ctx, missing.Cid())
	require.NoError(t, err)
	require.False(t, has)
	require.Equal(t, before, atomic.LoadInt64(&inner.hasCalls))
}

func TestBloomSeesWritesThroughWrapper(t *testing.T) {
	ctx := context.Background()

	bs, err := WithBloom(ctx, NewMemorySync(), 0, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&bs.active) == 1
	}, time.Second, time.Millisecond)

	b := blocks.NewBlock([]byte("written later"))
	require.NoError(t, bs.Put(ctx, b))

	has, err := bs.Has(ctx, b.Cid())
	require.NoError(t, err)
	require.True(t, has)

	got, err := bs.Get(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, b.RawData(), got.RawData())
}

func TestBloomDeleteStaysPessimistic(t *testing.T) {
	ctx := context.Background()

	inner := NewMemorySync()
	bs, err := WithBloom(ctx, inner, 0, 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&bs.active) == 1
	}, time.Second, time.Millisecond)

	b := blocks.NewBlock([]byte("short lived"))
	require.NoError(t, bs.Put(ctx, b))
	require.NoError(t, bs.DeleteBlock(ctx, b.Cid()))

	// filter still says maybe, the store answers definitively
	has, err := bs.Has(ctx, b.Cid())
	require.NoError(t, err)
	require.False(t, has)
}
