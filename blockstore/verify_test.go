package blockstore

import (
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/stretchr/testify/require"
)

// tamperedBlock returns a block whose key was derived from different
// bytes than it carries.
func tamperedBlock(t *testing.T) blocks.Block {
	t.Helper()

	good := blocks.NewBlock([]byte("original bytes"))
	bad, err := blocks.NewBlockWithCid([]byte("swapped bytes"), good.Cid())
	require.NoError(t, err) // the constructor does not verify
	return bad
}

func TestVerifyBlock(t *testing.T) {
	good := blocks.NewBlock([]byte("all fine here"))
	require.NoError(t, VerifyBlock(good))

	bad := tamperedBlock(t)
	err := VerifyBlock(bad)
	require.Error(t, err)
	require.True(t, IsHashMismatch(err))
}

func TestVerifiedPutRejectsTampered(t *testing.T) {
	ctx := context.Background()
	bs := WithVerification(NewMemorySync())

	bad := tamperedBlock(t)
	err := bs.Put(ctx, bad)
	require.True(t, IsHashMismatch(err))

	// the store must be unchanged
	has, err := bs.Has(ctx, bad.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestVerifiedPutManyRejectsWholeBatch(t *testing.T) {
	ctx := context.Background()
	bs := WithVerification(NewMemorySync())

	good := blocks.NewBlock([]byte("good"))
	bad := tamperedBlock(t)

	err := bs.PutMany(ctx, []blocks.Block{good, bad})
	require.True(t, IsHashMismatch(err))

	// nothing from the batch may land
	has, err := bs.Has(ctx, good.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestVerifiedPutAcceptsValid(t *testing.T) {
	ctx := context.Background()
	bs := WithVerification(NewMemorySync())

	b := blocks.NewBlock([]byte("valid"))
	require.NoError(t, bs.Put(ctx, b))

	got, err := bs.Get(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, b.RawData(), got.RawData())
}
