package badgerbs

import (
	"context"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Blockstore {
	t.Helper()

	opts := DefaultOptions(t.TempDir())
	// the test corpus is tiny, no point mmapping tables
	opts.TableLoadingMode = LoadToRAM
	bs, err := Open(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = bs.Close()
	})
	return bs
}

func TestBadgerPutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	b := blocks.NewBlock([]byte("bytes for the badger"))
	require.NoError(t, bs.Put(ctx, b))

	got, err := bs.Get(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, b.RawData(), got.RawData())

	has, err := bs.Has(ctx, b.Cid())
	require.NoError(t, err)
	require.True(t, has)

	size, err := bs.GetSize(ctx, b.Cid())
	require.NoError(t, err)
	require.Equal(t, len(b.RawData()), size)
}

func TestBadgerGetMissing(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	missing := blocks.NewBlock([]byte("never stored"))
	_, err := bs.Get(ctx, missing.Cid())
	require.True(t, ipld.IsNotFound(err))

	has, err := bs.Has(ctx, missing.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestBadgerView(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	b := blocks.NewBlock([]byte("viewable"))
	require.NoError(t, bs.Put(ctx, b))

	var seen []byte
	err := bs.View(ctx, b.Cid(), func(data []byte) error {
		seen = append(seen, data...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, b.RawData(), seen)
}

func TestBadgerDelete(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	b1 := blocks.NewBlock([]byte("one"))
	b2 := blocks.NewBlock([]byte("two"))
	require.NoError(t, bs.PutMany(ctx, []blocks.Block{b1, b2}))

	require.NoError(t, bs.DeleteBlock(ctx, b1.Cid()))

	has, err := bs.Has(ctx, b1.Cid())
	require.NoError(t, err)
	require.False(t, has)

	has, err = bs.Has(ctx, b2.Cid())
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, bs.DeleteMany(ctx, []cid.Cid{b2.Cid()}))
	has, err = bs.Has(ctx, b2.Cid())
	require.NoError(t, err)
	require.False(t, has)
}

func TestBadgerAllKeysChan(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	var want []cid.Cid
	for _, data := range []string{"a", "b", "c", "d"} {
		b := blocks.NewBlock([]byte(data))
		want = append(want, b.Cid())
		require.NoError(t, bs.Put(ctx, b))
	}

	ch, err := bs.AllKeysChan(ctx)
	require.NoError(t, err)

	var got []cid.Cid
	for k := range ch {
		got = append(got, k)
	}

	// keys come back as raw-codec v1 CIDs; compare multihashes
	wantHashes := make([]string, len(want))
	for i, k := range want {
		wantHashes[i] = k.Hash().String()
	}
	gotHashes := make([]string, len(got))
	for i, k := range got {
		gotHashes[i] = k.Hash().String()
	}
	require.ElementsMatch(t, wantHashes, gotHashes)
}

func TestBadgerForEachKey(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	b := blocks.NewBlock([]byte("iterate me"))
	require.NoError(t, bs.Put(ctx, b))

	var count int
	err := bs.ForEachKey(func(k cid.Cid) error {
		count++
		require.Equal(t, b.Cid().Hash(), k.Hash())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestBadgerClosedErrs(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	require.NoError(t, bs.Close())

	b := blocks.NewBlock([]byte("late"))
	require.ErrorIs(t, bs.Put(ctx, b), ErrBlockstoreClosed)

	_, err := bs.Get(ctx, b.Cid())
	require.ErrorIs(t, err, ErrBlockstoreClosed)
}

func TestStorageKeyRoundtrip(t *testing.T) {
	bs := &Blockstore{prefixing: true, prefix: []byte("/blocks/"), prefixLen: len("/blocks/")}

	b := blocks.NewBlock([]byte("keyed"))
	k, pooled := bs.PooledStorageKey(b.Cid())
	if pooled {
		defer KeyPool.Put(k)
	}

	k2 := bs.StorageKey(nil, b.Cid())
	require.Equal(t, k, k2)
}
