package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru/arc/v2"
	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.opencensus.io/stats"
)

// CachedBlockstore keeps an ARC cache of recently used blocks in front of
// an arbitrary backing store. The exchange server hits the same hot keys
// repeatedly while draining peer wantlists, which is what this is for.
type CachedBlockstore struct {
	inner Blockstore
	cache *lru.ARCCache[cid.Cid, block.Block]
}

var (
	_ Blockstore = (*CachedBlockstore)(nil)
	_ Viewer     = (*CachedBlockstore)(nil)
)

// DefaultCacheSize holds about 4GiB of blocks assuming an average block
// size of 16KiB.
var DefaultCacheSize = (4 << 30) / 16000

func WithCache(inner Blockstore, size int) *CachedBlockstore {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.NewARC[cid.Cid, block.Block](size)
	return &CachedBlockstore{
		inner: inner,
		cache: c,
	}
}

func (bs *CachedBlockstore) Flush(ctx context.Context) error {
	return bs.inner.Flush(ctx)
}

func (bs *CachedBlockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return bs.inner.AllKeysChan(ctx)
}

func (bs *CachedBlockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	bs.cache.Remove(c)
	return bs.inner.DeleteBlock(ctx, c)
}

func (bs *CachedBlockstore) DeleteMany(ctx context.Context, cids []cid.Cid) error {
	for _, c := range cids {
		bs.cache.Remove(c)
	}
	return bs.inner.DeleteMany(ctx, cids)
}

func (bs *CachedBlockstore) View(ctx context.Context, c cid.Cid, callback func([]byte) error) error {
	if blk, ok := bs.cache.Get(c); ok {
		stats.Record(ctx, CacheMeasures.Hits.M(1))
		return callback(blk.RawData())
	}
	stats.Record(ctx, CacheMeasures.Misses.M(1))

	return bs.inner.View(ctx, c, func(data []byte) error {
		blk, err := block.NewBlockWithCid(data, c)
		if err != nil {
			return err
		}
		bs.cache.Add(c, blk)

		return callback(data)
	})
}

func (bs *CachedBlockstore) Get(ctx context.Context, c cid.Cid) (block.Block, error) {
	if blk, ok := bs.cache.Get(c); ok {
		stats.Record(ctx, CacheMeasures.Hits.M(1))
		return blk, nil
	}
	stats.Record(ctx, CacheMeasures.Misses.M(1))

	blk, err := bs.inner.Get(ctx, c)
	if err == nil {
		bs.cache.Add(c, blk)
	}
	return blk, err
}

func (bs *CachedBlockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	if blk, ok := bs.cache.Get(c); ok {
		return len(blk.RawData()), nil
	}

	return bs.inner.GetSize(ctx, c)
}

func (bs *CachedBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if bs.cache.Contains(c) {
		return true, nil
	}

	return bs.inner.Has(ctx, c)
}

func (bs *CachedBlockstore) Put(ctx context.Context, blk block.Block) error {
	bs.cache.Add(blk.Cid(), blk)
	stats.Record(ctx, CacheMeasures.Puts.M(1))

	return bs.inner.Put(ctx, blk)
}

func (bs *CachedBlockstore) PutMany(ctx context.Context, blks []block.Block) error {
	toPut := make([]block.Block, 0, len(blks))

	for _, blk := range blks {
		if bs.cache.Contains(blk.Cid()) {
			continue
		}

		bs.cache.Add(blk.Cid(), blk)
		toPut = append(toPut, blk)
	}

	if len(toPut) == 0 {
		return nil
	}

	return bs.inner.PutMany(ctx, toPut)
}

func (bs *CachedBlockstore) HashOnRead(hor bool) {
	bs.inner.HashOnRead(hor)
}
