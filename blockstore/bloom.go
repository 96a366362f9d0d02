package blockstore

import (
	"context"
	"sync/atomic"

	bbloom "github.com/ipfs/bbloom"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// Default bloom dimensioning: 512KiB of filter bits with 7 hash functions
// keeps the false positive rate under 1% up to roughly 300k blocks.
const (
	DefaultBloomSize   = 512 << 10
	DefaultBloomHashes = 7
)

// BloomCachedStore answers negative Has queries from a bloom filter of
// every key in the backing store, sparing the disk a lookup for keys we
// definitely do not have. The server engine asks Has once per inbound
// want entry, almost always for content this node has never seen.
//
// The filter admits false positives, never false negatives: deletions
// leave bits set, so after a GC sweep the filter only gets pessimistic.
// It is rebuilt from a full key scan at every open.
type BloomCachedStore struct {
	inner Blockstore

	bloom  *bbloom.Bloom
	active int32 // set once the initial key scan finishes
}

var _ Blockstore = (*BloomCachedStore)(nil)

func WithBloom(ctx context.Context, inner Blockstore, bloomSize, hashes int) (*BloomCachedStore, error) {
	if bloomSize <= 0 {
		bloomSize = DefaultBloomSize
	}
	if hashes <= 0 {
		hashes = DefaultBloomHashes
	}

	bl, err := bbloom.New(float64(bloomSize), float64(hashes))
	if err != nil {
		return nil, xerrors.Errorf("creating bloom filter: %w", err)
	}

	bs := &BloomCachedStore{
		inner: inner,
		bloom: bl,
	}

	go bs.build(ctx)

	return bs, nil
}

// build scans every key in the backing store into the filter. Until it
// completes, Has queries pass through to the backing store. Puts racing
// the scan are safe: they add to the same filter the scan fills.
func (bs *BloomCachedStore) build(ctx context.Context) {
	ch, err := bs.inner.AllKeysChan(ctx)
	if err != nil {
		log.Warnf("bloom filter disabled, key scan failed: %s", err)
		return
	}

	for k := range ch {
		bs.bloom.AddTS(k.Hash())
	}

	if ctx.Err() != nil {
		return
	}

	atomic.StoreInt32(&bs.active, 1)
	log.Debugf("bloom filter active")
}

func (bs *BloomCachedStore) mayContain(k cid.Cid) bool {
	if atomic.LoadInt32(&bs.active) == 0 {
		return true
	}
	return bs.bloom.HasTS(k.Hash())
}

func (bs *BloomCachedStore) Has(ctx context.Context, k cid.Cid) (bool, error) {
	if !bs.mayContain(k) {
		return false, nil
	}
	return bs.inner.Has(ctx, k)
}

func (bs *BloomCachedStore) Get(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	return bs.inner.Get(ctx, k)
}

func (bs *BloomCachedStore) GetSize(ctx context.Context, k cid.Cid) (int, error) {
	return bs.inner.GetSize(ctx, k)
}

func (bs *BloomCachedStore) View(ctx context.Context, k cid.Cid, callback func([]byte) error) error {
	return bs.inner.View(ctx, k, callback)
}

func (bs *BloomCachedStore) Put(ctx context.Context, b blocks.Block) error {
	bs.bloom.AddTS(b.Cid().Hash())
	return bs.inner.Put(ctx, b)
}

func (bs *BloomCachedStore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, b := range blks {
		bs.bloom.AddTS(b.Cid().Hash())
	}
	return bs.inner.PutMany(ctx, blks)
}

func (bs *BloomCachedStore) DeleteBlock(ctx context.Context, k cid.Cid) error {
	// bits stay set; the filter only ever over-approximates.
	return bs.inner.DeleteBlock(ctx, k)
}

func (bs *BloomCachedStore) DeleteMany(ctx context.Context, ks []cid.Cid) error {
	return bs.inner.DeleteMany(ctx, ks)
}

func (bs *BloomCachedStore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return bs.inner.AllKeysChan(ctx)
}

func (bs *BloomCachedStore) HashOnRead(enabled bool) {
	bs.inner.HashOnRead(enabled)
}

func (bs *BloomCachedStore) Flush(ctx context.Context) error {
	return bs.inner.Flush(ctx)
}
