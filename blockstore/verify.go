package blockstore

import (
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

// ErrHashMismatch is returned when a block's bytes do not hash to the key
// it is stored or delivered under. Such a block is never written.
var ErrHashMismatch = fmt.Errorf("block data does not match its key")

// VerifyBlock recomputes the digest of the block's payload with the hash
// function named by its key and compares the two. The key carries its own
// hash function and length, so blocks from peers with different defaults
// still verify.
func VerifyBlock(b blocks.Block) error {
	chk, err := b.Cid().Prefix().Sum(b.RawData())
	if err != nil {
		return xerrors.Errorf("computing digest for %s: %w", b.Cid(), err)
	}
	if !chk.Equals(b.Cid()) {
		return xerrors.Errorf("%s: %w", b.Cid(), ErrHashMismatch)
	}
	return nil
}

// IsHashMismatch reports whether err comes from a failed block
// verification.
func IsHashMismatch(err error) bool {
	return xerrors.Is(err, ErrHashMismatch)
}

// VerifiedBlockstore rejects writes whose bytes do not hash to their key.
// Reads pass through untouched: anything already in the store came
// through a verified write.
type VerifiedBlockstore struct {
	inner Blockstore
}

var _ Blockstore = (*VerifiedBlockstore)(nil)

func WithVerification(inner Blockstore) *VerifiedBlockstore {
	return &VerifiedBlockstore{inner: inner}
}

func (bs *VerifiedBlockstore) Put(ctx context.Context, b blocks.Block) error {
	if err := VerifyBlock(b); err != nil {
		return err
	}
	return bs.inner.Put(ctx, b)
}

func (bs *VerifiedBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	for _, b := range blks {
		if err := VerifyBlock(b); err != nil {
			return err
		}
	}
	return bs.inner.PutMany(ctx, blks)
}

func (bs *VerifiedBlockstore) Has(ctx context.Context, k cid.Cid) (bool, error) {
	return bs.inner.Has(ctx, k)
}

func (bs *VerifiedBlockstore) Get(ctx context.Context, k cid.Cid) (blocks.Block, error) {
	return bs.inner.Get(ctx, k)
}

func (bs *VerifiedBlockstore) GetSize(ctx context.Context, k cid.Cid) (int, error) {
	return bs.inner.GetSize(ctx, k)
}

func (bs *VerifiedBlockstore) View(ctx context.Context, k cid.Cid, callback func([]byte) error) error {
	return bs.inner.View(ctx, k, callback)
}

func (bs *VerifiedBlockstore) DeleteBlock(ctx context.Context, k cid.Cid) error {
	return bs.inner.DeleteBlock(ctx, k)
}

func (bs *VerifiedBlockstore) DeleteMany(ctx context.Context, ks []cid.Cid) error {
	return bs.inner.DeleteMany(ctx, ks)
}

func (bs *VerifiedBlockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return bs.inner.AllKeysChan(ctx)
}

func (bs *VerifiedBlockstore) HashOnRead(enabled bool) {
	bs.inner.HashOnRead(enabled)
}

func (bs *VerifiedBlockstore) Flush(ctx context.Context) error {
	return bs.inner.Flush(ctx)
}
