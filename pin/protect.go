package pin

import (
	"context"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/blockstore"
)

// GCGuard tracks blocks written while a collection pass runs, so the
// sweep cannot reclaim a block between its put and the putter observing
// it. Writers register keys before touching the store; the sweep drops
// registered keys from its deletion batches, and batch deletes
// serialize with registration on the same mutex.
//
// The zero value is ready to use.
type GCGuard struct {
	gate sync.RWMutex

	mu     sync.Mutex
	active bool
	held   map[string]struct{}
}

// holdPut registers ks as in-flight writes and returns a release func
// to be called once the write has landed. Registration is only recorded
// while a pass is active; outside of one this is just the gate.
func (g *GCGuard) holdPut(ks ...cid.Cid) func() {
	g.gate.RLock()
	g.mu.Lock()
	if g.active {
		for _, c := range ks {
			g.held[string(c.Hash())] = struct{}{}
		}
	}
	g.mu.Unlock()
	return g.gate.RUnlock
}

// begin opens a collection pass. After it returns, every new put is
// registered until end. The write barrier waits out puts that started
// before the pass, so their blocks land ahead of the sweep's store
// snapshot and sort with ordinary pre-pass writes.
func (g *GCGuard) begin() {
	g.mu.Lock()
	g.active = true
	g.held = make(map[string]struct{})
	g.mu.Unlock()

	g.gate.Lock()
	g.gate.Unlock() //nolint:staticcheck
}

func (g *GCGuard) end() {
	g.mu.Lock()
	g.active = false
	g.held = nil
	g.mu.Unlock()
}

// deleteBatch removes every key in batch that no in-flight put holds,
// returning the ones actually deleted. Runs under the registration
// mutex: a put observed after the filter cannot have its block deleted
// by this batch, and one registered before it is filtered out.
func (g *GCGuard) deleteBatch(ctx context.Context, d blockstore.BatchDeleter, batch []cid.Cid) ([]cid.Cid, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := batch[:0]
	for _, c := range batch {
		if _, held := g.held[string(c.Hash())]; !held {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := d.DeleteMany(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProtectedBlockstore enforces pin semantics over an inner store:
// deletes of pinned keys fail with ErrPinned, and writes register with
// the guard so a concurrent collection pass leaves them alone. The
// garbage collector itself works on the inner store directly.
type ProtectedBlockstore struct {
	inner  blockstore.Blockstore
	pinner *Pinner
	guard  *GCGuard
}

// Protect wraps inner with pin-aware deletes and GC-safe puts. The
// guard must be the same one driving the garbage collector.
func Protect(inner blockstore.Blockstore, p *Pinner, g *GCGuard) *ProtectedBlockstore {
	return &ProtectedBlockstore{
		inner:  inner,
		pinner: p,
		guard:  g,
	}
}

var _ blockstore.Blockstore = (*ProtectedBlockstore)(nil)

func (b *ProtectedBlockstore) Put(ctx context.Context, blk blocks.Block) error {
	release := b.guard.holdPut(blk.Cid())
	defer release()
	return b.inner.Put(ctx, blk)
}

func (b *ProtectedBlockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	ks := make([]cid.Cid, len(blks))
	for i, blk := range blks {
		ks[i] = blk.Cid()
	}
	release := b.guard.holdPut(ks...)
	defer release()
	return b.inner.PutMany(ctx, blks)
}

func (b *ProtectedBlockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	mode, err := b.pinner.IsPinned(ctx, c)
	if err != nil {
		return xerrors.Errorf("checking pin state of %s: %w", c, err)
	}
	if mode != NotPinned {
		return xerrors.Errorf("deleting %s (%s pin): %w", c, mode, ErrPinned)
	}
	return b.inner.DeleteBlock(ctx, c)
}

// DeleteMany refuses the whole batch if any key is pinned, so a partial
// failure never leaves callers guessing which keys went away.
func (b *ProtectedBlockstore) DeleteMany(ctx context.Context, ks []cid.Cid) error {
	for _, c := range ks {
		mode, err := b.pinner.IsPinned(ctx, c)
		if err != nil {
			return xerrors.Errorf("checking pin state of %s: %w", c, err)
		}
		if mode != NotPinned {
			return xerrors.Errorf("deleting %s (%s pin): %w", c, mode, ErrPinned)
		}
	}
	return b.inner.DeleteMany(ctx, ks)
}

func (b *ProtectedBlockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return b.inner.Has(ctx, c)
}

func (b *ProtectedBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	return b.inner.Get(ctx, c)
}

func (b *ProtectedBlockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	return b.inner.GetSize(ctx, c)
}

func (b *ProtectedBlockstore) View(ctx context.Context, c cid.Cid, callback func([]byte) error) error {
	return b.inner.View(ctx, c, callback)
}

func (b *ProtectedBlockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return b.inner.AllKeysChan(ctx)
}

func (b *ProtectedBlockstore) HashOnRead(enabled bool) {
	b.inner.HashOnRead(enabled)
}

func (b *ProtectedBlockstore) Flush(ctx context.Context) error {
	return b.inner.Flush(ctx)
}
