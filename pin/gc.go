package pin

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/metrics"
)

// ErrGCRunning is returned by Run when a pass is already in progress.
var ErrGCRunning = xerrors.New("garbage collection already running")

const gcBatchSize = 256

// GCResult is one event in a collection pass: a removed key, or an
// error encountered along the way.
type GCResult struct {
	KeyRemoved cid.Cid
	Error      error
}

// GC removes every block not protected by the pin index. It works on
// the raw store underneath ProtectedBlockstore; pinned keys are excluded
// by the mark set, in-flight puts by the shared guard.
type GC struct {
	bs     blockstore.Blockstore
	pinner *Pinner
	guard  *GCGuard

	running atomic.Bool
}

func NewGC(bs blockstore.Blockstore, p *Pinner, g *GCGuard) *GC {
	return &GC{
		bs:     bs,
		pinner: p,
		guard:  g,
	}
}

// Run starts a collection pass and returns a channel of removed keys.
// The caller must drain the channel; the pass is over when it closes.
// Only one pass runs at a time, a second Run returns ErrGCRunning.
//
// A pass marks everything the pin index protects, sweeps the remaining
// keys in batches, then lets the backing store compact itself. Reads
// are never blocked; puts started after the pass opens stay out of its
// reach via the guard.
func (g *GC) Run(ctx context.Context) (<-chan GCResult, error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, ErrGCRunning
	}

	g.guard.begin()

	out := make(chan GCResult, 128)
	go func() {
		defer close(out)
		defer g.running.Store(false)
		defer g.guard.end()

		start := build.Clock.Now()

		marked, err := g.pinner.pinnedSet(ctx)
		if err != nil {
			select {
			case out <- GCResult{Error: xerrors.Errorf("computing pinned set: %w", err)}:
			case <-ctx.Done():
			}
			return
		}

		removed, err := g.sweep(ctx, marked, out)
		if err != nil {
			select {
			case out <- GCResult{Error: err}:
			case <-ctx.Done():
			}
			return
		}

		g.compact(ctx)

		took := build.Clock.Since(start)
		stats.Record(ctx, metrics.GCDuration.M(float64(took.Milliseconds())))
		stats.Record(ctx, metrics.GCBlocksRemoved.M(int64(removed)))

		log.Infow("garbage collection done",
			"removed", removed,
			"pinned", len(marked),
			"took", took)
	}()

	return out, nil
}

func (g *GC) sweep(ctx context.Context, marked map[string]struct{}, out chan<- GCResult) (int, error) {
	removed := 0
	batch := make([]cid.Cid, 0, gcBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		deleted, err := g.guard.deleteBatch(ctx, g.bs, batch)
		batch = batch[:0]
		if err != nil {
			return xerrors.Errorf("deleting swept blocks: %w", err)
		}
		for _, c := range deleted {
			removed++
			select {
			case out <- GCResult{KeyRemoved: c}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	err := g.forEachKey(ctx, func(c cid.Cid) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := marked[string(c.Hash())]; ok {
			return nil
		}
		batch = append(batch, c)
		if len(batch) >= gcBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return removed, err
	}
	if err := flush(); err != nil {
		return removed, err
	}
	return removed, nil
}

// forEachKey visits every key in the store, through the store's own
// iterator when it has one and the keys channel otherwise.
func (g *GC) forEachKey(ctx context.Context, f func(cid.Cid) error) error {
	if it, ok := g.bs.(blockstore.BlockstoreIterator); ok {
		return it.ForEachKey(f)
	}

	ch, err := g.bs.AllKeysChan(ctx)
	if err != nil {
		return err
	}
	for c := range ch {
		if err := f(c); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// compact asks the backing store to reclaim file space after a sweep.
// Stores without their own collection hook are already done.
func (g *GC) compact(ctx context.Context) {
	gcer, ok := g.bs.(blockstore.BlockstoreGC)
	if !ok {
		return
	}
	if err := gcer.CollectGarbage(ctx); err != nil {
		log.Warnf("store compaction after gc: %s", err)
	}
}

// Periodic runs a collection pass every interval until ctx is done.
// Results are drained and logged here; use Run directly for
// caller-visible collection. A non-positive interval means manual
// collection only.
func (g *GC) Periodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := build.Clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := g.Run(ctx)
			if err != nil {
				if !xerrors.Is(err, ErrGCRunning) {
					log.Errorw("periodic gc failed to start", "error", err)
				}
				continue
			}
			var removed, errs int
			for r := range res {
				if r.Error != nil {
					errs++
					log.Warnw("gc error", "error", r.Error)
					continue
				}
				removed++
			}
			log.Debugw("periodic gc pass", "removed", removed, "errors", errs)
		}
	}
}
