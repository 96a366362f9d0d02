package modules

import (
	"context"
	"time"

	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
	"github.com/filecoin-project/go-blockswap/pin"
)

// Pinner loads the pin set from the metadata datastore. Dirty state is
// flushed on shutdown.
func Pinner(mctx helpers.MetricsCtx, lc fx.Lifecycle, ds dtypes.MetadataDS, bs dtypes.CachedBlockstore) (*pin.Pinner, error) {
	p, err := pin.NewPinner(helpers.LifecycleCtx(mctx, lc), ds, bs)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return p.Flush(ctx)
		},
	})

	return p, nil
}

func GCGuard() *pin.GCGuard {
	return new(pin.GCGuard)
}

// GC walks the cached store directly, below the pin protection layer,
// so its own deletes aren't refused.
func GC(bs dtypes.CachedBlockstore, p *pin.Pinner, g *pin.GCGuard) *pin.GC {
	return pin.NewGC(bs, p, g)
}

// RunPeriodicGC starts background collection. Zero interval leaves
// collection manual.
func RunPeriodicGC(interval time.Duration) func(mctx helpers.MetricsCtx, lc fx.Lifecycle, gc *pin.GC) {
	return func(mctx helpers.MetricsCtx, lc fx.Lifecycle, gc *pin.GC) {
		if interval <= 0 {
			return
		}
		go gc.Periodic(helpers.LifecycleCtx(mctx, lc), interval)
	}
}
