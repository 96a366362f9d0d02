package modules

import (
	"context"
	"io"

	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/blockstore"
	"github.com/filecoin-project/go-blockswap/node/config"
	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
	"github.com/filecoin-project/go-blockswap/node/repo"
	"github.com/filecoin-project/go-blockswap/pin"
)

// BaseBlockstore opens the repo's persistent block store.
func BaseBlockstore(lc fx.Lifecycle, mctx helpers.MetricsCtx, r repo.LockedRepo) (dtypes.BaseBlockstore, error) {
	bs, err := r.Blockstore(helpers.LifecycleCtx(mctx, lc))
	if err != nil {
		return nil, err
	}
	if c, ok := bs.(io.Closer); ok {
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error {
				return c.Close()
			},
		})
	}
	return bs, err
}

// CachedBlockstore layers the configured caches over the base store: an
// ARC of recently touched blocks, guarded by a bloom filter that
// absorbs Has misses before they reach disk.
func CachedBlockstore(cfg config.Blockstore) func(lc fx.Lifecycle, mctx helpers.MetricsCtx, bs dtypes.BaseBlockstore) (dtypes.CachedBlockstore, error) {
	return func(lc fx.Lifecycle, mctx helpers.MetricsCtx, bs dtypes.BaseBlockstore) (dtypes.CachedBlockstore, error) {
		out := blockstore.Blockstore(bs)
		if cfg.CacheSize > 0 {
			out = blockstore.WithCache(out, cfg.CacheSize)
		}
		if cfg.BloomSize > 0 {
			cbs, err := blockstore.WithBloom(helpers.LifecycleCtx(mctx, lc), out, cfg.BloomSize, cfg.BloomHashes)
			if err != nil {
				return nil, err
			}
			out = cbs
		}
		return out, nil
	}
}

// ExposedBlockstore is the store the exchange engine and the API see:
// deletes go through the pinner so pinned blocks and in-flight
// collection passes can refuse them.
func ExposedBlockstore(bs dtypes.CachedBlockstore, p *pin.Pinner, g *pin.GCGuard) dtypes.ExposedBlockstore {
	return pin.Protect(bs, p, g)
}
