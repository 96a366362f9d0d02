package modules

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
)

func BuiltinBootstrap() (dtypes.BootstrapPeers, error) {
	return build.BuiltinBootstrap()
}

func ConfigBootstrap(peers []string) func() (dtypes.BootstrapPeers, error) {
	return func() (dtypes.BootstrapPeers, error) {
		addrs := make([]peer.AddrInfo, 0, len(peers))
		for _, p := range peers {
			pi, err := peer.AddrInfoFromString(p)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, *pi)
		}
		return addrs, nil
	}
}

// RunBootstrap dials the bootstrap peers in the background once the
// node is up, seeding the routing table.
func RunBootstrap(mctx helpers.MetricsCtx, lc fx.Lifecycle, h host.Host, peers dtypes.BootstrapPeers) {
	ctx := helpers.LifecycleCtx(mctx, lc)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				for _, pi := range peers {
					if err := h.Connect(ctx, pi); err != nil {
						log.Warnw("failed to connect to bootstrap peer", "peer", pi.ID, "error", err)
					}
				}
			}()
			return nil
		},
	})
}
