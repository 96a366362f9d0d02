package modules

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/routing"
	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/exchange/network"
	"github.com/filecoin-project/go-blockswap/node/config"
	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
)

// ExchangeNetwork binds the wire protocol to the libp2p host, with the
// content router answering provider lookups.
func ExchangeNetwork(h host.Host, r routing.Routing) network.Network {
	return network.NewFromHost(h, r)
}

// Exchange runs the block exchange engine over net, serving from and
// admitting into the exposed store.
func Exchange(cfg config.Exchange) func(mctx helpers.MetricsCtx, lc fx.Lifecycle, net network.Network, bs dtypes.ExposedBlockstore) *exchange.Exchange {
	return func(mctx helpers.MetricsCtx, lc fx.Lifecycle, net network.Network, bs dtypes.ExposedBlockstore) *exchange.Exchange {
		opts := []exchange.Option{
			exchange.ProvideEnabled(cfg.ProvideEnabled),
		}
		if cfg.TaskWorkers > 0 {
			opts = append(opts, exchange.TaskWorkerCount(cfg.TaskWorkers))
		}
		if cfg.EngineTaskWorkers > 0 {
			opts = append(opts, exchange.EngineTaskWorkerCount(cfg.EngineTaskWorkers))
		}
		if cfg.MaxWantsPerPeer > 0 {
			opts = append(opts, exchange.MaxConcurrentWantsPerPeer(cfg.MaxWantsPerPeer))
		}
		if cfg.HaveProbeThreshold > 0 {
			opts = append(opts, exchange.HaveProbeThreshold(cfg.HaveProbeThreshold))
		}
		if cfg.ProviderSearchLimit > 0 {
			opts = append(opts, exchange.ProviderSearchLimit(cfg.ProviderSearchLimit))
		}
		if d := time.Duration(cfg.WantTimeout); d > 0 {
			opts = append(opts, exchange.WantTimeout(d))
		}
		if d := time.Duration(cfg.RebroadcastDelay); d > 0 {
			opts = append(opts, exchange.RebroadcastDelay(d))
		}

		ex := exchange.New(helpers.LifecycleCtx(mctx, lc), net, bs, opts...)
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error {
				return ex.Close()
			},
		})
		return ex
	}
}
