package lp2p

import (
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	coredisc "github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
)

// GossipSub carries the block announce topic. Topic peers beyond the
// connected set are found through routing discovery.
func GossipSub(mctx helpers.MetricsCtx, lc fx.Lifecycle, host host.Host, d coredisc.Discovery) (*pubsub.PubSub, error) {
	return pubsub.NewGossipSub(helpers.LifecycleCtx(mctx, lc), host, pubsub.WithDiscovery(d))
}
