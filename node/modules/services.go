package modules

import (
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/node/announce"
	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
)

func AnnounceService(h host.Host, ps *pubsub.PubSub, ex *exchange.Exchange) (*announce.Service, error) {
	return announce.NewService(h, ps, ex)
}

// RunAnnounce subscribes to the announce topic and feeds notices to the
// service until shutdown.
func RunAnnounce(mctx helpers.MetricsCtx, lc fx.Lifecycle, ps *pubsub.PubSub, svc *announce.Service) error {
	sub, err := ps.Subscribe(announce.TopicName)
	if err != nil {
		return err
	}

	go svc.HandleIncoming(helpers.LifecycleCtx(mctx, lc), sub)
	return nil
}
