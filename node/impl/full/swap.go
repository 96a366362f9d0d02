package full

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/exchange"
)

type SwapAPI struct {
	fx.In

	Exchange *exchange.Exchange
}

func (a *SwapAPI) ExchangeWantlist(ctx context.Context) ([]cid.Cid, error) {
	return a.Exchange.GetWantlist(), nil
}

func (a *SwapAPI) ExchangeWantlistForPeer(ctx context.Context, p peer.ID) ([]cid.Cid, error) {
	return a.Exchange.WantlistForPeer(p), nil
}

func (a *SwapAPI) ExchangeLedger(ctx context.Context, p peer.ID) (*exchange.Receipt, error) {
	return a.Exchange.LedgerForPeer(p), nil
}

func (a *SwapAPI) ExchangeStat(ctx context.Context) (*exchange.Stat, error) {
	return a.Exchange.Stat()
}
