package modules

import (
	"context"

	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/journal"
	"github.com/filecoin-project/go-blockswap/journal/alerting"
)

// HandleIntegrityViolations surfaces peers shipping block bytes that do
// not hash to the key they claimed. The engine has already dropped the
// block; this adds operator visibility and tags the peer so the
// connection manager prunes it first.
func HandleIntegrityViolations(lc fx.Lifecycle, h host.Host, ex *exchange.Exchange, al *alerting.Alerting, j journal.Journal) {
	evt := j.RegisterEventType("exchange", "integrity-violation")
	alert := al.AddAlertType("exchange", "integrity-violation")

	unsub := ex.SubscribeIntegrityViolations(func(v exchange.IntegrityViolation) {
		j.RecordEvent(evt, func() interface{} {
			return map[string]string{
				"peer": v.Peer.String(),
				"key":  v.Key.String(),
			}
		})

		al.Raise(alert, map[string]string{
			"message": "peer sent a block that does not match its key",
			"peer":    v.Peer.String(),
			"key":     v.Key.String(),
		})

		h.ConnManager().TagPeer(v.Peer, "integrity-violation", -100)
	})

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			unsub()
			return nil
		},
	})
}
