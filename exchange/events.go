package exchange

import (
	"github.com/hannahhoward/go-pubsub"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/xerrors"
)

// IntegrityViolation is fired when a peer delivers a block whose bytes
// do not hash to the key it was sent under. The block is discarded
// before this event fires; subscribers typically score or disconnect
// the peer.
type IntegrityViolation struct {
	Peer peer.ID
	Key  cid.Cid
}

type violationSubscriberFn func(IntegrityViolation)

type violationListeners struct {
	ps *pubsub.PubSub
}

func newViolationListeners() *violationListeners {
	ps := pubsub.New(func(event pubsub.Event, subFn pubsub.SubscriberFn) error {
		evt, ok := event.(IntegrityViolation)
		if !ok {
			return xerrors.Errorf("wrong type of event")
		}
		sub, ok := subFn.(violationSubscriberFn)
		if !ok {
			return xerrors.Errorf("wrong type of subscriber")
		}
		sub(evt)
		return nil
	})
	return &violationListeners{ps: ps}
}

// subscribe registers cb for every future violation. The returned
// function unregisters it.
func (vl *violationListeners) subscribe(cb func(IntegrityViolation)) pubsub.Unsubscribe {
	return vl.ps.Subscribe(violationSubscriberFn(cb))
}

func (vl *violationListeners) fire(evt IntegrityViolation) {
	if err := vl.ps.Publish(evt); err != nil {
		// in theory we shouldn't ever get an error here
		log.Errorf("unexpected error publishing integrity violation: %s", err)
	}
}
