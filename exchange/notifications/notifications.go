// Package notifications delivers arriving blocks to the callers waiting
// on them. It is the completion side of the want lifecycle: requesters
// subscribe on keys, the receive path publishes verified blocks, and a
// subscription channel closes once all its keys are in or its context
// ends.
package notifications

import (
	"context"
	"sync"

	pubsub "github.com/cskr/pubsub"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

const bufferSize = 16

// PubSub routes published blocks to key subscribers.
type PubSub interface {
	Publish(block blocks.Block)
	Subscribe(ctx context.Context, keys ...cid.Cid) <-chan blocks.Block
	Shutdown()
}

func New() PubSub {
	return &impl{
		wrapped: *pubsub.New(bufferSize),
		closed:  make(chan struct{}),
	}
}

type impl struct {
	lk      sync.RWMutex
	wrapped pubsub.PubSub

	closed chan struct{}
}

func (ps *impl) Publish(block blocks.Block) {
	ps.lk.RLock()
	defer ps.lk.RUnlock()

	select {
	case <-ps.closed:
		return
	default:
	}

	ps.wrapped.Pub(block, block.Cid().KeyString())
}

func (ps *impl) Shutdown() {
	ps.lk.Lock()
	defer ps.lk.Unlock()

	select {
	case <-ps.closed:
		return
	default:
	}
	close(ps.closed)
	ps.wrapped.Shutdown()
}

// Subscribe returns a channel delivering the blocks for keys as they
// arrive. The channel closes when every key has been delivered once,
// when ctx ends, or on Shutdown. A subscription taken out after a block
// arrived does not see it; check the store first.
func (ps *impl) Subscribe(ctx context.Context, keys ...cid.Cid) <-chan blocks.Block {
	blocksCh := make(chan blocks.Block, len(keys))
	if len(keys) == 0 {
		close(blocksCh)
		return blocksCh
	}

	// a private buffered channel so a slow reader cannot stall the
	// publisher
	valuesCh := make(chan interface{}, len(keys))

	ps.lk.RLock()
	defer ps.lk.RUnlock()

	select {
	case <-ps.closed:
		close(blocksCh)
		return blocksCh
	default:
	}

	// one delivery per key, unsubscribed automatically after the last
	ps.wrapped.AddSubOnceEach(valuesCh, toStrings(keys)...)

	go func() {
		defer func() {
			close(blocksCh)

			ps.lk.RLock()
			defer ps.lk.RUnlock()
			select {
			case <-ps.closed:
				return
			default:
			}
			ps.wrapped.Unsub(valuesCh)
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ps.closed:
				return
			case val, ok := <-valuesCh:
				if !ok {
					return
				}
				block, ok := val.(blocks.Block)
				if !ok {
					return
				}
				select {
				case blocksCh <- block:
				case <-ctx.Done():
					return
				case <-ps.closed:
					return
				}
			}
		}
	}()

	return blocksCh
}

func toStrings(keys []cid.Cid) []string {
	strs := make([]string, 0, len(keys))
	for _, key := range keys {
		strs = append(strs, key.KeyString())
	}
	return strs
}
