package exchange

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"
	"go.opencensus.io/stats"

	"github.com/filecoin-project/go-blockswap/metrics"
)

const (
	// hasBlockBufferSize buffers locally added keys headed for the
	// provide collector
	hasBlockBufferSize = 256
	// provideKeysBufferSize buffers keys between the collector and the
	// provide workers
	provideKeysBufferSize = 2048
	// provideWorkerMax bounds concurrent provide calls to the routing
	// layer
	provideWorkerMax = 6

	provideTimeout = 15 * time.Second
)

func (ex *Exchange) startWorkers(ctx context.Context) {
	// Start up workers to handle requests from other nodes for the data
	// on this node
	for i := 0; i < ex.taskWorkerCount; i++ {
		i := i
		ex.closeWg.Add(1)
		go func() {
			defer ex.closeWg.Done()
			ex.taskWorker(ctx, i)
		}()
	}

	if ex.provideEnabled {
		ex.closeWg.Add(1)
		go func() {
			defer ex.closeWg.Done()
			ex.provideCollector(ctx)
		}()

		for i := 0; i < provideWorkerMax; i++ {
			i := i
			ex.closeWg.Add(1)
			go func() {
				defer ex.closeWg.Done()
				ex.provideWorker(ctx, i)
			}()
		}
	}
}

// taskWorker drains the engine's outbox onto the wire.
func (ex *Exchange) taskWorker(ctx context.Context, id int) {
	defer log.Debugw("exchange task worker shutting down", "id", id)
	for {
		select {
		case nextEnvelope := <-ex.engine.Outbox():
			select {
			case envelope, ok := <-nextEnvelope:
				if !ok {
					continue
				}
				ex.sendBlocks(ctx, envelope)
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (ex *Exchange) sendBlocks(ctx context.Context, env *Envelope) {
	// Blocks need to be sent synchronously to maintain proper
	// backpressure throughout the network stack
	defer env.Sent()

	err := ex.network.SendMessage(ctx, env.Peer, env.Message)
	if err != nil {
		// The want stays on the peer's ledger; its rebroadcast will
		// surface it again once the link recovers.
		log.Debugw("failed to send blocks message", "peer", env.Peer, "err", err)
		return
	}

	ex.engine.MessageSent(env.Peer, env.Message)

	blks := env.Message.Blocks()
	dataSent := 0
	for _, b := range blks {
		dataSent += len(b.RawData())
	}

	ex.counterLk.Lock()
	ex.counters.blocksSent += uint64(len(blks))
	ex.counters.dataSent += uint64(dataSent)
	ex.counterLk.Unlock()

	stats.Record(ctx, metrics.MessagesSent.M(1), metrics.BlocksSent.M(int64(len(blks))), metrics.BytesSent.M(int64(dataSent)))
	log.Debugw("sent message", "peer", env.Peer, "blocks", len(blks), "presences", len(env.Message.Haves()))
}

// provideCollector absorbs bursts of freshly stored keys and feeds them
// to the provide workers without ever blocking the receive path.
func (ex *Exchange) provideCollector(ctx context.Context) {
	defer close(ex.provideKeys)
	var toProvide []cid.Cid
	var nextKey cid.Cid
	var keysOut chan cid.Cid

	for {
		select {
		case blkey, ok := <-ex.newBlocks:
			if !ok {
				log.Debug("newBlocks channel closed")
				return
			}

			if keysOut == nil {
				nextKey = blkey
				keysOut = ex.provideKeys
			} else {
				toProvide = append(toProvide, blkey)
			}
		case keysOut <- nextKey:
			if len(toProvide) > 0 {
				nextKey = toProvide[0]
				toProvide = toProvide[1:]
			} else {
				keysOut = nil
			}
		case <-ctx.Done():
			return
		}
	}
}

func (ex *Exchange) provideWorker(ctx context.Context, id int) {
	for {
		select {
		case k, ok := <-ex.provideKeys:
			if !ok {
				log.Debug("provideKeys channel closed")
				return
			}

			log.Debugw("providing key", "worker", id, "cid", k)

			pctx, cancel := context.WithTimeout(ctx, provideTimeout)
			if err := ex.network.Provide(pctx, k); err != nil {
				log.Debugw("failed to provide", "cid", k, "err", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
