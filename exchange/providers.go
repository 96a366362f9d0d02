package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"
)

const (
	// hard ceiling on a single provider lookup; the routing system can
	// be slow or empty and sessions must not hang on it
	defaultProviderQueryTimeout = 10 * time.Second
	// concurrent lookups across all sessions
	maxInProcessRequests = 6
)

// ProviderFinder is the slice of the network used for provider lookup.
type ProviderFinder interface {
	FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.ID
	ConnectTo(context.Context, peer.ID) error
}

// ProviderQueryManager fronts the content routing system for sessions.
// Lookups for the same key are coalesced into one routing query, results
// are dialed before delivery, and every query is bounded by a timeout so
// an empty or stalled DHT never wedges a fetch.
type ProviderQueryManager struct {
	ctx context.Context
	net ProviderFinder

	timeout     time.Duration
	searchLimit int

	requests chan cid.Cid

	inflightLk sync.Mutex
	inflight   map[cid.Cid][]chan peer.ID
}

func NewProviderQueryManager(ctx context.Context, net ProviderFinder, searchLimit int) *ProviderQueryManager {
	return &ProviderQueryManager{
		ctx:         ctx,
		net:         net,
		timeout:     defaultProviderQueryTimeout,
		searchLimit: searchLimit,
		requests:    make(chan cid.Cid, 256),
		inflight:    make(map[cid.Cid][]chan peer.ID),
	}
}

func (pqm *ProviderQueryManager) Startup() {
	go pqm.run()
}

// FindProvidersAsync returns a channel of dialable providers for k. The
// channel closes when the underlying query completes or times out. A
// lookup already in flight for k is shared rather than repeated.
//
// The channel is buffered to the search limit, so an abandoned reader
// costs nothing; it just sees the closure late.
func (pqm *ProviderQueryManager) FindProvidersAsync(ctx context.Context, k cid.Cid) <-chan peer.ID {
	out := make(chan peer.ID, pqm.searchLimit)

	pqm.inflightLk.Lock()
	listeners, running := pqm.inflight[k]
	pqm.inflight[k] = append(listeners, out)
	pqm.inflightLk.Unlock()

	if !running {
		select {
		case pqm.requests <- k:
		case <-pqm.ctx.Done():
			pqm.complete(k)
		case <-ctx.Done():
			pqm.complete(k)
		}
	}
	return out
}

func (pqm *ProviderQueryManager) run() {
	g := new(errgroup.Group)
	g.SetLimit(maxInProcessRequests)
	defer g.Wait() //nolint:errcheck

	for {
		select {
		case k := <-pqm.requests:
			g.Go(func() error {
				pqm.findProviders(k)
				return nil
			})
		case <-pqm.ctx.Done():
			return
		}
	}
}

func (pqm *ProviderQueryManager) findProviders(k cid.Cid) {
	defer pqm.complete(k)

	qctx, cancel := context.WithTimeout(pqm.ctx, pqm.timeout)
	defer cancel()

	found := 0
	for p := range pqm.net.FindProvidersAsync(qctx, k, pqm.searchLimit) {
		// dial first so a session can want from the peer right away
		if err := pqm.net.ConnectTo(qctx, p); err != nil {
			log.Debugf("failed to connect to provider %s for %s: %s", p, k, err)
			continue
		}
		pqm.deliver(k, p)
		found++
	}
	log.Debugw("provider query done", "key", k, "found", found)
}

func (pqm *ProviderQueryManager) deliver(k cid.Cid, p peer.ID) {
	pqm.inflightLk.Lock()
	defer pqm.inflightLk.Unlock()

	for _, ch := range pqm.inflight[k] {
		select {
		case ch <- p:
		default:
		}
	}
}

func (pqm *ProviderQueryManager) complete(k cid.Cid) {
	pqm.inflightLk.Lock()
	defer pqm.inflightLk.Unlock()

	for _, ch := range pqm.inflight[k] {
		close(ch)
	}
	delete(pqm.inflight, k)
}
