package announce

import (
	"context"
	"time"

	cborutil "github.com/filecoin-project/go-cbor-util"
	lru "github.com/hashicorp/golang-lru/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/exchange/message"
)

// TopicName is the gossip topic new-block notices travel on.
const TopicName = "/blockswap/announce"

// probeCooldown caps how often a single publisher can make us dial it.
const probeCooldown = time.Minute

var log = logging.Logger("announce")

// Service publishes a notice for every block this node admits, and
// turns notices from other nodes into provider hints for keys we
// currently want. The notice is an optimization over DHT provider
// lookup; losing one costs a slower fetch, never correctness.
type Service struct {
	host  host.Host
	topic *pubsub.Topic
	ex    *exchange.Exchange

	// publishers we dialed recently, so a busy one doesn't get a dial
	// per notice
	recent *lru.Cache[peer.ID, time.Time]
}

func NewService(h host.Host, ps *pubsub.PubSub, ex *exchange.Exchange) (*Service, error) {
	topic, err := ps.Join(TopicName)
	if err != nil {
		return nil, err
	}

	recent, err := lru.New[peer.ID, time.Time](256)
	if err != nil {
		return nil, err
	}

	return &Service{
		host:   h,
		topic:  topic,
		ex:     ex,
		recent: recent,
	}, nil
}

// Publish gossips the keys and sizes of newly stored blocks. Failures
// are logged and swallowed.
func (as *Service) Publish(ctx context.Context, blks ...blocks.Block) {
	if len(blks) == 0 {
		return
	}

	am := &message.Announce{Entries: make([]message.AnnounceEntry, 0, len(blks))}
	for _, b := range blks {
		am.Entries = append(am.Entries, message.AnnounceEntry{
			Key:  b.Cid(),
			Size: uint64(len(b.RawData())),
		})
	}

	data, err := cborutil.Dump(am)
	if err != nil {
		log.Warnw("failed to encode announce", "error", err)
		return
	}

	if err := as.topic.Publish(ctx, data); err != nil {
		log.Warnw("failed to publish announce", "error", err)
	}
}

// HandleIncoming consumes notices from sub until ctx is done. A notice
// naming a key we want promotes its publisher to a provider hint: we
// connect and let the exchange engine ask for the block directly.
func (as *Service) HandleIncoming(ctx context.Context, sub *pubsub.Subscription) {
	self := as.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warnw("announce subscription closed", "error", err)
			}
			return
		}

		from := msg.GetFrom()
		if from == self {
			continue
		}

		am, err := message.DecodeAnnounce(msg.GetData())
		if err != nil {
			log.Debugw("dropping malformed announce", "peer", from, "error", err)
			continue
		}

		if !as.wantsAny(am) {
			continue
		}

		if t, ok := as.recent.Get(from); ok && time.Since(t) < probeCooldown {
			continue
		}
		as.recent.Add(from, time.Now())

		go as.connect(ctx, from)
	}
}

func (as *Service) wantsAny(am *message.Announce) bool {
	wl := as.ex.GetWantlist()
	if len(wl) == 0 {
		return false
	}

	wanted := make(map[cid.Cid]struct{}, len(wl))
	for _, c := range wl {
		wanted[c] = struct{}{}
	}
	for _, e := range am.Entries {
		if _, ok := wanted[e.Key]; ok {
			return true
		}
	}
	return false
}

func (as *Service) connect(ctx context.Context, p peer.ID) {
	// gossipsub already knows the publisher's addresses
	if err := as.host.Connect(ctx, peer.AddrInfo{ID: p}); err != nil {
		log.Debugw("failed to connect to announcing peer", "peer", p, "error", err)
		return
	}
	log.Debugw("connected to announcing peer", "peer", p)
}
