package exchange

import (
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
)

// ledger is the per-peer account: bytes moved in each direction and the
// partner's live wantlist against us. Counters only grow; the serve
// strategy that reads them lives outside this package.
//
// A ledger survives disconnects so the byte totals cover the whole node
// run, but the partner wantlist is cleared when the peer goes away.
type ledger struct {
	lk sync.RWMutex

	// the peer this ledger keeps score for
	partner peer.ID

	bytesSent uint64
	bytesRecv uint64

	// number of exchanges (block transfers in either direction)
	exchangeCount uint64

	lastExchange time.Time

	// keys the partner wants from us, with priority and want type
	wantList *wantlist.Wantlist
}

func newLedger(p peer.ID) *ledger {
	return &ledger{
		partner:  p,
		wantList: wantlist.New(),
	}
}

// value is the send/receive ratio. A high value means we have served the
// partner far more than it has served us.
func (l *ledger) value() float64 {
	return float64(l.bytesSent) / float64(l.bytesRecv+1)
}

func (l *ledger) SentBytes(n int) {
	l.exchangeCount++
	l.lastExchange = build.Clock.Now()
	l.bytesSent += uint64(n)
}

func (l *ledger) ReceivedBytes(n int) {
	l.exchangeCount++
	l.lastExchange = build.Clock.Now()
	l.bytesRecv += uint64(n)
}

func (l *ledger) Wants(k cid.Cid, priority int64, wantType wantlist.WantType) {
	l.wantList.Add(k, priority, wantType)
}

func (l *ledger) CancelWant(k cid.Cid) bool {
	return l.wantList.Remove(k)
}

func (l *ledger) WantListContains(k cid.Cid) (wantlist.Entry, bool) {
	return l.wantList.Contains(k)
}

// Receipt is a snapshot of one peer relationship, safe to hand out.
// ActiveWants and ActiveHaves are the keys we currently have outstanding
// toward the peer; they are filled in from the want state, not stored
// here.
type Receipt struct {
	Peer      string
	Value     float64
	Sent      uint64
	Recv      uint64
	Exchanged uint64

	ActiveWants []cid.Cid
	ActiveHaves []cid.Cid
}
