package exchange

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// fakePeerQueue records everything the peer manager hands it. All calls
// arrive synchronously under the peer manager's lock.
type fakePeerQueue struct {
	bcst       []cid.Cid
	wantBlocks []cid.Cid
	wantHaves  []cid.Cid
	cancels    []cid.Cid
	startups   int
	shutdowns  int
}

func (fpq *fakePeerQueue) AddBroadcastWantHaves(ks []cid.Cid) {
	fpq.bcst = append(fpq.bcst, ks...)
}

func (fpq *fakePeerQueue) AddWants(wantBlocks []cid.Cid, wantHaves []cid.Cid) {
	fpq.wantBlocks = append(fpq.wantBlocks, wantBlocks...)
	fpq.wantHaves = append(fpq.wantHaves, wantHaves...)
}

func (fpq *fakePeerQueue) AddCancels(ks []cid.Cid) {
	fpq.cancels = append(fpq.cancels, ks...)
}

func (fpq *fakePeerQueue) Startup()  { fpq.startups++ }
func (fpq *fakePeerQueue) Shutdown() { fpq.shutdowns++ }

func newTestPeerManager(maxWantsPerPeer int) (*PeerManager, map[peer.ID]*fakePeerQueue) {
	queues := make(map[peer.ID]*fakePeerQueue)
	factory := func(ctx context.Context, p peer.ID) PeerQueue {
		fpq := &fakePeerQueue{}
		queues[p] = fpq
		return fpq
	}
	pm := NewPeerManager(context.Background(), "self", factory, maxWantsPerPeer)
	return pm, queues
}

func TestPeerManagerConnectReplaysBroadcasts(t *testing.T) {
	ctx := context.Background()
	pm, queues := newTestPeerManager(0)
	ks := testKeys(2, "pm-replay")

	// no peers yet, the keys are only remembered
	pm.BroadcastWantHaves(ctx, ks)

	p := peer.ID("peer-a")
	pm.Connected(p)

	q := queues[p]
	require.NotNil(t, q)
	require.Equal(t, 1, q.startups)
	require.ElementsMatch(t, ks, q.bcst)
	require.ElementsMatch(t, ks, pm.ActiveHaves(p))
	require.ElementsMatch(t, ks, pm.CurrentWants())
}

func TestPeerManagerBroadcastSkipsOutstanding(t *testing.T) {
	ctx := context.Background()
	pm, queues := newTestPeerManager(0)
	ks := testKeys(2, "pm-skip")

	p := peer.ID("peer-a")
	pm.Connected(p)
	pm.SendWants(ctx, p, ks[:1], nil)

	pm.BroadcastWantHaves(ctx, ks)

	q := queues[p]
	require.Equal(t, ks[:1], q.wantBlocks)
	// the key already wanted as a block is not broadcast to this peer
	require.Equal(t, ks[1:], q.bcst)
}

func TestPeerManagerWantBlockSupersedesWantHave(t *testing.T) {
	ctx := context.Background()
	pm, queues := newTestPeerManager(0)
	k := testKeys(1, "pm-supersede")[0]

	p := peer.ID("peer-a")
	pm.Connected(p)

	pm.SendWants(ctx, p, nil, []cid.Cid{k})
	require.Equal(t, []cid.Cid{k}, queues[p].wantHaves)
	require.Empty(t, pm.ActiveWants(p))

	pm.SendWants(ctx, p, []cid.Cid{k}, nil)
	require.Equal(t, []cid.Cid{k}, queues[p].wantBlocks)
	require.Equal(t, []cid.Cid{k}, pm.ActiveWants(p))
	require.Empty(t, pm.ActiveHaves(p))

	// and the opposite upgrade never happens
	pm.SendWants(ctx, p, nil, []cid.Cid{k})
	require.Equal(t, []cid.Cid{k}, queues[p].wantHaves)
	require.Empty(t, pm.ActiveHaves(p))
}

func TestPeerManagerPerPeerWantBlockCap(t *testing.T) {
	ctx := context.Background()
	pm, queues := newTestPeerManager(2)
	ks := testKeys(3, "pm-cap")

	p := peer.ID("peer-a")
	pm.Connected(p)
	pm.SendWants(ctx, p, ks, nil)

	require.Len(t, queues[p].wantBlocks, 2)
	require.Len(t, pm.ActiveWants(p), 2)

	// room opens up once one resolves
	pm.SendCancels(ctx, queues[p].wantBlocks[:1], "")
	pm.SendWants(ctx, p, ks[2:], nil)
	require.Equal(t, ks[2], queues[p].wantBlocks[2])
}

func TestPeerManagerSendCancelsSkipsResponder(t *testing.T) {
	ctx := context.Background()
	pm, queues := newTestPeerManager(0)
	k := testKeys(1, "pm-cancel")[0]

	p1, p2 := peer.ID("peer-1"), peer.ID("peer-2")
	pm.Connected(p1)
	pm.Connected(p2)
	pm.SendWants(ctx, p1, []cid.Cid{k}, nil)
	pm.SendWants(ctx, p2, nil, []cid.Cid{k})

	pm.SendCancels(ctx, []cid.Cid{k}, p2)

	// p1 is told to stop, p2 answered so it already forgot the want
	require.Equal(t, []cid.Cid{k}, queues[p1].cancels)
	require.Empty(t, queues[p2].cancels)
	require.Empty(t, pm.ActiveWants(p1))
	require.Empty(t, pm.ActiveHaves(p2))
	require.Empty(t, pm.CurrentWants())
}

func TestPeerManagerRefcountedDisconnect(t *testing.T) {
	pm, queues := newTestPeerManager(0)

	p := peer.ID("peer-a")
	pm.Connected(p)
	pm.Connected(p)
	require.Equal(t, 1, queues[p].startups)

	pm.Disconnected(p)
	require.Equal(t, 0, queues[p].shutdowns)
	require.Equal(t, []peer.ID{p}, pm.ConnectedPeers())

	pm.Disconnected(p)
	require.Equal(t, 1, queues[p].shutdowns)
	require.Empty(t, pm.ConnectedPeers())
}

func TestPeerManagerDisconnectDropsPeerWantState(t *testing.T) {
	ctx := context.Background()
	pm, queues := newTestPeerManager(0)
	ks := testKeys(2, "pm-dc")

	p := peer.ID("peer-a")
	pm.Connected(p)
	pm.SendWants(ctx, p, ks[:1], nil)
	pm.BroadcastWantHaves(ctx, ks[1:])

	pm.Disconnected(p)

	// the broadcast want survives for future peers, the targeted one is gone
	require.ElementsMatch(t, ks[1:], pm.CurrentWants())

	pm.Connected(p)
	require.Equal(t, ks[1:], queues[p].bcst)
}

func TestPeerManagerSendWantsUnknownPeer(t *testing.T) {
	ctx := context.Background()
	pm, _ := newTestPeerManager(0)
	ks := testKeys(1, "pm-unknown")

	// wants to a peer we are not connected to are dropped silently
	pm.SendWants(ctx, "stranger", ks, nil)
	require.Empty(t, pm.CurrentWants())
}
