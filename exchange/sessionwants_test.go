package exchange

import (
	"fmt"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func testKeys(n int, prefix string) []cid.Cid {
	out := make([]cid.Cid, n)
	for i := range out {
		out[i] = blocks.NewBlock([]byte(fmt.Sprintf("%s-%d", prefix, i))).Cid()
	}
	return out
}

func TestCidQueueOrder(t *testing.T) {
	ks := testKeys(3, "cidqueue")

	cq := newCidQueue()
	for _, c := range ks {
		cq.Push(c)
	}
	// duplicate pushes are ignored
	cq.Push(ks[0])
	require.Equal(t, 3, cq.Len())

	require.Equal(t, ks[0], cq.Pop())
	require.Equal(t, ks[1], cq.Pop())
	require.Equal(t, ks[2], cq.Pop())
	require.False(t, cq.Pop().Defined())
}

func TestCidQueueRemove(t *testing.T) {
	ks := testKeys(3, "cidqueue-remove")

	cq := newCidQueue()
	for _, c := range ks {
		cq.Push(c)
	}
	cq.Remove(ks[1])

	require.Equal(t, 2, cq.Len())
	require.False(t, cq.Has(ks[1]))
	require.Equal(t, ks[0], cq.Pop())
	// the removed key is skipped
	require.Equal(t, ks[2], cq.Pop())
}

func TestSessionWantsPromotion(t *testing.T) {
	ks := testKeys(3, "sw-promote")

	sw := newSessionWants(2)
	for _, c := range ks {
		sw.toFetch.Push(c)
	}

	live := sw.nextWants()
	require.Len(t, live, 2)
	require.True(t, sw.isLive(ks[0]))
	require.True(t, sw.isLive(ks[1]))
	require.False(t, sw.isLive(ks[2]))
	require.True(t, sw.isWanted(ks[2]))

	// nothing promoted while the live set is full
	require.Empty(t, sw.nextWants())

	resolved := sw.blocksReceived(ks[:1])
	require.Equal(t, ks[:1], resolved)

	live = sw.nextWants()
	require.Len(t, live, 1)
	require.Equal(t, ks[2], live[0])
}

func TestSessionWantsBlockReqs(t *testing.T) {
	ks := testKeys(1, "sw-reqs")
	k := ks[0]

	sw := newSessionWants(8)
	sw.toFetch.Push(k)
	sw.nextWants()

	require.False(t, sw.hasBlockReq(k, "p1"))
	sw.sentBlockReq(k, "p1")
	require.True(t, sw.hasBlockReq(k, "p1"))
	require.False(t, sw.hasBlockReq(k, "p2"))

	sw.blocksReceived(ks)
	require.False(t, sw.hasBlockReq(k, "p1"))
	require.False(t, sw.isWanted(k))
}

func TestSessionWantsRemove(t *testing.T) {
	ks := testKeys(3, "sw-remove")

	sw := newSessionWants(2)
	for _, c := range ks {
		sw.toFetch.Push(c)
	}
	sw.nextWants()

	// one live key, one queued key, one unknown key
	unknown := testKeys(1, "sw-other")[0]
	removed := sw.remove([]cid.Cid{ks[0], ks[2], unknown})
	require.ElementsMatch(t, []cid.Cid{ks[0], ks[2]}, removed)
	require.True(t, sw.isLive(ks[1]))
	require.False(t, sw.isWanted(ks[0]))
	require.False(t, sw.isWanted(ks[2]))

	// receiving something we never tracked resolves nothing
	require.Empty(t, sw.blocksReceived([]cid.Cid{unknown}))
}
