package node_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/node"
	"github.com/filecoin-project/go-blockswap/node/repo"
)

func builder(t *testing.T, n int) []api.API {
	ctx := context.Background()
	mn := mocknet.New()
	t.Cleanup(func() { _ = mn.Close() })

	out := make([]api.API, n)
	for i := range out {
		stop, err := node.New(ctx,
			node.FullAPI(&out[i]),

			node.Online(),
			node.Repo(repo.NewMemory(nil)),

			node.MockHost(mn),
			node.Test(),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = stop(context.Background()) })
	}

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	return out
}

func TestVersion(t *testing.T) {
	nodes := builder(t, 1)

	v, err := nodes[0].Version(context.Background())
	require.NoError(t, err)
	require.Equal(t, build.APIVersion, v.APIVersion)
	require.NotEmpty(t, v.Version)
}

func TestID(t *testing.T) {
	nodes := builder(t, 1)

	id, err := nodes[0].ID(context.Background())
	require.NoError(t, err)
	require.NoError(t, id.Validate())
}

func TestBlockFetchAcrossNodes(t *testing.T) {
	nodes := builder(t, 2)
	ctx := context.Background()

	data := []byte("across the wire")
	k, err := nodes[0].BlockPut(ctx, data, false)
	require.NoError(t, err)

	fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	got, err := nodes[1].BlockGet(fctx, k)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	// the fetched copy is cached locally now
	has, err := nodes[1].BlockHas(ctx, k)
	require.NoError(t, err)
	require.True(t, has)

	stat, err := nodes[1].BlockStat(ctx, k)
	require.NoError(t, err)
	require.Equal(t, k, stat.Key)
	require.Equal(t, len(data), stat.Size)
}

func TestPinAndCollect(t *testing.T) {
	nodes := builder(t, 1)
	ctx := context.Background()

	keep, err := nodes[0].BlockPut(ctx, []byte("kept block"), true)
	require.NoError(t, err)
	drop, err := nodes[0].BlockPut(ctx, []byte("dropped block"), false)
	require.NoError(t, err)

	report, err := nodes[0].GCRun(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Errors)
	require.Contains(t, report.Removed, drop)

	has, err := nodes[0].BlockHas(ctx, keep)
	require.NoError(t, err)
	require.True(t, has)

	has, err = nodes[0].BlockHas(ctx, drop)
	require.NoError(t, err)
	require.False(t, has)
}

func TestNetPeers(t *testing.T) {
	nodes := builder(t, 2)
	ctx := context.Background()

	peers, err := nodes[0].NetPeers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)

	other, err := nodes[1].ID(ctx)
	require.NoError(t, err)
	require.Equal(t, other, peers[0].ID)
}
