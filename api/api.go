package api

import (
	"context"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/journal/alerting"
	"github.com/filecoin-project/go-blockswap/pin"
)

// Version provides various build-time information
type Version struct {
	Version string

	// APIVersion is a binary encoded semver version of the remote
	// implementing this api
	APIVersion build.Version
}

// BlockStat describes a single stored block.
type BlockStat struct {
	Key  cid.Cid
	Size int
}

// GCReport summarizes one garbage collection pass.
type GCReport struct {
	Removed []cid.Cid
	Errors  []string
}

// API is a low-level interface to the blockswap node
type API interface {
	// auth

	AuthVerify(ctx context.Context, token string) ([]auth.Permission, error)
	AuthNew(ctx context.Context, perms []auth.Permission) ([]byte, error)

	// blocks

	// BlockPut stores data as a block. With pinned set, the new block is
	// also directly pinned, keeping it out of the collector's reach.
	BlockPut(ctx context.Context, data []byte, pinned bool) (cid.Cid, error)

	// BlockGet returns the block data for a key, fetching it from
	// connected peers when the local store doesn't have it. It blocks
	// until the block arrives, the want times out, or ctx is done.
	BlockGet(ctx context.Context, k cid.Cid) ([]byte, error)

	BlockHas(ctx context.Context, k cid.Cid) (bool, error)
	BlockStat(ctx context.Context, k cid.Cid) (BlockStat, error)

	// BlockRm removes a block from the local store. Pinned blocks can't
	// be removed.
	BlockRm(ctx context.Context, k cid.Cid) error

	// pins

	PinAdd(ctx context.Context, k cid.Cid, recursive bool) error
	PinRm(ctx context.Context, k cid.Cid) error
	PinLs(ctx context.Context) ([]pin.Status, error)

	// GCRun performs a garbage collection pass over the local store,
	// removing every block not protected by a pin.
	GCRun(ctx context.Context) (GCReport, error)

	// exchange

	// ExchangeWantlist returns the keys this node currently wants from
	// the network.
	ExchangeWantlist(ctx context.Context) ([]cid.Cid, error)

	// ExchangeWantlistForPeer returns the keys a remote peer wants from
	// this node.
	ExchangeWantlistForPeer(ctx context.Context, p peer.ID) ([]cid.Cid, error)

	// ExchangeLedger returns the byte accounting for a peer.
	ExchangeLedger(ctx context.Context, p peer.ID) (*exchange.Receipt, error)

	ExchangeStat(ctx context.Context) (*exchange.Stat, error)

	// network

	NetConnectedness(ctx context.Context, p peer.ID) (network.Connectedness, error)
	NetPeers(ctx context.Context) ([]peer.AddrInfo, error)
	NetConnect(ctx context.Context, p peer.AddrInfo) error
	NetDisconnect(ctx context.Context, p peer.ID) error
	NetAddrsListen(ctx context.Context) (peer.AddrInfo, error)

	// node

	// ID returns peerID of libp2p node backing this API
	ID(context.Context) (peer.ID, error)

	// Version provides information about API provider
	Version(context.Context) (Version, error)

	// Session returns a random UUID of api provider session
	Session(context.Context) (uuid.UUID, error)

	// LogAlerts returns all registered alerts and their state
	LogAlerts(ctx context.Context) ([]alerting.Alert, error)

	// Shutdown trigger graceful shutdown
	Shutdown(context.Context) error
}
