package api

import (
	"context"

	"github.com/filecoin-project/go-jsonrpc/auth"
	"github.com/google/uuid"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/journal/alerting"
	"github.com/filecoin-project/go-blockswap/pin"
)

// Struct implements API passing calls to user-provided function values.
type Struct struct {
	Internal struct {
		AuthVerify func(ctx context.Context, token string) ([]auth.Permission, error) `perm:"read"`
		AuthNew    func(ctx context.Context, perms []auth.Permission) ([]byte, error) `perm:"admin"`

		BlockPut  func(context.Context, []byte, bool) (cid.Cid, error) `perm:"write"`
		BlockGet  func(context.Context, cid.Cid) ([]byte, error)       `perm:"read"`
		BlockHas  func(context.Context, cid.Cid) (bool, error)         `perm:"read"`
		BlockStat func(context.Context, cid.Cid) (BlockStat, error)    `perm:"read"`
		BlockRm   func(context.Context, cid.Cid) error                 `perm:"write"`

		PinAdd func(context.Context, cid.Cid, bool) error  `perm:"write"`
		PinRm  func(context.Context, cid.Cid) error        `perm:"write"`
		PinLs  func(context.Context) ([]pin.Status, error) `perm:"read"`
		GCRun  func(context.Context) (GCReport, error)     `perm:"admin"`

		ExchangeWantlist        func(context.Context) ([]cid.Cid, error)                  `perm:"read"`
		ExchangeWantlistForPeer func(context.Context, peer.ID) ([]cid.Cid, error)         `perm:"read"`
		ExchangeLedger          func(context.Context, peer.ID) (*exchange.Receipt, error) `perm:"read"`
		ExchangeStat            func(context.Context) (*exchange.Stat, error)             `perm:"read"`

		NetConnectedness func(context.Context, peer.ID) (network.Connectedness, error) `perm:"read"`
		NetPeers         func(context.Context) ([]peer.AddrInfo, error)                `perm:"read"`
		NetConnect       func(context.Context, peer.AddrInfo) error                    `perm:"write"`
		NetDisconnect    func(context.Context, peer.ID) error                          `perm:"write"`
		NetAddrsListen   func(context.Context) (peer.AddrInfo, error)                  `perm:"read"`

		ID        func(context.Context) (peer.ID, error)          `perm:"read"`
		Version   func(context.Context) (Version, error)          `perm:"read"`
		Session   func(context.Context) (uuid.UUID, error)        `perm:"read"`
		LogAlerts func(context.Context) ([]alerting.Alert, error) `perm:"admin"`
		Shutdown  func(context.Context) error                     `perm:"admin"`
	}
}

func (c *Struct) AuthVerify(ctx context.Context, token string) ([]auth.Permission, error) {
	return c.Internal.AuthVerify(ctx, token)
}

func (c *Struct) AuthNew(ctx context.Context, perms []auth.Permission) ([]byte, error) {
	return c.Internal.AuthNew(ctx, perms)
}

func (c *Struct) BlockPut(ctx context.Context, data []byte, pinned bool) (cid.Cid, error) {
	return c.Internal.BlockPut(ctx, data, pinned)
}

func (c *Struct) BlockGet(ctx context.Context, k cid.Cid) ([]byte, error) {
	return c.Internal.BlockGet(ctx, k)
}

func (c *Struct) BlockHas(ctx context.Context, k cid.Cid) (bool, error) {
	return c.Internal.BlockHas(ctx, k)
}

func (c *Struct) BlockStat(ctx context.Context, k cid.Cid) (BlockStat, error) {
	return c.Internal.BlockStat(ctx, k)
}

func (c *Struct) BlockRm(ctx context.Context, k cid.Cid) error {
	return c.Internal.BlockRm(ctx, k)
}

func (c *Struct) PinAdd(ctx context.Context, k cid.Cid, recursive bool) error {
	return c.Internal.PinAdd(ctx, k, recursive)
}

func (c *Struct) PinRm(ctx context.Context, k cid.Cid) error {
	return c.Internal.PinRm(ctx, k)
}

func (c *Struct) PinLs(ctx context.Context) ([]pin.Status, error) {
	return c.Internal.PinLs(ctx)
}

func (c *Struct) GCRun(ctx context.Context) (GCReport, error) {
	return c.Internal.GCRun(ctx)
}

func (c *Struct) ExchangeWantlist(ctx context.Context) ([]cid.Cid, error) {
	return c.Internal.ExchangeWantlist(ctx)
}

func (c *Struct) ExchangeWantlistForPeer(ctx context.Context, p peer.ID) ([]cid.Cid, error) {
	return c.Internal.ExchangeWantlistForPeer(ctx, p)
}

func (c *Struct) ExchangeLedger(ctx context.Context, p peer.ID) (*exchange.Receipt, error) {
	return c.Internal.ExchangeLedger(ctx, p)
}

func (c *Struct) ExchangeStat(ctx context.Context) (*exchange.Stat, error) {
	return c.Internal.ExchangeStat(ctx)
}

func (c *Struct) NetConnectedness(ctx context.Context, p peer.ID) (network.Connectedness, error) {
	return c.Internal.NetConnectedness(ctx, p)
}

func (c *Struct) NetPeers(ctx context.Context) ([]peer.AddrInfo, error) {
	return c.Internal.NetPeers(ctx)
}

func (c *Struct) NetConnect(ctx context.Context, p peer.AddrInfo) error {
	return c.Internal.NetConnect(ctx, p)
}

func (c *Struct) NetDisconnect(ctx context.Context, p peer.ID) error {
	return c.Internal.NetDisconnect(ctx, p)
}

func (c *Struct) NetAddrsListen(ctx context.Context) (peer.AddrInfo, error) {
	return c.Internal.NetAddrsListen(ctx)
}

// ID implements API.ID
func (c *Struct) ID(ctx context.Context) (peer.ID, error) {
	return c.Internal.ID(ctx)
}

// Version implements API.Version
func (c *Struct) Version(ctx context.Context) (Version, error) {
	return c.Internal.Version(ctx)
}

func (c *Struct) Session(ctx context.Context) (uuid.UUID, error) {
	return c.Internal.Session(ctx)
}

func (c *Struct) LogAlerts(ctx context.Context) ([]alerting.Alert, error) {
	return c.Internal.LogAlerts(ctx)
}

func (c *Struct) Shutdown(ctx context.Context) error {
	return c.Internal.Shutdown(ctx)
}

var _ API = &Struct{}
