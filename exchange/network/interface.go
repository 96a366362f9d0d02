// Package network is the connectivity boundary of the exchange: stream
// plumbing to peers, connect/disconnect notifications, and the provider
// routing adapter. The exchange core talks only to these interfaces;
// the libp2p implementation and the in-memory test network both live
// behind them.
package network

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/filecoin-project/go-blockswap/exchange/message"
)

// ProtocolBlockswap is the stream protocol spoken between nodes.
const ProtocolBlockswap protocol.ID = "/blockswap/1.0.0"

// MaxMessageSize bounds a single wire frame: the largest block plus
// batched entries and framing.
const MaxMessageSize = 4 << 20

// Network is the transport surface the exchange consumes. Sends are
// fire-and-forget from the caller's point of view; failures come back
// through the Receiver.
type Network interface {
	// SendMessage delivers msg to p over a fresh stream.
	SendMessage(ctx context.Context, p peer.ID, msg *message.Message) error

	// SetDelegate registers the receiver of inbound messages and
	// connection events, and starts accepting streams.
	SetDelegate(Receiver)

	ConnectTo(ctx context.Context, p peer.ID) error
	DisconnectFrom(ctx context.Context, p peer.ID) error

	// NewMessageSender opens a reusable outbound stream to p.
	NewMessageSender(ctx context.Context, p peer.ID) (MessageSender, error)

	ConnectionManager() connmgr.ConnManager

	Stats() Stats

	Self() peer.ID

	Routing
}

// MessageSender is a long-lived outbound stream to one peer.
type MessageSender interface {
	SendMsg(ctx context.Context, msg *message.Message) error
	Close() error
	Reset() error
}

// Receiver handles inbound traffic and connection lifecycle events.
type Receiver interface {
	ReceiveMessage(ctx context.Context, sender peer.ID, incoming *message.Message)

	// ReceiveError reports a failed receive from p. The stream is
	// already reset when this fires.
	ReceiveError(p peer.ID, err error)

	PeerConnected(peer.ID)
	PeerDisconnected(peer.ID)
}

// Routing resolves which peers may hold a key. Results are lazy and
// possibly empty; callers bound the wait themselves.
type Routing interface {
	// FindProvidersAsync returns a channel of at most max candidate
	// peers for k. The channel closes when the search ends.
	FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.ID

	// Provide announces that this node can serve k.
	Provide(ctx context.Context, k cid.Cid) error
}

// Stats are cumulative message counters for the lifetime of the
// network handle.
type Stats struct {
	MessagesSent  uint64
	MessagesRecvd uint64
}
