package network

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/exchange/message"
)

var log = logging.Logger("bsnet")

// sendMessageTimeout caps a single message write; large blocks over
// slow links take a while.
const sendMessageTimeout = 10 * time.Minute

type libp2pNetwork struct {
	host    host.Host
	routing routing.ContentRouting

	receiver Receiver

	messagesSent  uint64
	messagesRecvd uint64
}

// NewFromHost wires the protocol onto a libp2p host. routing may be
// nil, in which case provider lookups come back empty.
func NewFromHost(h host.Host, r routing.ContentRouting) Network {
	return &libp2pNetwork{
		host:    h,
		routing: r,
	}
}

func (n *libp2pNetwork) SetDelegate(r Receiver) {
	n.receiver = r
	n.host.SetStreamHandler(ProtocolBlockswap, n.handleNewStream)
	n.host.Network().Notify((*netNotifiee)(n))
}

func (n *libp2pNetwork) Self() peer.ID {
	return n.host.ID()
}

func (n *libp2pNetwork) ConnectionManager() connmgr.ConnManager {
	return n.host.ConnManager()
}

func (n *libp2pNetwork) ConnectTo(ctx context.Context, p peer.ID) error {
	return n.host.Connect(ctx, peer.AddrInfo{ID: p})
}

func (n *libp2pNetwork) DisconnectFrom(ctx context.Context, p peer.ID) error {
	return n.host.Network().ClosePeer(p)
}

func (n *libp2pNetwork) newStream(ctx context.Context, p peer.ID) (network.Stream, error) {
	return n.host.NewStream(ctx, p, ProtocolBlockswap)
}

func (n *libp2pNetwork) SendMessage(ctx context.Context, p peer.ID, msg *message.Message) error {
	s, err := n.newStream(ctx, p)
	if err != nil {
		return err
	}

	if err := n.msgToStream(ctx, s, msg); err != nil {
		_ = s.Reset()
		return err
	}
	atomic.AddUint64(&n.messagesSent, 1)
	return s.Close()
}

func (n *libp2pNetwork) msgToStream(ctx context.Context, s network.Stream, msg *message.Message) error {
	deadline := time.Now().Add(sendMessageTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := s.SetWriteDeadline(deadline); err != nil {
		log.Warnf("error setting deadline: %s", err)
	}

	if err := msg.ToNet(s); err != nil {
		return xerrors.Errorf("writing message to %s: %w", s.Conn().RemotePeer(), err)
	}

	if err := s.SetWriteDeadline(time.Time{}); err != nil {
		log.Warnf("error resetting deadline: %s", err)
	}
	return nil
}

func (n *libp2pNetwork) handleNewStream(s network.Stream) {
	defer s.Close() //nolint:errcheck

	if n.receiver == nil {
		_ = s.Reset()
		return
	}

	reader := msgio.NewVarintReaderSize(s, MaxMessageSize)
	p := s.Conn().RemotePeer()
	for {
		received, err := message.FromMsgReader(reader)
		if err != nil {
			if err != io.EOF {
				_ = s.Reset()
				n.receiver.ReceiveError(p, err)
				log.Debugf("stream from %s died: %s", p, err)
			}
			return
		}

		atomic.AddUint64(&n.messagesRecvd, 1)
		n.receiver.ReceiveMessage(context.Background(), p, received)
	}
}

// streamMessageSender keeps one outbound stream alive across sends,
// reopening it once per send on failure.
type streamMessageSender struct {
	n  *libp2pNetwork
	to peer.ID
	s  network.Stream
}

func (n *libp2pNetwork) NewMessageSender(ctx context.Context, p peer.ID) (MessageSender, error) {
	s, err := n.newStream(ctx, p)
	if err != nil {
		return nil, err
	}
	return &streamMessageSender{n: n, to: p, s: s}, nil
}

func (ms *streamMessageSender) SendMsg(ctx context.Context, msg *message.Message) error {
	if ms.s == nil {
		s, err := ms.n.newStream(ctx, ms.to)
		if err != nil {
			return err
		}
		ms.s = s
	}

	err := ms.n.msgToStream(ctx, ms.s, msg)
	if err == nil {
		atomic.AddUint64(&ms.n.messagesSent, 1)
		return nil
	}

	// one fresh stream retry; the peer may have dropped the old one
	_ = ms.s.Reset()
	ms.s = nil

	s, rerr := ms.n.newStream(ctx, ms.to)
	if rerr != nil {
		return err
	}
	ms.s = s
	if err := ms.n.msgToStream(ctx, ms.s, msg); err != nil {
		_ = ms.s.Reset()
		ms.s = nil
		return err
	}
	atomic.AddUint64(&ms.n.messagesSent, 1)
	return nil
}

func (ms *streamMessageSender) Close() error {
	if ms.s == nil {
		return nil
	}
	return ms.s.Close()
}

func (ms *streamMessageSender) Reset() error {
	if ms.s == nil {
		return nil
	}
	err := ms.s.Reset()
	ms.s = nil
	return err
}

func (n *libp2pNetwork) FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.ID {
	out := make(chan peer.ID, max)
	if n.routing == nil {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		for info := range n.routing.FindProvidersAsync(ctx, k, max) {
			if info.ID == n.host.ID() {
				continue
			}
			n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
			select {
			case out <- info.ID:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (n *libp2pNetwork) Provide(ctx context.Context, k cid.Cid) error {
	if n.routing == nil {
		return nil
	}
	return n.routing.Provide(ctx, k, true)
}

func (n *libp2pNetwork) Stats() Stats {
	return Stats{
		MessagesSent:  atomic.LoadUint64(&n.messagesSent),
		MessagesRecvd: atomic.LoadUint64(&n.messagesRecvd),
	}
}

type netNotifiee libp2pNetwork

func (nn *netNotifiee) impl() *libp2pNetwork {
	return (*libp2pNetwork)(nn)
}

func (nn *netNotifiee) Connected(_ network.Network, c network.Conn) {
	nn.impl().receiver.PeerConnected(c.RemotePeer())
}

func (nn *netNotifiee) Disconnected(_ network.Network, c network.Conn) {
	nn.impl().receiver.PeerDisconnected(c.RemotePeer())
}

func (nn *netNotifiee) Listen(network.Network, ma.Multiaddr)      {}
func (nn *netNotifiee) ListenClose(network.Network, ma.Multiaddr) {}
