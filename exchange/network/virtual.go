package network

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/connmgr"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/exchange/message"
)

// VirtualNetwork connects exchange instances in memory for tests:
// in-order per-peer delivery, explicit connect/disconnect, and a shared
// provider index standing in for the routing layer. Messages are cloned
// on send, so senders may reuse their buffers.
type VirtualNetwork struct {
	mu        sync.Mutex
	clients   map[peer.ID]*virtualClient
	conns     map[peer.ID]map[peer.ID]struct{}
	providers map[cid.Cid]map[peer.ID]struct{}
}

func NewVirtual() *VirtualNetwork {
	return &VirtualNetwork{
		clients:   make(map[peer.ID]*virtualClient),
		conns:     make(map[peer.ID]map[peer.ID]struct{}),
		providers: make(map[cid.Cid]map[peer.ID]struct{}),
	}
}

// Client returns the network handle for p, creating it on first use.
func (vn *VirtualNetwork) Client(p peer.ID) Network {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	c, ok := vn.clients[p]
	if !ok {
		c = &virtualClient{
			vn:    vn,
			self:  p,
			inbox: make(chan netEvent, 1024),
			done:  make(chan struct{}),
		}
		vn.clients[p] = c
	}
	return c
}

// Shutdown stops every client's delivery loop.
func (vn *VirtualNetwork) Shutdown() {
	vn.mu.Lock()
	defer vn.mu.Unlock()

	for _, c := range vn.clients {
		c.stop()
	}
}

func (vn *VirtualNetwork) connectedLocked(a, b peer.ID) bool {
	_, ok := vn.conns[a][b]
	return ok
}

func (vn *VirtualNetwork) markConnectedLocked(a, b peer.ID) {
	for _, pair := range [][2]peer.ID{{a, b}, {b, a}} {
		m, ok := vn.conns[pair[0]]
		if !ok {
			m = make(map[peer.ID]struct{})
			vn.conns[pair[0]] = m
		}
		m[pair[1]] = struct{}{}
	}
}

func (vn *VirtualNetwork) unmarkConnectedLocked(a, b peer.ID) {
	delete(vn.conns[a], b)
	delete(vn.conns[b], a)
}

type eventKind int

const (
	evMessage eventKind = iota
	evConnected
	evDisconnected
)

type netEvent struct {
	kind eventKind
	from peer.ID
	msg  *message.Message
}

type virtualClient struct {
	vn   *VirtualNetwork
	self peer.ID

	receiver Receiver
	inbox    chan netEvent
	done     chan struct{}
	stopOnce sync.Once

	messagesSent  uint64
	messagesRecvd uint64
}

var _ Network = (*virtualClient)(nil)

func (c *virtualClient) SetDelegate(r Receiver) {
	c.receiver = r
	go c.deliverLoop()
}

func (c *virtualClient) deliverLoop() {
	for {
		select {
		case ev := <-c.inbox:
			switch ev.kind {
			case evMessage:
				atomic.AddUint64(&c.messagesRecvd, 1)
				c.receiver.ReceiveMessage(context.Background(), ev.from, ev.msg)
			case evConnected:
				c.receiver.PeerConnected(ev.from)
			case evDisconnected:
				c.receiver.PeerDisconnected(ev.from)
			}
		case <-c.done:
			return
		}
	}
}

func (c *virtualClient) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

func (c *virtualClient) enqueue(ev netEvent) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

func (c *virtualClient) Self() peer.ID {
	return c.self
}

func (c *virtualClient) SendMessage(ctx context.Context, to peer.ID, msg *message.Message) error {
	c.vn.mu.Lock()
	target, ok := c.vn.clients[to]
	connected := ok && c.vn.connectedLocked(c.self, to)
	c.vn.mu.Unlock()

	if !connected {
		return xerrors.Errorf("%s is not connected to %s", c.self, to)
	}

	atomic.AddUint64(&c.messagesSent, 1)
	target.enqueue(netEvent{kind: evMessage, from: c.self, msg: msg.Clone()})
	return nil
}

func (c *virtualClient) ConnectTo(ctx context.Context, p peer.ID) error {
	if p == c.self {
		return nil
	}

	c.vn.mu.Lock()
	other, ok := c.vn.clients[p]
	if !ok {
		c.vn.mu.Unlock()
		return xerrors.Errorf("unknown peer %s", p)
	}
	if c.vn.connectedLocked(c.self, p) {
		c.vn.mu.Unlock()
		return nil
	}
	c.vn.markConnectedLocked(c.self, p)
	c.vn.mu.Unlock()

	c.enqueue(netEvent{kind: evConnected, from: p})
	other.enqueue(netEvent{kind: evConnected, from: c.self})
	return nil
}

func (c *virtualClient) DisconnectFrom(ctx context.Context, p peer.ID) error {
	c.vn.mu.Lock()
	other, ok := c.vn.clients[p]
	if !ok || !c.vn.connectedLocked(c.self, p) {
		c.vn.mu.Unlock()
		return nil
	}
	c.vn.unmarkConnectedLocked(c.self, p)
	c.vn.mu.Unlock()

	c.enqueue(netEvent{kind: evDisconnected, from: p})
	other.enqueue(netEvent{kind: evDisconnected, from: c.self})
	return nil
}

type virtualSender struct {
	c  *virtualClient
	to peer.ID
}

func (c *virtualClient) NewMessageSender(ctx context.Context, p peer.ID) (MessageSender, error) {
	c.vn.mu.Lock()
	connected := c.vn.connectedLocked(c.self, p)
	c.vn.mu.Unlock()
	if !connected {
		return nil, xerrors.Errorf("%s is not connected to %s", c.self, p)
	}
	return &virtualSender{c: c, to: p}, nil
}

func (s *virtualSender) SendMsg(ctx context.Context, msg *message.Message) error {
	return s.c.SendMessage(ctx, s.to, msg)
}

func (s *virtualSender) Close() error { return nil }
func (s *virtualSender) Reset() error { return nil }

func (c *virtualClient) ConnectionManager() connmgr.ConnManager {
	return &connmgr.NullConnMgr{}
}

func (c *virtualClient) FindProvidersAsync(ctx context.Context, k cid.Cid, max int) <-chan peer.ID {
	c.vn.mu.Lock()
	var found []peer.ID
	for p := range c.vn.providers[k] {
		if p == c.self {
			continue
		}
		found = append(found, p)
		if len(found) >= max {
			break
		}
	}
	c.vn.mu.Unlock()

	out := make(chan peer.ID, len(found))
	for _, p := range found {
		out <- p
	}
	close(out)
	return out
}

func (c *virtualClient) Provide(ctx context.Context, k cid.Cid) error {
	c.vn.mu.Lock()
	defer c.vn.mu.Unlock()

	m, ok := c.vn.providers[k]
	if !ok {
		m = make(map[peer.ID]struct{})
		c.vn.providers[k] = m
	}
	m[c.self] = struct{}{}
	return nil
}

func (c *virtualClient) Stats() Stats {
	return Stats{
		MessagesSent:  atomic.LoadUint64(&c.messagesSent),
		MessagesRecvd: atomic.LoadUint64(&c.messagesRecvd),
	}
}
