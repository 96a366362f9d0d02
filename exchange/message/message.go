// Package message implements the wire message of the block exchange
// protocol: a wantlist section (entries with priority, want type and
// cancel flag), a payload section of blocks, and a presence section of
// HAVE acknowledgments. One message carries any mix of the three, and
// handling is exhaustive over them; there is no absence notice, a peer
// that does not hold a key simply stays silent.
//
// On the wire a message is a varint-framed cbor tuple. Decoding never
// verifies block bytes against their keys; receivers do that before
// admitting a block anywhere.
package message

import (
	"bytes"
	"io"
	"sort"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-msgio"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
)

// MaxBlockSize is the largest block accepted off the wire. Larger
// payloads fail to decode.
const MaxBlockSize = 2 << 20

// Entry is one wantlist change carried by a message.
type Entry struct {
	wantlist.Entry
	Cancel bool
}

// Size is the approximate wire footprint of the entry, used for
// batching decisions.
func (e Entry) Size() int {
	return len(e.Cid.Bytes()) + 12
}

// BlockPresenceSize is the approximate wire footprint of a HAVE for c.
func BlockPresenceSize(c cid.Cid) int {
	return len(c.Bytes()) + 4
}

// Message accumulates wantlist changes, blocks and presences bound for
// a single peer. Not safe for concurrent use.
type Message struct {
	full     bool
	wantlist map[cid.Cid]Entry
	blocks   map[cid.Cid]blocks.Block
	haves    map[cid.Cid]struct{}
}

// New creates an empty message. full marks it as carrying the sender's
// complete wantlist rather than a diff.
func New(full bool) *Message {
	return &Message{
		full:     full,
		wantlist: make(map[cid.Cid]Entry),
		blocks:   make(map[cid.Cid]blocks.Block),
		haves:    make(map[cid.Cid]struct{}),
	}
}

// Full reports whether the wantlist section replaces the sender's
// previously known wantlist instead of patching it.
func (m *Message) Full() bool {
	return m.full
}

func (m *Message) Empty() bool {
	return len(m.wantlist) == 0 && len(m.blocks) == 0 && len(m.haves) == 0
}

// Wantlist returns the entries in descending priority order.
func (m *Message) Wantlist() []Entry {
	es := make([]Entry, 0, len(m.wantlist))
	for _, e := range m.wantlist {
		es = append(es, e)
	}
	sortEntries(es)
	return es
}

func (m *Message) Blocks() []blocks.Block {
	bs := make([]blocks.Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		bs = append(bs, b)
	}
	return bs
}

func (m *Message) Haves() []cid.Cid {
	cs := make([]cid.Cid, 0, len(m.haves))
	for c := range m.haves {
		cs = append(cs, c)
	}
	return cs
}

// AddEntry records a want for c, upgrading any existing entry the way
// wantlists do. Returns the change in message size.
func (m *Message) AddEntry(c cid.Cid, priority int64, wantType wantlist.WantType) int {
	return m.addEntry(c, priority, false, wantType)
}

// Cancel records a cancel for c, replacing any pending want for it.
// Returns the change in message size.
func (m *Message) Cancel(c cid.Cid) int {
	return m.addEntry(c, 0, true, wantlist.WantBlock)
}

func (m *Message) addEntry(c cid.Cid, priority int64, cancel bool, wantType wantlist.WantType) int {
	e, exists := m.wantlist[c]
	if exists {
		// refresh priority within the same type
		if e.WantType == wantType {
			e.Priority = priority
		}
		// cancel is sticky
		if cancel {
			e.Cancel = true
		}
		// want-block overrides an existing want-have
		if wantType == wantlist.WantBlock && e.WantType == wantlist.WantHave {
			e.WantType = wantlist.WantBlock
		}
		m.wantlist[c] = e
		return 0
	}

	ne := Entry{
		Entry: wantlist.Entry{
			Cid:      c,
			Priority: priority,
			WantType: wantType,
		},
		Cancel: cancel,
	}
	m.wantlist[c] = ne
	return ne.Size()
}

// AddBlock adds a payload block, replacing any pending HAVE for the
// same key; the block subsumes it.
func (m *Message) AddBlock(b blocks.Block) {
	delete(m.haves, b.Cid())
	m.blocks[b.Cid()] = b
}

// AddHave adds a presence acknowledgment unless the block itself is
// already in the payload.
func (m *Message) AddHave(c cid.Cid) {
	if _, ok := m.blocks[c]; ok {
		return
	}
	m.haves[c] = struct{}{}
}

// Size is the approximate wire footprint of the whole message.
func (m *Message) Size() int {
	size := 0
	for _, e := range m.wantlist {
		size += e.Size()
	}
	for _, b := range m.blocks {
		size += len(b.Cid().Bytes()) + len(b.RawData()) + 8
	}
	for c := range m.haves {
		size += BlockPresenceSize(c)
	}
	return size
}

// Clone returns a deep enough copy: sections are fresh maps, blocks are
// shared (immutable).
func (m *Message) Clone() *Message {
	out := New(m.full)
	for c, e := range m.wantlist {
		out.wantlist[c] = e
	}
	for c, b := range m.blocks {
		out.blocks[c] = b
	}
	for c := range m.haves {
		out.haves[c] = struct{}{}
	}
	return out
}

// Reset clears all sections and sets the full flag.
func (m *Message) Reset(full bool) {
	m.full = full
	for c := range m.wantlist {
		delete(m.wantlist, c)
	}
	for c := range m.blocks {
		delete(m.blocks, c)
	}
	for c := range m.haves {
		delete(m.haves, c)
	}
}

// ToWire converts to the cbor wire shape.
func (m *Message) ToWire() *WireMessage {
	w := &WireMessage{
		Full:    m.full,
		Entries: make([]WireEntry, 0, len(m.wantlist)),
		Blocks:  make([]WireBlock, 0, len(m.blocks)),
		Haves:   make([]cid.Cid, 0, len(m.haves)),
	}
	for _, e := range m.Wantlist() {
		w.Entries = append(w.Entries, WireEntry{
			Key:      e.Cid,
			Priority: e.Priority,
			Cancel:   e.Cancel,
			WantType: int64(e.WantType),
		})
	}
	for _, b := range m.blocks {
		w.Blocks = append(w.Blocks, WireBlock{
			Key:  b.Cid(),
			Data: b.RawData(),
		})
	}
	for c := range m.haves {
		w.Haves = append(w.Haves, c)
	}
	return w
}

// FromWire converts a decoded wire message. Block bytes are wrapped
// under their claimed keys without verification; the receive path is
// responsible for recomputing hashes before the blocks go anywhere.
func FromWire(w *WireMessage) (*Message, error) {
	m := New(w.Full)
	for _, e := range w.Entries {
		if !e.Key.Defined() {
			return nil, xerrors.New("wantlist entry with undefined key")
		}
		wt := wantlist.WantType(e.WantType)
		if wt != wantlist.WantBlock && wt != wantlist.WantHave {
			return nil, xerrors.Errorf("unknown want type %d", e.WantType)
		}
		if e.Cancel {
			m.Cancel(e.Key)
		} else {
			m.AddEntry(e.Key, e.Priority, wt)
		}
	}
	for _, b := range w.Blocks {
		if !b.Key.Defined() {
			return nil, xerrors.New("block with undefined key")
		}
		blk, err := blocks.NewBlockWithCid(b.Data, b.Key)
		if err != nil {
			return nil, xerrors.Errorf("wrapping block %s: %w", b.Key, err)
		}
		m.AddBlock(blk)
	}
	for _, c := range w.Haves {
		if !c.Defined() {
			return nil, xerrors.New("presence with undefined key")
		}
		m.AddHave(c)
	}
	return m, nil
}

// ToNet writes the message to w as one varint-delimited frame.
func (m *Message) ToNet(w io.Writer) error {
	buf := new(bytes.Buffer)
	if err := m.ToWire().MarshalCBOR(buf); err != nil {
		return xerrors.Errorf("encoding message: %w", err)
	}
	if err := msgio.NewVarintWriter(w).WriteMsg(buf.Bytes()); err != nil {
		return xerrors.Errorf("writing message frame: %w", err)
	}
	return nil
}

// FromMsgReader reads the next framed message off r.
func FromMsgReader(r msgio.Reader) (*Message, error) {
	frame, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}

	var w WireMessage
	err = w.UnmarshalCBOR(bytes.NewReader(frame))
	r.ReleaseMsg(frame)
	if err != nil {
		return nil, xerrors.Errorf("decoding message: %w", err)
	}
	return FromWire(&w)
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Priority == es[j].Priority {
			return es[i].Cid.KeyString() < es[j].Cid.KeyString()
		}
		return es[i].Priority > es[j].Priority
	})
}
