package message

import (
	"bytes"
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-msgio"
	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/exchange/wantlist"
)

func TestAppendWanted(t *testing.T) {
	c := blocks.NewBlock([]byte("wanted")).Cid()

	m := New(true)
	m.AddEntry(c, 1, wantlist.WantBlock)

	require.False(t, m.Empty())
	require.True(t, m.Full())

	wl := m.Wantlist()
	require.Len(t, wl, 1)
	require.Equal(t, c, wl[0].Cid)
	require.False(t, wl[0].Cancel)
}

func TestEntryMergeRules(t *testing.T) {
	c := blocks.NewBlock([]byte("merge")).Cid()

	m := New(false)
	m.AddEntry(c, 1, wantlist.WantHave)
	m.AddEntry(c, 2, wantlist.WantBlock)

	wl := m.Wantlist()
	require.Len(t, wl, 1)
	require.Equal(t, wantlist.WantBlock, wl[0].WantType)

	// a later want-have never downgrades the want-block
	m.AddEntry(c, 3, wantlist.WantHave)
	wl = m.Wantlist()
	require.Equal(t, wantlist.WantBlock, wl[0].WantType)

	// cancel sticks
	m.Cancel(c)
	m.AddEntry(c, 4, wantlist.WantBlock)
	wl = m.Wantlist()
	require.Len(t, wl, 1)
	require.True(t, wl[0].Cancel)
}

func TestBlockSubsumesHave(t *testing.T) {
	b := blocks.NewBlock([]byte("present"))

	m := New(false)
	m.AddHave(b.Cid())
	m.AddBlock(b)

	require.Empty(t, m.Haves())
	require.Len(t, m.Blocks(), 1)

	// and a have after the block is dropped outright
	m.AddHave(b.Cid())
	require.Empty(t, m.Haves())
}

func TestWireRoundtrip(t *testing.T) {
	b1 := blocks.NewBlock([]byte("first block"))
	b2 := blocks.NewBlock([]byte("second block"))
	wanted := blocks.NewBlock([]byte("still missing")).Cid()
	probed := blocks.NewBlock([]byte("just asking")).Cid()
	held := blocks.NewBlock([]byte("i have this")).Cid()

	m := New(true)
	m.AddEntry(wanted, 42, wantlist.WantBlock)
	m.AddEntry(probed, 7, wantlist.WantHave)
	m.Cancel(blocks.NewBlock([]byte("nevermind")).Cid())
	m.AddBlock(b1)
	m.AddBlock(b2)
	m.AddHave(held)

	var buf bytes.Buffer
	require.NoError(t, m.ToWire().MarshalCBOR(&buf))

	var w WireMessage
	require.NoError(t, w.UnmarshalCBOR(&buf))

	got, err := FromWire(&w)
	require.NoError(t, err)

	require.True(t, got.Full())
	require.ElementsMatch(t, m.Wantlist(), got.Wantlist())
	require.ElementsMatch(t, m.Haves(), got.Haves())

	gotBlocks := got.Blocks()
	require.Len(t, gotBlocks, 2)
	for _, b := range gotBlocks {
		want, ok := map[cid.Cid][]byte{
			b1.Cid(): b1.RawData(),
			b2.Cid(): b2.RawData(),
		}[b.Cid()]
		require.True(t, ok)
		require.Equal(t, want, b.RawData())
	}
}

func TestWireEntriesOrderedByPriority(t *testing.T) {
	m := New(false)
	m.AddEntry(blocks.NewBlock([]byte("low")).Cid(), 1, wantlist.WantBlock)
	m.AddEntry(blocks.NewBlock([]byte("high")).Cid(), 9, wantlist.WantBlock)
	m.AddEntry(blocks.NewBlock([]byte("mid")).Cid(), 5, wantlist.WantBlock)

	w := m.ToWire()
	require.Len(t, w.Entries, 3)
	require.Equal(t, int64(9), w.Entries[0].Priority)
	require.Equal(t, int64(5), w.Entries[1].Priority)
	require.Equal(t, int64(1), w.Entries[2].Priority)
}

func TestFromWireRejectsUnknownWantType(t *testing.T) {
	w := &WireMessage{
		Entries: []WireEntry{{
			Key:      blocks.NewBlock([]byte("bad type")).Cid(),
			WantType: 9,
		}},
	}
	_, err := FromWire(w)
	require.Error(t, err)
}

func TestFromWireKeepsClaimedKey(t *testing.T) {
	// decoding must not silently verify or rewrite the claimed key;
	// catching the mismatch is the receive path's job
	lie := blocks.NewBlock([]byte("the real bytes")).Cid()
	w := &WireMessage{
		Blocks: []WireBlock{{
			Key:  lie,
			Data: []byte("entirely different bytes"),
		}},
	}
	m, err := FromWire(w)
	require.NoError(t, err)

	bs := m.Blocks()
	require.Len(t, bs, 1)
	require.Equal(t, lie, bs[0].Cid())
	require.Equal(t, []byte("entirely different bytes"), bs[0].RawData())
}

func TestToNetFromMsgReader(t *testing.T) {
	b := blocks.NewBlock([]byte("framed"))

	m := New(false)
	m.AddBlock(b)
	m.AddEntry(blocks.NewBlock([]byte("asked")).Cid(), 3, wantlist.WantBlock)

	var buf bytes.Buffer
	require.NoError(t, m.ToNet(&buf))
	require.NoError(t, m.ToNet(&buf)) // two frames back to back

	r := msgio.NewVarintReaderSize(&buf, 4<<20)
	for i := 0; i < 2; i++ {
		got, err := FromMsgReader(r)
		require.NoError(t, err)
		require.Len(t, got.Blocks(), 1)
		require.Equal(t, b.RawData(), got.Blocks()[0].RawData())
		require.Len(t, got.Wantlist(), 1)
	}
}

func TestReset(t *testing.T) {
	m := New(false)
	m.AddEntry(blocks.NewBlock([]byte("gone")).Cid(), 1, wantlist.WantBlock)
	m.AddBlock(blocks.NewBlock([]byte("cleared")))
	m.AddHave(blocks.NewBlock([]byte("dropped")).Cid())

	m.Reset(true)
	require.True(t, m.Empty())
	require.True(t, m.Full())
}

func TestSizeGrowsWithContent(t *testing.T) {
	m := New(false)
	require.Zero(t, m.Size())

	m.AddEntry(blocks.NewBlock([]byte("sized")).Cid(), 1, wantlist.WantBlock)
	entryOnly := m.Size()
	require.Positive(t, entryOnly)

	m.AddBlock(blocks.NewBlock(make([]byte, 1024)))
	require.Greater(t, m.Size(), entryOnly+1024)
}
