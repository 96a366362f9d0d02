package wantlist

import (
	"testing"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"
)

func testCids(names ...string) []cid.Cid {
	cs := make([]cid.Cid, len(names))
	for i, n := range names {
		cs[i] = blocks.NewBlock([]byte(n)).Cid()
	}
	return cs
}

func TestBasicAddRemove(t *testing.T) {
	cs := testCids("a", "b")
	wl := New()

	require.True(t, wl.Add(cs[0], 5, WantBlock))
	require.Equal(t, 1, wl.Len())

	e, ok := wl.Contains(cs[0])
	require.True(t, ok)
	require.Equal(t, int64(5), e.Priority)
	require.Equal(t, WantBlock, e.WantType)

	_, ok = wl.Contains(cs[1])
	require.False(t, ok)

	require.True(t, wl.Remove(cs[0]))
	require.False(t, wl.Remove(cs[0]))
	require.Equal(t, 0, wl.Len())
}

func TestAddTypeUpgradeOnly(t *testing.T) {
	c := testCids("upgrade")[0]
	wl := New()

	require.True(t, wl.Add(c, 1, WantHave))

	// a want-block supersedes the want-have
	require.True(t, wl.Add(c, 2, WantBlock))
	e, ok := wl.Contains(c)
	require.True(t, ok)
	require.Equal(t, WantBlock, e.WantType)

	// a want-have never downgrades a want-block
	require.False(t, wl.Add(c, 3, WantHave))
	e, _ = wl.Contains(c)
	require.Equal(t, WantBlock, e.WantType)
	require.Equal(t, int64(2), e.Priority)

	// re-adding the same type is a no-op too
	require.False(t, wl.Add(c, 9, WantBlock))
}

func TestRemoveType(t *testing.T) {
	c := testCids("typed")[0]
	wl := New()

	wl.Add(c, 1, WantBlock)
	require.False(t, wl.RemoveType(c, WantHave), "removing a want-have must not drop a want-block")
	require.Equal(t, 1, wl.Len())

	require.True(t, wl.RemoveType(c, WantBlock))
	require.Equal(t, 0, wl.Len())

	wl.Add(c, 1, WantHave)
	require.True(t, wl.RemoveType(c, WantBlock), "removing a want-block drops a want-have")
	require.Equal(t, 0, wl.Len())
}

func TestAbsorb(t *testing.T) {
	cs := testCids("one", "two")

	a := New()
	a.Add(cs[0], 1, WantHave)

	b := New()
	b.Add(cs[0], 2, WantBlock)
	b.Add(cs[1], 3, WantHave)

	a.Absorb(b)
	require.Equal(t, 2, a.Len())

	e, _ := a.Contains(cs[0])
	require.Equal(t, WantBlock, e.WantType)
}

func TestSortEntries(t *testing.T) {
	cs := testCids("x", "y", "z")
	wl := New()
	wl.Add(cs[0], 3, WantBlock)
	wl.Add(cs[1], 5, WantHave)
	wl.Add(cs[2], 4, WantBlock)

	es := wl.Entries()
	SortEntries(es)

	require.Equal(t, []int64{5, 4, 3}, []int64{es[0].Priority, es[1].Priority, es[2].Priority})
}
