package alerting

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/journal"
)

func TestAlerting(t *testing.T) {
	j := journal.NewMemoryJournal(journal.NoDisabledEvents)

	a := NewAlertingSystem(j)

	al1 := a.AddAlertType("s1", "b1")
	al2 := a.AddAlertType("s2", "b2")

	l := a.GetAlerts()
	require.Len(t, l, 2)
	require.Equal(t, al1, l[0].Type)
	require.Equal(t, al2, l[1].Type)

	for _, alert := range l {
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	a.Raise(al1, "test")

	for _, alert := range l { // check for no magic mutations
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	l = a.GetAlerts()
	require.Len(t, l, 2)
	require.Equal(t, al1, l[0].Type)
	require.Equal(t, al2, l[1].Type)

	require.True(t, l[0].Active)
	require.NotNil(t, l[0].LastActive)
	require.Equal(t, "raised", l[0].LastActive.Type)
	require.Equal(t, json.RawMessage(`"test"`), l[0].LastActive.Message)
	require.Nil(t, l[0].LastResolved)

	require.False(t, l[1].Active)
	require.Nil(t, l[1].LastActive)
	require.Nil(t, l[1].LastResolved)

	// raising journals the new alert state
	entries := j.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "s1", entries[0].System)
	require.Equal(t, "b1", entries[0].Event)

	a.Resolve(al1, "fixed")

	l = a.GetAlerts()
	require.False(t, l[0].Active)
	require.NotNil(t, l[0].LastActive)
	require.NotNil(t, l[0].LastResolved)
	require.Equal(t, "resolved", l[0].LastResolved.Type)
	require.Equal(t, json.RawMessage(`"fixed"`), l[0].LastResolved.Message)

	require.Len(t, j.Entries(), 2)
}
