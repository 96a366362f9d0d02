package fsjournal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-blockswap/journal"
	"github.com/filecoin-project/go-blockswap/node/repo"
)

func newtestfsjournal(t *testing.T, lr repo.LockedRepo, sizeLimit int64, keep int) *fsJournal {
	t.Helper()

	j, err := OpenFSJournal(lr, journal.NoDisabledEvents)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, j.Close())
	})

	f := j.(*fsJournal)
	f.sizeLimit = sizeLimit
	f.keep = keep
	return f
}

func TestJournalRecordsEvents(t *testing.T) {
	req := require.New(t)

	r := repo.NewMemory(nil)
	lr, err := r.Lock()
	req.NoError(err)

	j, err := OpenFSJournal(lr, journal.NoDisabledEvents)
	req.NoError(err)
	defer j.Close() // nolint: errcheck

	et := j.RegisterEventType("exchange", "test")
	j.RecordEvent(et, func() interface{} {
		return map[string]string{"msg": "hello"}
	})

	path := filepath.Join(lr.Path(), "journal", currentFile)
	req.Eventually(func() bool {
		b, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(b), `"hello"`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRollingRemovesOldFiles(t *testing.T) {
	req := require.New(t)

	r := repo.NewMemory(nil)
	lr, err := r.Lock()
	req.NoError(err)

	j := newtestfsjournal(t, lr, 0, 3)
	dir := filepath.Join(lr.Path(), "journal")

	for i := 0; i < j.keep; i++ {
		files, _ := os.ReadDir(dir)
		req.Lenf(files, i+1, "expected one rolled file per roll, plus the live journal")
		// rolled names have second resolution
		time.Sleep(time.Second)
		req.NoError(j.rollJournalFile())
	}

	// every roll past the limit prunes the oldest backup, keeping the
	// file count stable.
	for i := 0; i < 2; i++ {
		time.Sleep(time.Second)
		req.NoError(j.rollJournalFile())
		files, _ := os.ReadDir(dir)
		req.Lenf(files, j.keep+1, "backups are not being pruned from the journal directory")
	}
}
