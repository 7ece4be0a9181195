package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	day1 := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)

	require.NoError(t, j.Record(Entry{Timestamp: day1, UserID: "1", Username: "alice", Action: ActionStart}))
	require.NoError(t, j.Record(Entry{Timestamp: day2, UserID: "1", Username: "alice", Action: ActionLogout}))

	assert.FileExists(t, filepath.Join(dir, "2024-03-01.log"))
	assert.FileExists(t, filepath.Join(dir, "2024-03-02.log"))
}

func TestRecordStampsIDAndTime(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	require.NoError(t, j.Record(Entry{UserID: "2", Action: ActionContactsExport, IP: "10.0.0.1"}))

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, fixed, entries[0].Timestamp)
	assert.Equal(t, "10.0.0.1", entries[0].IP)
}

func TestRecentNewestFirstAcrossDays(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	actions := []Action{ActionStart, ActionContactsExport, ActionChatsRead, ActionDisconnect}
	for i, a := range actions {
		require.NoError(t, j.Record(Entry{Timestamp: base.Add(time.Duration(i) * 12 * time.Hour), UserID: "1", Action: a}))
	}

	entries, err := j.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ActionDisconnect, entries[0].Action)
	assert.Equal(t, ActionChatsRead, entries[1].Action)
	assert.Equal(t, ActionContactsExport, entries[2].Action)

	all, err := ReadRecent(dir, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestReadRecentSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2024-01-01.log"),
		[]byte("not json\n{\"id\":\"a\",\"action\":\"START\",\"timestamp\":\"2024-01-01T00:00:00Z\"}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "latest.log"), []byte("ignored"), 0o644))

	entries, err := ReadRecent(dir, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)
}

func TestReadRecentMissingDir(t *testing.T) {
	entries, err := ReadRecent(filepath.Join(t.TempDir(), "missing"), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Record(Entry{Action: ActionStart}))
	entries, err := j.Recent(5)
	assert.NoError(t, err)
	assert.Nil(t, entries)
	assert.NoError(t, j.Close())
}
