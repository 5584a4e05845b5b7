package auditlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T, maxFileSize int64, maxFiles int, useCache bool) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := New(Config{Path: path, MaxFileSize: maxFileSize, MaxFiles: maxFiles, EnableMemoryStore: useCache, MaxMemoryEntries: 1000}, nil)
	require.NoError(t, err)
	return l
}

func TestAppendAndSearchViaCache(t *testing.T) {
	l := newTestLog(t, 10*1024*1024, 5, true)
	require.NoError(t, l.Append(Entry{EventType: "login", UserID: "u1", Outcome: "SUCCESS"}))
	require.NoError(t, l.Append(Entry{EventType: "login", UserID: "u2", Outcome: "FAILURE"}))

	res, err := l.Search(Query{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "u1", res[0].UserID)
}

func TestSearchReadsFilesWhenCacheDisabled(t *testing.T) {
	l := newTestLog(t, 10*1024*1024, 5, false)
	require.NoError(t, l.Append(Entry{EventType: "login", UserID: "u1", Outcome: "SUCCESS"}))

	res, err := l.Search(Query{EventType: "login"})
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestRotation(t *testing.T) {
	l := newTestLog(t, 1, 2, false) // tiny max size forces rotation on every append after the first

	require.NoError(t, l.Append(Entry{EventType: "a", Outcome: "SUCCESS"}))
	require.NoError(t, l.Append(Entry{EventType: "b", Outcome: "SUCCESS"}))
	require.NoError(t, l.Append(Entry{EventType: "c", Outcome: "SUCCESS"}))

	files, err := l.filesOldestFirstLocked()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(files), 3) // current + up to maxFiles rotated
}

func TestQueryTimeRange(t *testing.T) {
	l := newTestLog(t, 10*1024*1024, 5, true)
	now := time.Now().UTC()
	require.NoError(t, l.Append(Entry{EventType: "x", Timestamp: now.Add(-2 * time.Hour)}))
	require.NoError(t, l.Append(Entry{EventType: "x", Timestamp: now}))

	res, err := l.Search(Query{StartTime: now.Add(-1 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestSpecialCharacterPayloadRoundTrips(t *testing.T) {
	l := newTestLog(t, 10*1024*1024, 5, false)
	tricky := `line with "quotes", a \backslash\, and
a newline`
	require.NoError(t, l.Append(Entry{EventType: "weird", Action: tricky, Outcome: "SUCCESS"}))

	res, err := l.Search(Query{EventType: "weird"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, tricky, res[0].Action)
}

func TestInvalidLinesSkipped(t *testing.T) {
	l := newTestLog(t, 10*1024*1024, 5, false)
	require.NoError(t, l.Append(Entry{EventType: "ok", Outcome: "SUCCESS"}))

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := l.Search(Query{})
	require.NoError(t, err)
	require.Len(t, res, 1)
}
