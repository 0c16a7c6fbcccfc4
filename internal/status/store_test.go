package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir())

	rec := &Record{
		AgentID:              "agent-7",
		TaskID:               "7",
		Status:               StatusInProgress,
		CompletionPercentage: 42,
		LastUpdate:           time.Now().UTC().Truncate(time.Second),
		Errors:               []string{"flaky test on first attempt"},
	}
	require.NoError(t, store.Write(rec))

	got, err := store.Read("agent-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.AgentID, got.AgentID)
	assert.Equal(t, rec.TaskID, got.TaskID)
	assert.Equal(t, rec.Status, got.Status)
	assert.Equal(t, rec.CompletionPercentage, got.CompletionPercentage)
	assert.True(t, rec.LastUpdate.Equal(got.LastUpdate))
	assert.Equal(t, rec.Errors, got.Errors)
}

func TestReadMissingReturnsNil(t *testing.T) {
	store := NewFileStore(t.TempDir())

	rec, err := store.Read("agent-nope")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "agent-1"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent-1", "status.json"), []byte("{partial"), 0644))

	_, err := store.Read("agent-1")
	require.Error(t, err)
	var ce *CorruptError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "agent-1", ce.AgentID)
}

func TestScanSkipsCorrupt(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	require.NoError(t, store.Write(NewRecord("agent-1", "1")))
	require.NoError(t, store.Write(NewRecord("agent-2", "2")))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "agent-3"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent-3", "status.json"), []byte("not json"), 0644))

	records, corrupt, err := store.Scan()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "agent-1", records[0].AgentID)
	assert.Equal(t, "agent-2", records[1].AgentID)
	require.Len(t, corrupt, 1)
	assert.Equal(t, "agent-3", corrupt[0].AgentID)
}

func TestScanEmptyRoot(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "does-not-exist"))

	records, corrupt, err := store.Scan()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, corrupt)
}

func TestScanIgnoresAgentsWithoutStatusFile(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir)

	// Isolation root exists but the agent hasn't written yet.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "agent-1"), 0755))
	require.NoError(t, store.Write(NewRecord("agent-2", "2")))

	records, corrupt, err := store.Scan()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "agent-2", records[0].AgentID)
	assert.Empty(t, corrupt)
}
