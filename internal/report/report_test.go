package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResults_WriteToFile(t *testing.T) {
	r := New(time.Unix(1700000000, 500000000))
	require.NoError(t, r.AddResult("server[a]->client[b]", "id1", nil))
	require.NoError(t, r.AddResult("server[a]->client[c]", "id2", errors.New("expected success, got client exit 1")))
	require.NoError(t, r.AddSkip("server[a]->client[d]", "id3"))
	r.SetMetadata("run_id", "run-1")

	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, r.WriteToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	assert.EqualValues(t, 3, doc["version"])
	assert.Equal(t, ".", doc["path_delimiter"])
	assert.Equal(t, false, doc["interrupted"])
	assert.InDelta(t, 1700000000.5, doc["seconds_since_epoch"], 0.001)
	assert.Equal(t, map[string]any{"PASS": 1.0, "FAIL": 1.0, "SKIP": 1.0}, doc["num_failures_by_type"])
	assert.Equal(t, map[string]any{"run_id": "run-1"}, doc["metadata"])

	tests := doc["tests"].(map[string]any)
	require.Len(t, tests, 3)

	failed := tests["server[a]->client[c]"].(map[string]any)
	assert.Equal(t, "FAIL", failed["actual"])
	assert.Equal(t, "PASS", failed["expected"])
	assert.Equal(t, true, failed["is_unexpected"])
	assert.Equal(t, "expected success, got client exit 1", failed["error"])
	assert.Equal(t, "id2", failed["id"])

	passed := tests["server[a]->client[b]"].(map[string]any)
	assert.Equal(t, false, passed["is_unexpected"])
	assert.NotContains(t, passed, "error")
}

func TestResults_HasUnexpectedResults(t *testing.T) {
	r := New(time.Now())
	require.NoError(t, r.AddResult("ok", "", nil))
	require.NoError(t, r.AddSkip("skipped", ""))
	assert.False(t, r.HasUnexpectedResults())

	require.NoError(t, r.AddResult("bad", "", errors.New("mismatch")))
	assert.True(t, r.HasUnexpectedResults())
}

func TestResults_Duplicate(t *testing.T) {
	r := New(time.Now())
	require.NoError(t, r.AddResult("same", "", nil))
	assert.ErrorIs(t, r.AddResult("same", "", nil), ErrDuplicate)
}

func TestResults_Interrupted(t *testing.T) {
	r := New(time.Now())
	r.SetInterrupted()
	assert.True(t, r.Interrupted)
}
