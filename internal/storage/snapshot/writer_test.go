package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_Throttle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared", "state.json")
	w, err := NewWriter(path, 5*time.Second)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	w.now = func() time.Time { return now }

	written, err := w.Write(State{FreeCash: "100"}, false)
	require.NoError(t, err)
	assert.True(t, written)

	now = now.Add(2 * time.Second)
	written, err = w.Write(State{FreeCash: "200"}, false)
	require.NoError(t, err)
	assert.False(t, written)

	state, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "100", state.FreeCash)

	written, err = w.Write(State{FreeCash: "300"}, true)
	require.NoError(t, err)
	assert.True(t, written)

	now = now.Add(6 * time.Second)
	written, err = w.Write(State{FreeCash: "400"}, false)
	require.NoError(t, err)
	assert.True(t, written)

	state, err = Read(path)
	require.NoError(t, err)
	assert.Equal(t, "400", state.FreeCash)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_FailedRenameLeavesNoTempFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "occupied"), 0o755))

	w, err := NewWriter(path, time.Second)
	require.NoError(t, err)

	written, err := w.Write(State{FreeCash: "100"}, true)
	assert.Error(t, err)
	assert.False(t, written)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRead_OptionalFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"timestamp":"2024-01-02T03:04:05Z","free_cash_eur":"12"}`), 0o644))

	state, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "12", state.FreeCash)
	assert.Nil(t, state.GasStatus)
	assert.Empty(t, state.OpenTrades)

	missing, err := Read(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.True(t, missing.Timestamp.IsZero())
}
