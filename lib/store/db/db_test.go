package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/dapp/lib/store"
	"github.com/tarancss/dapp/lib/store/leveldb"
)

func TestNew(t *testing.T) {
	_, err := New("sqlite", "", zap.NewNop())
	assert.Error(t, err)

	dh, err := New(LEVELDB, filepath.Join(t.TempDir(), "dapp"), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &leveldb.LevelDB{}, dh)

	require.NoError(t, dh.SaveSession(store.Session{ID: "s1", Net: "stokenet"}))
	require.NoError(t, Close(dh))
}
