package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreSave(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, testLogger())

	seg := &Segment{
		FragmentID:    uuid.New(),
		StreamID:      "demo",
		Kind:          KindAudio,
		BatchNumber:   3,
		Payload:       []byte{0x01, 0x02},
		DubbedPayload: []byte{0x03},
	}
	store.Save(seg)

	entries, err := os.ReadDir(filepath.Join(dir, "demo"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	raw, err := os.ReadFile(filepath.Join(dir, "demo", entries[0].Name()))
	require.NoError(t, err)
	if filepath.Ext(entries[0].Name()) == ".raw" && len(raw) == 2 {
		assert.Equal(t, []byte{0x01, 0x02}, raw)
	}
}

func TestStoreDisabled(t *testing.T) {
	store := NewStore("", testLogger())
	assert.Nil(t, store)
	// Saving through a nil store is a no-op.
	store.Save(&Segment{StreamID: "demo"})
}
