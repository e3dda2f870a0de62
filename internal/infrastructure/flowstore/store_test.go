package flowstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orris-inc/flowlink/internal/shared/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "flows.json"), logger.NewNop())
}

func TestSign(t *testing.T) {
	// sha1("abc")
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", Sign([]byte("abc")))
}

func TestStore_WriteRecordsSignature(t *testing.T) {
	s := newTestStore(t)
	assert.Empty(t, s.Signature())
	assert.Equal(t, "flows.json", s.Name())

	content := []byte(`[{"id":"n1","type":"inject"}]`)
	sig, err := s.Write(content)
	require.NoError(t, err)
	assert.Equal(t, Sign(content), sig)
	assert.Equal(t, sig, s.Signature())

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, content, got)

	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestStore_WriteFailsWhenDirectoryMissing(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing", "flows.json"), logger.NewNop())
	_, err := s.Write([]byte("[]"))
	assert.Error(t, err)
	assert.Empty(t, s.Signature())
}

func TestStore_ReadMissingFile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_Refresh(t *testing.T) {
	s := newTestStore(t)

	sig, changed, err := s.Refresh()
	require.NoError(t, err)
	assert.Empty(t, sig)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(s.Path(), []byte("[]"), 0o644))
	sig, changed, err = s.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, Sign([]byte("[]")), sig)

	_, changed, err = s.Refresh()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.Remove(s.Path()))
	sig, changed, err = s.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, sig)
}

func TestStore_Watch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("[]"), 0o644))

	changes := make(chan struct{}, 16)
	removals := make(chan struct{}, 16)
	ready := make(chan error, 1)

	ctx := t.Context()
	go func() {
		ready <- s.Watch(ctx,
			func() { changes <- struct{}{} },
			func() { removals <- struct{}{} },
		)
	}()

	// fsnotify registration is asynchronous
	time.Sleep(100 * time.Millisecond)

	// unrelated files in the same directory are ignored
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(s.Path()), "other.json"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`[{"id":"a"}]`), 0o644))

	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
	}

	require.NoError(t, os.Remove(s.Path()))
	select {
	case <-removals:
	case <-time.After(3 * time.Second):
		t.Fatal("no remove event")
	}
}
