package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save([]byte(`{"bindings":[]}`)))
	payload, err := s.Load()
	require.NoError(t, err)
	assert.JSONEq(t, `{"bindings":[]}`, string(payload))

	// A second save overwrites the single row.
	require.NoError(t, s.Save([]byte(`{"bindings":[1]}`)))
	payload, err = s.Load()
	require.NoError(t, err)
	assert.JSONEq(t, `{"bindings":[1]}`, string(payload))
}

func TestLoadEmptyStore(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load()
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save([]byte("payload")))

	// Force an incompatible stored version.
	_, err = s.db.Exec(`UPDATE snapshot SET format_version = 99`)
	require.NoError(t, err)

	_, err = s.Load()
	assert.ErrorIs(t, err, ErrVersionMismatch)
	require.NoError(t, s.Close())
}

func TestClear(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save([]byte("x")))
	require.NoError(t, s.Clear())
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")

	assert.ErrorIs(t, s.Save([]byte("x")), ErrStoreClosed)
	_, err = s.Load()
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save([]byte("survives")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	payload, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), payload)
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	perr := &PersistenceError{Op: "save", Err: inner}
	assert.ErrorIs(t, perr, inner)
	assert.Contains(t, perr.Error(), "disk full")
}
