// ABOUTME: Tests for credential load/save/purge and sealing
// ABOUTME: Uses the in-memory MockStore as the backend

package authstate

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoad_Absent(t *testing.T) {
	s, err := New(store.NewMockStore(), "", testLogger())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestNew_NilLogger(t *testing.T) {
	s, err := New(store.NewMockStore(), "secret", nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "s1", protocol.Credentials{"k": "v"}))
	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v", got["k"])
}

func TestSaveLoadPurge(t *testing.T) {
	for _, secret := range []string{"", "correct horse"} {
		t.Run("secret="+secret, func(t *testing.T) {
			ctx := context.Background()
			s, err := New(store.NewMockStore(), secret, testLogger())
			require.NoError(t, err)
			assert.Equal(t, secret != "", s.Sealed())

			creds := protocol.Credentials{"device": "abc", "token": "xyz"}
			require.NoError(t, s.Save(ctx, "s1", creds))

			got, err := s.Load(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, creds, got)

			ids, err := s.Sessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"s1"}, ids)

			require.NoError(t, s.Purge(ctx, "s1"))
			_, err = s.Load(ctx, "s1")
			assert.ErrorIs(t, err, ErrAbsent)
		})
	}
}

func TestSealedBlobIsNotPlaintext(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMockStore()
	s, err := New(backend, "secret", testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "s1", protocol.Credentials{"token": "super-secret-value"}))

	blob, err := backend.GetAuthState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, sealedVersion, blob[0])
	assert.NotContains(t, string(blob), "super-secret-value")
}

func TestSealedBlob_WrongKey(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMockStore()

	writer, err := New(backend, "one", testLogger())
	require.NoError(t, err)
	require.NoError(t, writer.Save(ctx, "s1", protocol.Credentials{"k": "v"}))

	reader, err := New(backend, "two", testLogger())
	require.NoError(t, err)
	_, err = reader.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrUndecryptable)

	unkeyed, err := New(backend, "", testLogger())
	require.NoError(t, err)
	_, err = unkeyed.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestSealedBlob_BoundToSession(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMockStore()
	s, err := New(backend, "secret", testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "s1", protocol.Credentials{"k": "v"}))
	blob, err := backend.GetAuthState(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, backend.SaveAuthState(ctx, "s2", blob))

	_, err = s.Load(ctx, "s2")
	assert.ErrorIs(t, err, ErrUndecryptable)
}

func TestUnsealedBlobReadableAfterEnablingKey(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMockStore()

	plain, err := New(backend, "", testLogger())
	require.NoError(t, err)
	require.NoError(t, plain.Save(ctx, "s1", protocol.Credentials{"k": "v"}))

	sealed, err := New(backend, "secret", testLogger())
	require.NoError(t, err)
	got, err := sealed.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v", got["k"])
}

func TestLoad_CorruptJSON(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMockStore()
	require.NoError(t, backend.SaveAuthState(ctx, "s1", []byte("{not json")))

	s, err := New(backend, "", testLogger())
	require.NoError(t, err)
	_, err = s.Load(ctx, "s1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrAbsent)
}
