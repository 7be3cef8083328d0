package filestore_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/jrsteele09/brewmate-auth/storage"
	"github.com/jrsteele09/brewmate-auth/storage/filestore"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T, path string) *filestore.Repo {
	t.Helper()
	key, err := filestore.GenerateKey()
	require.NoError(t, err)
	repo, err := filestore.NewRepo(path, key)
	require.NoError(t, err)
	return repo
}

func TestRepo_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.sealed")
	repo := newRepo(t, path)

	_, err := repo.Load(ctx)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)

	record := &storage.Record{
		Provider:     "kakao",
		AccessToken:  "access-secret",
		RefreshToken: "refresh-secret",
		ExpiresAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Save(ctx, record))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, record.AccessToken, got.AccessToken)
	require.Equal(t, record.RefreshToken, got.RefreshToken)
	require.True(t, record.ExpiresAt.Equal(got.ExpiresAt))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.False(t, strings.Contains(string(raw), "access-secret"))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, repo.Delete(ctx))
	require.NoError(t, repo.Delete(ctx))
	_, err = repo.Load(ctx)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}

func TestRepo_WrongKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.sealed")

	require.NoError(t, newRepo(t, path).Save(ctx, &storage.Record{AccessToken: "a", RefreshToken: "r"}))

	_, err := newRepo(t, path).Load(ctx)
	require.ErrorIs(t, err, filestore.ErrCorrupt)
}

func TestNewRepo_Validation(t *testing.T) {
	_, err := filestore.NewRepo("", strings.Repeat("00", 32))
	require.Error(t, err)

	_, err = filestore.NewRepo("session.sealed", "not-hex")
	require.Error(t, err)

	_, err = filestore.NewRepo("session.sealed", "abcd")
	require.Error(t, err)
}
