package valkeystore_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/brewmate-auth/internal/dbtest/valkeytest"
	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/jrsteele09/brewmate-auth/storage"
	"github.com/jrsteele09/brewmate-auth/storage/valkeystore"
	"github.com/stretchr/testify/require"
)

func TestNewRepo(t *testing.T) {
	_, err := valkeystore.NewRepo(nil, "brewmate", "default")
	require.Error(t, err)
}

func TestRepo(t *testing.T) {
	client := valkeytest.Start(t)
	ctx := context.Background()

	repo, err := valkeystore.NewRepo(client, "brewmate-test:", t.Name())
	require.NoError(t, err)
	require.Equal(t, "brewmate-test:session:"+t.Name(), repo.Key())
	t.Cleanup(func() { _ = repo.Delete(context.Background()) })

	_, err = repo.Load(ctx)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)

	record := &storage.Record{
		Provider:     "google",
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.Save(ctx, record))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "refresh", got.RefreshToken)
	require.True(t, record.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, repo.Delete(ctx))
	_, err = repo.Load(ctx)
	require.ErrorIs(t, err, autherrors.ErrSessionNotFound)
}
