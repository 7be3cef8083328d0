package authflow_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jrsteele09/brewmate-auth/authflow"
	autherrors "github.com/jrsteele09/brewmate-auth/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRepo(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("round trip returns a copy", func(t *testing.T) {
		repo := authflow.NewInMemoryRepo()
		in := &authflow.AuthFlowState{Provider: "google", CodeVerifier: "verifier", Nonce: "nonce", CreatedAt: created}
		require.NoError(t, repo.Upsert("s1", in))

		in.Nonce = "changed"
		got, err := repo.Get("s1")
		require.NoError(t, err)
		require.Equal(t, "nonce", got.Nonce)
		require.Equal(t, "google", got.Provider)

		got.CodeVerifier = "changed"
		again, err := repo.Get("s1")
		require.NoError(t, err)
		require.Equal(t, "verifier", again.CodeVerifier)
	})

	t.Run("missing and deleted states", func(t *testing.T) {
		repo := authflow.NewInMemoryRepo()
		_, err := repo.Get("nope")
		require.ErrorIs(t, err, autherrors.ErrAuthFlowNotFound)

		require.NoError(t, repo.Upsert("s1", &authflow.AuthFlowState{CreatedAt: created}))
		require.NoError(t, repo.Delete("s1"))
		_, err = repo.Get("s1")
		require.ErrorIs(t, err, autherrors.ErrAuthFlowNotFound)
	})

	t.Run("consume hands a flow out once", func(t *testing.T) {
		repo := authflow.NewInMemoryRepo()
		require.NoError(t, repo.Upsert("s1", &authflow.AuthFlowState{Provider: "kakao", CodeVerifier: "verifier", CreatedAt: created}))

		got, err := repo.Consume("s1")
		require.NoError(t, err)
		require.Equal(t, "verifier", got.CodeVerifier)

		_, err = repo.Consume("s1")
		require.ErrorIs(t, err, autherrors.ErrAuthFlowNotFound)
		_, err = repo.Get("s1")
		require.ErrorIs(t, err, autherrors.ErrAuthFlowNotFound)
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		repo := authflow.NewInMemoryRepo()
		require.NoError(t, repo.Upsert("s1", &authflow.AuthFlowState{CreatedAt: created}))

		var wg sync.WaitGroup
		var redeemed atomic.Int32
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := repo.Consume("s1"); err == nil {
					redeemed.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), redeemed.Load())
	})

	t.Run("empty arguments", func(t *testing.T) {
		repo := authflow.NewInMemoryRepo()
		require.Error(t, repo.Upsert("", &authflow.AuthFlowState{}))
		require.Error(t, repo.Upsert("s1", nil))
		_, err := repo.Get("")
		require.Error(t, err)
		require.Error(t, repo.Delete(""))
		_, err = repo.Consume("")
		require.Error(t, err)
	})

	t.Run("expired flows are swept", func(t *testing.T) {
		repo := authflow.NewInMemoryRepo()
		require.NoError(t, repo.Upsert("old", &authflow.AuthFlowState{CreatedAt: created}))
		require.NoError(t, repo.Upsert("new", &authflow.AuthFlowState{CreatedAt: created.Add(time.Hour)}))

		require.Equal(t, 1, repo.DeleteExpired(created.Add(time.Minute)))
		_, err := repo.Get("old")
		require.ErrorIs(t, err, autherrors.ErrAuthFlowNotFound)
		_, err = repo.Get("new")
		require.NoError(t, err)
	})
}
