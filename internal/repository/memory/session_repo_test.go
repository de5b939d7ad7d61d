package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
)

// storeToken сохраняет сессию для открытого токена
func storeToken(t *testing.T, repo *SessionRepo, userID, deviceID, token string, ttl time.Duration) *entity.Session {
	t.Helper()
	s, err := repo.Store(context.Background(), repository.StoreParams{
		UserID:    userID,
		DeviceID:  deviceID,
		TokenHash: entity.HashRefreshToken(token),
		TTL:       ttl,
	})
	require.NoError(t, err)
	return s
}

func TestSessionRepo_Store_SupersedesSameDevice(t *testing.T) {
	repo := NewSessionRepo()

	storeToken(t, repo, "u1", "phone", "t1", time.Hour)
	storeToken(t, repo, "u1", "tablet", "t2", time.Hour)
	storeToken(t, repo, "u1", "phone", "t3", time.Hour)

	old, ok := repo.Get(entity.HashRefreshToken("t1"))
	require.True(t, ok)
	assert.Equal(t, entity.RevokeReasonSuperseded, old.RevokeReason)

	active, err := repo.ListActive(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, active, 2, "Одна живая сессия на устройство")
}

func TestSessionRepo_Store_RejectsBadParams(t *testing.T) {
	repo := NewSessionRepo()

	_, err := repo.Store(context.Background(), repository.StoreParams{UserID: "u1", TokenHash: "h"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = repo.Store(context.Background(), repository.StoreParams{TokenHash: "h", TTL: time.Hour})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestSessionRepo_Rotate(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewSessionRepo()
	repo.SetClock(func() time.Time { return now })

	storeToken(t, repo, "u1", "phone", "live", time.Hour)
	storeToken(t, repo, "u1", "tablet", "short", time.Minute)

	t.Run("success", func(t *testing.T) {
		s, err := repo.Rotate(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, "u1", s.UserID)
		assert.Equal(t, "phone", s.DeviceID)
	})

	t.Run("reuse is rejected", func(t *testing.T) {
		_, err := repo.Rotate(ctx, "live")
		var failure *repository.RotateFailure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, repository.RotateReasonRevoked, failure.Reason)
		assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := repo.Rotate(ctx, "never-issued")
		var failure *repository.RotateFailure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, repository.RotateReasonUnknown, failure.Reason)
	})

	t.Run("expired token", func(t *testing.T) {
		repo.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
		_, err := repo.Rotate(ctx, "short")
		var failure *repository.RotateFailure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, repository.RotateReasonExpired, failure.Reason)
	})
}

func TestSessionRepo_Rotate_ConcurrentSingleWinner(t *testing.T) {
	repo := NewSessionRepo()
	storeToken(t, repo, "u1", "phone", "contested", time.Hour)

	const workers = 32
	var successes, failures int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := repo.Rotate(context.Background(), "contested")
			if err == nil {
				atomic.AddInt32(&successes, 1)
				return
			}
			if errors.Is(err, apperrors.ErrInvalidCredential) {
				atomic.AddInt32(&failures, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), successes, "Ротация должна удаться ровно один раз")
	assert.Equal(t, int32(workers-1), failures)
}

func TestSessionRepo_Revoke_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo()
	storeToken(t, repo, "u1", "phone", "t1", time.Hour)
	storeToken(t, repo, "u1", "tablet", "t2", time.Hour)

	n, err := repo.Revoke(ctx, "u1", "phone")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.Revoke(ctx, "u1", "phone")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "Повторный logout не должен ничего отзывать")

	n, err = repo.Revoke(ctx, "nobody", "phone")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = repo.Rotate(ctx, "t1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredential)

	_, err = repo.Rotate(ctx, "t2")
	assert.NoError(t, err, "Сессия другого устройства должна остаться живой")
}

func TestSessionRepo_RevokeAll(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo()
	storeToken(t, repo, "u1", "phone", "t1", time.Hour)
	storeToken(t, repo, "u1", "tablet", "t2", time.Hour)
	storeToken(t, repo, "u2", "phone", "t3", time.Hour)

	n, err := repo.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	active, err := repo.ListActive(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestSessionRepo_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewSessionRepo()
	repo.SetClock(func() time.Time { return now })

	storeToken(t, repo, "u1", "a", "short", time.Minute)
	storeToken(t, repo, "u1", "b", "long", time.Hour)

	n, err := repo.DeleteExpired(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := repo.Get(entity.HashRefreshToken("short"))
	assert.False(t, ok)
	_, ok = repo.Get(entity.HashRefreshToken("long"))
	assert.True(t, ok)
}
