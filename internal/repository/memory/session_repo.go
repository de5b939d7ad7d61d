package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
)

// SessionRepo хранит refresh-сессии в памяти.
type SessionRepo struct {
	mu     sync.Mutex
	nextID uint
	byHash map[string]*entity.Session
	now    func() time.Time
}

var _ repository.SessionRegistry = (*SessionRepo)(nil)

// NewSessionRepo создает пустой реестр сессий.
func NewSessionRepo() *SessionRepo {
	return &SessionRepo{
		byHash: make(map[string]*entity.Session),
		now:    time.Now,
	}
}

// SetClock подменяет источник времени.
func (r *SessionRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Store отзывает живую сессию устройства и сохраняет новую.
func (r *SessionRepo) Store(_ context.Context, params repository.StoreParams) (*entity.Session, error) {
	if params.UserID == "" || params.TokenHash == "" {
		return nil, fmt.Errorf("%w: user id and token hash are required", apperrors.ErrValidation)
	}
	if params.TTL <= 0 {
		return nil, fmt.Errorf("%w: session ttl must be positive", apperrors.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byHash[params.TokenHash]; exists {
		return nil, fmt.Errorf("%w: token hash already stored", apperrors.ErrConflict)
	}

	now := r.now().UTC()
	session := entity.NewSession(params.UserID, params.DeviceID, params.TokenHash, params.IPAddress, params.UserAgent, now, params.TTL)
	for _, s := range r.byHash {
		if s.UserID == session.UserID && s.DeviceID == session.DeviceID {
			s.Revoke(entity.RevokeReasonSuperseded, now)
		}
	}

	r.nextID++
	session.ID = r.nextID
	r.byHash[session.TokenHash] = session
	clone := *session
	return &clone, nil
}

// Rotate переводит сессию в ROTATED, если она активна.
func (r *SessionRepo) Rotate(_ context.Context, presentedToken string) (*entity.Session, error) {
	if presentedToken == "" {
		return nil, &repository.RotateFailure{Reason: repository.RotateReasonUnknown}
	}
	hash := entity.HashRefreshToken(presentedToken)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	s, ok := r.byHash[hash]
	if !ok {
		return nil, &repository.RotateFailure{Reason: repository.RotateReasonUnknown}
	}
	switch s.State(now) {
	case entity.SessionActive:
		s.Revoke(entity.RevokeReasonRotated, now)
		clone := *s
		return &clone, nil
	case entity.SessionExpired:
		clone := *s
		return nil, &repository.RotateFailure{Reason: repository.RotateReasonExpired, Session: &clone}
	default:
		clone := *s
		return nil, &repository.RotateFailure{Reason: repository.RotateReasonRevoked, Session: &clone}
	}
}

// Revoke отзывает живую сессию устройства.
func (r *SessionRepo) Revoke(_ context.Context, userID, deviceID string) (int64, error) {
	if deviceID == "" {
		deviceID = entity.DefaultDeviceID
	}
	return r.revokeWhere(entity.RevokeReasonLogout, func(s *entity.Session) bool {
		return s.UserID == userID && s.DeviceID == deviceID
	}), nil
}

// RevokeAll отзывает все живые сессии пользователя.
func (r *SessionRepo) RevokeAll(_ context.Context, userID string) (int64, error) {
	return r.revokeWhere(entity.RevokeReasonLogoutAll, func(s *entity.Session) bool {
		return s.UserID == userID
	}), nil
}

func (r *SessionRepo) revokeWhere(reason string, match func(*entity.Session) bool) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var n int64
	for _, s := range r.byHash {
		if match(s) && s.Revoke(reason, now) {
			n++
		}
	}
	return n
}

// ListActive возвращает активные сессии пользователя, новые первыми.
func (r *SessionRepo) ListActive(_ context.Context, userID string) ([]*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	var out []*entity.Session
	for _, s := range r.byHash {
		if s.UserID == userID && s.IsActive(now) {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].IssuedAt.After(out[j].IssuedAt)
	})
	return out, nil
}

// DeleteExpired удаляет сессии с expires_at раньше before.
func (r *SessionRepo) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for hash, s := range r.byHash {
		if s.ExpiresAt.Before(before) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}

// Get возвращает копию сессии по хешу токена.
func (r *SessionRepo) Get(hash string) (*entity.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHash[hash]
	if !ok {
		return nil, false
	}
	clone := *s
	return &clone, true
}
