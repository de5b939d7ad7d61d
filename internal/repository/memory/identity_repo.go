package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
)

// IdentityRepo хранит идентичности в памяти.
type IdentityRepo struct {
	mu         sync.RWMutex
	byID       map[string]*entity.UserIdentity
	byProvider map[string]string // provider + "\x00" + provider_id -> id
	now        func() time.Time
}

var _ repository.IdentityStore = (*IdentityRepo)(nil)

// NewIdentityRepo создает пустое хранилище идентичностей.
func NewIdentityRepo() *IdentityRepo {
	return &IdentityRepo{
		byID:       make(map[string]*entity.UserIdentity),
		byProvider: make(map[string]string),
		now:        time.Now,
	}
}

// SetClock подменяет источник времени.
func (r *IdentityRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func providerKey(provider, providerID string) string {
	return provider + "\x00" + providerID
}

// ResolveOrCreate находит или создает идентичность под одной блокировкой.
func (r *IdentityRepo) ResolveOrCreate(_ context.Context, provider, providerID string, profile entity.Profile) (*entity.UserIdentity, bool, error) {
	provider = strings.TrimSpace(provider)
	providerID = strings.TrimSpace(providerID)
	if provider == "" {
		return nil, false, fmt.Errorf("%w: provider is required", apperrors.ErrValidation)
	}
	if providerID == "" {
		return nil, false, fmt.Errorf("%w: provider id is required", apperrors.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	key := providerKey(provider, providerID)
	if id, ok := r.byProvider[key]; ok {
		stored := r.byID[id]
		if !stored.Active {
			return nil, false, apperrors.ErrAccountDisabled
		}
		stored.ApplyProfile(profile, now)
		clone := *stored
		return &clone, false, nil
	}

	identity := entity.NewUserIdentity(provider, providerID, profile, now)
	r.byID[identity.ID] = identity
	r.byProvider[key] = identity.ID
	clone := *identity
	return &clone, true, nil
}

// GetByID возвращает копию идентичности.
func (r *IdentityRepo) GetByID(_ context.Context, id string) (*entity.UserIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.byID[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *stored
	return &clone, nil
}

// SetActive включает или выключает идентичность.
func (r *IdentityRepo) SetActive(_ context.Context, id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	stored.Active = active
	stored.UpdatedAt = r.now().UTC()
	return nil
}

// Count возвращает число сохраненных идентичностей.
func (r *IdentityRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
