package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
)

// SigningKeyRepo хранит ключ подписи в памяти (без шифрования).
type SigningKeyRepo struct {
	mu     sync.Mutex
	active *entity.SigningKey
}

var _ repository.SigningKeyRepository = (*SigningKeyRepo)(nil)

func NewSigningKeyRepo() *SigningKeyRepo {
	return &SigningKeyRepo{}
}

func (r *SigningKeyRepo) GetActive(_ context.Context) (*entity.SigningKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, apperrors.ErrNotFound
	}
	clone := *r.active
	return &clone, nil
}

func (r *SigningKeyRepo) Create(_ context.Context, key *entity.SigningKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return fmt.Errorf("%w: active signing key already exists", apperrors.ErrConflict)
	}
	clone := *key
	r.active = &clone
	return nil
}
