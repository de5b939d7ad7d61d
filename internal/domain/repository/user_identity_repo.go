package repository

import (
	"context"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
)

// IdentityStore определяет хранилище внешних идентичностей пользователей.
type IdentityStore interface {
	// ResolveOrCreate возвращает идентичность для пары (provider, providerID),
	// создавая ее при первом входе. created=true только у вызова, который
	// реально вставил запись. Параллельные вызовы для одной пары получают один ID.
	// Ошибки: apperrors.ErrValidation (пустой provider/providerID),
	// apperrors.ErrAccountDisabled (идентичность деактивирована).
	ResolveOrCreate(ctx context.Context, provider, providerID string, profile entity.Profile) (*entity.UserIdentity, bool, error)

	// GetByID возвращает идентичность по ID или apperrors.ErrNotFound.
	GetByID(ctx context.Context, id string) (*entity.UserIdentity, error)

	// SetActive включает или выключает идентичность (мягкая деактивация).
	SetActive(ctx context.Context, id string, active bool) error
}
