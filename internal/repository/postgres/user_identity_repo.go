package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	"github.com/yourusername/oddiya-auth/internal/metrics"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IdentityRepo реализует repository.IdentityStore поверх PostgreSQL.
// Уникальность (provider, provider_id) обеспечивает индекс idx_user_identities_provider_subject.
type IdentityRepo struct {
	db      *gorm.DB
	metrics metrics.Recorder
	now     func() time.Time
}

var _ repository.IdentityStore = (*IdentityRepo)(nil)

// NewIdentityRepo создает новый экземпляр IdentityRepo
func NewIdentityRepo(db *gorm.DB) (*IdentityRepo, error) {
	if db == nil {
		return nil, fmt.Errorf("GORM DB instance is required for IdentityRepo")
	}
	return &IdentityRepo{db: db, metrics: metrics.Noop{}, now: time.Now}, nil
}

// SetMetrics подключает сборщик метрик.
func (r *IdentityRepo) SetMetrics(rec metrics.Recorder) {
	if rec == nil {
		log.Println("WARN: [IdentityRepo] Attempted to set a nil metrics recorder.")
		return
	}
	r.metrics = rec
}

// ResolveOrCreate находит или создает идентичность. Проигравший гонку вставки
// вызов повторяет поиск ровно один раз и продолжает как обычный повторный вход.
func (r *IdentityRepo) ResolveOrCreate(ctx context.Context, provider, providerID string, profile entity.Profile) (*entity.UserIdentity, bool, error) {
	provider = strings.TrimSpace(provider)
	providerID = strings.TrimSpace(providerID)
	if provider == "" {
		return nil, false, fmt.Errorf("%w: provider is required", apperrors.ErrValidation)
	}
	if providerID == "" {
		return nil, false, fmt.Errorf("%w: provider id is required", apperrors.ErrValidation)
	}

	now := r.now().UTC()

	existing, err := r.findByProvider(ctx, provider, providerID)
	if err == nil {
		identity, touchErr := r.touch(ctx, existing, profile, now)
		return identity, false, touchErr
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, false, err
	}

	candidate := entity.NewUserIdentity(provider, providerID, profile, now)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_id"}},
			DoNothing: true,
		}).
		Create(candidate)
	if result.Error != nil && !isUniqueViolation(result.Error) {
		return nil, false, fmt.Errorf("ошибка создания идентичности %s: %w", provider, result.Error)
	}
	if result.Error == nil && result.RowsAffected == 1 {
		return candidate, true, nil
	}

	// Другой запрос успел вставить ту же пару
	r.metrics.RecordIdentityConflict()
	log.Printf("[IdentityRepo] Конфликт вставки для provider=%s, повторяем поиск", provider)

	existing, err = r.findByProvider(ctx, provider, providerID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, false, fmt.Errorf("%w: identity missing after insert conflict", apperrors.ErrConflict)
		}
		return nil, false, err
	}
	identity, err := r.touch(ctx, existing, profile, now)
	return identity, false, err
}

// GetByID возвращает идентичность по ID
func (r *IdentityRepo) GetByID(ctx context.Context, id string) (*entity.UserIdentity, error) {
	var identity entity.UserIdentity
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity by id: %w", err)
	}
	return &identity, nil
}

// SetActive включает или выключает идентичность
func (r *IdentityRepo) SetActive(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).Model(&entity.UserIdentity{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"is_active": active, "updated_at": r.now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to update identity %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *IdentityRepo) findByProvider(ctx context.Context, provider, providerID string) (*entity.UserIdentity, error) {
	var identity entity.UserIdentity
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_id = ?", provider, providerID).
		First(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get identity by provider: %w", err)
	}
	return &identity, nil
}

// touch обновляет профиль и last_login_at. Условие is_active в WHERE
// закрывает гонку с параллельной деактивацией.
func (r *IdentityRepo) touch(ctx context.Context, identity *entity.UserIdentity, profile entity.Profile, now time.Time) (*entity.UserIdentity, error) {
	if !identity.Active {
		return nil, apperrors.ErrAccountDisabled
	}

	normalized := profile.Normalize()
	updates := normalized.Updates()
	updates["last_login_at"] = now
	updates["updated_at"] = now

	result := r.db.WithContext(ctx).Model(&entity.UserIdentity{}).
		Where("id = ? AND is_active = ?", identity.ID, true).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update identity profile: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, apperrors.ErrAccountDisabled
	}

	identity.ApplyProfile(normalized, now)
	return identity, nil
}
