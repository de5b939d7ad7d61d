package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	"github.com/yourusername/oddiya-auth/internal/metrics"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// storeAttempts ограничивает повторы Store. Вызовы для одного устройства
// сериализуются advisory lock, поэтому повтор нужен только как страховка от
// коллизии hashtext между разными устройствами.
const storeAttempts = 3

// deviceLockSQL берет транзакционную advisory блокировку на пару (user, device).
const deviceLockSQL = "SELECT pg_advisory_xact_lock(hashtext(?))"

// SessionRepo реализует repository.SessionRegistry с использованием PostgreSQL и GORM
type SessionRepo struct {
	db      *gorm.DB
	metrics metrics.Recorder
	now     func() time.Time
}

var _ repository.SessionRegistry = (*SessionRepo)(nil)

// NewSessionRepo создает новый экземпляр SessionRepo
func NewSessionRepo(gormDB *gorm.DB) (*SessionRepo, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("GORM DB instance is required for SessionRepo")
	}
	return &SessionRepo{db: gormDB, metrics: metrics.Noop{}, now: time.Now}, nil
}

// SetMetrics подключает сборщик метрик.
func (r *SessionRepo) SetMetrics(rec metrics.Recorder) {
	if rec == nil {
		log.Println("WARN: [SessionRepo] Attempted to set a nil metrics recorder.")
		return
	}
	r.metrics = rec
}

// Store в одной транзакции отзывает текущую сессию устройства и создает новую.
// Транзакция начинается с advisory блокировки на (user_id, device_id), так что
// любое число параллельных входов с одного устройства выстраивается в очередь.
// Частичный уникальный индекс WHERE revoked_at IS NULL остается последней
// гарантией одной живой сессии на устройство.
func (r *SessionRepo) Store(ctx context.Context, params repository.StoreParams) (*entity.Session, error) {
	if params.UserID == "" || params.TokenHash == "" {
		return nil, fmt.Errorf("%w: user id and token hash are required", apperrors.ErrValidation)
	}
	if params.TTL <= 0 {
		return nil, fmt.Errorf("%w: session ttl must be positive", apperrors.ErrValidation)
	}

	var lastErr error
	for attempt := 1; attempt <= storeAttempts; attempt++ {
		now := r.now().UTC()
		session := entity.NewSession(params.UserID, params.DeviceID, params.TokenHash, params.IPAddress, params.UserAgent, now, params.TTL)

		var superseded int64
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(deviceLockSQL, deviceLockKey(session.UserID, session.DeviceID)).Error; err != nil {
				return fmt.Errorf("device lock: %w", err)
			}
			result := tx.Model(&entity.Session{}).
				Where("user_id = ? AND device_id = ? AND revoked_at IS NULL", session.UserID, session.DeviceID).
				Updates(map[string]interface{}{
					"revoked_at":    now,
					"revoke_reason": entity.RevokeReasonSuperseded,
				})
			if result.Error != nil {
				return result.Error
			}
			superseded = result.RowsAffected
			return tx.Create(session).Error
		})
		if err == nil {
			if superseded > 0 {
				r.metrics.RecordSessionSuperseded()
			}
			return session, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("ошибка создания сессии: %w", err)
		}
		lastErr = err
		log.Printf("[SessionRepo] Конфликт при сохранении сессии user=%s device=%s (попытка %d/%d)",
			session.UserID, session.DeviceID, attempt, storeAttempts)
	}
	return nil, fmt.Errorf("%w: session store kept conflicting: %v", apperrors.ErrConflict, lastErr)
}

// deviceLockKey - ключ advisory блокировки. user_id - UUID, поэтому разделитель
// не может встретиться в его части ключа.
func deviceLockKey(userID, deviceID string) string {
	return userID + ":" + deviceID
}

// Rotate атомарно помечает сессию как ротированную. Успех определяется
// количеством затронутых строк, а не предварительным чтением.
func (r *SessionRepo) Rotate(ctx context.Context, presentedToken string) (*entity.Session, error) {
	if presentedToken == "" {
		return nil, &repository.RotateFailure{Reason: repository.RotateReasonUnknown}
	}
	hash := entity.HashRefreshToken(presentedToken)
	now := r.now().UTC()

	var rotated []entity.Session
	result := r.db.WithContext(ctx).Model(&rotated).
		Clauses(clause.Returning{}).
		Where("token_hash = ? AND revoked_at IS NULL AND expires_at > ?", hash, now).
		Updates(map[string]interface{}{
			"revoked_at":    now,
			"revoke_reason": entity.RevokeReasonRotated,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("ошибка ротации сессии: %w", result.Error)
	}
	if result.RowsAffected == 1 && len(rotated) == 1 {
		return &rotated[0], nil
	}

	return nil, r.diagnoseRotateFailure(ctx, hash, now)
}

// diagnoseRotateFailure читает запись только для того, чтобы назвать причину в логах.
func (r *SessionRepo) diagnoseRotateFailure(ctx context.Context, hash string, now time.Time) error {
	var session entity.Session
	err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&session).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[SessionRepo] Не удалось определить причину отказа ротации: %v", err)
		}
		return &repository.RotateFailure{Reason: repository.RotateReasonUnknown}
	}
	if session.RevokedAt != nil {
		return &repository.RotateFailure{Reason: repository.RotateReasonRevoked, Session: &session}
	}
	if !session.ExpiresAt.After(now) {
		return &repository.RotateFailure{Reason: repository.RotateReasonExpired, Session: &session}
	}
	// Строка появилась или изменилась между UPDATE и SELECT. Для клиента это тот же отказ.
	return &repository.RotateFailure{Reason: repository.RotateReasonUnknown, Session: &session}
}

// Revoke отзывает активную сессию устройства
func (r *SessionRepo) Revoke(ctx context.Context, userID, deviceID string) (int64, error) {
	if deviceID == "" {
		deviceID = entity.DefaultDeviceID
	}
	result := r.db.WithContext(ctx).Model(&entity.Session{}).
		Where("user_id = ? AND device_id = ? AND revoked_at IS NULL", userID, deviceID).
		Updates(map[string]interface{}{
			"revoked_at":    r.now().UTC(),
			"revoke_reason": entity.RevokeReasonLogout,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("ошибка отзыва сессии устройства: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// RevokeAll отзывает все активные сессии пользователя
func (r *SessionRepo) RevokeAll(ctx context.Context, userID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&entity.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]interface{}{
			"revoked_at":    r.now().UTC(),
			"revoke_reason": entity.RevokeReasonLogoutAll,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("ошибка отзыва всех сессий пользователя: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ListActive возвращает активные сессии пользователя
func (r *SessionRepo) ListActive(ctx context.Context, userID string) ([]*entity.Session, error) {
	var sessions []*entity.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, r.now().UTC()).
		Order("issued_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("ошибка получения активных сессий пользователя: %w", err)
	}
	return sessions, nil
}

// DeleteExpired удаляет истекшие сессии
func (r *SessionRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&entity.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("ошибка очистки истекших сессий: %w", result.Error)
	}
	return result.RowsAffected, nil
}
