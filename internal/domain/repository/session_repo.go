package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
)

// Причины отказа ротации. Используются только для логов и метрик,
// наружу отказ всегда выглядит одинаково.
const (
	RotateReasonUnknown = "unknown"
	RotateReasonRevoked = "revoked"
	RotateReasonExpired = "expired"
)

// RotateFailure описывает отказ ротации refresh токена.
type RotateFailure struct {
	Reason string
	// Session заполняется, когда запись с таким хешем существует.
	Session *entity.Session
}

func (e *RotateFailure) Error() string {
	return fmt.Sprintf("refresh rotation rejected: %s", e.Reason)
}

// Unwrap позволяет проверять отказ через errors.Is(err, apperrors.ErrInvalidCredential).
func (e *RotateFailure) Unwrap() error {
	return apperrors.ErrInvalidCredential
}

// StoreParams описывает новую сессию.
type StoreParams struct {
	UserID    string
	DeviceID  string
	TokenHash string
	TTL       time.Duration
	IPAddress string
	UserAgent string
}

// SessionRegistry хранит refresh-сессии (только хеши токенов).
type SessionRegistry interface {
	// Store атомарно отзывает активную сессию пары (user, device) и создает новую.
	Store(ctx context.Context, params StoreParams) (*entity.Session, error)

	// Rotate одним условным обновлением переводит сессию с хешем предъявленного
	// токена из ACTIVE в ROTATED. Из параллельных вызовов успешен ровно один,
	// остальные получают *RotateFailure.
	Rotate(ctx context.Context, presentedToken string) (*entity.Session, error)

	// Revoke отзывает активную сессию устройства. Идемпотентен.
	Revoke(ctx context.Context, userID, deviceID string) (int64, error)

	// RevokeAll отзывает все активные сессии пользователя. Идемпотентен.
	RevokeAll(ctx context.Context, userID string) (int64, error)

	// ListActive возвращает активные сессии пользователя, новые первыми.
	ListActive(ctx context.Context, userID string) ([]*entity.Session, error)

	// DeleteExpired удаляет сессии (в том числе отозванные), у которых expires_at раньше before.
	// Отозванные записи живут до истечения, чтобы повторное предъявление токена
	// распознавалось как reuse, а не как неизвестный токен.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
