package repository

import (
	"context"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
)

// SigningKeyRepository определяет интерфейс хранения общего ключа подписи access токенов.
type SigningKeyRepository interface {
	// GetActive возвращает активный ключ с расшифрованным секретом или apperrors.ErrNotFound.
	GetActive(ctx context.Context) (*entity.SigningKey, error)

	// Create сохраняет ключ, шифруя секрет. Если другой экземпляр сервиса уже
	// создал активный ключ, возвращает apperrors.ErrConflict.
	Create(ctx context.Context, key *entity.SigningKey) error
}
