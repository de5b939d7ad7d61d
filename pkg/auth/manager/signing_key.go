package manager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
	"github.com/yourusername/oddiya-auth/pkg/auth"
)

// ResolveSigningSecret возвращает HMAC секрет для access токенов.
// Статический секрет из конфигурации имеет приоритет. Без него ключ читается
// из репозитория, а при первом запуске создается; все экземпляры сервиса
// в итоге подписывают одним ключом.
func ResolveSigningSecret(ctx context.Context, staticSecret string, keys repository.SigningKeyRepository) ([]byte, error) {
	if staticSecret != "" {
		if len(staticSecret) < auth.MinSecretLength {
			return nil, fmt.Errorf("jwt secret must be at least %d characters", auth.MinSecretLength)
		}
		log.Println("[TokenManager] Using static JWT secret from configuration.")
		return []byte(staticSecret), nil
	}
	if keys == nil {
		return nil, fmt.Errorf("either jwt secret or signing key repository is required")
	}

	log.Println("[TokenManager] Initializing and ensuring signing key...")
	active, err := keys.GetActive(ctx)
	if err == nil {
		if !active.CanSign() {
			return nil, fmt.Errorf("active signing key %s cannot be used for signing", active.ID)
		}
		log.Printf("[TokenManager] Active signing key ID: %s found in repository.", active.ID)
		return []byte(active.Secret), nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("error checking for active signing key: %w", err)
	}

	log.Println("[TokenManager] No active signing key found in repository. Generating initial key...")
	secret, err := randomHex(32)
	if err != nil {
		return nil, err
	}
	id, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	key := &entity.SigningKey{
		ID:        id,
		Secret:    secret,
		Algorithm: jwt.SigningMethodHS256.Alg(),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	if err := keys.Create(ctx, key); err != nil {
		if !errors.Is(err, apperrors.ErrConflict) {
			return nil, fmt.Errorf("failed to create initial signing key: %w", err)
		}
		// Другой экземпляр успел создать ключ первым
		log.Println("[TokenManager] Signing key was created concurrently, re-reading.")
		active, err = keys.GetActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key after conflict: %w", err)
		}
		return []byte(active.Secret), nil
	}

	log.Printf("[TokenManager] Successfully generated and stored initial signing key ID: %s", key.ID)
	return []byte(key.Secret), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		log.Printf("CRITICAL: Ошибка генерации случайных байт: %v", err)
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
