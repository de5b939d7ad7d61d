package postgres

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"

	"golang.org/x/crypto/hkdf"
	"gorm.io/gorm"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
)

const signingKeyKDFInfo = "oddiya-auth signing key encryption v1"

// SigningKeyRepo хранит общий ключ подписи access токенов в зашифрованном виде.
type SigningKeyRepo struct {
	db            *gorm.DB
	encryptionKey []byte // AES-256 ключ, выведенный через HKDF из мастер-секрета
}

var _ repository.SigningKeyRepository = (*SigningKeyRepo)(nil)

// NewSigningKeyRepo создает репозиторий. masterSecret - произвольная строка
// из конфигурации; ключ шифрования выводится из нее через HKDF-SHA256.
func NewSigningKeyRepo(db *gorm.DB, masterSecret string) (*SigningKeyRepo, error) {
	if db == nil {
		return nil, errors.New("gorm DB instance is required")
	}
	key, err := DeriveEncryptionKey(masterSecret)
	if err != nil {
		return nil, err
	}
	return &SigningKeyRepo{db: db, encryptionKey: key}, nil
}

// DeriveEncryptionKey выводит 32-байтовый ключ AES-256 из мастер-секрета.
func DeriveEncryptionKey(masterSecret string) ([]byte, error) {
	if len(masterSecret) < 16 {
		return nil, errors.New("key encryption secret must be at least 16 characters")
	}
	reader := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(signingKeyKDFInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return key, nil
}

// GetActive возвращает активный ключ с расшифрованным секретом.
func (r *SigningKeyRepo) GetActive(ctx context.Context) (*entity.SigningKey, error) {
	var stored entity.SigningKey
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND retired_at IS NULL", true).
		Order("created_at DESC").
		First(&stored).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active signing key: %w", err)
	}

	secret, err := decryptSecret(r.encryptionKey, stored.Secret)
	if err != nil {
		log.Printf("CRITICAL: Failed to decrypt signing key ID %s from DB: %v", stored.ID, err)
		return nil, fmt.Errorf("failed to decrypt signing key %s: %w", stored.ID, err)
	}
	stored.Secret = secret
	return &stored, nil
}

// Create шифрует и сохраняет ключ. Частичный уникальный индекс на is_active
// не дает двум экземплярам сервиса создать два активных ключа.
func (r *SigningKeyRepo) Create(ctx context.Context, key *entity.SigningKey) error {
	encrypted, err := encryptSecret(r.encryptionKey, key.Secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt signing key secret: %w", err)
	}
	toSave := *key // Копируем, чтобы не изменять оригинальный объект
	toSave.Secret = encrypted

	if err := r.db.WithContext(ctx).Create(&toSave).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: active signing key already exists", apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create signing key: %w", err)
	}
	return nil
}

// encryptSecret шифрует строку AES-GCM и возвращает hex(nonce || ciphertext).
func encryptSecret(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// decryptSecret обратна encryptSecret.
func decryptSecret(key []byte, encryptedHex string) (string, error) {
	data, err := hex.DecodeString(encryptedHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted key from hex: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher for decryption: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM for decryption: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("encrypted data is too short to contain nonce")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key with GCM: %w", err)
	}
	return string(plaintext), nil
}
