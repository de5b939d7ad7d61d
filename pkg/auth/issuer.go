package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/yourusername/oddiya-auth/internal/domain/entity"
)

// Значения по умолчанию для времени жизни токенов
const (
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultClockSkew       = 30 * time.Second

	// MinSecretLength - минимальная длина HMAC секрета в байтах
	MinSecretLength = 32

	refreshTokenBytes = 32

	// issuedAtPrecision - точность iat/exp в access токене
	issuedAtPrecision = time.Microsecond
)

var timePrecisionOnce sync.Once

// IssuedCredentials - пара токенов, выданная CredentialIssuer.
// RefreshToken отдается клиенту один раз, сохраняется только RefreshTokenHash.
type IssuedCredentials struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshTokenHash string
	RefreshTTL       time.Duration
	RefreshExpiresAt time.Time
	IssuedAt         time.Time
}

// ExpiresIn возвращает время жизни access токена в секундах.
func (c *IssuedCredentials) ExpiresIn() int {
	return int(c.AccessExpiresAt.Sub(c.IssuedAt).Seconds())
}

// CredentialIssuer выпускает access JWT (HS256) и непрозрачные refresh токены.
type CredentialIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	random     io.Reader

	mu         sync.Mutex
	lastIssued time.Time
}

// NewCredentialIssuer создает выпускающий компонент. Нулевые TTL заменяются значениями по умолчанию.
func NewCredentialIssuer(secret []byte, accessTTL, refreshTTL time.Duration) (*CredentialIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	// По умолчанию jwt/v4 округляет NumericDate до секунд: два токена за одну
	// секунду совпали бы побайтно.
	timePrecisionOnce.Do(func() { jwt.TimePrecision = issuedAtPrecision })
	return &CredentialIssuer{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		random:     rand.Reader,
	}, nil
}

// SetClock подменяет источник времени (для тестов).
func (i *CredentialIssuer) SetClock(now func() time.Time) {
	if now == nil {
		log.Println("WARN: [CredentialIssuer] Attempted to set a nil clock.")
		return
	}
	i.now = now
}

// SetRandomSource подменяет источник случайных байт (для тестов).
func (i *CredentialIssuer) SetRandomSource(r io.Reader) {
	if r == nil {
		log.Println("WARN: [CredentialIssuer] Attempted to set a nil random source.")
		return
	}
	i.random = r
}

// AccessTTL возвращает время жизни access токена.
func (i *CredentialIssuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// RefreshTTL возвращает время жизни refresh токена.
func (i *CredentialIssuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// Issue выпускает новую пару токенов для пользователя. Access токен содержит
// только sub, iat и exp.
func (i *CredentialIssuer) Issue(userID string) (*IssuedCredentials, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required to issue credentials")
	}

	now := i.issueTime()
	accessExpiresAt := now.Add(i.accessTTL)

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(accessExpiresAt),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err := i.newRefreshToken()
	if err != nil {
		return nil, err
	}

	return &IssuedCredentials{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshTokenHash: entity.HashRefreshToken(refreshToken),
		RefreshTTL:       i.refreshTTL,
		RefreshExpiresAt: now.Add(i.refreshTTL),
		IssuedAt:         now,
	}, nil
}

// issueTime возвращает строго возрастающее время выпуска, поэтому access токены
// одного выпускающего никогда не повторяются даже при остановленных часах.
func (i *CredentialIssuer) issueTime() time.Time {
	now := i.now().UTC().Truncate(issuedAtPrecision)
	i.mu.Lock()
	defer i.mu.Unlock()
	if !now.After(i.lastIssued) {
		now = i.lastIssued.Add(issuedAtPrecision)
	}
	i.lastIssued = now
	return now
}

// newRefreshToken возвращает 32 случайных байта в hex (64 символа, без точек).
func (i *CredentialIssuer) newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := io.ReadFull(i.random, buf); err != nil {
		log.Printf("CRITICAL: [CredentialIssuer] Ошибка генерации случайных байт: %v", err)
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
