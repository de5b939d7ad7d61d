package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/domain/repository"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
	"github.com/yourusername/oddiya-auth/pkg/auth"
)

// TokenErrorType определяет тип ошибки токена
type TokenErrorType string

const (
	// Ошибки генерации токенов
	TokenGenerationFailed TokenErrorType = "TOKEN_GENERATION_FAILED"

	// Ошибки валидации
	InvalidRefreshToken TokenErrorType = "INVALID_REFRESH_TOKEN"
	InvalidRequest      TokenErrorType = "INVALID_REQUEST"

	// Ошибки базы данных или репозитория
	DatabaseError TokenErrorType = "DATABASE_ERROR"
)

// TokenError представляет ошибку при работе с токенами
type TokenError struct {
	Type    TokenErrorType
	Message string
	Err     error
}

// Error возвращает строковое представление ошибки
func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap возвращает исходную ошибку
func (e *TokenError) Unwrap() error {
	return e.Err
}

// NewTokenError создает новую ошибку токена
func NewTokenError(tokenType TokenErrorType, message string, err error) *TokenError {
	return &TokenError{
		Type:    tokenType,
		Message: message,
		Err:     err,
	}
}

// SessionRequest описывает выдачу новой сессии.
type SessionRequest struct {
	UserID    string
	DeviceID  string
	IPAddress string
	UserAgent string
	// Previous - refresh токен, который клиент только что предъявил.
	// Новый токен обязан от него отличаться.
	Previous string
}

// TokenResponse представляет выданную пару токенов
type TokenResponse struct {
	AccessToken         string    `json:"access_token"`
	RefreshToken        string    `json:"refresh_token"`
	TokenType           string    `json:"token_type"`
	ExpiresIn           int       `json:"expires_in"`
	AccessTokenExpires  time.Time `json:"access_token_expires"`
	RefreshTokenExpires time.Time `json:"refresh_token_expires"`
	UserID              string    `json:"user_id"`
	DeviceID            string    `json:"device_id"`
}

// TokenManager связывает выпуск токенов с реестром сессий
type TokenManager struct {
	issuer   *auth.CredentialIssuer
	sessions repository.SessionRegistry
	// retention - сколько хранить истекшие записи сессий перед удалением
	retention time.Duration
	now       func() time.Time
}

// NewTokenManager создает новый менеджер токенов и возвращает ошибку при проблемах
func NewTokenManager(issuer *auth.CredentialIssuer, sessions repository.SessionRegistry) (*TokenManager, error) {
	if issuer == nil {
		return nil, fmt.Errorf("CredentialIssuer is required for TokenManager")
	}
	if sessions == nil {
		return nil, fmt.Errorf("SessionRegistry is required for TokenManager")
	}
	return &TokenManager{
		issuer:    issuer,
		sessions:  sessions,
		retention: 24 * time.Hour,
		now:       time.Now,
	}, nil
}

// SetCleanupRetention устанавливает, сколько хранить истекшие сессии
func (m *TokenManager) SetCleanupRetention(d time.Duration) {
	if d < 0 {
		log.Printf("[TokenManager] Warning: Invalid cleanup retention provided: %v. Using current: %v", d, m.retention)
		return
	}
	m.retention = d
	log.Printf("[TokenManager] Cleanup retention set to: %v", d)
}

// IssueSession выпускает пару токенов и сохраняет сессию устройства.
// Предыдущая живая сессия того же устройства отзывается реестром.
func (m *TokenManager) IssueSession(ctx context.Context, req SessionRequest) (*TokenResponse, error) {
	if req.UserID == "" {
		return nil, NewTokenError(InvalidRequest, "user id is required", apperrors.ErrValidation)
	}
	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = entity.DefaultDeviceID
	}

	creds, err := m.issueFresh(req.UserID, req.Previous)
	if err != nil {
		return nil, err
	}

	_, err = m.sessions.Store(ctx, repository.StoreParams{
		UserID:    req.UserID,
		DeviceID:  deviceID,
		TokenHash: creds.RefreshTokenHash,
		TTL:       creds.RefreshTTL,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		log.Printf("[TokenManager] Ошибка сохранения сессии для пользователя %s: %v", req.UserID, err)
		return nil, NewTokenError(DatabaseError, "не удалось сохранить сессию", err)
	}

	return &TokenResponse{
		AccessToken:         creds.AccessToken,
		RefreshToken:        creds.RefreshToken,
		TokenType:           "Bearer",
		ExpiresIn:           creds.ExpiresIn(),
		AccessTokenExpires:  creds.AccessExpiresAt,
		RefreshTokenExpires: creds.RefreshExpiresAt,
		UserID:              req.UserID,
		DeviceID:            deviceID,
	}, nil
}

// issueFresh выпускает пару и один раз перевыпускает ее, если refresh токен
// совпал с предъявленным. Access токены различаются всегда: iat выпускающего
// строго возрастает.
func (m *TokenManager) issueFresh(userID, previous string) (*auth.IssuedCredentials, error) {
	creds, err := m.issuer.Issue(userID)
	if err != nil {
		log.Printf("[TokenManager] Ошибка генерации токенов для пользователя %s: %v", userID, err)
		return nil, NewTokenError(TokenGenerationFailed, "ошибка генерации токенов", err)
	}
	if previous == "" || creds.RefreshToken != previous {
		return creds, nil
	}

	log.Printf("WARN: [TokenManager] Новый refresh токен совпал с предъявленным для пользователя %s, перевыпуск", userID)
	creds, err = m.issuer.Issue(userID)
	if err != nil {
		return nil, NewTokenError(TokenGenerationFailed, "ошибка генерации токенов", err)
	}
	if creds.RefreshToken == previous {
		log.Printf("CRITICAL: [TokenManager] Источник случайности выдал повторный refresh токен для пользователя %s", userID)
		return nil, NewTokenError(TokenGenerationFailed, "refresh token was not renewed", nil)
	}
	return creds, nil
}

// Rotate расходует refresh токен. Отказ любого рода - InvalidRefreshToken.
func (m *TokenManager) Rotate(ctx context.Context, refreshToken string) (*entity.Session, error) {
	session, err := m.sessions.Rotate(ctx, refreshToken)
	if err == nil {
		return session, nil
	}
	if errors.Is(err, apperrors.ErrInvalidCredential) {
		return nil, NewTokenError(InvalidRefreshToken, "недействительный или истекший refresh токен", err)
	}
	log.Printf("[TokenManager] Ошибка при ротации refresh-токена: %v", err)
	return nil, NewTokenError(DatabaseError, "ошибка при проверке refresh токена", err)
}

// RevokeDevice отзывает сессию одного устройства
func (m *TokenManager) RevokeDevice(ctx context.Context, userID, deviceID string) (int64, error) {
	n, err := m.sessions.Revoke(ctx, userID, deviceID)
	if err != nil {
		return 0, NewTokenError(DatabaseError, "ошибка отзыва сессии", err)
	}
	log.Printf("[TokenManager] Отозвано %d сессий пользователя %s на устройстве %s", n, userID, deviceID)
	return n, nil
}

// RevokeAll отзывает все сессии пользователя
func (m *TokenManager) RevokeAll(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.RevokeAll(ctx, userID)
	if err != nil {
		return 0, NewTokenError(DatabaseError, "ошибка отзыва всех сессий", err)
	}
	log.Printf("[TokenManager] Отозвано %d сессий пользователя %s на всех устройствах", n, userID)
	return n, nil
}

// ActiveSessions возвращает активные сессии пользователя
func (m *TokenManager) ActiveSessions(ctx context.Context, userID string) ([]*entity.Session, error) {
	sessions, err := m.sessions.ListActive(ctx, userID)
	if err != nil {
		return nil, NewTokenError(DatabaseError, "ошибка получения активных сессий", err)
	}
	return sessions, nil
}

// CleanupExpiredSessions удаляет сессии, истекшие раньше чем retention назад
func (m *TokenManager) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	before := m.now().UTC().Add(-m.retention)
	n, err := m.sessions.DeleteExpired(ctx, before)
	if err != nil {
		log.Printf("[TokenManager] Ошибка при очистке истекших сессий: %v", err)
		return 0, NewTokenError(DatabaseError, "ошибка очистки истекших сессий", err)
	}
	log.Printf("[TokenManager] Выполнена очистка %d истекших сессий", n)
	return n, nil
}
