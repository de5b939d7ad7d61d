package service

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
	"github.com/yourusername/oddiya-auth/pkg/auth"
	"github.com/yourusername/oddiya-auth/pkg/auth/manager"
)

// AuthService оркестрирует вход, обновление, выход и проверку токенов.
// Все отказы сводятся к внешней таксономии: ErrValidation, ErrUnauthorized,
// ErrAccountDisabled. Подробности пишутся только в лог.
type AuthService struct {
	identities   repository.IdentityStore
	tokenManager *manager.TokenManager
	validator    *auth.TokenValidator

	verifiers   map[string]ProviderVerifier
	preverified map[string]bool
	metrics     metrics.Recorder
}

// LoginInput - данные внешнего входа.
type LoginInput struct {
	Provider string
	// IDToken проверяется верификатором провайдера.
	IDToken string
	// ProviderID принимается без проверки только для доверенных провайдеров.
	ProviderID      string
	Email           string
	Nickname        string
	ProfileImageURL string

	DeviceID  string
	IPAddress string
	UserAgent string
}

// RefreshInput - данные запроса на обновление пары токенов.
type RefreshInput struct {
	RefreshToken string
	IPAddress    string
	UserAgent    string
}

// AuthResult - результат входа или обновления.
type AuthResult struct {
	User      *entity.UserIdentity
	Tokens    *manager.TokenResponse
	IsNewUser bool
}

// NewAuthService создает новый сервис аутентификации и возвращает ошибку при проблемах
func NewAuthService(
	identities repository.IdentityStore,
	tokenManager *manager.TokenManager,
	validator *auth.TokenValidator,
) (*AuthService, error) {
	if identities == nil {
		return nil, fmt.Errorf("IdentityStore is required for AuthService")
	}
	if tokenManager == nil {
		return nil, fmt.Errorf("TokenManager is required for AuthService")
	}
	if validator == nil {
		return nil, fmt.Errorf("TokenValidator is required for AuthService")
	}
	return &AuthService{
		identities:   identities,
		tokenManager: tokenManager,
		validator:    validator,
		verifiers:    make(map[string]ProviderVerifier),
		preverified:  make(map[string]bool),
		metrics:      metrics.Noop{},
	}, nil
}

// RegisterVerifier подключает проверку ID токенов провайдера.
func (s *AuthService) RegisterVerifier(provider string, verifier ProviderVerifier) {
	provider = normalizeProvider(provider)
	if provider == "" || verifier == nil {
		log.Printf("WARN: [AuthService] Ignoring verifier registration for provider %q", provider)
		return
	}
	s.verifiers[provider] = verifier
	log.Printf("[AuthService] ID token verification enabled for provider: %s", provider)
}

// SetPreverifiedProviders задает провайдеров, для которых providerId уже
// проверен выше по цепочке (например, шлюзом) и принимается как есть.
func (s *AuthService) SetPreverifiedProviders(providers []string) {
	s.preverified = make(map[string]bool, len(providers))
	for _, p := range providers {
		if p = normalizeProvider(p); p != "" {
			s.preverified[p] = true
		}
	}
	if len(s.preverified) > 0 {
		log.Printf("WARN: [AuthService] Accepting pre-verified provider IDs for: %v", providers)
	}
}

// SetMetrics подключает запись метрик.
func (s *AuthService) SetMetrics(rec metrics.Recorder) {
	if rec == nil {
		rec = metrics.Noop{}
	}
	s.metrics = rec
}

// Login находит или создает идентичность и выдает новую сессию устройства.
func (s *AuthService) Login(ctx context.Context, input LoginInput) (*AuthResult, error) {
	start := time.Now()
	defer func() { s.metrics.RecordLatency("login", time.Since(start)) }()

	provider := normalizeProvider(input.Provider)
	if provider == "" {
		return nil, fmt.Errorf("%w: provider is required", apperrors.ErrValidation)
	}

	providerID, profile, err := s.resolveExternalIdentity(ctx, provider, input)
	if err != nil {
		s.metrics.RecordLogin(provider, outcomeFor(err), false)
		securityEvent{Type: EventLoginFailure, Provider: provider, IP: input.IPAddress, Detail: err.Error()}.emit()
		return nil, err
	}

	identity, created, err := s.identities.ResolveOrCreate(ctx, provider, providerID, profile)
	if err != nil {
		s.metrics.RecordLogin(provider, outcomeFor(err), false)
		switch {
		case errors.Is(err, apperrors.ErrAccountDisabled):
			securityEvent{Type: EventAccountDisabled, Provider: provider, IP: input.IPAddress}.emit()
			return nil, apperrors.ErrAccountDisabled
		case errors.Is(err, apperrors.ErrValidation):
			return nil, err
		default:
			log.Printf("[AuthService] Ошибка при поиске или создании идентичности (%s): %v", provider, err)
			return nil, fmt.Errorf("failed to resolve identity: %w", err)
		}
	}

	tokens, err := s.tokenManager.IssueSession(ctx, manager.SessionRequest{
		UserID:    identity.ID,
		DeviceID:  strings.TrimSpace(input.DeviceID),
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
	})
	if err != nil {
		s.metrics.RecordLogin(provider, metrics.OutcomeError, created)
		log.Printf("[AuthService] Ошибка при выдаче токенов пользователю %s: %v", identity.ID, err)
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}

	s.metrics.RecordLogin(provider, metrics.OutcomeSuccess, created)
	securityEvent{Type: EventLoginSuccess, UserID: identity.ID, Provider: provider, DeviceID: tokens.DeviceID, IP: input.IPAddress}.emit()
	return &AuthResult{User: identity, Tokens: tokens, IsNewUser: created}, nil
}

// resolveExternalIdentity возвращает проверенный providerID и профиль.
// ID токен имеет приоритет; голый providerID принимается только от доверенных провайдеров.
func (s *AuthService) resolveExternalIdentity(ctx context.Context, provider string, input LoginInput) (string, entity.Profile, error) {
	profile := entity.Profile{
		Email:           input.Email,
		DisplayName:     input.Nickname,
		ProfileImageURL: input.ProfileImageURL,
	}

	idToken := strings.TrimSpace(input.IDToken)
	if idToken != "" {
		verifier, ok := s.verifiers[provider]
		if !ok {
			return "", profile, fmt.Errorf("%w: %w: %s", apperrors.ErrValidation, ErrUnsupportedProvider, provider)
		}
		claims, err := verifier.Verify(ctx, idToken)
		if err != nil {
			log.Printf("[AuthService] Проверка ID токена %s не пройдена: %v", provider, err)
			return "", profile, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, ErrProviderTokenVerificationFailed)
		}
		// Данные из подписанного токена важнее присланных клиентом.
		// Apple отдает имя только клиенту, поэтому nickname из запроса остается запасным вариантом.
		if claims.Email != "" {
			profile.Email = claims.Email
		}
		if claims.Name != "" {
			profile.DisplayName = claims.Name
		}
		if claims.Picture != "" {
			profile.ProfileImageURL = claims.Picture
		}
		return claims.Subject, profile, nil
	}

	if !s.preverified[provider] {
		if _, ok := s.verifiers[provider]; ok {
			return "", profile, fmt.Errorf("%w: idToken is required", apperrors.ErrValidation)
		}
		return "", profile, fmt.Errorf("%w: %w: %s", apperrors.ErrValidation, ErrUnsupportedProvider, provider)
	}

	providerID := strings.TrimSpace(input.ProviderID)
	if providerID == "" {
		return "", profile, fmt.Errorf("%w: providerId is required", apperrors.ErrValidation)
	}
	return providerID, profile, nil
}

// Refresh расходует refresh токен и выдает новую пару для того же устройства.
// Любой отказ по токену возвращается как ErrUnauthorized.
func (s *AuthService) Refresh(ctx context.Context, input RefreshInput) (*AuthResult, error) {
	start := time.Now()
	defer func() { s.metrics.RecordLatency("refresh", time.Since(start)) }()

	presented := strings.TrimSpace(input.RefreshToken)
	if presented == "" {
		return nil, fmt.Errorf("%w: refreshToken is required", apperrors.ErrValidation)
	}

	session, err := s.tokenManager.Rotate(ctx, presented)
	if err != nil {
		var tokenErr *manager.TokenError
		if errors.As(err, &tokenErr) && tokenErr.Type == manager.InvalidRefreshToken {
			s.rejectRefresh(err, input.IPAddress)
			return nil, apperrors.ErrUnauthorized
		}
		s.metrics.RecordRefresh(metrics.OutcomeError, "")
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	identity, err := s.identities.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.metrics.RecordRefresh(metrics.OutcomeInvalid, "unknown_user")
			return nil, apperrors.ErrUnauthorized
		}
		s.metrics.RecordRefresh(metrics.OutcomeError, "")
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if !identity.Active {
		s.metrics.RecordRefresh(metrics.OutcomeDisabled, "")
		securityEvent{Type: EventAccountDisabled, UserID: identity.ID, DeviceID: session.DeviceID, IP: input.IPAddress, Detail: "refresh"}.emit()
		return nil, apperrors.ErrUnauthorized
	}

	tokens, err := s.tokenManager.IssueSession(ctx, manager.SessionRequest{
		UserID:    identity.ID,
		DeviceID:  session.DeviceID,
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
		Previous:  presented,
	})
	if err != nil {
		s.metrics.RecordRefresh(metrics.OutcomeError, "")
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	if tokens.RefreshToken == presented {
		// IssueSession уже перевыпускает совпавший токен; сюда попадать нельзя.
		log.Printf("CRITICAL: [AuthService] Refresh returned the presented token for user %s", identity.ID)
		return nil, fmt.Errorf("refresh token was not renewed")
	}

	s.metrics.RecordRefresh(metrics.OutcomeSuccess, "")
	securityEvent{Type: EventTokenRefresh, UserID: identity.ID, DeviceID: session.DeviceID, IP: input.IPAddress}.emit()
	return &AuthResult{User: identity, Tokens: tokens}, nil
}

func (s *AuthService) rejectRefresh(err error, ip string) {
	reason := repository.RotateReasonUnknown
	var failure *repository.RotateFailure
	if errors.As(err, &failure) {
		reason = failure.Reason
	}
	s.metrics.RecordRefresh(metrics.OutcomeInvalid, reason)

	event := securityEvent{Type: EventRefreshRejected, IP: ip, Detail: reason}
	if failure != nil && failure.Session != nil {
		event.UserID = failure.Session.UserID
		event.DeviceID = failure.Session.DeviceID
		// Повторное предъявление уже израсходованного токена: возможная кража.
		if failure.Reason == repository.RotateReasonRevoked {
			event.Type = EventRefreshTokenReuse
			event.Detail = failure.Session.RevokeReason
		}
	}
	event.emit()
}

// Logout отзывает сессию устройства владельца access токена. Без deviceID
// отзываются все сессии: сервер не знает, какое устройство вызывает выход.
// Если для явно указанного устройства нет живой сессии, возвращается ErrNotFound.
func (s *AuthService) Logout(ctx context.Context, accessToken, deviceID string) error {
	res := s.Authenticate(accessToken)
	if !res.Valid {
		return apperrors.ErrUnauthorized
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return s.revokeAllSessions(ctx, res.UserID, EventLogout)
	}

	n, err := s.tokenManager.RevokeDevice(ctx, res.UserID, deviceID)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	s.metrics.RecordLogout("device", n)
	securityEvent{Type: EventLogout, UserID: res.UserID, DeviceID: deviceID, Detail: fmt.Sprintf("revoked=%d", n)}.emit()
	if n == 0 {
		log.Printf("WARN: [AuthService] Выход с устройства %s пользователя %s: активных сессий нет", deviceID, res.UserID)
		return fmt.Errorf("%w: no active session for device %q", apperrors.ErrNotFound, deviceID)
	}
	return nil
}

// LogoutAll отзывает все сессии владельца access токена.
func (s *AuthService) LogoutAll(ctx context.Context, accessToken string) error {
	res := s.Authenticate(accessToken)
	if !res.Valid {
		return apperrors.ErrUnauthorized
	}
	return s.revokeAllSessions(ctx, res.UserID, EventLogoutAll)
}

func (s *AuthService) revokeAllSessions(ctx context.Context, userID, eventType string) error {
	n, err := s.tokenManager.RevokeAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke sessions: %w", err)
	}
	s.metrics.RecordLogout("all", n)
	securityEvent{Type: eventType, UserID: userID, Detail: fmt.Sprintf("revoked=%d", n)}.emit()
	return nil
}

// Authenticate проверяет access токен. Хранилище не используется.
func (s *AuthService) Authenticate(accessToken string) auth.Result {
	res := s.validator.Validate(accessToken)
	s.metrics.RecordValidation(res.Valid, string(res.Reason))
	return res
}

// Validate - предикат поверх Authenticate: false для любого невалидного ввода.
func (s *AuthService) Validate(accessToken string) bool {
	return s.Authenticate(accessToken).Valid
}

// CurrentUser возвращает идентичность владельца токена.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*entity.UserIdentity, error) {
	identity, err := s.identities.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if !identity.Active {
		return nil, apperrors.ErrAccountDisabled
	}
	return identity, nil
}

// ActiveSessions возвращает активные сессии пользователя.
func (s *AuthService) ActiveSessions(ctx context.Context, userID string) ([]*entity.Session, error) {
	sessions, err := s.tokenManager.ActiveSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func normalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrAccountDisabled):
		return metrics.OutcomeDisabled
	case errors.Is(err, apperrors.ErrValidation), errors.Is(err, apperrors.ErrUnauthorized):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
