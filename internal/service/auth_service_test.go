package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/oddiya-auth/internal/metrics"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
	"github.com/yourusername/oddiya-auth/internal/repository/memory"
	"github.com/yourusername/oddiya-auth/pkg/auth"
	"github.com/yourusername/oddiya-auth/pkg/auth/manager"
)

var testSecret = []byte("test-signing-secret-test-signing-secret")

// ============================================================================
// Моки и хелперы
// ============================================================================

// MockProviderVerifier реализует ProviderVerifier
type MockProviderVerifier struct {
	mock.Mock
}

func (m *MockProviderVerifier) Verify(ctx context.Context, idToken string) (*ProviderClaims, error) {
	args := m.Called(ctx, idToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ProviderClaims), args.Error(1)
}

// refreshRecorder запоминает причины отказов refresh
type refreshRecorder struct {
	metrics.Noop
	mu      sync.Mutex
	reasons []string
}

func (r *refreshRecorder) RecordRefresh(outcome, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, outcome+":"+reason)
}

type authFixture struct {
	service    *AuthService
	identities *memory.IdentityRepo
	sessions   *memory.SessionRepo
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	identities := memory.NewIdentityRepo()
	sessions := memory.NewSessionRepo()

	issuer, err := auth.NewCredentialIssuer(testSecret, time.Hour, 7*24*time.Hour)
	require.NoError(t, err)
	validator, err := auth.NewTokenValidator(testSecret, auth.DefaultClockSkew)
	require.NoError(t, err)
	tokenManager, err := manager.NewTokenManager(issuer, sessions)
	require.NoError(t, err)

	svc, err := NewAuthService(identities, tokenManager, validator)
	require.NoError(t, err)
	svc.SetPreverifiedProviders([]string{"google", "apple"})

	return &authFixture{service: svc, identities: identities, sessions: sessions}
}

func googleLogin(providerID, deviceID string) LoginInput {
	return LoginInput{
		Provider:   "google",
		ProviderID: providerID,
		Email:      "a@b.com",
		DeviceID:   deviceID,
		IPAddress:  "127.0.0.1",
	}
}

// ============================================================================
// Login
// ============================================================================

func TestNewAuthService_RequiresDependencies(t *testing.T) {
	_, err := NewAuthService(nil, nil, nil)
	assert.Error(t, err)
}

func TestAuthService_Login_SequentialReturnsSameUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	first, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)
	second, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)

	assert.True(t, first.IsNewUser)
	assert.False(t, second.IsNewUser)
	assert.Equal(t, first.User.ID, second.User.ID)
	assert.Equal(t, 1, f.identities.Count(), "Должна существовать ровно одна идентичность")
	assert.Equal(t, "a", first.User.DisplayName, "Имя берется из email, если провайдер его не прислал")
	assert.NotEqual(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)
}

func TestAuthService_Login_ConcurrentFirstLogins(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.service.Login(ctx, googleLogin("g-race", "phone"))
			errs[i] = err
			if err == nil {
				ids[i] = res.User.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.identities.Count())

	active, err := f.service.ActiveSessions(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, active, 1, "Для пары (user, device) живет только последняя сессия")
}

func TestAuthService_Login_Validation(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input LoginInput
	}{
		{name: "missing provider", input: LoginInput{ProviderID: "x"}},
		{name: "blank provider", input: LoginInput{Provider: "  ", ProviderID: "x"}},
		{name: "missing provider id", input: LoginInput{Provider: "google"}},
		{name: "unsupported provider", input: LoginInput{Provider: "myspace", ProviderID: "x"}},
		{name: "id token without verifier", input: LoginInput{Provider: "google", IDToken: "a.b.c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Login(ctx, tt.input)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	assert.Equal(t, 0, f.identities.Count())
}

func TestAuthService_Login_DisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	res, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)
	require.NoError(t, f.identities.SetActive(ctx, res.User.ID, false))

	_, err = f.service.Login(ctx, googleLogin("g-1", ""))
	assert.ErrorIs(t, err, apperrors.ErrAccountDisabled)
}

func TestAuthService_Login_WithVerifiedIDToken(t *testing.T) {
	f := newAuthFixture(t)
	verifier := new(MockProviderVerifier)
	verifier.On("Verify", mock.Anything, "good-token").Return(&ProviderClaims{
		Provider: "apple",
		Subject:  "apple-sub",
		Email:    "Verified@Example.com",
	}, nil)
	f.service.SetPreverifiedProviders(nil)
	f.service.RegisterVerifier("apple", verifier)

	// Клиент прислал другой providerId и email: они должны быть проигнорированы
	res, err := f.service.Login(context.Background(), LoginInput{
		Provider:   "Apple",
		IDToken:    "good-token",
		ProviderID: "spoofed",
		Email:      "spoofed@example.com",
		Nickname:   "Tim",
	})

	require.NoError(t, err)
	assert.Equal(t, "apple", res.User.Provider)
	assert.Equal(t, "apple-sub", res.User.ProviderID)
	assert.Equal(t, "verified@example.com", res.User.Email)
	assert.Equal(t, "Tim", res.User.DisplayName)
	verifier.AssertExpectations(t)
}

func TestAuthService_Login_RejectedIDToken(t *testing.T) {
	f := newAuthFixture(t)
	verifier := new(MockProviderVerifier)
	verifier.On("Verify", mock.Anything, "forged").
		Return(nil, errors.New("signature mismatch"))
	f.service.RegisterVerifier("google", verifier)

	_, err := f.service.Login(context.Background(), LoginInput{Provider: "google", IDToken: "forged"})

	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.ErrorIs(t, err, ErrProviderTokenVerificationFailed)
	assert.Equal(t, 0, f.identities.Count())
}

func TestAuthService_Login_VerifierRequiresIDToken(t *testing.T) {
	f := newAuthFixture(t)
	f.service.SetPreverifiedProviders(nil)
	f.service.RegisterVerifier("google", new(MockProviderVerifier))

	_, err := f.service.Login(context.Background(), googleLogin("g-1", ""))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

// ============================================================================
// Refresh
// ============================================================================

func TestAuthService_Refresh_RotatesAndRejectsReuse(t *testing.T) {
	f := newAuthFixture(t)
	rec := &refreshRecorder{}
	f.service.SetMetrics(rec)
	ctx := context.Background()

	login, err := f.service.Login(ctx, googleLogin("g-1", "phone"))
	require.NoError(t, err)

	refreshed, err := f.service.Refresh(ctx, RefreshInput{RefreshToken: login.Tokens.RefreshToken})
	require.NoError(t, err)
	assert.NotEqual(t, login.Tokens.RefreshToken, refreshed.Tokens.RefreshToken)
	assert.Equal(t, "phone", refreshed.Tokens.DeviceID, "Обновление сохраняет устройство сессии")
	assert.False(t, refreshed.IsNewUser)

	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: login.Tokens.RefreshToken})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	assert.Equal(t, []string{"success:", "invalid:revoked"}, rec.reasons)
}

func TestAuthService_Refresh_ConcurrentSingleWinner(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	login, err := f.service.Login(ctx, googleLogin("g-1", "phone"))
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.service.Refresh(ctx, RefreshInput{RefreshToken: login.Tokens.RefreshToken})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	}
	assert.Equal(t, 1, successes, "Ровно одна ротация должна выиграть")
}

func TestAuthService_Refresh_FreshnessAcrossChain(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	login, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)

	seen := map[string]bool{login.Tokens.RefreshToken: true}
	current := login.Tokens.RefreshToken
	for i := 0; i < 10; i++ {
		res, err := f.service.Refresh(ctx, RefreshInput{RefreshToken: current})
		require.NoError(t, err)
		assert.False(t, seen[res.Tokens.RefreshToken], "Refresh токен не должен повторяться")
		seen[res.Tokens.RefreshToken] = true
		current = res.Tokens.RefreshToken
	}
}

func TestAuthService_Refresh_Rejections(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	_, err := f.service.Refresh(ctx, RefreshInput{RefreshToken: "  "})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: "never-issued"})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	login, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)

	// Access токен не является refresh токеном
	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: login.Tokens.AccessToken})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestAuthService_Refresh_ExpiredSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	login, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)

	f.sessions.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })

	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: login.Tokens.RefreshToken})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestAuthService_Refresh_DisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	login, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)
	require.NoError(t, f.identities.SetActive(ctx, login.User.ID, false))

	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: login.Tokens.RefreshToken})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

// ============================================================================
// Logout / Validate
// ============================================================================

func TestAuthService_Logout_RevokesDeviceSession(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	phone, err := f.service.Login(ctx, googleLogin("g-1", "phone"))
	require.NoError(t, err)
	laptop, err := f.service.Login(ctx, googleLogin("g-1", "laptop"))
	require.NoError(t, err)

	require.NoError(t, f.service.Logout(ctx, phone.Tokens.AccessToken, "phone"))

	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: phone.Tokens.RefreshToken})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized, "Отозванный refresh токен не должен работать")

	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: laptop.Tokens.RefreshToken})
	assert.NoError(t, err, "Сессия другого устройства остается")

	// Повторный выход с того же устройства сообщает, что сессии нет
	assert.ErrorIs(t, f.service.Logout(ctx, phone.Tokens.AccessToken, "phone"), apperrors.ErrNotFound)
}

func TestAuthService_Logout_WithoutDeviceRevokesAllSessions(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	ios, err := f.service.Login(ctx, googleLogin("g-1", "ios-1"))
	require.NoError(t, err)
	web, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)

	require.NoError(t, f.service.Logout(ctx, ios.Tokens.AccessToken, "  "))

	for _, token := range []string{ios.Tokens.RefreshToken, web.Tokens.RefreshToken} {
		_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: token})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized, "После выхода без устройства ни одна сессия не должна работать")
	}

	// Повторный выход без устройства не ошибка
	assert.NoError(t, f.service.Logout(ctx, ios.Tokens.AccessToken, ""))
}

func TestAuthService_Logout_UnknownDevice(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	phone, err := f.service.Login(ctx, googleLogin("g-1", "phone"))
	require.NoError(t, err)

	err = f.service.Logout(ctx, phone.Tokens.AccessToken, "tablet")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: phone.Tokens.RefreshToken})
	assert.NoError(t, err, "Чужое устройство не затрагивает сессию телефона")
}

func TestAuthService_LogoutAll(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	phone, err := f.service.Login(ctx, googleLogin("g-1", "phone"))
	require.NoError(t, err)
	laptop, err := f.service.Login(ctx, googleLogin("g-1", "laptop"))
	require.NoError(t, err)

	require.NoError(t, f.service.LogoutAll(ctx, laptop.Tokens.AccessToken))

	for _, token := range []string{phone.Tokens.RefreshToken, laptop.Tokens.RefreshToken} {
		_, err = f.service.Refresh(ctx, RefreshInput{RefreshToken: token})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	}
}

func TestAuthService_Logout_InvalidAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	for _, token := range []string{"", "Bearer ", "a.b", "not-a-token"} {
		assert.ErrorIs(t, f.service.Logout(ctx, token, ""), apperrors.ErrUnauthorized)
		assert.ErrorIs(t, f.service.LogoutAll(ctx, token), apperrors.ErrUnauthorized)
	}
}

func TestAuthService_Validate(t *testing.T) {
	f := newAuthFixture(t)
	login, err := f.service.Login(context.Background(), googleLogin("g-1", ""))
	require.NoError(t, err)

	assert.True(t, f.service.Validate(login.Tokens.AccessToken))

	for _, token := range []string{"", "Bearer ", "a.b", "!!.??.##", login.Tokens.RefreshToken} {
		assert.NotPanics(t, func() {
			assert.False(t, f.service.Validate(token), "token %q", token)
		})
	}
}

func TestAuthService_Validate_IgnoresSessionState(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	login, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)
	require.NoError(t, f.service.LogoutAll(ctx, login.Tokens.AccessToken))

	// Access токены самодостаточны и живут до истечения
	assert.True(t, f.service.Validate(login.Tokens.AccessToken))
}

func TestAuthService_CurrentUser(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()
	login, err := f.service.Login(ctx, googleLogin("g-1", ""))
	require.NoError(t, err)

	user, err := f.service.CurrentUser(ctx, login.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", user.Email)

	_, err = f.service.CurrentUser(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	require.NoError(t, f.identities.SetActive(ctx, login.User.ID, false))
	_, err = f.service.CurrentUser(ctx, login.User.ID)
	assert.ErrorIs(t, err, apperrors.ErrAccountDisabled)
}
