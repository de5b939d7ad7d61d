package service

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Известные провайдеры
const (
	ProviderGoogle = "google"
	ProviderApple  = "apple"
)

// ProviderClaims - проверенные данные внешней идентичности из ID токена.
type ProviderClaims struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// ProviderVerifier проверяет ID токен провайдера и возвращает его claims.
type ProviderVerifier interface {
	Verify(ctx context.Context, idToken string) (*ProviderClaims, error)
}

// OIDCProviderConfig описывает OIDC провайдера: где брать ключи и каким
// issuer/audience должен соответствовать токен.
type OIDCProviderConfig struct {
	Provider  string
	JWKSURL   string
	Issuers   []string
	Audiences []string
}

// GoogleProviderConfig возвращает конфигурацию Google Sign-In для заданных client ID.
func GoogleProviderConfig(clientIDs []string) OIDCProviderConfig {
	return OIDCProviderConfig{
		Provider:  ProviderGoogle,
		JWKSURL:   "https://www.googleapis.com/oauth2/v3/certs",
		Issuers:   []string{"accounts.google.com", "https://accounts.google.com"},
		Audiences: clientIDs,
	}
}

// AppleProviderConfig возвращает конфигурацию Sign in with Apple для заданных client ID (bundle / service ID).
func AppleProviderConfig(clientIDs []string) OIDCProviderConfig {
	return OIDCProviderConfig{
		Provider:  ProviderApple,
		JWKSURL:   "https://appleid.apple.com/auth/keys",
		Issuers:   []string{"https://appleid.apple.com"},
		Audiences: clientIDs,
	}
}

type idTokenClaims struct {
	Email         string      `json:"email"`
	EmailVerified interface{} `json:"email_verified"`
	Name          string      `json:"name"`
	Picture       string      `json:"picture"`
	jwt.RegisteredClaims
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// OIDCVerifier проверяет RS256 ID токены по опубликованному JWKS провайдера.
// Ключи кешируются на время из Cache-Control (по умолчанию час).
type OIDCVerifier struct {
	cfg        OIDCProviderConfig
	httpClient *http.Client
	jwksMu     sync.RWMutex
	jwksKeys   map[string]*rsa.PublicKey
	jwksExpiry time.Time
}

var _ ProviderVerifier = (*OIDCVerifier)(nil)

// NewOIDCVerifier создает верификатор. httpClient может быть nil.
func NewOIDCVerifier(cfg OIDCProviderConfig, httpClient *http.Client) (*OIDCVerifier, error) {
	if strings.TrimSpace(cfg.Provider) == "" {
		return nil, fmt.Errorf("provider name is required for OIDCVerifier")
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		return nil, fmt.Errorf("jwks url is required for OIDCVerifier")
	}
	if len(cfg.Issuers) == 0 {
		return nil, fmt.Errorf("at least one issuer is required for OIDCVerifier")
	}
	if len(nonEmpty(cfg.Audiences)) == 0 {
		return nil, fmt.Errorf("at least one client id is required for %s verifier", cfg.Provider)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &OIDCVerifier{cfg: cfg, httpClient: httpClient}, nil
}

// Verify проверяет подпись, issuer, audience и срок действия ID токена.
func (v *OIDCVerifier) Verify(ctx context.Context, idToken string) (*ProviderClaims, error) {
	idToken = strings.TrimSpace(idToken)
	if idToken == "" {
		return nil, fmt.Errorf("%w: empty id token", ErrProviderTokenVerificationFailed)
	}

	claims := &idTokenClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	token, err := parser.ParseWithClaims(idToken, claims, func(token *jwt.Token) (interface{}, error) {
		kid, _ := token.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, fmt.Errorf("%w: missing kid header", ErrProviderTokenVerificationFailed)
		}
		return v.publicKey(ctx, strings.TrimSpace(kid))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderTokenVerificationFailed, err)
	}
	if token == nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrProviderTokenVerificationFailed)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrProviderTokenVerificationFailed)
	}
	if !contains(v.cfg.Issuers, claims.Issuer) {
		return nil, fmt.Errorf("%w: invalid issuer", ErrProviderTokenVerificationFailed)
	}
	audMatched := false
	for _, aud := range claims.Audience {
		if contains(nonEmpty(v.cfg.Audiences), strings.TrimSpace(aud)) {
			audMatched = true
			break
		}
	}
	if !audMatched {
		return nil, fmt.Errorf("%w: audience mismatch", ErrProviderTokenVerificationFailed)
	}
	if claims.ExpiresAt == nil || time.Now().After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: token expired", ErrProviderTokenVerificationFailed)
	}

	emailVerified, ok := parseEmailVerifiedClaim(claims.EmailVerified)
	if !ok {
		return nil, fmt.Errorf("%w: invalid email_verified claim", ErrProviderTokenVerificationFailed)
	}

	return &ProviderClaims{
		Provider:      v.cfg.Provider,
		Subject:       strings.TrimSpace(claims.Subject),
		Email:         strings.TrimSpace(claims.Email),
		EmailVerified: emailVerified,
		Name:          strings.TrimSpace(claims.Name),
		Picture:       strings.TrimSpace(claims.Picture),
	}, nil
}

// parseEmailVerifiedClaim принимает bool и строку "true"/"false" (Apple отдает строку).
// Отсутствующий claim означает false.
func parseEmailVerifiedClaim(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case nil:
		return false, true
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true":
			return true, true
		case "false":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

func (v *OIDCVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	now := time.Now()
	v.jwksMu.RLock()
	if key, ok := v.jwksKeys[kid]; ok && now.Before(v.jwksExpiry) {
		v.jwksMu.RUnlock()
		return key, nil
	}
	v.jwksMu.RUnlock()

	if err := v.refreshJWKS(ctx); err != nil {
		return nil, err
	}

	v.jwksMu.RLock()
	defer v.jwksMu.RUnlock()
	key, ok := v.jwksKeys[kid]
	if !ok || key == nil {
		return nil, fmt.Errorf("%w: jwks key not found", ErrProviderTokenVerificationFailed)
	}
	return key, nil
}

func (v *OIDCVerifier) refreshJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s jwks request: %w", v.cfg.Provider, err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to fetch %s jwks: %v", ErrProviderTokenVerificationFailed, v.cfg.Provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w: jwks status=%d body=%s", ErrProviderTokenVerificationFailed, resp.StatusCode, string(body))
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("failed to decode %s jwks response: %w", v.cfg.Provider, err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if strings.TrimSpace(k.Kid) == "" || k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(k)
		if err != nil {
			log.Printf("WARN: [OIDCVerifier] Skipping unusable %s jwk %s: %v", v.cfg.Provider, k.Kid, err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no usable rsa keys in %s jwks", ErrProviderTokenVerificationFailed, v.cfg.Provider)
	}

	ttl := parseJWKSMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = time.Hour
	}

	v.jwksMu.Lock()
	v.jwksKeys = keys
	v.jwksExpiry = time.Now().Add(ttl)
	v.jwksMu.Unlock()
	log.Printf("[OIDCVerifier] Loaded %d %s signing keys, cached for %v", len(keys), v.cfg.Provider, ttl)
	return nil
}

func parseRSAPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nBytes)
	eInt := 0
	for _, b := range eBytes {
		eInt = eInt<<8 + int(b)
	}
	if n.Sign() <= 0 || eInt <= 0 {
		return nil, fmt.Errorf("invalid rsa jwk")
	}

	return &rsa.PublicKey{N: n, E: eInt}, nil
}

func parseJWKSMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		seconds, err := time.ParseDuration(strings.TrimPrefix(part, "max-age=") + "s")
		if err != nil {
			return 0
		}
		if seconds < time.Minute {
			return time.Minute
		}
		return seconds
	}
	return 0
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
