package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// Reason - машинная причина отказа валидации (для логов и метрик).
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonMalformed       Reason = "malformed"
	ReasonAlgorithm       Reason = "algorithm"
	ReasonSignature       Reason = "signature"
	ReasonMissingSubject  Reason = "missing_subject"
	ReasonMissingIssuedAt Reason = "missing_issued_at"
	ReasonIssuedInFuture  Reason = "issued_in_future"
	ReasonMissingExpiry   Reason = "missing_expiry"
	ReasonExpired         Reason = "expired"
)

// Result - типизированный результат валидации access токена.
type Result struct {
	Valid     bool
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Reason    Reason
}

func invalid(reason Reason) Result {
	return Result{Reason: reason}
}

// TokenValidator проверяет access токены без обращения к хранилищу.
type TokenValidator struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// NewTokenValidator создает валидатор. Алгоритм закреплен на HS256,
// проверка временных claims выполняется вручную с учетом skew.
func NewTokenValidator(secret []byte, skew time.Duration) (*TokenValidator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	if skew < 0 {
		skew = 0
	}
	return &TokenValidator{
		secret: secret,
		skew:   skew,
		now:    time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// SetClock подменяет источник времени (для тестов).
func (v *TokenValidator) SetClock(now func() time.Time) {
	if now == nil {
		log.Println("WARN: [TokenValidator] Attempted to set a nil clock.")
		return
	}
	v.now = now
}

// Validate никогда не паникует: любой сбой разбора превращается в Valid=false.
func (v *TokenValidator) Validate(token string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL: [TokenValidator] panic during validation recovered: %v", r)
			res = invalid(ReasonMalformed)
		}
	}()

	if reason := checkStructure(token); reason != ReasonNone {
		return invalid(reason)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return invalid(classifyParseError(err))
	}

	return v.checkClaims(claims)
}

func (v *TokenValidator) checkClaims(claims *jwt.RegisteredClaims) Result {
	if strings.TrimSpace(claims.Subject) == "" {
		return invalid(ReasonMissingSubject)
	}
	if claims.IssuedAt == nil {
		return invalid(ReasonMissingIssuedAt)
	}
	if claims.ExpiresAt == nil {
		return invalid(ReasonMissingExpiry)
	}

	now := v.now()
	if claims.IssuedAt.Time.After(now.Add(v.skew)) {
		return invalid(ReasonIssuedInFuture)
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return invalid(ReasonExpired)
	}

	return Result{
		Valid:     true,
		UserID:    claims.Subject,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}

// checkStructure отсекает все, что не является тремя непустыми base64url
// сегментами с заголовком alg=HS256, до любых криптографических операций.
func checkStructure(token string) Reason {
	if token == "" || strings.ContainsAny(token, " \t\r\n") {
		return ReasonMalformed
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ReasonMalformed
	}
	decoded := make([][]byte, 0, 2)
	for i, part := range parts {
		if part == "" {
			return ReasonMalformed
		}
		b, err := base64.RawURLEncoding.DecodeString(part)
		if err != nil {
			return ReasonMalformed
		}
		if i < 2 {
			decoded = append(decoded, b)
		}
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(decoded[0], &header); err != nil {
		return ReasonMalformed
	}
	if header.Alg != jwt.SigningMethodHS256.Alg() {
		return ReasonAlgorithm
	}
	if !json.Valid(decoded[1]) {
		return ReasonMalformed
	}
	return ReasonNone
}

func classifyParseError(err error) Reason {
	var ve *jwt.ValidationError
	if errors.As(err, &ve) {
		switch {
		case ve.Errors&jwt.ValidationErrorMalformed != 0:
			return ReasonMalformed
		case ve.Errors&jwt.ValidationErrorUnverifiable != 0:
			return ReasonAlgorithm
		}
	}
	return ReasonSignature
}
