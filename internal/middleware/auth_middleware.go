package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/oddiya-auth/pkg/auth"
)

// Ключи контекста gin, которые выставляет RequireAuth
const (
	ContextUserID      = "user_id"
	ContextAccessToken = "access_token"
)

// TokenAuthenticator проверяет access токен без обращения к хранилищу.
type TokenAuthenticator interface {
	Authenticate(accessToken string) auth.Result
}

// AuthMiddleware обеспечивает аутентификацию для защищенных маршрутов
type AuthMiddleware struct {
	authenticator TokenAuthenticator
}

// NewAuthMiddleware создает новый middleware
func NewAuthMiddleware(authenticator TokenAuthenticator) *AuthMiddleware {
	return &AuthMiddleware{authenticator: authenticator}
}

// ExtractBearerToken достает токен из заголовка "Authorization: Bearer <token>".
// Схема сравнивается без учета регистра, других мест (cookie, query, body) нет.
func ExtractBearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// RequireAuth пропускает запрос только с валидным Bearer токеном.
// Любой отказ отдается одинаковым 401, причина остается в метриках.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := ExtractBearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c)
			return
		}

		res := m.authenticator.Authenticate(token)
		if !res.Valid {
			abortUnauthorized(c)
			return
		}

		c.Set(ContextUserID, res.UserID)
		c.Set(ContextAccessToken, token)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":      "Unauthorized",
		"error_type": "unauthorized",
	})
}
