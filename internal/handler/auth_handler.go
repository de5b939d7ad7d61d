package handler

import (
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/oddiya-auth/internal/domain/entity"
	"github.com/yourusername/oddiya-auth/internal/middleware"
	apperrors "github.com/yourusername/oddiya-auth/internal/pkg/errors"
	"github.com/yourusername/oddiya-auth/internal/service"
)

// AuthHandler обрабатывает запросы, связанные с аутентификацией
type AuthHandler struct {
	authService *service.AuthService
}

// NewAuthHandler создает новый обработчик аутентификации
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// Структуры запросов и ответов

// LoginRequest представляет запрос на вход через внешнего провайдера
type LoginRequest struct {
	Provider        string `json:"provider" binding:"required"`
	IDToken         string `json:"idToken" binding:"omitempty"`
	ProviderID      string `json:"providerId" binding:"omitempty"`
	Email           string `json:"email" binding:"omitempty"`
	Nickname        string `json:"nickname" binding:"omitempty,max=100"`
	ProfileImageURL string `json:"profileImageUrl" binding:"omitempty"`
	DeviceID        string `json:"deviceId" binding:"omitempty,max=255"`
}

// RefreshTokenRequest представляет запрос на обновление токенов
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// LogoutRequest представляет запрос на выход
type LogoutRequest struct {
	DeviceID string `json:"deviceId" binding:"omitempty,max=255"`
}

// AuthResponse - ответ login и refresh
type AuthResponse struct {
	UserID          string `json:"userId"`
	Email           string `json:"email"`
	Nickname        string `json:"nickname"`
	ProfileImageURL string `json:"profileImageUrl"`
	AccessToken     string `json:"accessToken"`
	RefreshToken    string `json:"refreshToken"`
	TokenType       string `json:"tokenType"`
	ExpiresIn       int    `json:"expiresIn"`
	IsNewUser       bool   `json:"isNewUser"`
}

// UserResponse - профиль текущего пользователя
type UserResponse struct {
	UserID          string     `json:"userId"`
	Provider        string     `json:"provider"`
	Email           string     `json:"email"`
	Nickname        string     `json:"nickname"`
	ProfileImageURL string     `json:"profileImageUrl"`
	LastLoginAt     *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// SessionInfo представляет информацию о сессии
type SessionInfo struct {
	ID        uint      `json:"id"`
	DeviceID  string    `json:"deviceId"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newAuthResponse(res *service.AuthResult) AuthResponse {
	return AuthResponse{
		UserID:          res.User.ID,
		Email:           res.User.Email,
		Nickname:        res.User.DisplayName,
		ProfileImageURL: res.User.ProfileImageURL,
		AccessToken:     res.Tokens.AccessToken,
		RefreshToken:    res.Tokens.RefreshToken,
		TokenType:       res.Tokens.TokenType,
		ExpiresIn:       res.Tokens.ExpiresIn,
		IsNewUser:       res.IsNewUser,
	}
}

// Login обрабатывает вход через внешнего провайдера
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": "validation_error", "details": err.Error()})
		return
	}

	res, err := h.authService.Login(c.Request.Context(), service.LoginInput{
		Provider:        req.Provider,
		IDToken:         req.IDToken,
		ProviderID:      req.ProviderID,
		Email:           req.Email,
		Nickname:        req.Nickname,
		ProfileImageURL: req.ProfileImageURL,
		DeviceID:        req.DeviceID,
		IPAddress:       c.ClientIP(),
		UserAgent:       c.Request.UserAgent(),
	})
	if err != nil {
		h.handleAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(res))
}

// RefreshToken обменивает refresh токен на новую пару
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": "validation_error", "details": err.Error()})
		return
	}

	res, err := h.authService.Refresh(c.Request.Context(), service.RefreshInput{
		RefreshToken: req.RefreshToken,
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	if err != nil {
		h.handleAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(res))
}

// Logout отзывает сессию устройства из тела запроса, а без deviceId все
// сессии пользователя. Тело запроса необязательно.
func (h *AuthHandler) Logout(c *gin.Context) {
	token, ok := middleware.ExtractBearerToken(c.GetHeader("Authorization"))
	if !ok {
		h.handleAuthError(c, apperrors.ErrUnauthorized)
		return
	}

	var req LogoutRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": "validation_error", "details": err.Error()})
		return
	}

	if err := h.authService.Logout(c.Request.Context(), token, req.DeviceID); err != nil {
		h.handleAuthError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// LogoutAllDevices отзывает все сессии пользователя
func (h *AuthHandler) LogoutAllDevices(c *gin.Context) {
	token, ok := middleware.ExtractBearerToken(c.GetHeader("Authorization"))
	if !ok {
		h.handleAuthError(c, apperrors.ErrUnauthorized)
		return
	}

	if err := h.authService.LogoutAll(c.Request.Context(), token); err != nil {
		h.handleAuthError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Validate всегда отвечает 200 и {"valid": bool}
func (h *AuthHandler) Validate(c *gin.Context) {
	token, ok := middleware.ExtractBearerToken(c.GetHeader("Authorization"))
	c.JSON(http.StatusOK, gin.H{"valid": ok && h.authService.Validate(token)})
}

// GetMe возвращает профиль текущего пользователя
func (h *AuthHandler) GetMe(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		h.handleAuthError(c, apperrors.ErrUnauthorized)
		return
	}

	user, err := h.authService.CurrentUser(c.Request.Context(), userID)
	if err != nil {
		h.handleAuthError(c, err)
		return
	}

	c.JSON(http.StatusOK, newUserResponse(user))
}

func newUserResponse(u *entity.UserIdentity) UserResponse {
	return UserResponse{
		UserID:          u.ID,
		Provider:        u.Provider,
		Email:           u.Email,
		Nickname:        u.DisplayName,
		ProfileImageURL: u.ProfileImageURL,
		LastLoginAt:     u.LastLoginAt,
		CreatedAt:       u.CreatedAt,
	}
}

// GetActiveSessions возвращает список активных сессий пользователя
func (h *AuthHandler) GetActiveSessions(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		h.handleAuthError(c, apperrors.ErrUnauthorized)
		return
	}

	sessions, err := h.authService.ActiveSessions(c.Request.Context(), userID)
	if err != nil {
		h.handleAuthError(c, err)
		return
	}

	result := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		result = append(result, SessionInfo{
			ID:        session.ID,
			DeviceID:  session.DeviceID,
			IPAddress: session.IPAddress,
			UserAgent: session.UserAgent,
			IssuedAt:  session.IssuedAt,
			ExpiresAt: session.ExpiresAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": result,
		"count":    len(result),
	})
}

// handleAuthError обрабатывает ошибки аутентификации и возвращает соответствующие HTTP-ответы.
// Все отказы по токенам дают одинаковый 401.
func (h *AuthHandler) handleAuthError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Ошибка валидации данных", "error_type": "validation_error", "details": err.Error()})
	case errors.Is(err, apperrors.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "error_type": "unauthorized"})
	case errors.Is(err, apperrors.ErrAccountDisabled):
		c.JSON(http.StatusForbidden, gin.H{"error": "Аккаунт отключен", "error_type": "account_disabled"})
	case errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Запрашиваемый ресурс не найден", "error_type": "not_found"})
	default:
		log.Printf("[AuthHandler] Auth Error: %v", err) // Логируем полную ошибку для отладки
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Внутренняя ошибка сервера", "error_type": "internal_server_error"})
	}
}
