package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultDeviceID используется, когда клиент не передал идентификатор устройства.
const DefaultDeviceID = "default"

// Причины отзыва сессии
const (
	RevokeReasonRotated    = "rotated"
	RevokeReasonSuperseded = "superseded"
	RevokeReasonLogout     = "logout"
	RevokeReasonLogoutAll  = "logout_all"
)

// SessionState is derived from revoked_at, revoke_reason and expires_at.
type SessionState string

const (
	SessionActive  SessionState = "ACTIVE"
	SessionRotated SessionState = "ROTATED"
	SessionRevoked SessionState = "REVOKED"
	SessionExpired SessionState = "EXPIRED"
)

// Session is one refresh-token session for a (user, device) pair. Only the
// SHA-256 hash of the refresh token is stored.
type Session struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	UserID       string     `gorm:"type:uuid;not null;index" json:"user_id"`
	DeviceID     string     `gorm:"size:255;not null" json:"device_id"`
	TokenHash    string     `gorm:"column:token_hash;type:char(64);not null;uniqueIndex" json:"-"`
	IPAddress    string     `gorm:"size:50;not null;default:''" json:"ip_address"`
	UserAgent    string     `gorm:"type:text;not null;default:''" json:"user_agent"`
	IssuedAt     time.Time  `gorm:"not null" json:"issued_at"`
	ExpiresAt    time.Time  `gorm:"not null;index" json:"expires_at"`
	RevokedAt    *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokeReason string     `gorm:"size:32;not null;default:''" json:"revoke_reason,omitempty"`
	CreatedAt    time.Time  `gorm:"not null" json:"created_at"`
}

func (Session) TableName() string {
	return "sessions"
}

// NewSession creates a session entity from a precomputed token hash.
func NewSession(userID, deviceID, tokenHash, ipAddress, userAgent string, issuedAt time.Time, ttl time.Duration) *Session {
	if deviceID == "" {
		deviceID = DefaultDeviceID
	}
	return &Session{
		UserID:    userID,
		DeviceID:  deviceID,
		TokenHash: tokenHash,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
		CreatedAt: issuedAt,
	}
}

// State возвращает состояние сессии на момент now.
func (s *Session) State(now time.Time) SessionState {
	if s.RevokedAt != nil {
		switch s.RevokeReason {
		case RevokeReasonRotated, RevokeReasonSuperseded:
			return SessionRotated
		default:
			return SessionRevoked
		}
	}
	if !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	return SessionActive
}

// IsActive reports whether the session can still be rotated at now.
func (s *Session) IsActive(now time.Time) bool {
	return s.State(now) == SessionActive
}

// Revoke marks the session revoked. Terminal states are not overwritten.
func (s *Session) Revoke(reason string, now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	s.RevokedAt = &now
	s.RevokeReason = reason
	return true
}

// HashRefreshToken returns the lowercase hex SHA-256 of a refresh token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
