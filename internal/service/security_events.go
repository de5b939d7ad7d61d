package service

import (
	"log"
	"strings"
)

// Типы событий безопасности
const (
	EventLoginSuccess       = "LOGIN_SUCCESS"
	EventLoginFailure       = "LOGIN_FAILURE"
	EventAccountDisabled    = "ACCOUNT_DISABLED"
	EventTokenRefresh       = "TOKEN_REFRESH"
	EventRefreshRejected    = "REFRESH_REJECTED"
	EventRefreshTokenReuse  = "REFRESH_TOKEN_REUSE"
	EventLogout             = "LOGOUT"
	EventLogoutAll          = "LOGOUT_ALL"
	EventInvalidAccessToken = "INVALID_ACCESS_TOKEN"
)

// securityEvent - одна строка аудита. Токены и секреты сюда не попадают.
type securityEvent struct {
	Type     string
	UserID   string
	Provider string
	DeviceID string
	IP       string
	Detail   string
}

func (e securityEvent) emit() {
	var b strings.Builder
	b.WriteString("[SecurityEvent] type=")
	b.WriteString(e.Type)
	writeField(&b, "user_id", e.UserID)
	writeField(&b, "provider", e.Provider)
	writeField(&b, "device_id", e.DeviceID)
	writeField(&b, "ip", e.IP)
	writeField(&b, "detail", e.Detail)
	log.Println(b.String())
}

func writeField(b *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	if strings.ContainsAny(value, " \t\"") {
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(value, `"`, `'`))
		b.WriteByte('"')
		return
	}
	b.WriteString(value)
}
