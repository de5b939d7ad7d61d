package entity

import (
	"time"
)

// SigningKey хранит общий HMAC секрет для подписи access токенов.
// Secret в БД лежит зашифрованным (AES-GCM), репозиторий возвращает его расшифрованным.
type SigningKey struct {
	ID        string     `gorm:"primaryKey;type:varchar(100)" json:"id"`
	Secret    string     `gorm:"type:text;not null" json:"-"`
	Algorithm string     `gorm:"type:varchar(16);not null" json:"algorithm"`
	IsActive  bool       `gorm:"not null" json:"is_active"`
	CreatedAt time.Time  `gorm:"not null" json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// TableName определяет имя таблицы для GORM.
func (SigningKey) TableName() string {
	return "signing_keys"
}

// CanSign проверяет, может ли ключ использоваться для подписи
func (k *SigningKey) CanSign() bool {
	return k.IsActive && k.RetiredAt == nil && k.Secret != ""
}
