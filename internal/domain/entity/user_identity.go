package entity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// UserIdentity is the durable local identity for one (provider, provider_id) pair.
// The pair is unique in storage; profile fields are denormalized copies of what
// the provider reported on the latest login and are never used for matching.
type UserIdentity struct {
	ID              string     `gorm:"primaryKey;type:uuid" json:"id"`
	Provider        string     `gorm:"size:32;not null;uniqueIndex:idx_user_identities_provider_subject,priority:1" json:"provider"`
	ProviderID      string     `gorm:"column:provider_id;size:255;not null;uniqueIndex:idx_user_identities_provider_subject,priority:2" json:"provider_id"`
	Email           string     `gorm:"size:255;not null;default:''" json:"email"`
	DisplayName     string     `gorm:"size:100;not null;default:''" json:"display_name"`
	ProfileImageURL string     `gorm:"column:profile_image_url;type:text;not null;default:''" json:"profile_image_url"`
	Active          bool       `gorm:"column:is_active;not null;default:true" json:"is_active"`
	LastLoginAt     *time.Time `json:"last_login_at,omitempty"`
	CreatedAt       time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"not null" json:"updated_at"`
}

func (UserIdentity) TableName() string {
	return "user_identities"
}

// Profile holds the provider-reported fields refreshed on every login.
// Empty fields leave the stored value untouched.
type Profile struct {
	Email           string
	DisplayName     string
	ProfileImageURL string
}

// Normalize trims whitespace and fills DisplayName from the email local part
// when the provider did not send a name.
func (p Profile) Normalize() Profile {
	out := Profile{
		Email:           strings.ToLower(strings.TrimSpace(p.Email)),
		DisplayName:     strings.TrimSpace(p.DisplayName),
		ProfileImageURL: strings.TrimSpace(p.ProfileImageURL),
	}
	if out.DisplayName == "" {
		out.DisplayName = EmailLocalPart(out.Email)
	}
	return out
}

// Updates returns the column map applied on a repeat login.
func (p Profile) Updates() map[string]interface{} {
	updates := make(map[string]interface{}, 3)
	if p.Email != "" {
		updates["email"] = p.Email
	}
	if p.DisplayName != "" {
		updates["display_name"] = p.DisplayName
	}
	if p.ProfileImageURL != "" {
		updates["profile_image_url"] = p.ProfileImageURL
	}
	return updates
}

// NewUserIdentity builds a not yet persisted identity with a fresh UUID.
func NewUserIdentity(provider, providerID string, profile Profile, now time.Time) *UserIdentity {
	p := profile.Normalize()
	return &UserIdentity{
		ID:              uuid.NewString(),
		Provider:        provider,
		ProviderID:      providerID,
		Email:           p.Email,
		DisplayName:     p.DisplayName,
		ProfileImageURL: p.ProfileImageURL,
		Active:          true,
		LastLoginAt:     &now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ApplyProfile copies non-empty profile fields onto the identity.
func (u *UserIdentity) ApplyProfile(profile Profile, now time.Time) {
	p := profile.Normalize()
	if p.Email != "" {
		u.Email = p.Email
	}
	if p.DisplayName != "" {
		u.DisplayName = p.DisplayName
	}
	if p.ProfileImageURL != "" {
		u.ProfileImageURL = p.ProfileImageURL
	}
	u.LastLoginAt = &now
	u.UpdatedAt = now
}

// EmailLocalPart returns the part of the address before '@'.
func EmailLocalPart(email string) string {
	email = strings.TrimSpace(email)
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return ""
}
