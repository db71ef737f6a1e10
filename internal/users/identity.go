package users

import (
	"strings"
	"time"
)

// Identity maps a provider login to the owner id every local record is stored under.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	AvatarURL   string    `gorm:"column:user_avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;index"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing owner identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the public view of the signed-in owner.
type Profile struct {
	OwnerID     string    `json:"ownerId"`
	Provider    string    `json:"provider"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

func (identity Identity) profile() Profile {
	return Profile{
		OwnerID:     identity.UserID,
		Provider:    identity.Provider,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		LastSeenAt:  identity.LastSeenAt.UTC(),
	}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
