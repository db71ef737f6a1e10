// Package users resolves which owner the local database belongs to.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultProvider = "default"

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrNoKnownOwner indicates no owner has signed in on this device yet.
	ErrNoKnownOwner = errors.New("users: no owner has signed in")
)

// ServiceConfig describes the dependencies required for owner resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps session claims to owner ids and remembers the last owner for offline starts.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveOwnerID returns the owner id for claims, recording the identity and its profile.
// Provider prefixes such as "google:" are stripped so the id matches the remote's.
func (s *Service) ResolveOwnerID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	now := s.now().UTC()

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  now,
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return "", err
		}
		s.logger.Info("owner registered", zap.String("owner_id", identity.UserID), zap.String("provider", provider))
	case err != nil:
		return "", err
	default:
		updates := map[string]interface{}{"last_seen_at": now}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
			updates["user_avatar_url"] = avatar
		}
		if err := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			s.logger.Warn("owner profile refresh failed", zap.String("owner_id", identity.UserID), zap.Error(err))
		}
	}

	return identity.UserID, nil
}

// LastOwner returns the most recently seen owner, used when starting without a token.
func (s *Service) LastOwner(ctx context.Context) (Profile, error) {
	var identity Identity
	err := s.db.WithContext(ctx).Order("last_seen_at DESC").Take(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNoKnownOwner
	}
	if err != nil {
		return Profile{}, err
	}
	return identity.profile(), nil
}

// Profile returns the stored profile of ownerID.
func (s *Service) Profile(ctx context.Context, ownerID string) (Profile, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("user_id = ?", normalize(ownerID)).
		Order("last_seen_at DESC").
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, fmt.Errorf("%w: %s", ErrNoKnownOwner, ownerID)
	}
	if err != nil {
		return Profile{}, err
	}
	return identity.profile(), nil
}

// OwnerIDFromClaims returns the owner id ResolveOwnerID would record for claims,
// without touching the database.
func OwnerIDFromClaims(claims auth.SessionClaims) string {
	_, subject := deriveProviderSubject(claims)
	return subject
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
