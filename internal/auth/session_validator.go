package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "tauth"
	bearerPrefix         = "Bearer "
)

var (
	ErrMissingSessionToken   = errors.New("session validator: token required")
	ErrInvalidSessionToken   = errors.New("session validator: invalid token")
	ErrExpiredSessionToken   = errors.New("session validator: token expired")
	ErrMissingSessionSubject = errors.New("session validator: subject required")
)

// SessionClaims mirrors the JWT payload the Gravity backend accepts.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// OwnerSubject returns the raw identity of the token holder, preferring user_id.
func (c SessionClaims) OwnerSubject() string {
	if userID := strings.TrimSpace(c.UserID); userID != "" {
		return userID
	}
	return strings.TrimSpace(c.Subject)
}

// SessionValidatorConfig describes how to read session tokens.
// Without a signing secret, tokens are decoded but their signature is not checked;
// the remote remains the authority for those.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator reads HS256 session tokens from strings and requests.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" && len(cfg.SigningSecret) > 0 {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    strings.TrimSpace(cfg.CookieName),
		clock:         clock,
	}, nil
}

// Verifies reports whether token signatures are checked.
func (v *SessionValidator) Verifies() bool {
	return len(v.signingSecret) > 0
}

// ValidateToken parses the supplied JWT string and returns its claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	if v.Verifies() {
		options := []jwt.ParserOption{
			jwt.WithTimeFunc(v.clock),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		}
		if v.issuer != "" {
			options = append(options, jwt.WithIssuer(v.issuer))
		}
		parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		}, options...)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return SessionClaims{}, ErrExpiredSessionToken
			}
			return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
		}
		if parsed == nil || !parsed.Valid {
			return SessionClaims{}, ErrInvalidSessionToken
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
		}
		if claims.ExpiresAt != nil && !v.clock().Before(claims.ExpiresAt.Time) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
	}
	if claims.OwnerSubject() == "" {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return *claims, nil
}

// ValidateRequest reads a bearer token, falling back to the configured cookie.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return v.ValidateToken(strings.TrimPrefix(header, bearerPrefix))
	}
	if v.cookieName == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
