package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

// AssuranceLevel is the strength of the authentication factors satisfied by
// the current session, as reported by the identity backend.
type AssuranceLevel string

const (
	// AssuranceLevel1 means a single factor was verified (password, magic link).
	AssuranceLevel1 AssuranceLevel = "aal1"
	// AssuranceLevel2 means a second factor was verified on top of the first.
	AssuranceLevel2 AssuranceLevel = "aal2"
)

// MaxAssuranceLevel is the level the MFA gate requires from privileged accounts.
var MaxAssuranceLevel = AssuranceLevel2

// SignOutScope selects how far a sign-out reaches.
type SignOutScope string

const (
	// SignOutLocal revokes the session on this device only.
	SignOutLocal SignOutScope = "local"
	// SignOutGlobal revokes every session the backend knows for the user.
	SignOutGlobal SignOutScope = "global"
)

// Session is the proof of authentication issued by the identity backend.
// It is ephemeral: nothing in this package persists it beyond the single
// cached snapshot kept for degraded-mode fallback.
type Session struct {
	UserID       string     `json:"user_id,omitempty"`
	Email        string     `json:"email,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (s *Session) GetUserID() string {
	if s == nil {
		return ""
	}
	return s.UserID
}

func (s *Session) GetUserUUID() (uuid.UUID, error) {
	if s == nil {
		return uuid.Nil, goerrors.New("session is nil", goerrors.CategoryBadInput)
	}
	return uuid.Parse(s.UserID)
}

// IsExpired reports whether the session's access token is past its expiry.
// Sessions without an expiry are treated as live; the backend is the authority.
func (s *Session) IsExpired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}

func (s Session) String() string {
	expires := "<nil>"
	if s.ExpiresAt != nil {
		expires = s.ExpiresAt.Format(time.RFC1123)
	}
	return fmt.Sprintf("user=%s email=%s expires=%s", s.UserID, s.Email, expires)
}

// SessionSource is the thin adapter over the remote identity backend. All
// calls hit the network; callers bound them with WithDeadline.
type SessionSource interface {
	GetSession(ctx context.Context) (*Session, error)
	OnSessionChanged(cb func(session *Session)) (unsubscribe func())
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string) (*Session, error)
	SignOut(ctx context.Context, scope SignOutScope) error
	AssuranceLevel(ctx context.Context) (AssuranceLevel, error)
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// SessionFromAccessToken builds a Session from a backend-issued access token
// without verifying its signature. The backend already validated the token
// when it minted the session; this only recovers user id, email, and expiry.
func SessionFromAccessToken(raw string) (*Session, error) {
	claims := &sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "unable to decode access token")
	}

	session := &Session{
		UserID:      claims.Subject,
		Email:       claims.Email,
		AccessToken: raw,
	}

	if claims.ExpiresAt != nil {
		expires := claims.ExpiresAt.Time
		session.ExpiresAt = &expires
	}

	return session, nil
}
