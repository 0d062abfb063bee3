package telechat

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator resolves the current user of the session.
type Authenticator interface {
	CurrentUser(ctx context.Context) (Identity, error)
}

// SessionAuth derives the identity from the access token's claims without a
// network round trip, so a room can open while the device is offline. The
// signature is not verified here; the backend verifies it on every request.
type SessionAuth struct {
	Token string
	// Now is used for expiry checks; nil means time.Now.
	Now func() time.Time
}

type sessionClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// CurrentUser implements Authenticator.
func (s SessionAuth) CurrentUser(_ context.Context) (Identity, error) {
	if s.Token == "" {
		return Identity{}, fmt.Errorf("no session access token")
	}

	var claims sessionClaims
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, &claims); err != nil {
		return Identity{}, fmt.Errorf("malformed access token: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("access token has no subject")
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	id := Identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
		if now().After(id.ExpiresAt) {
			return Identity{}, fmt.Errorf("access token expired at %s", id.ExpiresAt.Format(time.RFC3339))
		}
	}
	return id, nil
}
