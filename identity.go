package chatkit

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a session token cannot be parsed or
// carries no subject claim.
var ErrInvalidToken = errors.New("invalid session token")

// identityClaims mirrors the claims the chat backend embeds in its session
// tokens.
type identityClaims struct {
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityFromToken derives the current user's UserRef from the session
// JWT's claims. The signature is not verified here; the server owns token
// verification and the client only needs the embedded identity.
func IdentityFromToken(token string) (UserRef, error) {
	var claims identityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return UserRef{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return UserRef{}, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	return UserRef{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		Role:        claims.Role,
	}, nil
}
