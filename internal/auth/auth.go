package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/mbaxter/chat-broker/internal/types"
)

// ErrUnauthorized is returned for missing, malformed or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

const (
	subClaim    = "sub"
	nameClaim   = "name"
	avatarClaim = "avatar"
	expClaim    = "exp"
)

// TokenVerifier validates a bearer token presented at connect time and
// yields the identity the external auth provider issued it for.
type TokenVerifier interface {
	Verify(tokenString string) (types.UserIdentity, error)
}

type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

func (v *JWTVerifier) Verify(tokenString string) (types.UserIdentity, error) {
	if tokenString == "" {
		return types.UserIdentity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.UserIdentity{}, fmt.Errorf("%w: parse token: %v", ErrUnauthorized, err)
	}

	if !token.Valid {
		return types.UserIdentity{}, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.UserIdentity{}, fmt.Errorf("%w: invalid token claims", ErrUnauthorized)
	}

	sub, ok := claims[subClaim].(string)
	if !ok || sub == "" {
		return types.UserIdentity{}, fmt.Errorf("%w: missing subject claim", ErrUnauthorized)
	}

	identity := types.UserIdentity{Id: sub}
	if name, ok := claims[nameClaim].(string); ok {
		identity.Name = name
	}
	if avatar, ok := claims[avatarClaim].(string); ok {
		identity.Avatar = avatar
	}

	return identity, nil
}

// Sign mints a token for the given identity. The broker never issues
// tokens in production, this exists for local development and tests.
func Sign(signingKey []byte, identity types.UserIdentity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subClaim:    identity.Id,
		nameClaim:   identity.Name,
		avatarClaim: identity.Avatar,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
