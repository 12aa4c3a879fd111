// Package auth verifies the bearer credential presented at handshake
// time. It is a collaborator boundary: the service only learns a user
// id and display name from it.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"roomrelay/internal/domain"
)

type Claims struct {
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (domain.User, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return domain.User{}, domain.ErrUnauthorized
	}
	name := claims.DisplayName
	if name == "" {
		name = claims.Subject
	}
	if len(name) > domain.MaxDisplayNameLen {
		name = name[:domain.MaxDisplayNameLen]
	}
	return domain.User{ID: domain.UserID(claims.Subject), DisplayName: name}, nil
}

// Issue mints a token for the given user. Used by ops tooling and
// tests; production credentials come from the external auth service
// signing with the same secret.
func (v *JWTVerifier) Issue(user domain.User, ttl time.Duration) (string, error) {
	claims := Claims{
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user.ID),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
