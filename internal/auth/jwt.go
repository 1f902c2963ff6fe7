package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-coordinator/internal/models"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims are issued by the external identity provider.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier turns HS256 bearer tokens into actors.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

func (v *Verifier) Verify(header string) (models.Actor, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return models.Actor{}, ErrUnauthorized
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return models.Actor{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	role := models.Role(strings.ToLower(claims.Role))
	if role != models.RolePassenger && role != models.RoleDriver {
		return models.Actor{}, fmt.Errorf("%w: unknown role %q", ErrUnauthorized, claims.Role)
	}
	if claims.Subject == "" {
		return models.Actor{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}
	return models.Actor{ID: claims.Subject, Role: role}, nil
}

// Issue signs a token for actor. The identity provider owns issuance in
// production; this serves local runs and tests.
func (v *Verifier) Issue(actor models.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
