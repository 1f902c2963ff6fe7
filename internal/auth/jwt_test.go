package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-coordinator/internal/models"
)

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	tok, err := v.Issue(models.Actor{ID: "u1", Role: models.RoleDriver}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	actor, err := v.Verify("Bearer " + tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if actor.ID != "u1" || actor.Role != models.RoleDriver {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("test-secret")
	other := NewVerifier("other-secret")
	expired, _ := v.Issue(models.Actor{ID: "u1", Role: models.RolePassenger}, -time.Minute)
	foreign, _ := other.Issue(models.Actor{ID: "u1", Role: models.RolePassenger}, time.Minute)
	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString([]byte("test-secret"))
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "passenger",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"},
	}).SignedString([]byte("test-secret"))

	cases := map[string]string{
		"empty":     "",
		"garbage":   "Bearer not-a-token",
		"expired":   "Bearer " + expired,
		"wrong key": "Bearer " + foreign,
		"bad role":  "Bearer " + badRole,
		"no expiry": "Bearer " + noExp,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(header); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}
