package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/iliyamo/realtime-chat/internal/apperr"
	"github.com/iliyamo/realtime-chat/internal/model"
)

const secret = "test-secret"

type fakeUsers map[string]model.User

func (f fakeUsers) GetUser(_ context.Context, id string) (model.User, error) {
	u, ok := f[id]
	if !ok {
		return model.User{}, apperr.New(apperr.NotFound, "user not found")
	}
	return u, nil
}

func TestAccessTokenRoundTrip(t *testing.T) {
	tok, err := NewAccessToken(secret, "u1", model.RoleUser, 3, 15)
	if err != nil {
		t.Fatal(err)
	}
	c, err := ParseAccessToken(secret, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if c.Subject != "u1" || c.TokenVersion != 3 || c.Role != model.RoleUser {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if _, err := ParseAccessToken("other-secret", tok.Token); err == nil {
		t.Fatal("expected signature failure")
	}
}

func TestParseRejectsNoneAndExpired(t *testing.T) {
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAccessToken(secret, raw); err == nil {
		t.Fatal("expected alg=none to be rejected")
	}

	expired, err := NewAccessToken(secret, "u1", model.RoleUser, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAccessToken(secret, expired.Token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestAuthenticate(t *testing.T) {
	users := fakeUsers{
		"u1": {ID: "u1", Role: model.RoleUser, Status: model.UserActive, TokenVersion: 2},
		"u2": {ID: "u2", Role: model.RoleUser, Status: model.UserSuspended},
	}
	a := NewAuthenticator(secret, users)
	ctx := context.Background()

	good, _ := NewAccessToken(secret, "u1", model.RoleUser, 2, 15)
	stale, _ := NewAccessToken(secret, "u1", model.RoleUser, 1, 15)
	suspended, _ := NewAccessToken(secret, "u2", model.RoleUser, 0, 15)
	ghost, _ := NewAccessToken(secret, "nobody", model.RoleUser, 0, 15)

	id, err := a.Authenticate(ctx, good.Token)
	if err != nil {
		t.Fatalf("Authenticate(good) = %v", err)
	}
	if id.UserID != "u1" || id.TokenVersion != 2 {
		t.Fatalf("identity = %+v", id)
	}

	for name, raw := range map[string]string{
		"empty":     "",
		"garbage":   "not-a-jwt",
		"stale":     stale.Token,
		"suspended": suspended.Token,
		"ghost":     ghost.Token,
	} {
		if _, err := a.Authenticate(ctx, raw); !apperr.Is(err, apperr.Unauthenticated) {
			t.Errorf("%s: err = %v, want Unauthenticated", name, err)
		}
	}

	ok, err := a.Current(ctx, "u1", 1)
	if err != nil || ok {
		t.Fatalf("Current(stale) = %v, %v", ok, err)
	}
}

func TestRefreshHash(t *testing.T) {
	rt, err := NewRefreshToken(30)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Raw) != 96 {
		t.Fatalf("raw length = %d", len(rt.Raw))
	}
	if HashRefreshRaw(rt.Raw) != HashRefreshRaw(rt.Raw) || HashRefreshRaw(rt.Raw) == rt.Raw {
		t.Fatal("hash must be deterministic and differ from the raw value")
	}
}

func TestPassword(t *testing.T) {
	h, err := HashPassword("s3cret", 4)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword(h, "s3cret") || VerifyPassword(h, "wrong") {
		t.Fatal("bcrypt verification mismatch")
	}
}
