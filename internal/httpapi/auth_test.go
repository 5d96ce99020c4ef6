package httpapi

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

type accountStoreStub struct {
	users map[string]domain.UserAccount
	err   error
}

func (s accountStoreStub) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	if s.err != nil {
		return nil, s.err
	}
	user, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, username)
	}
	return &user, nil
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func newAccountStore(t *testing.T) accountStoreStub {
	t.Helper()
	return accountStoreStub{users: map[string]domain.UserAccount{
		"admin":   {Username: "admin", Password: mustHashPassword(t, "admin123"), Role: "admin", Active: true},
		"cashier": {Username: "cashier", Password: mustHashPassword(t, "cashier123"), Role: "cashier", Active: true},
		"retired": {Username: "retired", Password: mustHashPassword(t, "retired123"), Role: "cashier", Active: false},
	}}
}

func TestLoginIssuesTokenCarryingActor(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newAccountStore(t))

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: " Cashier ", Password: "cashier123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.Role != "cashier" || resp.AccessToken == "" {
		t.Fatalf("unexpected login response %+v", resp)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "cashier" || actor.Role != "cashier" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newAccountStore(t))
	cases := []domain.LoginRequest{
		{Username: "admin", Password: "wrong"},
		{Username: "nobody", Password: "admin123"},
		{Username: "", Password: ""},
	}
	for _, req := range cases {
		if _, err := manager.Login(context.Background(), req); !errors.Is(err, errInvalidCredentials) {
			t.Fatalf("%q: expected invalid credentials, got %v", req.Username, err)
		}
	}
}

func TestLoginRejectsInactiveAccount(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, newAccountStore(t))
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "retired123"})
	if !errors.Is(err, errInactiveAccount) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
}

func TestLoginSurfacesStoreFailure(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, accountStoreStub{err: errors.New("db down")})
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err == nil || errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected store failure to be reported as such, got %v", err)
	}
}

func TestParseTokenRejectsOtherSecret(t *testing.T) {
	issuer := NewAuthManager("secret-one", time.Hour, nil)
	verifier := NewAuthManager("secret-two", time.Hour, nil)

	token, _, err := issuer.Issue(domain.Actor{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := issuer.ParseToken(token); err != nil {
		t.Fatalf("parse own token failed: %v", err)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsExpiredToken(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Minute, nil)
	manager.now = func() time.Time { return time.Now().UTC().Add(-time.Hour) }

	token, _, err := manager.Issue(domain.Actor{Username: "cashier", Role: "cashier"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsForeignIssuerAndAlgorithm(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil)
	expires := jwtlib.NewNumericDate(time.Now().Add(time.Hour))

	foreign, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "admin", Issuer: "elsewhere", ExpiresAt: expires},
		Role:             "admin",
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(foreign); err == nil {
		t.Fatalf("expected foreign issuer to be rejected")
	}

	unsigned, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "admin", Issuer: tokenIssuer, ExpiresAt: expires},
		Role:             "admin",
	}).SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := manager.ParseToken(unsigned); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}

func TestIssueRequiresSecret(t *testing.T) {
	manager := NewAuthManager("", time.Hour, nil)
	if _, _, err := manager.Issue(domain.Actor{Username: "admin", Role: "admin"}); err == nil {
		t.Fatalf("expected missing secret to be rejected")
	}
}
