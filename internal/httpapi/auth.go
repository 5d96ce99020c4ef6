package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/store"
)

const (
	accountLookupTimeout = 3 * time.Second
	tokenIssuer          = "tillcore"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

// AccountStore resolves a login name to its stored credential. Accounts are
// provisioned outside this service; the core only reads them.
type AccountStore interface {
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
}

// AuthManager issues and verifies the bearer tokens that carry the actor
// name and role through every request.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	accounts AccountStore
	now      func() time.Time
}

type actorClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, accounts AccountStore) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		accounts: accounts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Login checks the password against the stored bcrypt hash and issues a
// token for the account's role. Unknown users and wrong passwords give the
// same error.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	lookupCtx, cancel := context.WithTimeout(ctx, accountLookupTimeout)
	defer cancel()
	account, err := a.accounts.GetUser(lookupCtx, username)
	if errors.Is(err, store.ErrNotFound) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("load account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(req.Password)) != nil {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !account.Active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	token, expiresAt, err := a.Issue(domain.Actor{Username: username, Role: account.Role})
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        account.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// Issue signs an HS256 token for actor.
func (a *AuthManager) Issue(actor domain.Actor) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, errors.New("auth secret is not configured")
	}
	issuedAt := a.now()
	expiresAt := issuedAt.Add(a.tokenTTL)
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.Username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: actor.Role,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ParseToken verifies signature, expiry and issuer and returns the actor.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	claims := &actorClaims{}
	_, err := jwtlib.ParseWithClaims(raw, claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}
