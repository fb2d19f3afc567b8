// Package auth validates client tokens. Token issuance is owned by an
// external system; the gateway consumes opaque tokens through the
// Validator contract. The store-backed validator expects tokens of the
// form "<id>.<secret>" where the store holds a bcrypt hash of the secret.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/agentmux/agentmux/internal/gateway/id"
	"github.com/agentmux/agentmux/internal/gateway/store"
)

// ErrInvalidToken is returned for malformed, unknown, or expired tokens.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// UserInfo identifies the authenticated user behind a token.
type UserInfo struct {
	ID string
}

// Validator resolves an opaque token to a UserInfo.
type Validator interface {
	Validate(ctx context.Context, token string) (*UserInfo, error)
}

// TokenStore is the subset of the store the validator needs.
type TokenStore interface {
	GetAuthToken(ctx context.Context, tokenID string) (*store.AuthToken, error)
}

// StoreValidator validates tokens against persisted bcrypt secret hashes.
type StoreValidator struct {
	tokens TokenStore
}

// NewStoreValidator creates a store-backed Validator.
func NewStoreValidator(tokens TokenStore) *StoreValidator {
	return &StoreValidator{tokens: tokens}
}

// Validate checks the token's secret against the stored hash and the
// token's expiry.
func (v *StoreValidator) Validate(ctx context.Context, token string) (*UserInfo, error) {
	tokenID, secret, ok := strings.Cut(token, ".")
	if !ok || tokenID == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	tok, err := v.tokens.GetAuthToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("query token: %w", err)
	}

	if !tok.ExpiresAt.IsZero() && time.Now().After(tok.ExpiresAt) {
		return nil, ErrInvalidToken
	}

	if err := bcrypt.CompareHashAndPassword([]byte(tok.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidToken
	}

	return &UserInfo{ID: tok.UserID}, nil
}

// TokenCreator persists new token records; implemented by the SQLite store.
type TokenCreator interface {
	CreateAuthToken(ctx context.Context, tok store.AuthToken) error
}

// Issue mints a token for userID, persists its bcrypt secret hash, and
// returns the plaintext "<id>.<secret>" token. Used by bootstrap and tests.
func Issue(ctx context.Context, creator TokenCreator, userID string, ttl time.Duration) (string, error) {
	tokenID := id.Generate()
	secret := id.GenerateSecret()

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token secret: %w", err)
	}

	if err := creator.CreateAuthToken(ctx, store.AuthToken{
		ID:         tokenID,
		UserID:     userID,
		SecretHash: string(hash),
		ExpiresAt:  time.Now().Add(ttl).UTC(),
	}); err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}

	return tokenID + "." + secret, nil
}
