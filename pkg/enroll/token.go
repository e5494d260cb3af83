package enroll

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/burrowhq/warden/pkg/log"
	"github.com/burrowhq/warden/pkg/storage"
	"github.com/burrowhq/warden/pkg/types"
)

// Reserved tokens. DefaultToken enables zero-config bootstrap and is
// always valid and reusable; TestTokenPrefix tokens are synthetic and only
// honored in the test environment.
const (
	DefaultToken    = "default-token"
	TestTokenPrefix = "test-token-"
)

// Token length and lifetime bounds.
const (
	MinTokenLength = 16
	MinExpiry      = 60 * time.Second
	MaxExpiry      = 365 * 24 * time.Hour
)

var (
	// ErrInvalidFormat means the token fails the length floor.
	ErrInvalidFormat = errors.New("invalid token format")

	// ErrTokenNotFound means no live token record exists.
	ErrTokenNotFound = errors.New("token not found or expired")

	// ErrTokenUsed means the token has exhausted its usage budget.
	ErrTokenUsed = errors.New("token already used")

	// ErrTokenExpired means the token's expiry has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrBadExpiry means a requested lifetime is outside the allowed range.
	ErrBadExpiry = errors.New("expiry out of range")
)

// TokenService issues and validates enrollment tokens. Tokens live in the
// key-value store for the agent hot path and are mirrored into the
// relational store for administrator listing.
type TokenService struct {
	kv          *storage.KV
	store       storage.Store
	environment string
}

// NewTokenService creates the token service. environment gates the
// test-token-* allowlist.
func NewTokenService(kv *storage.KV, store storage.Store, environment string) *TokenService {
	return &TokenService{kv: kv, store: store, environment: environment}
}

// Generate mints a random URL-safe token. expiresIn of zero means the
// token never expires; otherwise it must fall within [MinExpiry, MaxExpiry].
func (s *TokenService) Generate(ctx context.Context, expiresIn time.Duration, description, createdBy string, maxUsage int) (*types.EnrollmentToken, error) {
	if expiresIn != 0 && (expiresIn < MinExpiry || expiresIn > MaxExpiry) {
		return nil, ErrBadExpiry
	}
	if maxUsage <= 0 {
		maxUsage = 1
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	now := time.Now().UTC()
	t := &types.EnrollmentToken{
		Token:       base64.RawURLEncoding.EncodeToString(raw),
		Description: description,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		IsActive:    true,
		MaxUsage:    maxUsage,
	}
	if expiresIn != 0 {
		exp := now.Add(expiresIn)
		t.ExpiresAt = &exp
	}

	if err := s.putKV(t, expiresIn); err != nil {
		return nil, err
	}
	if err := s.store.SaveTokenRow(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks a token against the reserved allowlist and the KV store.
func (s *TokenService) Validate(token string) (*types.EnrollmentToken, error) {
	if token == DefaultToken {
		return &types.EnrollmentToken{Token: DefaultToken, IsActive: true, MaxUsage: 0}, nil
	}
	if s.environment == "test" && strings.HasPrefix(token, TestTokenPrefix) {
		return &types.EnrollmentToken{Token: token, IsActive: true, MaxUsage: 0}, nil
	}
	if len(token) < MinTokenLength {
		return nil, ErrInvalidFormat
	}

	value, err := s.kv.Get(storage.BucketTokens, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}

	var t types.EnrollmentToken
	if err := json.Unmarshal(value, &t); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if t.Used || (t.MaxUsage > 0 && t.UsageCount >= t.MaxUsage) {
		return nil, ErrTokenUsed
	}
	if t.ExpiresAt != nil && t.ExpiresAt.Before(time.Now()) {
		return nil, ErrTokenExpired
	}
	return &t, nil
}

// Reserved reports whether token is on the reserved allowlist, i.e. never
// consumed by enrollment.
func (s *TokenService) Reserved(token string) bool {
	return token == DefaultToken ||
		(s.environment == "test" && strings.HasPrefix(token, TestTokenPrefix))
}

// MarkUsed counts one enrollment against the token. Idempotent per device:
// marking an already-marked token again only rewrites the same state. A
// no-op for reserved tokens.
func (s *TokenService) MarkUsed(ctx context.Context, token, deviceID string) error {
	if s.Reserved(token) {
		return nil
	}

	now := time.Now().UTC()
	var updated *types.EnrollmentToken
	err := s.kv.Mutate(storage.BucketTokens, token, func(cur []byte) ([]byte, time.Duration, error) {
		if cur == nil {
			return nil, 0, ErrTokenNotFound
		}
		var t types.EnrollmentToken
		if err := json.Unmarshal(cur, &t); err != nil {
			return nil, 0, fmt.Errorf("decode token: %w", err)
		}

		if t.UsedByDevice != deviceID {
			t.UsageCount++
		}
		t.UsedAt = &now
		t.UsedByDevice = deviceID
		if t.MaxUsage > 0 && t.UsageCount >= t.MaxUsage {
			t.Used = true
		}
		updated = &t

		next, err := json.Marshal(&t)
		if err != nil {
			return nil, 0, err
		}
		return next, remainingTTL(t.ExpiresAt, now), nil
	})
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}

	if err := s.store.SaveTokenRow(ctx, updated); err != nil {
		// The KV copy is authoritative for validation; the admin mirror
		// catches up on the next write.
		wlog := log.WithComponent("enroll")
		wlog.Warn().Err(err).Msg("token row mirror update failed")
	}
	return nil
}

// Update rewrites mutable token fields from the administrator surface.
func (s *TokenService) Update(ctx context.Context, t *types.EnrollmentToken) error {
	if err := s.putKV(t, remainingTTL(t.ExpiresAt, time.Now().UTC())); err != nil {
		return err
	}
	return s.store.SaveTokenRow(ctx, t)
}

// Delete retires a token from both stores.
func (s *TokenService) Delete(ctx context.Context, token string) error {
	if err := s.kv.Delete(storage.BucketTokens, token); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	err := s.store.DeleteTokenRow(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrTokenNotFound
	}
	return err
}

// List returns the administrator view from the relational mirror.
func (s *TokenService) List(ctx context.Context) ([]*types.EnrollmentToken, error) {
	return s.store.ListTokenRows(ctx)
}

func (s *TokenService) putKV(t *types.EnrollmentToken, ttl time.Duration) error {
	value, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.kv.Put(storage.BucketTokens, t.Token, value, ttl); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

func remainingTTL(expiresAt *time.Time, now time.Time) time.Duration {
	if expiresAt == nil {
		return 0
	}
	ttl := expiresAt.Sub(now)
	if ttl < 0 {
		return time.Millisecond // already expired; keep record briefly for the sweep
	}
	return ttl
}
