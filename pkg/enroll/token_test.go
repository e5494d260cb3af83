package enroll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/warden/pkg/storage"
)

func newTestTokens(t *testing.T) *TokenService {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	kv, err := storage.NewKV(dir)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewTokenService(kv, store, "production")
}

func TestGenerateAndValidate(t *testing.T) {
	s := newTestTokens(t)
	ctx := context.Background()

	tok, err := s.Generate(ctx, time.Hour, "staging fleet", "admin", 5)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(tok.Token), MinTokenLength)
	require.NotNil(t, tok.ExpiresAt)

	got, err := s.Validate(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxUsage)
	assert.Equal(t, "staging fleet", got.Description)
}

func TestGenerateExpiryBounds(t *testing.T) {
	s := newTestTokens(t)
	ctx := context.Background()

	_, err := s.Generate(ctx, 30*time.Second, "", "admin", 1)
	assert.ErrorIs(t, err, ErrBadExpiry)
	_, err = s.Generate(ctx, 2*365*24*time.Hour, "", "admin", 1)
	assert.ErrorIs(t, err, ErrBadExpiry)

	// Zero means no expiry.
	tok, err := s.Generate(ctx, 0, "", "admin", 1)
	require.NoError(t, err)
	assert.Nil(t, tok.ExpiresAt)
}

func TestValidateReservedTokens(t *testing.T) {
	s := newTestTokens(t)

	got, err := s.Validate(DefaultToken)
	require.NoError(t, err)
	assert.True(t, got.IsActive)

	// test-token-* is only honored in the test environment.
	_, err = s.Validate(TestTokenPrefix + "ci")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestValidateUnknownAndShort(t *testing.T) {
	s := newTestTokens(t)

	_, err := s.Validate("short")
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = s.Validate("long-enough-but-never-issued")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMarkUsedIdempotentPerDevice(t *testing.T) {
	s := newTestTokens(t)
	ctx := context.Background()

	tok, err := s.Generate(ctx, 0, "", "admin", 2)
	require.NoError(t, err)

	require.NoError(t, s.MarkUsed(ctx, tok.Token, "dev_1"))
	// Same device marks again: the count does not move.
	require.NoError(t, s.MarkUsed(ctx, tok.Token, "dev_1"))

	got, err := s.Validate(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UsageCount)
	assert.False(t, got.Used)

	// A second device exhausts the budget.
	require.NoError(t, s.MarkUsed(ctx, tok.Token, "dev_2"))
	_, err = s.Validate(tok.Token)
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestMarkUsedReservedNoop(t *testing.T) {
	s := newTestTokens(t)
	ctx := context.Background()

	require.NoError(t, s.MarkUsed(ctx, DefaultToken, "dev_1"))
	// The default token stays valid forever.
	_, err := s.Validate(DefaultToken)
	assert.NoError(t, err)
}

func TestDeleteToken(t *testing.T) {
	s := newTestTokens(t)
	ctx := context.Background()

	tok, err := s.Generate(ctx, 0, "", "admin", 1)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, tok.Token))
	_, err = s.Validate(tok.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	assert.ErrorIs(t, s.Delete(ctx, tok.Token), ErrTokenNotFound)
}

func TestListMirrorsUsage(t *testing.T) {
	s := newTestTokens(t)
	ctx := context.Background()

	tok, err := s.Generate(ctx, 0, "mirror", "admin", 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkUsed(ctx, tok.Token, "dev_1"))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tok.Token, list[0].Token)
	assert.True(t, list[0].Used)
	assert.Equal(t, 1, list[0].UsageCount)
}
