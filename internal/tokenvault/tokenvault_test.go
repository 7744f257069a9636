package tokenvault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/money"
	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/internal/rng"
	"github.com/mbd888/agentpay/internal/session"
)

type fakeLookup struct {
	sessions map[string]*session.Session
}

func (f *fakeLookup) Load(_ context.Context, keyHash string) (*session.Session, error) {
	s, ok := f.sessions[keyHash]
	if !ok {
		return nil, paymenterrors.ErrSessionInvalid
	}
	return s, nil
}

func testSession(now time.Time) *session.Session {
	return &session.Session{
		KeyHash: "sess_abc",
		Policy: session.Policy{
			DailyCapUSD:     money.Micros(100_000_000),
			PerTxCapUSD:     money.Micros(10_000_000),
			ExpiresAt:       now.Add(time.Hour),
			AllowedChainIDs: []int64{8453},
		},
	}
}

func newVault(now time.Time, lookup SessionLookup) *Vault {
	return New(NewMemoryIndex(), lookup, rng.CSPRNG{}, clock.Fixed{At: now})
}

func TestMint_ClampsToSessionExpiry(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok, err := v.Mint(context.Background(), s, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, s.Policy.ExpiresAt, tok.ExpiresAt)
	assert.NotEmpty(t, tok.TokenString)
}

func TestMint_DefaultTTL(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	s.Policy.ExpiresAt = now.Add(24 * time.Hour)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok, err := v.Mint(context.Background(), s, 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(defaultTTL), tok.ExpiresAt)
}

func TestValidate_HappyPath(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok, err := v.Mint(context.Background(), s, 5*time.Minute)
	require.NoError(t, err)

	got, err := v.Validate(context.Background(), tok.TokenString)
	require.NoError(t, err)
	assert.Equal(t, s.KeyHash, got.KeyHash)
}

func TestValidate_NotIndexed(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	// Structurally valid token, minted by a Vault instance with its own
	// index, never Put into this one.
	other := newVault(now, lookup)
	tok, err := other.Mint(context.Background(), s, 5*time.Minute)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), tok.TokenString)
	require.Error(t, err)
	var perr *paymenterrors.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, paymenterrors.CodeTokenInvalid, perr.Code)
}

func TestValidate_Malformed(t *testing.T) {
	now := time.Now().UTC()
	v := newVault(now, &fakeLookup{sessions: map[string]*session.Session{}})

	_, err := v.Validate(context.Background(), "not-a-valid-token")
	require.Error(t, err)
	var perr *paymenterrors.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, paymenterrors.CodeTokenInvalid, perr.Code)
}

func TestValidate_TokenExpired(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok, err := v.Mint(context.Background(), s, time.Minute)
	require.NoError(t, err)

	later := New(NewMemoryIndex(), lookup, rng.CSPRNG{}, clock.Fixed{At: now.Add(2 * time.Minute)})
	// Re-use the same index so the minted entry is visible to "later".
	later.index = v.index

	_, err = later.Validate(context.Background(), tok.TokenString)
	require.Error(t, err)
	assert.ErrorIs(t, err, paymenterrors.ErrTokenExpired)

	// Expired token must be evicted from the index.
	_, ok, _ := v.index.Get(context.Background(), tok.TokenString)
	assert.False(t, ok)
}

func TestValidate_UnderlyingSessionExpired(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	s.Policy.ExpiresAt = now.Add(time.Hour)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok, err := v.Mint(context.Background(), s, 30*time.Minute)
	require.NoError(t, err)

	// Session expires before the token does.
	s.Policy.ExpiresAt = now.Add(10 * time.Minute)

	later := New(v.index, lookup, rng.CSPRNG{}, clock.Fixed{At: now.Add(20 * time.Minute)})
	_, err = later.Validate(context.Background(), tok.TokenString)
	require.Error(t, err)
	var perr *paymenterrors.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, paymenterrors.CodeTokenExpired, perr.Code)
}

func TestRefresh_ReplacesToken(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok, err := v.Mint(context.Background(), s, 5*time.Minute)
	require.NoError(t, err)

	refreshed, err := v.Refresh(context.Background(), tok.TokenString, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.NotEqual(t, tok.TokenString, refreshed.TokenString)

	_, ok, _ := v.index.Get(context.Background(), tok.TokenString)
	assert.False(t, ok)
}

func TestRefresh_InvalidOldToken(t *testing.T) {
	now := time.Now().UTC()
	v := newVault(now, &fakeLookup{sessions: map[string]*session.Session{}})

	refreshed, err := v.Refresh(context.Background(), "garbage", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, refreshed)
}

func TestRevoke_Idempotent(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok, err := v.Mint(context.Background(), s, 5*time.Minute)
	require.NoError(t, err)

	revoked, err := v.Revoke(context.Background(), tok.TokenString)
	require.NoError(t, err)
	assert.True(t, revoked)

	revokedAgain, err := v.Revoke(context.Background(), tok.TokenString)
	require.NoError(t, err)
	assert.False(t, revokedAgain)
}

func TestRevokeAllForSession(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	tok1, err := v.Mint(context.Background(), s, 5*time.Minute)
	require.NoError(t, err)
	tok2, err := v.Mint(context.Background(), s, 5*time.Minute)
	require.NoError(t, err)

	err = v.RevokeAllForSession(context.Background(), s.KeyHash)
	require.NoError(t, err)

	_, ok1, _ := v.index.Get(context.Background(), tok1.TokenString)
	_, ok2, _ := v.index.Get(context.Background(), tok2.TokenString)
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestCleanup_RemovesExpiredEntries(t *testing.T) {
	now := time.Now().UTC()
	s := testSession(now)
	lookup := &fakeLookup{sessions: map[string]*session.Session{s.KeyHash: s}}
	v := newVault(now, lookup)

	_, err := v.Mint(context.Background(), s, time.Minute)
	require.NoError(t, err)

	later := New(v.index, lookup, rng.CSPRNG{}, clock.Fixed{At: now.Add(5 * time.Minute)})
	n, err := later.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
