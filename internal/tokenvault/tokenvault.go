// Package tokenvault mints and tracks short-lived opaque payment tokens
// that delegate a narrow, time-boxed capability to a third party without
// handing over the session itself. A token carries a snapshot of the
// session's policy limits at mint time; it is never re-evaluated against
// the session's live policy, only against its own expiry and the
// session's continued validity.
//
// The vault's index is pluggable (Index): the default is an in-process
// MemoryIndex, matching spec's description of a sync.Map-backed table;
// RedisIndex backs a shared index across multiple process instances, the
// way the teacher's other stores offer a memory/postgres pair.
package tokenvault

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/internal/rng"
	"github.com/mbd888/agentpay/internal/session"
	"github.com/mbd888/agentpay/pkg/codec"
)

// tokenType is the literal type tag embedded in every minted token, kept
// stable across versions so older tokens remain structurally decodable.
const tokenType = "VERIDEX_SESSION_TOKEN"

// defaultTTL is used when Mint is called with ttl <= 0.
const defaultTTL = 15 * time.Minute

// IndexEntry is what the index stores per live token: enough to validate
// without re-decoding the token string itself.
type IndexEntry struct {
	SessionKeyHash string
	ExpiresAt      time.Time
}

// Index is the pluggable storage the vault tracks live tokens in, keyed
// by the token string.
type Index interface {
	Put(ctx context.Context, token string, entry IndexEntry, ttl time.Duration) error
	Get(ctx context.Context, token string) (IndexEntry, bool, error)
	Delete(ctx context.Context, token string) error
	TokensForSession(ctx context.Context, keyHash string) ([]string, error)
	Cleanup(ctx context.Context, now time.Time) (int, error)
}

// SessionLookup resolves a session by key_hash. *session.Manager
// satisfies this directly.
type SessionLookup interface {
	Load(ctx context.Context, keyHash string) (*session.Session, error)
}

// PaymentToken is the result of Mint: the opaque token string plus the
// fields embedded in it, for callers that want them without re-decoding.
type PaymentToken struct {
	TokenString    string
	SessionKeyHash string
	LimitsSnapshot session.Policy
	ExpiresAt      time.Time
	Nonce          [16]byte
}

// tokenPayload is the JSON structure embedded, base64url-encoded, in the
// token string itself.
type tokenPayload struct {
	SessionKeyHash string         `json:"session_key_hash"`
	Type           string         `json:"type"`
	LimitsSnapshot session.Policy `json:"limits_snapshot"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Nonce          string         `json:"nonce"`
}

// Vault mints and validates payment tokens against an Index and a
// SessionLookup. It implements session.Revoker so a SessionManager.Revoke
// call cascades into every token minted from the revoked session.
type Vault struct {
	index  Index
	lookup SessionLookup
	rng    rng.Rng
	clock  clock.Clock
}

// New constructs a Vault.
func New(index Index, lookup SessionLookup, r rng.Rng, c clock.Clock) *Vault {
	return &Vault{index: index, lookup: lookup, rng: r, clock: c}
}

// Mint issues a new token for s. expires_at is clamped to the session's
// own policy expiry, so a token can never outlive the session it
// delegates from; ttl <= 0 uses defaultTTL.
func (v *Vault) Mint(ctx context.Context, s *session.Session, ttl time.Duration) (*PaymentToken, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := v.clock.Now()
	expiresAt := now.Add(ttl)
	if expiresAt.After(s.Policy.ExpiresAt) {
		expiresAt = s.Policy.ExpiresAt
	}

	nonceBytes, err := v.rng.Bytes(16)
	if err != nil {
		return nil, paymenterrors.Crypto("tokenvault: nonce generation failed")
	}
	var nonce [16]byte
	copy(nonce[:], nonceBytes)

	payload := tokenPayload{
		SessionKeyHash: s.KeyHash,
		Type:           tokenType,
		LimitsSnapshot: s.Policy,
		ExpiresAt:      expiresAt,
		Nonce:          hex.EncodeToString(nonce[:]),
	}
	tokenString, err := codec.EncodeJSONURL(payload)
	if err != nil {
		return nil, paymenterrors.Internal("tokenvault: token encoding failed")
	}

	if err := v.index.Put(ctx, tokenString, IndexEntry{SessionKeyHash: s.KeyHash, ExpiresAt: expiresAt}, ttl); err != nil {
		return nil, fmt.Errorf("tokenvault: mint: %w", err)
	}

	return &PaymentToken{
		TokenString:    tokenString,
		SessionKeyHash: s.KeyHash,
		LimitsSnapshot: s.Policy,
		ExpiresAt:      expiresAt,
		Nonce:          nonce,
	}, nil
}

// Validate resolves tokenString to the session it was minted from,
// failing closed on every edge case the spec names: not indexed
// (stale, or minted by a different process sharing no index), malformed,
// expired (removed from the index), or the underlying session itself
// having since expired (also removed from the index, since the token can
// never become valid again).
func (v *Vault) Validate(ctx context.Context, tokenString string) (*session.Session, error) {
	entry, ok, err := v.index.Get(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("tokenvault: validate: %w", err)
	}
	if !ok {
		var payload tokenPayload
		if err := codec.DecodeJSONURL(tokenString, &payload); err != nil {
			return nil, wrapTokenInvalid("malformed")
		}
		return nil, wrapTokenInvalid("not found")
	}

	now := v.clock.Now()
	if !now.Before(entry.ExpiresAt) {
		_ = v.index.Delete(ctx, tokenString)
		return nil, paymenterrors.ErrTokenExpired
	}

	s, err := v.lookup.Load(ctx, entry.SessionKeyHash)
	if err != nil {
		return nil, err
	}
	if s.IsExpired(now) {
		_ = v.index.Delete(ctx, tokenString)
		return nil, wrapTokenExpired("underlying session expired")
	}
	return s, nil
}

// Refresh atomically validates oldToken, removes it, and mints a
// replacement for the same session. It returns (nil, nil) — not an
// error — when oldToken was not valid, matching the spec's "Result or
// null" contract rather than forcing callers to distinguish validation
// failure from infrastructure failure here.
func (v *Vault) Refresh(ctx context.Context, oldToken string, ttl time.Duration) (*PaymentToken, error) {
	s, err := v.Validate(ctx, oldToken)
	if err != nil {
		return nil, nil
	}
	_ = v.index.Delete(ctx, oldToken)
	return v.Mint(ctx, s, ttl)
}

// Revoke removes token from the index. Idempotent: revoking an absent or
// already-revoked token is not an error.
func (v *Vault) Revoke(ctx context.Context, tokenString string) (bool, error) {
	_, ok, err := v.index.Get(ctx, tokenString)
	if err != nil {
		return false, fmt.Errorf("tokenvault: revoke: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := v.index.Delete(ctx, tokenString); err != nil {
		return false, fmt.Errorf("tokenvault: revoke: %w", err)
	}
	return true, nil
}

// RevokeAllForSession removes every token minted from keyHash. It
// satisfies session.Revoker, so SessionManager.Revoke cascades through
// here without internal/session importing this package.
func (v *Vault) RevokeAllForSession(ctx context.Context, keyHash string) error {
	tokens, err := v.index.TokensForSession(ctx, keyHash)
	if err != nil {
		return fmt.Errorf("tokenvault: revoke_all_for_session: %w", err)
	}
	for _, t := range tokens {
		if err := v.index.Delete(ctx, t); err != nil {
			return fmt.Errorf("tokenvault: revoke_all_for_session: %w", err)
		}
	}
	slog.Info("tokenvault: revoked all tokens for session", "session_key_hash", keyHash, "count", len(tokens))
	return nil
}

// Cleanup removes every index entry whose expiry has passed. Safe to
// call from a background ticker; a MemoryIndex needs it since entries
// are not evicted on their own, while a RedisIndex treats it as a no-op
// since Redis expires keys natively.
func (v *Vault) Cleanup(ctx context.Context) (int, error) {
	return v.index.Cleanup(ctx, v.clock.Now())
}

func wrapTokenInvalid(detail string) *paymenterrors.Error {
	e := *paymenterrors.ErrTokenInvalid
	e.Message = e.Message + ": " + detail
	return &e
}

func wrapTokenExpired(detail string) *paymenterrors.Error {
	e := *paymenterrors.ErrTokenExpired
	e.Message = e.Message + ": " + detail
	return &e
}

var _ session.Revoker = (*Vault)(nil)
