package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/credentialvault"
	"github.com/mbd888/agentpay/internal/money"
	"github.com/mbd888/agentpay/internal/paymenterrors"
	"github.com/mbd888/agentpay/internal/rng"
	"github.com/mbd888/agentpay/internal/syncutil"
)

// Revoker cascades a session revocation into the token vault. Defined here
// rather than imported, so internal/session has no dependency on
// internal/tokenvault; tokenvault instead implements this interface.
type Revoker interface {
	RevokeAllForSession(ctx context.Context, keyHash string) error
}

// Manager composes the credential vault, the session store, and the
// pure-functional ledger into the session lifecycle operations. It
// serializes check/sign/record per session key, the way the teacher's
// sessionkeys.Manager serialized usage updates per key via its own
// store-level locking, but using a context-aware sharded mutex so a caller
// waiting behind a slow signer can give up when its context ends. Session
// keys that hash to the same shard share one lock.
type Manager struct {
	store    Store
	vault    *credentialvault.Vault
	rng      rng.Rng
	clock    clock.Clock
	locks    *syncutil.ContextShardedMutex
	revoker  Revoker
	policies PolicyStore
}

// NewManager constructs a Manager. revoker may be nil until the token
// vault is wired in by the caller; Revoke then skips the cascade step.
func NewManager(store Store, vault *credentialvault.Vault, r rng.Rng, c clock.Clock, revoker Revoker) *Manager {
	return &Manager{
		store:   store,
		vault:   vault,
		rng:     r,
		clock:   c,
		locks:   syncutil.NewContextShardedMutex(),
		revoker: revoker,
	}
}

// SetRevoker wires the token vault in after construction, breaking the
// natural import cycle between internal/session and internal/tokenvault.
func (m *Manager) SetRevoker(r Revoker) { m.revoker = r }

// SetPolicyStore wires the supplemental rule-attachment store in after
// construction. A session with no attached policy behaves exactly as the
// four hard caps alone describe; attaching rules only ever adds
// constraints on top, never loosens them.
func (m *Manager) SetPolicyStore(p PolicyStore) { m.policies = p }

// attachmentFor returns the session's policy attachment, or nil if none is
// configured or none is attached. Errors from the store (including "not
// found") are treated as no attachment, since an attachment is always
// optional.
func (m *Manager) attachmentFor(ctx context.Context, keyHash string) *PolicyAttachment {
	if m.policies == nil {
		return nil
	}
	att, err := m.policies.Get(ctx, keyHash)
	if err != nil {
		return nil
	}
	return att
}

// Create derives a new session keypair on behalf of master and persists a
// session carrying policy. It validates policy up front and persists
// nothing on failure, matching the invariant that an invalid policy must
// never reach the store.
func (m *Manager) Create(ctx context.Context, master MasterCredential, policy Policy) (*Session, error) {
	if err := validatePolicy(policy); err != nil {
		return nil, err
	}

	priv, err := GenerateKeypair(m.rng)
	if err != nil {
		return nil, paymenterrors.Crypto(fmt.Sprintf("session: keypair generation failed: %v", err))
	}
	pub := MarshalPublicKey(priv)
	keyHash := KeyHash(pub)

	sealed, err := m.vault.Encrypt(master.CredentialID, priv.D.Bytes())
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	s := &Session{
		KeyHash:       keyHash,
		EncPrivateKey: sealed,
		PublicKey:     pub,
		Policy:        policy,
		Ledger: Ledger{
			CreatedAt:    now,
			DailyResetAt: now.Add(dailyWindow),
		},
		MasterKeyHash: master.KeyHash,
	}

	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return s, nil
}

func validatePolicy(p Policy) error {
	if p.DailyCapUSD <= 0 {
		return paymenterrors.Internal("session: daily_cap_usd must be positive")
	}
	if p.PerTxCapUSD <= 0 {
		return paymenterrors.Internal("session: per_tx_cap_usd must be positive")
	}
	if p.PerTxCapUSD > p.DailyCapUSD {
		return paymenterrors.Internal("session: per_tx_cap_usd cannot exceed daily_cap_usd")
	}
	if len(p.AllowedChainIDs) == 0 {
		return paymenterrors.Internal("session: allowed_chain_ids must not be empty")
	}
	return nil
}

// Load fetches a session by key_hash.
func (m *Manager) Load(ctx context.Context, keyHash string) (*Session, error) {
	return m.store.Get(ctx, keyHash)
}

// SessionsForMaster lists every session derived on behalf of masterKeyHash.
func (m *Manager) SessionsForMaster(ctx context.Context, masterKeyHash string) ([]*Session, error) {
	return m.store.ListByMaster(ctx, masterKeyHash)
}

// CheckLimits evaluates amountUSD against the session's policy and ledger
// without recording a spend, serialized behind the session's lock so a
// concurrent Record cannot race the read.
func (m *Manager) CheckLimits(ctx context.Context, keyHash string, amountUSD money.Micros) (Decision, error) {
	unlock, err := m.locks.LockContext(ctx, keyHash)
	if err != nil {
		return Decision{}, paymenterrors.Transient("session: check_limits: lock acquisition cancelled")
	}
	defer unlock()

	s, err := m.store.Get(ctx, keyHash)
	if err != nil {
		return Decision{}, err
	}
	now := m.clock.Now()
	decision := Check(s, amountUSD, now)
	if decision.Allowed {
		if att := m.attachmentFor(ctx, keyHash); att != nil {
			if err := EvaluateAttachment(att, s, now); err != nil {
				return Decision{Allowed: false, Reason: err.Error(), RemainingUSD: decision.RemainingUSD}, nil
			}
		}
	}
	return decision, nil
}

// RecordSpending commits a spend to the session's ledger. Callers must
// already have called CheckLimits and received Allow; RecordSpending does
// not re-check the policy, mirroring the spec's check-then-record split.
func (m *Manager) RecordSpending(ctx context.Context, keyHash string, amountUSD money.Micros) error {
	unlock, err := m.locks.LockContext(ctx, keyHash)
	if err != nil {
		return paymenterrors.Transient("session: record_spending: lock acquisition cancelled")
	}
	defer unlock()

	s, err := m.store.Get(ctx, keyHash)
	if err != nil {
		return err
	}
	Record(s, amountUSD, m.clock.Now())
	return m.store.Put(ctx, s)
}

// CheckSignRecord runs the check → sign → record sequence atomically
// under the session's lock: it loads the session, evaluates amountUSD
// against policy, and if allowed invokes sign (which may perform the
// EIP-712 signature using the session's decrypted key). If sign returns
// nil, the spend is recorded and persisted before CheckSignRecord
// returns; if sign returns an error, nothing is recorded. This is the
// primitive the 402 engine drives check/sign/record through instead of
// three separately-locked manager calls, which would let another
// goroutine's record race in between.
func (m *Manager) CheckSignRecord(ctx context.Context, keyHash string, amountUSD money.Micros, sign func(s *Session) error) (*Session, error) {
	unlock, err := m.locks.LockContext(ctx, keyHash)
	if err != nil {
		return nil, paymenterrors.Transient("session: check_sign_record: lock acquisition cancelled")
	}
	defer unlock()

	s, err := m.store.Get(ctx, keyHash)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	decision := Check(s, amountUSD, now)
	if !decision.Allowed {
		return nil, policyDenyErr(decision)
	}

	att := m.attachmentFor(ctx, keyHash)
	if err := EvaluateAttachment(att, s, now); err != nil {
		return nil, err
	}

	if err := sign(s); err != nil {
		return nil, err
	}

	Record(s, amountUSD, now)
	if att != nil {
		if err := m.policies.Attach(ctx, AdvanceAttachment(att, now)); err != nil {
			return nil, fmt.Errorf("session: check_sign_record: policy advance: %w", err)
		}
	}
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("session: check_sign_record: %w", err)
	}
	return s, nil
}

func policyDenyErr(d Decision) error {
	switch d.Reason {
	case "expired":
		return paymenterrors.ErrSessionExpired
	case "per-transaction limit":
		return paymenterrors.PerTxExceeded(d.Reason)
	default:
		return paymenterrors.DailyExceeded(d.Reason)
	}
}

// IsValid reports whether a session may still be used to authorize a
// payment: not expired, not quarantined.
func (m *Manager) IsValid(s *Session, now time.Time) bool {
	return !s.Quarantined && !s.IsExpired(now)
}

// Revoke marks a session as permanently unusable and cascades the
// revocation to every payment token minted from it. Idempotent: revoking
// an already-revoked or absent session is not an error.
func (m *Manager) Revoke(ctx context.Context, keyHash string) error {
	unlock, err := m.locks.LockContext(ctx, keyHash)
	if err != nil {
		return paymenterrors.Transient("session: revoke: lock acquisition cancelled")
	}
	defer unlock()

	s, err := m.store.Get(ctx, keyHash)
	if err != nil {
		// Already gone: revoke is idempotent.
		return nil
	}
	s.Quarantined = true
	if err := m.store.Put(ctx, s); err != nil {
		return fmt.Errorf("session: revoke: %w", err)
	}

	if m.revoker != nil {
		if err := m.revoker.RevokeAllForSession(ctx, keyHash); err != nil {
			return fmt.Errorf("session: revoke cascade: %w", err)
		}
	}
	return nil
}

// DecryptPrivateKey recovers the session's plaintext private key scalar
// for a single signing operation. Callers must credentialvault.Zero the
// returned bytes as soon as the signature is produced.
func (m *Manager) DecryptPrivateKey(master MasterCredential, s *Session) ([]byte, error) {
	return m.vault.Decrypt(master.CredentialID, s.EncPrivateKey)
}
