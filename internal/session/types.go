// Package session implements the session-key lifecycle and policy engine:
// bounded ECDSA keypairs derived on behalf of a master credential, each
// carrying a hard USD spend policy enforced by a pure-functional ledger.
//
// Session keys are ECDSA keypairs with bounded permissions:
//   - SessionManager generates a keypair on behalf of a MasterCredential
//   - The session's policy caps per-transaction and rolling-daily USD spend
//   - AuthorizationSigner later signs with the session's private key
//   - Revoking a session cascades to every payment token minted from it
package session

import (
	"time"

	"github.com/mbd888/agentpay/internal/money"
)

// MasterCredential is the long-lived identity that a session key is
// derived on behalf of. The core never sees the credential's own private
// material; it only ever consumes the derived AES key.
type MasterCredential struct {
	CredentialID string `json:"credentialId"`
	KeyHash      string `json:"keyHash"`
	PubKeyX      []byte `json:"pubKeyX"`
	PubKeyY      []byte `json:"pubKeyY"`
}

// Policy is the tuple of hard caps carried on every session.
type Policy struct {
	DailyCapUSD     money.Micros `json:"dailyLimitUSD"`
	PerTxCapUSD     money.Micros `json:"perTransactionLimitUSD"`
	ExpiresAt       time.Time    `json:"expiryTimestamp"`
	AllowedChainIDs []int64      `json:"allowedChains"`
}

// Ledger is the per-session running-total state SpendingLedger operates
// over. It is a plain value; only SessionManager, serialized behind the
// session's mutex, ever commits a mutated copy back to the store.
type Ledger struct {
	CreatedAt      time.Time    `json:"createdAt"`
	LastUsedAt     time.Time    `json:"lastUsedAt"`
	TotalSpentUSD  money.Micros `json:"totalSpentUSD"`
	DailySpentUSD  money.Micros `json:"dailySpentUSD"`
	DailyResetAt   time.Time    `json:"dailyResetAt"`
	TransactionCount int64      `json:"transactionCount"`
}

// Session is the primary entity, identified by KeyHash.
type Session struct {
	KeyHash           string `json:"keyHash"`
	EncPrivateKey     []byte `json:"encryptedPrivateKey"`
	PublicKey         []byte `json:"publicKey"`
	Policy            Policy `json:"config"`
	Ledger            Ledger `json:"metadata"`
	MasterKeyHash     string `json:"masterKeyHash"`

	// RotatedFromKeyHash is additive bookkeeping: it lets an operator trace
	// an expired/rotated session forward to its successor without implying
	// any delegation or ownership graph beyond the single master back-reference.
	RotatedFromKeyHash string `json:"rotatedFromKeyHash,omitempty"`

	// Quarantined marks a session that Manager.Revoke has made permanently
	// unusable. A quarantined session is retained for audit but never again
	// returns Allow from check().
	Quarantined bool `json:"quarantined,omitempty"`
}

// IsExpired reports whether now is at or past the policy's expiry.
// now == expires_at counts as expired per Invariant 1 / the spec's
// boundary-behavior test ("at now == expires_at exactly, invalid").
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.Policy.ExpiresAt)
}

// Decision is the result of SpendingLedger.check: either Allow carrying
// the remaining daily budget, or Deny carrying a reason and the same
// remaining figure.
type Decision struct {
	Allowed      bool
	RemainingUSD money.Micros
	Reason       string
}
