// Package auditlog is the append-only record of payment attempts: every
// record assigned a unique id and a stamped timestamp at Log time, never
// mutated or deleted afterward. It follows the teacher's
// internal/ledger.AuditLogger dual Postgres/Memory convention, adapted
// from the teacher's free-form agent-ledger entries to the fixed
// PaymentRecord shape this module's payment flows produce.
package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/money"
)

// Record is a single payment attempt, successful or not. ID and
// Timestamp are assigned by AuditLog.Log; every other field is supplied
// by the caller.
type Record struct {
	ID                 string
	Timestamp          time.Time
	SessionKeyHash     string
	Recipient          string
	AmountSmallestUnit string
	AmountUSD          money.Micros
	TokenSymbolOrAddr  string
	ChainID            int64
	Status             string // "pending" | "confirmed" | "failed"
	TxHash             string
	Protocol           string // "x402" | "ucp" | "direct"
}

// Filter narrows Query. A zero ChainID pointer, zero StartTime/EndTime,
// and empty SessionKeyHash mean "no constraint" on that dimension.
// Limit defaults to 50 and Offset to 0 when non-positive/negative.
type Filter struct {
	ChainID        *int64
	StartTime      time.Time
	EndTime        time.Time
	SessionKeyHash string
	Limit          int
	Offset         int
}

const defaultLimit = 50

// Store persists and retrieves Records. Query results are sorted by
// Timestamp descending.
type Store interface {
	Append(ctx context.Context, r *Record) error
	Query(ctx context.Context, f Filter) ([]*Record, error)
}

// AuditLog is the component spec names: it owns id/timestamp assignment
// so no Store implementation has to.
type AuditLog struct {
	store Store
	clock clock.Clock
}

// New constructs an AuditLog over store.
func New(store Store, c clock.Clock) *AuditLog {
	return &AuditLog{store: store, clock: c}
}

// Log assigns r an id and timestamp, stamps sessionKeyHash onto it, and
// appends it durably. A Store failure is returned to the caller, who per
// the wire contract must log it but never abort the payment's already-
// completed happy path over it.
func (a *AuditLog) Log(ctx context.Context, r Record, sessionKeyHash string) (*Record, error) {
	r.ID = uuid.NewString()
	r.Timestamp = a.clock.Now()
	r.SessionKeyHash = sessionKeyHash
	if err := a.store.Append(ctx, &r); err != nil {
		return nil, fmt.Errorf("auditlog: log: %w", err)
	}
	return &r, nil
}

// Query applies filter defaults and delegates to the store.
func (a *AuditLog) Query(ctx context.Context, f Filter) ([]*Record, error) {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	records, err := a.store.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query: %w", err)
	}
	return records, nil
}
