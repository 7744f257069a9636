// Package alertbus tracks spending-ratio thresholds per session and a
// high-value transaction approval workflow, the way the teacher's
// sessionkeys.AlertChecker latches fired budget-warning thresholds per
// key, extended with severity differentiation, a hysteresis reset, and
// a time-boxed single approve/deny gate for high-value transactions.
package alertbus

import (
	"sync"
	"time"

	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/money"
)

// Severity differentiates a routine warning from a critical alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DefaultThresholds are the daily-spend ratios that fire an alert when
// crossed, same shape as sessionkeys.DefaultBudgetThresholds but with a
// fourth threshold at the cap itself.
var DefaultThresholds = []float64{0.5, 0.8, 0.9, 1.0}

// DefaultHighValueThresholdUSD is the amount at or above which a
// transaction is considered high-value and subject to the approval gate.
const DefaultHighValueThresholdUSD = money.Micros(1_000_000_000) // $1000

// hysteresisResetRatio is the only reset path: once daily spend falls
// back under this ratio of the cap (e.g. after a daily rollover), every
// latch for that session clears so the thresholds can fire again.
const hysteresisResetRatio = 0.1

// Alert is what a subscriber receives when a threshold fires or a
// high-value approval is requested.
type Alert struct {
	SessionKeyHash string
	TxID           string
	Threshold      float64
	Ratio          float64
	AmountUSD      money.Micros
	Severity       Severity
	TriggeredAt    time.Time
}

// Subscriber receives alerts synchronously and best-effort: a slow or
// panicking subscriber is the caller's problem, not Bus's, matching the
// spec's "delivery is synchronous best-effort" rule. Subscriber
// functions must not themselves call back into the Bus that invoked
// them, since delivery happens outside the Bus's lock but subscribers
// are still called from within OnSpending/RequestApproval's call stack.
type Subscriber func(Alert)

type approval struct {
	approved  bool
	expiresAt time.Time
}

// Bus is the stateful threshold tracker and approval gate. One Bus is
// shared process-wide; its latch and approval maps are guarded by a
// single mutex, since both are small and contention is not expected on
// this path (threshold checks happen once per spend, not in a hot loop).
type Bus struct {
	mu                 sync.Mutex
	thresholds         []float64
	highValueThreshold money.Micros
	latches            map[string]map[float64]bool
	approvals          map[string]*approval
	subscribers        []Subscriber
	clock              clock.Clock
}

// New constructs a Bus. A zero-value thresholds or highValueThresholdUSD
// falls back to the package defaults.
func New(c clock.Clock, thresholds []float64, highValueThresholdUSD money.Micros) *Bus {
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}
	if highValueThresholdUSD <= 0 {
		highValueThresholdUSD = DefaultHighValueThresholdUSD
	}
	return &Bus{
		thresholds:         thresholds,
		highValueThreshold: highValueThresholdUSD,
		latches:            make(map[string]map[float64]bool),
		approvals:          make(map[string]*approval),
		clock:              c,
	}
}

// Subscribe registers fn to receive every alert this Bus fires.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// OnSpending evaluates a session's daily spend against dailyCap and
// fires any newly-crossed threshold. Call after every successful
// SpendingLedger.Record. If dailySpent/dailyCap falls back under the
// hysteresis ratio, every latch for the session clears instead of
// firing anything, the only path back to an unlatched state.
func (b *Bus) OnSpending(sessionKeyHash string, dailySpent, dailyCap money.Micros) {
	if dailyCap <= 0 {
		return
	}
	ratio := float64(dailySpent) / float64(dailyCap)
	now := b.clock.Now()

	var toFire []Alert
	b.mu.Lock()
	set, ok := b.latches[sessionKeyHash]
	if !ok {
		set = make(map[float64]bool)
		b.latches[sessionKeyHash] = set
	}
	if ratio < hysteresisResetRatio {
		for t := range set {
			delete(set, t)
		}
	} else {
		for _, t := range b.thresholds {
			if ratio >= t && !set[t] {
				set[t] = true
				severity := SeverityWarning
				if t >= 0.9 {
					severity = SeverityCritical
				}
				toFire = append(toFire, Alert{
					SessionKeyHash: sessionKeyHash,
					Threshold:      t,
					Ratio:          ratio,
					Severity:       severity,
					TriggeredAt:    now,
				})
			}
		}
	}
	subs := append([]Subscriber(nil), b.subscribers...)
	b.mu.Unlock()

	for _, alert := range toFire {
		deliver(subs, alert)
	}
}

// IsHighValue reports whether amountUSD meets or exceeds the
// high-value threshold.
func (b *Bus) IsHighValue(amountUSD money.Micros) bool {
	return amountUSD >= b.highValueThreshold
}

// Approval is check_approval's read-only view of an approval gate.
type Approval struct {
	TxID      string
	Approved  bool
	ExpiresAt time.Time
}

// RequestApproval opens a 5-minute approval window for txID and emits a
// critical alert so an operator can act on it. Any existing approval
// for txID is replaced.
func (b *Bus) RequestApproval(txID string, amountUSD money.Micros) Approval {
	now := b.clock.Now()
	expiresAt := now.Add(5 * time.Minute)

	b.mu.Lock()
	b.approvals[txID] = &approval{approved: false, expiresAt: expiresAt}
	subs := append([]Subscriber(nil), b.subscribers...)
	b.mu.Unlock()

	deliver(subs, Alert{
		TxID:        txID,
		AmountUSD:   amountUSD,
		Severity:    SeverityCritical,
		TriggeredAt: now,
	})

	return Approval{TxID: txID, Approved: false, ExpiresAt: expiresAt}
}

// Approve flips txID's approval to true iff its window has not expired,
// and removes it if it has. approverKey is carried for call sites that
// want to log who approved; the gate itself is single approve/deny, not
// multi-party.
func (b *Bus) Approve(txID, approverKey string) bool {
	_ = approverKey
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.approvals[txID]
	if !ok {
		return false
	}
	if !now.Before(a.expiresAt) {
		delete(b.approvals, txID)
		return false
	}
	a.approved = true
	return true
}

// CheckApproval is a read-only view of an approval's state. A missing
// or expired approval evicts the entry and reports expired.
func (b *Bus) CheckApproval(txID string) (approved bool, expired bool) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.approvals[txID]
	if !ok {
		return false, true
	}
	if !now.Before(a.expiresAt) {
		delete(b.approvals, txID)
		return false, true
	}
	return a.approved, false
}

func deliver(subs []Subscriber, alert Alert) {
	for _, sub := range subs {
		sub(alert)
	}
}
