package alertbus

import (
	"testing"
	"time"

	"github.com/mbd888/agentpay/internal/clock"
	"github.com/mbd888/agentpay/internal/money"
)

func TestOnSpending_FiresEachThresholdOnce(t *testing.T) {
	now := time.Now().UTC()
	b := New(clock.Fixed{At: now}, nil, 0)

	var fired []Alert
	b.Subscribe(func(a Alert) { fired = append(fired, a) })

	dailyCap := money.Micros(100_000000)
	b.OnSpending("sess_1", money.Micros(55_000000), dailyCap) // ratio 0.55 -> crosses 0.5
	if len(fired) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(fired))
	}
	if fired[0].Threshold != 0.5 || fired[0].Severity != SeverityWarning {
		t.Errorf("unexpected alert: %+v", fired[0])
	}

	b.OnSpending("sess_1", money.Micros(55_000000), dailyCap) // same ratio, no re-fire
	if len(fired) != 1 {
		t.Errorf("expected no re-fire at same ratio, got %d total", len(fired))
	}

	b.OnSpending("sess_1", money.Micros(95_000000), dailyCap) // crosses 0.8 and 0.9
	if len(fired) != 3 {
		t.Fatalf("expected 3 alerts total, got %d", len(fired))
	}
	if fired[2].Severity != SeverityCritical {
		t.Errorf("expected critical severity at 0.9, got %s", fired[2].Severity)
	}
}

func TestOnSpending_HysteresisResetsLatches(t *testing.T) {
	now := time.Now().UTC()
	b := New(clock.Fixed{At: now}, nil, 0)

	dailyCap := money.Micros(100_000000)
	b.OnSpending("sess_1", money.Micros(95_000000), dailyCap)

	b.mu.Lock()
	latchCount := len(b.latches["sess_1"])
	b.mu.Unlock()
	if latchCount == 0 {
		t.Fatal("expected latches to be set before reset")
	}

	// Rollover: daily spend drops back near zero.
	b.OnSpending("sess_1", money.Micros(1_000000), dailyCap)

	b.mu.Lock()
	latchCount = len(b.latches["sess_1"])
	b.mu.Unlock()
	if latchCount != 0 {
		t.Errorf("expected latches cleared after hysteresis reset, got %d", latchCount)
	}

	var fired []Alert
	b.Subscribe(func(a Alert) { fired = append(fired, a) })
	b.OnSpending("sess_1", money.Micros(55_000000), dailyCap)
	if len(fired) != 1 {
		t.Errorf("expected threshold to re-fire after reset, got %d", len(fired))
	}
}

func TestIsHighValue(t *testing.T) {
	b := New(clock.System{}, nil, money.Micros(1_000_000000))
	if b.IsHighValue(money.Micros(999_000000)) {
		t.Error("expected amount below threshold to not be high value")
	}
	if !b.IsHighValue(money.Micros(1_000_000000)) {
		t.Error("expected amount at threshold to be high value")
	}
}

func TestApprovalLifecycle(t *testing.T) {
	now := time.Now().UTC()
	c := clock.Fixed{At: now}
	b := New(c, nil, 0)

	var fired []Alert
	b.Subscribe(func(a Alert) { fired = append(fired, a) })

	approval := b.RequestApproval("tx_1", money.Micros(5_000_000000))
	if approval.Approved {
		t.Error("expected fresh approval to be unapproved")
	}
	if len(fired) != 1 || fired[0].Severity != SeverityCritical {
		t.Errorf("expected one critical alert on request, got %+v", fired)
	}

	approved, expired := b.CheckApproval("tx_1")
	if approved || expired {
		t.Errorf("expected pending, unexpired approval, got approved=%v expired=%v", approved, expired)
	}

	if !b.Approve("tx_1", "approver_key") {
		t.Fatal("expected approve to succeed within window")
	}

	approved, expired = b.CheckApproval("tx_1")
	if !approved || expired {
		t.Errorf("expected approved, unexpired after Approve, got approved=%v expired=%v", approved, expired)
	}
}

func TestApprovalExpiry(t *testing.T) {
	now := time.Now().UTC()
	b := New(clock.Fixed{At: now}, nil, 0)
	b.RequestApproval("tx_1", money.Micros(5_000_000000))

	later := New(clock.Fixed{At: now.Add(6 * time.Minute)}, nil, 0)
	later.approvals = b.approvals

	if later.Approve("tx_1", "approver_key") {
		t.Error("expected approve to fail after expiry")
	}

	approved, expired := later.CheckApproval("tx_1")
	if approved || !expired {
		t.Errorf("expected expired, unapproved, got approved=%v expired=%v", approved, expired)
	}
}

func TestCheckApproval_Missing(t *testing.T) {
	b := New(clock.System{}, nil, 0)
	approved, expired := b.CheckApproval("does_not_exist")
	if approved || !expired {
		t.Errorf("expected missing approval to report expired, got approved=%v expired=%v", approved, expired)
	}
}
