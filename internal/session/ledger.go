package session

import (
	"time"

	"github.com/mbd888/agentpay/internal/money"
)

// dailyWindow is the rolling reset period for daily_spent_usd.
const dailyWindow = 24 * time.Hour

// Check evaluates whether amount_usd may be spent right now, without
// mutating the session. It is pure: the only side effect visible to the
// caller is the returned Decision. advanceWindow is applied to a local
// copy so a read never mutates state the way a write does — callers that
// need the rolled-over ledger committed must go through Record.
//
// This mirrors internal/sessionkeys/manager.go's validateTransaction,
// which deliberately does not mutate key.Usage on the read path.
func Check(s *Session, amountUSD money.Micros, now time.Time) Decision {
	ledger := advanceWindow(s.Ledger, now)

	if s.Quarantined {
		return Decision{Allowed: false, Reason: "session quarantined", RemainingUSD: 0}
	}
	if !now.Before(s.Policy.ExpiresAt) {
		return Decision{Allowed: false, Reason: "expired", RemainingUSD: 0}
	}
	if amountUSD > s.Policy.PerTxCapUSD {
		return Decision{
			Allowed:      false,
			Reason:       "per-transaction limit",
			RemainingUSD: s.Policy.DailyCapUSD - ledger.DailySpentUSD,
		}
	}
	if ledger.DailySpentUSD+amountUSD > s.Policy.DailyCapUSD {
		return Decision{
			Allowed:      false,
			Reason:       "daily limit",
			RemainingUSD: s.Policy.DailyCapUSD - ledger.DailySpentUSD,
		}
	}

	return Decision{
		Allowed:      true,
		RemainingUSD: s.Policy.DailyCapUSD - ledger.DailySpentUSD - amountUSD,
	}
}

// Record applies a spend to the session's ledger. The precondition is
// that Check(s, amountUSD, now) would have returned Allow; callers must
// serialize Check+Record per session (see internal/syncutil) so no
// concurrent Record can invalidate the Check that authorized it.
func Record(s *Session, amountUSD money.Micros, now time.Time) {
	s.Ledger = advanceWindow(s.Ledger, now)
	s.Ledger.DailySpentUSD += amountUSD
	s.Ledger.TotalSpentUSD += amountUSD
	s.Ledger.TransactionCount++
	s.Ledger.LastUsedAt = now
}

// advanceWindow returns a copy of ledger with the daily window rolled
// over if now has reached daily_reset_at. It never mutates its argument.
func advanceWindow(ledger Ledger, now time.Time) Ledger {
	if ledger.DailyResetAt.IsZero() {
		ledger.DailyResetAt = now.Add(dailyWindow)
		return ledger
	}
	if !now.Before(ledger.DailyResetAt) {
		ledger.DailySpentUSD = 0
		ledger.DailyResetAt = now.Add(dailyWindow)
	}
	return ledger
}
