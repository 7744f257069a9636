package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentpay/internal/idgen"
	"github.com/mbd888/agentpay/internal/paymenterrors"
)

// PolicyRule is a supplemental, additive constraint attached to a session
// on top of its four hard caps (daily_cap_usd, per_tx_cap_usd, expires_at,
// allowed_chain_ids). All attached rules must pass for a spend to be
// authorized; rules never loosen what Check already enforces.
type PolicyRule struct {
	Type   string          `json:"type"` // "rate_limit", "time_window", "cooldown", "tx_count"
	Params json.RawMessage `json:"params"`
}

// PolicyAttachment binds a named set of PolicyRules to a session.
type PolicyAttachment struct {
	ID        string       `json:"id"`
	KeyHash   string       `json:"keyHash"`
	Rules     []PolicyRule `json:"rules"`
	RuleState json.RawMessage `json:"ruleState,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// RateLimitParams constrains the number of spends within a fixed window of
// WindowSeconds that starts at the first spend after the previous window ends.
type RateLimitParams struct {
	MaxTransactions int `json:"maxTransactions"`
	WindowSeconds   int `json:"windowSeconds"`
}

// TimeWindowParams restricts spends to specific hours/days.
type TimeWindowParams struct {
	StartHour int      `json:"startHour"`
	EndHour   int      `json:"endHour"`
	Days      []string `json:"days,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
}

// CooldownParams enforces a minimum delay between spends.
type CooldownParams struct {
	MinSeconds int `json:"minSeconds"`
}

// TxCountParams limits the lifetime number of spends on a session.
type TxCountParams struct {
	MaxCount int `json:"maxCount"`
}

type rateLimitState struct {
	WindowStart time.Time `json:"windowStart"`
	Count       int       `json:"count"`
}

// PolicyStore persists supplemental policy attachments, keyed by the
// session's key_hash.
type PolicyStore interface {
	Attach(ctx context.Context, att *PolicyAttachment) error
	Get(ctx context.Context, keyHash string) (*PolicyAttachment, error)
	Detach(ctx context.Context, keyHash string) error
}

// NewAttachment builds a PolicyAttachment with a generated id and
// validated rules.
func NewAttachment(keyHash string, rules []PolicyRule, now time.Time) (*PolicyAttachment, error) {
	if err := validateRules(rules); err != nil {
		return nil, paymenterrors.Internal(fmt.Sprintf("session: invalid policy rule: %v", err))
	}
	return &PolicyAttachment{
		ID:        idgen.WithPrefix("polatt_"),
		KeyHash:   keyHash,
		Rules:     rules,
		CreatedAt: now,
	}, nil
}

func validateRules(rules []PolicyRule) error {
	for i, r := range rules {
		switch r.Type {
		case "rate_limit":
			var p RateLimitParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] rate_limit: %w", i, err)
			}
			if p.MaxTransactions <= 0 || p.WindowSeconds <= 0 {
				return fmt.Errorf("rule[%d] rate_limit: maxTransactions and windowSeconds must be positive", i)
			}
		case "time_window":
			var p TimeWindowParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] time_window: %w", i, err)
			}
			if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 23 {
				return fmt.Errorf("rule[%d] time_window: hours must be 0-23", i)
			}
			for _, d := range p.Days {
				if !isValidDay(d) {
					return fmt.Errorf("rule[%d] time_window: invalid day %q", i, d)
				}
			}
			if p.Timezone != "" {
				if _, err := time.LoadLocation(p.Timezone); err != nil {
					return fmt.Errorf("rule[%d] time_window: invalid timezone %q", i, p.Timezone)
				}
			}
		case "cooldown":
			var p CooldownParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] cooldown: %w", i, err)
			}
			if p.MinSeconds <= 0 {
				return fmt.Errorf("rule[%d] cooldown: minSeconds must be positive", i)
			}
		case "tx_count":
			var p TxCountParams
			if err := json.Unmarshal(r.Params, &p); err != nil {
				return fmt.Errorf("rule[%d] tx_count: %w", i, err)
			}
			if p.MaxCount <= 0 {
				return fmt.Errorf("rule[%d] tx_count: maxCount must be positive", i)
			}
		default:
			// unknown rule types are ignored for forward compatibility
		}
	}
	return nil
}

// EvaluateAttachment checks every rule in att against s's current ledger
// state. It returns the first rule violation, or nil if every rule passes.
// A missing attachment (att == nil) always passes: supplemental policy is
// opt-in, never a silent additional requirement.
func EvaluateAttachment(att *PolicyAttachment, s *Session, now time.Time) error {
	if att == nil {
		return nil
	}
	state := parseRuleState(att.RuleState)
	for _, rule := range att.Rules {
		switch rule.Type {
		case "rate_limit":
			if err := evalRateLimit(rule, state, now); err != nil {
				return err
			}
		case "time_window":
			if err := evalTimeWindow(rule, now); err != nil {
				return err
			}
		case "cooldown":
			if err := evalCooldown(rule, s, now); err != nil {
				return err
			}
		case "tx_count":
			if err := evalTxCount(rule, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// AdvanceAttachment rolls the rate_limit window's counter forward after a
// successful spend. Callers persist the returned attachment via PolicyStore.
func AdvanceAttachment(att *PolicyAttachment, now time.Time) *PolicyAttachment {
	if att == nil {
		return nil
	}
	state := parseRuleState(att.RuleState)
	for _, rule := range att.Rules {
		if rule.Type != "rate_limit" {
			continue
		}
		var p RateLimitParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			continue
		}
		rs := state["rate_limit"]
		windowEnd := rs.WindowStart.Add(time.Duration(p.WindowSeconds) * time.Second)
		if now.After(windowEnd) {
			rs.WindowStart = now
			rs.Count = 1
		} else {
			rs.Count++
		}
		state["rate_limit"] = rs
	}
	raw, err := json.Marshal(state)
	if err == nil {
		att.RuleState = raw
	}
	return att
}

func evalRateLimit(rule PolicyRule, state map[string]rateLimitState, now time.Time) error {
	var p RateLimitParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return nil
	}
	rs := state["rate_limit"]
	windowEnd := rs.WindowStart.Add(time.Duration(p.WindowSeconds) * time.Second)
	if now.After(windowEnd) {
		return nil
	}
	if rs.Count >= p.MaxTransactions {
		return paymenterrors.PerTxExceeded("rate limit exceeded for this session")
	}
	return nil
}

func evalTimeWindow(rule PolicyRule, now time.Time) error {
	var p TimeWindowParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return nil
	}
	tz := "UTC"
	if p.Timezone != "" {
		tz = p.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil
	}
	localNow := now.In(loc)

	if len(p.Days) > 0 {
		dayName := strings.ToLower(localNow.Weekday().String())
		found := false
		for _, d := range p.Days {
			if strings.ToLower(d) == dayName {
				found = true
				break
			}
		}
		if !found {
			return paymenterrors.Internal("spend not allowed on this day")
		}
	}

	hour := localNow.Hour()
	if p.StartHour <= p.EndHour {
		if hour < p.StartHour || hour >= p.EndHour {
			return paymenterrors.Internal("spend outside allowed time window")
		}
	} else if hour < p.StartHour && hour >= p.EndHour {
		return paymenterrors.Internal("spend outside allowed time window")
	}
	return nil
}

func evalCooldown(rule PolicyRule, s *Session, now time.Time) error {
	var p CooldownParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return nil
	}
	if s.Ledger.LastUsedAt.IsZero() {
		return nil
	}
	if now.Sub(s.Ledger.LastUsedAt) < time.Duration(p.MinSeconds)*time.Second {
		return paymenterrors.Internal("cooldown period has not elapsed")
	}
	return nil
}

func evalTxCount(rule PolicyRule, s *Session) error {
	var p TxCountParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		return nil
	}
	if s.Ledger.TransactionCount >= int64(p.MaxCount) {
		return paymenterrors.Internal("maximum transaction count exceeded")
	}
	return nil
}

func parseRuleState(raw json.RawMessage) map[string]rateLimitState {
	state := make(map[string]rateLimitState)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &state)
	}
	return state
}

func isValidDay(d string) bool {
	switch strings.ToLower(d) {
	case "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday":
		return true
	}
	return false
}
