package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/agentpay/internal/paymenterrors"
)

// PolicyPostgresStore implements PolicyStore using PostgreSQL.
type PolicyPostgresStore struct {
	db *sql.DB
}

// NewPolicyPostgresStore creates a PostgreSQL-backed policy store.
func NewPolicyPostgresStore(db *sql.DB) *PolicyPostgresStore {
	return &PolicyPostgresStore{db: db}
}

// Attach upserts the policy attachment for a session.
func (p *PolicyPostgresStore) Attach(ctx context.Context, att *PolicyAttachment) error {
	rules, err := json.Marshal(att.Rules)
	if err != nil {
		return fmt.Errorf("session: marshal policy rules: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO session_policy_attachments (id, key_hash, rules, rule_state, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (key_hash) DO UPDATE SET
			id = EXCLUDED.id,
			rules = EXCLUDED.rules,
			rule_state = EXCLUDED.rule_state
	`, att.ID, att.KeyHash, rules, []byte(att.RuleState), att.CreatedAt)
	if err != nil {
		return fmt.Errorf("session: attach policy: %w", err)
	}
	return nil
}

// Get retrieves the policy attachment for a session.
func (p *PolicyPostgresStore) Get(ctx context.Context, keyHash string) (*PolicyAttachment, error) {
	var att PolicyAttachment
	var rules []byte
	var ruleState []byte

	err := p.db.QueryRowContext(ctx, `
		SELECT id, key_hash, rules, rule_state, created_at
		FROM session_policy_attachments WHERE key_hash = $1
	`, keyHash).Scan(&att.ID, &att.KeyHash, &rules, &ruleState, &att.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, paymenterrors.Internal("session: no policy attachment for this session")
	}
	if err != nil {
		return nil, fmt.Errorf("session: get policy attachment: %w", err)
	}
	if err := json.Unmarshal(rules, &att.Rules); err != nil {
		return nil, fmt.Errorf("session: unmarshal policy rules: %w", err)
	}
	att.RuleState = ruleState
	return &att, nil
}

// Detach removes the policy attachment for a session.
func (p *PolicyPostgresStore) Detach(ctx context.Context, keyHash string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM session_policy_attachments WHERE key_hash = $1`, keyHash)
	if err != nil {
		return fmt.Errorf("session: detach policy: %w", err)
	}
	return nil
}
