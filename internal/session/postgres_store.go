package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/agentpay/internal/money"
	"github.com/mbd888/agentpay/internal/paymenterrors"
)

// PostgresStore implements Store using PostgreSQL, following the same
// *_postgres_store.go convention internal/sessionkeys and internal/ledger
// use in the teacher.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Put upserts a session row.
func (p *PostgresStore) Put(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			key_hash, encrypted_private_key, public_key,
			daily_limit_usd, per_tx_limit_usd, expiry_timestamp, allowed_chains,
			created_at, last_used_at, total_spent_usd, daily_spent_usd, daily_reset_at, transaction_count,
			master_key_hash, rotated_from_key_hash, quarantined
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (key_hash) DO UPDATE SET
			encrypted_private_key = EXCLUDED.encrypted_private_key,
			public_key = EXCLUDED.public_key,
			daily_limit_usd = EXCLUDED.daily_limit_usd,
			per_tx_limit_usd = EXCLUDED.per_tx_limit_usd,
			expiry_timestamp = EXCLUDED.expiry_timestamp,
			allowed_chains = EXCLUDED.allowed_chains,
			last_used_at = EXCLUDED.last_used_at,
			total_spent_usd = EXCLUDED.total_spent_usd,
			daily_spent_usd = EXCLUDED.daily_spent_usd,
			daily_reset_at = EXCLUDED.daily_reset_at,
			transaction_count = EXCLUDED.transaction_count,
			rotated_from_key_hash = EXCLUDED.rotated_from_key_hash,
			quarantined = EXCLUDED.quarantined
	`,
		s.KeyHash,
		s.EncPrivateKey,
		s.PublicKey,
		int64(s.Policy.DailyCapUSD),
		int64(s.Policy.PerTxCapUSD),
		s.Policy.ExpiresAt,
		pq.Array(s.Policy.AllowedChainIDs),
		s.Ledger.CreatedAt,
		nullTime(s.Ledger.LastUsedAt),
		int64(s.Ledger.TotalSpentUSD),
		int64(s.Ledger.DailySpentUSD),
		s.Ledger.DailyResetAt,
		s.Ledger.TransactionCount,
		s.MasterKeyHash,
		nullString(s.RotatedFromKeyHash),
		s.Quarantined,
	)
	if err != nil {
		return fmt.Errorf("session: put: %w", err)
	}
	return nil
}

// Get retrieves a session by key_hash.
func (p *PostgresStore) Get(ctx context.Context, keyHash string) (*Session, error) {
	var s Session
	var dailyCap, perTxCap, totalSpent, dailySpent int64
	var lastUsedAt sql.NullTime
	var rotatedFrom sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT key_hash, encrypted_private_key, public_key,
			daily_limit_usd, per_tx_limit_usd, expiry_timestamp, allowed_chains,
			created_at, last_used_at, total_spent_usd, daily_spent_usd, daily_reset_at, transaction_count,
			master_key_hash, rotated_from_key_hash, quarantined
		FROM sessions WHERE key_hash = $1
	`, keyHash).Scan(
		&s.KeyHash, &s.EncPrivateKey, &s.PublicKey,
		&dailyCap, &perTxCap, &s.Policy.ExpiresAt, pq.Array(&s.Policy.AllowedChainIDs),
		&s.Ledger.CreatedAt, &lastUsedAt, &totalSpent, &dailySpent, &s.Ledger.DailyResetAt, &s.Ledger.TransactionCount,
		&s.MasterKeyHash, &rotatedFrom, &s.Quarantined,
	)
	if err == sql.ErrNoRows {
		return nil, paymenterrors.ErrSessionInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}

	s.Policy.DailyCapUSD = money.Micros(dailyCap)
	s.Policy.PerTxCapUSD = money.Micros(perTxCap)
	s.Ledger.TotalSpentUSD = money.Micros(totalSpent)
	s.Ledger.DailySpentUSD = money.Micros(dailySpent)
	if lastUsedAt.Valid {
		s.Ledger.LastUsedAt = lastUsedAt.Time
	}
	s.RotatedFromKeyHash = rotatedFrom.String

	return &s, nil
}

// Delete removes a session row. Idempotent.
func (p *PostgresStore) Delete(ctx context.Context, keyHash string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE key_hash = $1`, keyHash)
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// ListByMaster returns every session created on behalf of masterKeyHash.
func (p *PostgresStore) ListByMaster(ctx context.Context, masterKeyHash string) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key_hash FROM sessions WHERE master_key_hash = $1 ORDER BY created_at DESC
	`, masterKeyHash)
	if err != nil {
		return nil, fmt.Errorf("session: list by master: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		var keyHash string
		if err := rows.Scan(&keyHash); err != nil {
			continue
		}
		s, err := p.Get(ctx, keyHash)
		if err == nil {
			result = append(result, s)
		}
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
