package auditlog

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/mbd888/agentpay/internal/money"
)

// PostgresStore writes records to a payment_audit_log table, the same
// placeholder/COALESCE conventions as internal/ledger.PostgresAuditLogger.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgresStore over an already-open db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_audit_log
			(id, recorded_at, session_key_hash, recipient, amount_smallest_unit,
			 amount_usd_micros, token_symbol_or_addr, chain_id, status, tx_hash, protocol)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, r.ID, r.Timestamp, r.SessionKeyHash, r.Recipient, r.AmountSmallestUnit,
		int64(r.AmountUSD), r.TokenSymbolOrAddr, r.ChainID, r.Status, r.TxHash, r.Protocol)
	return err
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*Record, error) {
	query := `
		SELECT id, recorded_at, session_key_hash, recipient, amount_smallest_unit,
			amount_usd_micros, token_symbol_or_addr, chain_id, status,
			COALESCE(tx_hash, ''), protocol
		FROM payment_audit_log
		WHERE ($1::bigint IS NULL OR chain_id = $1)
			AND ($2::timestamptz IS NULL OR recorded_at >= $2)
			AND ($3::timestamptz IS NULL OR recorded_at <= $3)
			AND ($4 = '' OR session_key_hash = $4)
		ORDER BY recorded_at DESC
		LIMIT $5 OFFSET $6
	`
	var startArg, endArg interface{}
	if !f.StartTime.IsZero() {
		startArg = f.StartTime
	}
	if !f.EndTime.IsZero() {
		endArg = f.EndTime
	}

	rows, err := p.db.QueryContext(ctx, query, f.ChainID, startArg, endArg, f.SessionKeyHash, f.Limit, f.Offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		var amountMicros int64
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.SessionKeyHash, &r.Recipient, &r.AmountSmallestUnit,
			&amountMicros, &r.TokenSymbolOrAddr, &r.ChainID, &r.Status, &r.TxHash, &r.Protocol); err != nil {
			return nil, err
		}
		r.AmountUSD = money.Micros(amountMicros)
		records = append(records, r)
	}
	return records, rows.Err()
}
