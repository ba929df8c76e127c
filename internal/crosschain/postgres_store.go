package crosschain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists cross-chain transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, version, deal_id, source_network, target_network, amount,
		       steps, status, needs_bridge, bridge, failure_reason, last_status_check,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	steps, bridge, err := marshalTxJSON(tx)
	if err != nil {
		return err
	}
	if tx.Version == 0 {
		tx.Version = 1
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO crosschain_transactions (`+txColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(78,0),
			$7, $8, $9, $10, $11, $12,
			$13, $14
		)`,
		tx.ID, tx.Version, tx.DealID, tx.SourceNetwork, tx.TargetNetwork, tx.Amount,
		steps, string(tx.Status), tx.NeedsBridge, bridge, nullString(tx.FailureReason), nullTime(tx.LastStatusCheck),
		tx.CreatedAt, tx.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("transaction %s: %w", tx.ID, errDuplicateTransaction)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	tx, err := scanTx(p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM crosschain_transactions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetByDeal(ctx context.Context, dealID string) (*Transaction, error) {
	tx, err := scanTx(p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM crosschain_transactions
		WHERE deal_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, dealID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction, expectedVersion int64) error {
	steps, bridge, err := marshalTxJSON(tx)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE crosschain_transactions SET
			version = version + 1, steps = $1, status = $2, bridge = $3,
			failure_reason = $4, last_status_check = $5, updated_at = $6
		WHERE id = $7 AND version = $8`,
		steps, string(tx.Status), bridge,
		nullString(tx.FailureReason), nullTime(tx.LastStatusCheck), tx.UpdatedAt,
		tx.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM crosschain_transactions WHERE id = $1)`, tx.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrVersionConflict
	}
	tx.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM crosschain_transactions
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

// marshalTxJSON encodes the JSONB columns. bridge is nil (SQL NULL) when no
// bridge is involved.
func marshalTxJSON(tx *Transaction) (steps []byte, bridge any, err error) {
	s := tx.Steps
	if s == nil {
		s = []Step{}
	}
	if steps, err = json.Marshal(s); err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	if tx.Bridge != nil {
		b, err := json.Marshal(tx.Bridge)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal bridge: %w", err)
		}
		bridge = b
	}
	return steps, bridge, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTx(row scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		status        string
		steps, bridge []byte
		failure       sql.NullString
		lastCheck     sql.NullTime
	)
	err := row.Scan(
		&tx.ID, &tx.Version, &tx.DealID, &tx.SourceNetwork, &tx.TargetNetwork, &tx.Amount,
		&steps, &status, &tx.NeedsBridge, &bridge, &failure, &lastCheck,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = Status(status)
	tx.FailureReason = failure.String
	if lastCheck.Valid {
		t := lastCheck.Time
		tx.LastStatusCheck = &t
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &tx.Steps); err != nil {
			return nil, fmt.Errorf("decode steps for %s: %w", tx.ID, err)
		}
	}
	if len(bridge) > 0 {
		tx.Bridge = &BridgeQuote{}
		if err := json.Unmarshal(bridge, tx.Bridge); err != nil {
			return nil, fmt.Errorf("decode bridge for %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
