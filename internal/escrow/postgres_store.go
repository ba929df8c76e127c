package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/pagination"
)

// PostgresStore persists deals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, version, status, amount, token, token_routing,
		       buyer_id, seller_id, buyer_wallet, seller_wallet, buyer_network, seller_network,
		       is_cross_chain, conditions, final_approval_deadline, dispute_resolution_deadline,
		       funds_deposited, funds_released, settlement_address, release_address, release_tx_hash,
		       service_fee, seller_payout, refund_amount, crosschain_tx_id, timeline,
		       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	conditions, timeline, err := marshalDealJSON(d)
	if err != nil {
		return err
	}
	if d.Version == 0 {
		d.Version = 1
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO deals (`+dealColumns+`) VALUES (
			$1, $2, $3, $4::NUMERIC(78,0), $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22::NUMERIC(78,0), $23::NUMERIC(78,0), $24::NUMERIC(78,0), $25, $26,
			$27, $28
		)`,
		d.ID, d.Version, string(d.Status), d.Amount, d.Token, nullString(d.TokenRouting),
		d.BuyerID, d.SellerID, d.BuyerWallet, d.SellerWallet, d.BuyerNetwork, d.SellerNetwork,
		d.IsCrossChain, conditions, nullTime(d.FinalApprovalDeadline), nullTime(d.DisputeResolutionDeadline),
		d.FundsDeposited, d.FundsReleased, nullString(d.SettlementAddress), nullString(d.ReleaseAddress), nullString(d.ReleaseTxHash),
		nullString(d.ServiceFee), nullString(d.SellerPayout), nullString(d.RefundAmount), nullString(d.CrossChainTransactionID), timeline,
		d.CreatedAt, d.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("deal %s: %w", d.ID, errDuplicateDeal)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id)

	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return d, err
}

// Update writes every mutable column guarded by the version check. Identity,
// parties and networks are immutable after creation and are not rewritten.
func (p *PostgresStore) Update(ctx context.Context, d *Deal, expectedVersion int64) error {
	conditions, timeline, err := marshalDealJSON(d)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			version = version + 1, status = $1, conditions = $2,
			final_approval_deadline = $3, dispute_resolution_deadline = $4,
			funds_deposited = $5, funds_released = $6,
			settlement_address = $7, release_address = $8, release_tx_hash = $9,
			service_fee = $10::NUMERIC(78,0), seller_payout = $11::NUMERIC(78,0), refund_amount = $12::NUMERIC(78,0),
			crosschain_tx_id = $13, timeline = $14, updated_at = $15
		WHERE id = $16 AND version = $17`,
		string(d.Status), conditions,
		nullTime(d.FinalApprovalDeadline), nullTime(d.DisputeResolutionDeadline),
		d.FundsDeposited, d.FundsReleased,
		nullString(d.SettlementAddress), nullString(d.ReleaseAddress), nullString(d.ReleaseTxHash),
		nullString(d.ServiceFee), nullString(d.SellerPayout), nullString(d.RefundAmount),
		nullString(d.CrossChainTransactionID), timeline, d.UpdatedAt,
		d.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing deal from a stale version.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM deals WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrVersionConflict
	}
	d.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, q DueQuery) ([]*Deal, error) {
	var column string
	switch q.Deadline {
	case FinalApprovalDeadline:
		column = "final_approval_deadline"
	case DisputeResolutionDeadline:
		column = "dispute_resolution_deadline"
	default:
		return nil, fmt.Errorf("unknown deadline field %q", q.Deadline)
	}

	afterTime, afterID := keysetArgs(q.After)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1
		  AND `+column+` <= $2
		  AND ($3 = FALSE OR is_cross_chain)
		  AND ($5::timestamptz IS NULL OR (`+column+`, id) > ($5::timestamptz, $6::text))
		ORDER BY `+column+` ASC, id ASC
		LIMIT $4`, string(q.Status), q.Before, q.CrossChainOnly, limitOrAll(q.Limit), afterTime, afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, crossChainOnly bool, limit int, after *Keyset) ([]*Deal, error) {
	afterTime, afterID := keysetArgs(after)
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1
		  AND ($2 = FALSE OR is_cross_chain)
		  AND ($4::timestamptz IS NULL OR (created_at, id) > ($4::timestamptz, $5::text))
		ORDER BY created_at ASC, id ASC
		LIMIT $3`, string(status), crossChainOnly, limitOrAll(limit), afterTime, afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Deal, error) {
	var afterTime *time.Time
	var afterID string
	if after != nil {
		afterTime, afterID = &after.CreatedAt, after.ID
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE (buyer_id = $1 OR seller_id = $1)
		  AND ($3::timestamptz IS NULL OR (created_at, id) < ($3::timestamptz, $4::text))
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limitOrAll(limit), nullTime(afterTime), afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func keysetArgs(k *Keyset) (sql.NullTime, string) {
	if k == nil {
		return sql.NullTime{}, ""
	}
	return sql.NullTime{Time: k.At, Valid: true}, k.ID
}

// limitOrAll maps a non-positive limit to NULL, which postgres treats as no limit.
func limitOrAll(limit int) sql.NullInt64 {
	if limit <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(limit), Valid: true}
}

func marshalDealJSON(d *Deal) (conditions, timeline []byte, err error) {
	cs := d.Conditions
	if cs == nil {
		cs = []Condition{}
	}
	if conditions, err = json.Marshal(cs); err != nil {
		return nil, nil, fmt.Errorf("marshal conditions: %w", err)
	}
	tl := d.Timeline
	if tl == nil {
		tl = []TimelineEvent{}
	}
	if timeline, err = json.Marshal(tl); err != nil {
		return nil, nil, fmt.Errorf("marshal timeline: %w", err)
	}
	return conditions, timeline, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(row scanner) (*Deal, error) {
	d := &Deal{}
	var (
		status                                         string
		tokenRouting                                   sql.NullString
		conditions, timeline                           []byte
		finalApproval, disputeResolution               sql.NullTime
		settlementAddr, releaseAddr, releaseTx         sql.NullString
		serviceFee, sellerPayout, refund, crossChainID sql.NullString
	)

	err := row.Scan(
		&d.ID, &d.Version, &status, &d.Amount, &d.Token, &tokenRouting,
		&d.BuyerID, &d.SellerID, &d.BuyerWallet, &d.SellerWallet, &d.BuyerNetwork, &d.SellerNetwork,
		&d.IsCrossChain, &conditions, &finalApproval, &disputeResolution,
		&d.FundsDeposited, &d.FundsReleased, &settlementAddr, &releaseAddr, &releaseTx,
		&serviceFee, &sellerPayout, &refund, &crossChainID, &timeline,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.TokenRouting = tokenRouting.String
	d.SettlementAddress = settlementAddr.String
	d.ReleaseAddress = releaseAddr.String
	d.ReleaseTxHash = releaseTx.String
	d.ServiceFee = serviceFee.String
	d.SellerPayout = sellerPayout.String
	d.RefundAmount = refund.String
	d.CrossChainTransactionID = crossChainID.String
	if finalApproval.Valid {
		t := finalApproval.Time
		d.FinalApprovalDeadline = &t
	}
	if disputeResolution.Valid {
		t := disputeResolution.Time
		d.DisputeResolutionDeadline = &t
	}

	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &d.Conditions); err != nil {
			return nil, fmt.Errorf("decode conditions for %s: %w", d.ID, err)
		}
	}
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &d.Timeline); err != nil {
			return nil, fmt.Errorf("decode timeline for %s: %w", d.ID, err)
		}
	}
	return d, nil
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
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
