package txledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/workescrow/internal/pagination"
)

// PostgresStore persists ledger records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO chain_transactions (
			id, milestone_id, purpose, chain_id, from_addr, to_addr,
			tx_hash, status, user_id, block_number, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tx_hash) DO NOTHING`,
		r.ID, r.MilestoneID, string(r.Purpose), r.ChainID, r.From, r.To,
		r.TxHash, r.Status, nullString(r.UserID), int64(r.BlockNumber), r.CreatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDuplicate
	}
	return nil
}

const recordColumns = `id, milestone_id, purpose, chain_id, from_addr, to_addr,
		       tx_hash, status, user_id, block_number, created_at`

func (p *PostgresStore) GetByHash(ctx context.Context, txHash string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM chain_transactions WHERE tx_hash = $1`, txHash)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByMilestone(ctx context.Context, milestoneID string) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM chain_transactions
		WHERE milestone_id = $1
		ORDER BY created_at, id`, milestoneID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM chain_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+recordColumns+`
			FROM chain_transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		purpose string
		userID  sql.NullString
		block   int64
	)
	err := s.Scan(&r.ID, &r.MilestoneID, &purpose, &r.ChainID, &r.From, &r.To,
		&r.TxHash, &r.Status, &userID, &block, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Purpose = Purpose(purpose)
	r.UserID = userID.String
	r.BlockNumber = uint64(block)
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
