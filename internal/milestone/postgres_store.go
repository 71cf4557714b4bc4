package milestone

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/workescrow/internal/idgen"
)

// PostgresStore persists milestones and jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = idgen.WithPrefix("job_")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, client_id, title, deadline, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		j.ID, j.ClientID, nullString(j.Title), nullTime(j.Deadline), j.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	var (
		title    sql.NullString
		deadline sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, title, deadline, created_at FROM jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.ClientID, &title, &deadline, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Title = title.String
	if deadline.Valid {
		j.Deadline = &deadline.Time
	}
	return j, nil
}

func (p *PostgresStore) Create(ctx context.Context, m *Milestone) error {
	if m.ID == "" {
		m.ID = idgen.WithPrefix("ms_")
	}
	if m.Status == "" {
		m.Status = StatusPendingFund
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Version = 1
	m.ClientAddr = strings.ToLower(m.ClientAddr)
	m.FreelancerAddr = strings.ToLower(m.FreelancerAddr)
	m.Escrow = strings.ToLower(m.Escrow)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO milestones (
			id, job_id, client_id, client_addr, freelancer_id, freelancer_addr,
			title, amount, token_symbol, due_at, order_index, escrow,
			status, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16
		)`,
		m.ID, m.JobID, m.ClientID, m.ClientAddr, nullString(m.FreelancerID), nullString(m.FreelancerAddr),
		m.Title, amount, m.TokenSymbol, nullTime(m.DueAt), m.OrderIndex, nullString(m.Escrow),
		string(m.Status), m.Version, m.CreatedAt, m.UpdatedAt,
	)
	return translate(err)
}

const milestoneColumns = `id, job_id, client_id, client_addr, freelancer_id, freelancer_addr,
		       title, amount, token_symbol, due_at, order_index, escrow,
		       status, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) Update(ctx context.Context, m *Milestone) error {
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET
			title = $1, amount = $2, token_symbol = $3, due_at = $4, order_index = $5,
			freelancer_id = $6, freelancer_addr = $7,
			version = version + 1, updated_at = NOW()
		WHERE id = $8 AND status = 'pending_fund' AND escrow IS NULL`,
		m.Title, amount, m.TokenSymbol, nullTime(m.DueAt), m.OrderIndex,
		nullString(m.FreelancerID), nullString(strings.ToLower(m.FreelancerAddr)),
		m.ID,
	)
	if err != nil {
		return translate(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, m.ID); err != nil {
			return err
		}
		return ErrImmutable
	}
	return nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE milestones SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING `+milestoneColumns, string(to), id, string(from))
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrStatusConflict
	}
	return m, err
}

func (p *PostgresStore) BindEscrow(ctx context.Context, id, escrow string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE milestones SET escrow = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND escrow IS NULL AND status = 'pending_fund'
		RETURNING `+milestoneColumns, strings.ToLower(escrow), id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		cur, gerr := p.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.Bound() {
			return nil, ErrEscrowAlreadyBound
		}
		return nil, ErrImmutable
	}
	if err != nil {
		return nil, translate(err)
	}
	return m, nil
}

func (p *PostgresStore) ListByJob(ctx context.Context, jobID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE job_id = $1
		ORDER BY order_index`, jobID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMilestones(rows)
}

func (p *PostgresStore) ListBound(ctx context.Context, afterID string, limit int) ([]*Milestone, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE escrow IS NOT NULL
		  AND status NOT IN ('released', 'resolvedToBuyer', 'resolvedToVendor', 'cancelled')
		  AND id > $1
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMilestones(rows)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM milestones WHERE id = $1 AND status = 'pending_fund' AND escrow IS NULL`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrImmutable
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		freelancerID   sql.NullString
		freelancerAddr sql.NullString
		escrow         sql.NullString
		dueAt          sql.NullTime
		amount         decimal.Decimal
		status         string
	)
	err := s.Scan(
		&m.ID, &m.JobID, &m.ClientID, &m.ClientAddr, &freelancerID, &freelancerAddr,
		&m.Title, &amount, &m.TokenSymbol, &dueAt, &m.OrderIndex, &escrow,
		&status, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Amount = amount.String()
	m.Status = Status(status)
	m.FreelancerID = freelancerID.String
	m.FreelancerAddr = freelancerAddr.String
	m.Escrow = escrow.String
	if dueAt.Valid {
		m.DueAt = &dueAt.Time
	}
	return m, nil
}

func scanMilestones(rows *sql.Rows) ([]*Milestone, error) {
	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// translate maps unique and foreign-key violations onto store errors.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "23505":
		if strings.Contains(pqErr.Constraint, "escrow") {
			return ErrEscrowInUse
		}
		return ErrDuplicateOrder
	case "23503":
		return ErrJobNotFound
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertions.
var (
	_ Store    = (*PostgresStore)(nil)
	_ JobStore = (*PostgresStore)(nil)
)
