// Package txledger records chain-confirmed actions.
//
// A record asserts a fact that is already true on chain. Records are written
// only after the receipt confirms success, at most one per transaction hash,
// and are never updated or deleted.
package txledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/workescrow/internal/idgen"
	"github.com/mbd888/workescrow/internal/pagination"
)

var (
	ErrDuplicate      = errors.New("txledger: transaction already recorded")
	ErrNotFound       = errors.New("txledger: record not found")
	ErrInvalidPurpose = errors.New("txledger: invalid purpose")
	ErrInvalidHash    = errors.New("txledger: invalid transaction hash")
)

// Purpose names what a chain transaction did.
type Purpose string

const (
	PurposeFundEscrow       Purpose = "fund_escrow"
	PurposeDeliverWork      Purpose = "deliver_work"
	PurposeApproveWork      Purpose = "approve_work"
	PurposeWithdrawFunds    Purpose = "withdraw_funds"
	PurposeInitiateDispute  Purpose = "initiate_dispute"
	PurposePayDisputeFee    Purpose = "pay_dispute_fee"
	PurposeBuyerJoinDispute Purpose = "buyer_join_dispute"
	PurposeResolveDispute   Purpose = "resolve_dispute"
	PurposeCancelEscrow     Purpose = "cancel_escrow"
	PurposeCreateEscrow     Purpose = "create_escrow"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeFundEscrow, PurposeDeliverWork, PurposeApproveWork, PurposeWithdrawFunds,
		PurposeInitiateDispute, PurposePayDisputeFee, PurposeBuyerJoinDispute,
		PurposeResolveDispute, PurposeCancelEscrow, PurposeCreateEscrow:
		return true
	}
	return false
}

// StatusConfirmed is the only status a record is ever written with.
const StatusConfirmed = "confirmed"

// Record is one append-only ledger row.
type Record struct {
	ID          string    `json:"id"`
	MilestoneID string    `json:"milestoneId"`
	Purpose     Purpose   `json:"purpose"`
	ChainID     int64     `json:"chainId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	TxHash      string    `json:"txHash"`
	Status      string    `json:"status"`
	UserID      string    `json:"userId,omitempty"`
	BlockNumber uint64    `json:"blockNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists records. It exposes no update or delete.
type Store interface {
	// Append inserts r, failing with ErrDuplicate when its hash exists.
	Append(ctx context.Context, r *Record) error
	GetByHash(ctx context.Context, txHash string) (*Record, error)
	ListByMilestone(ctx context.Context, milestoneID string) ([]*Record, error)
	// ListByUser returns userID's records newest first, starting after the
	// cursor when one is given.
	ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Record, error)
}

// Entry is what callers supply to Writer.Record.
type Entry struct {
	MilestoneID string
	Purpose     Purpose
	ChainID     int64
	From        string
	To          string
	TxHash      string
	UserID      string
	BlockNumber uint64
}

// Writer validates entries and appends them.
type Writer struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a ledger writer over store.
func NewWriter(store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, logger: logger, now: time.Now}
}

// Store returns the underlying store for reads.
func (w *Writer) Store() Store { return w.store }

// Record appends a confirmed entry. Recording the same transaction hash
// twice is not an error: the existing record is returned.
func (w *Writer) Record(ctx context.Context, e Entry) (*Record, error) {
	if !e.Purpose.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPurpose, e.Purpose)
	}
	hash := strings.ToLower(strings.TrimSpace(e.TxHash))
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, e.TxHash)
	}

	r := &Record{
		ID:          idgen.New(),
		MilestoneID: e.MilestoneID,
		Purpose:     e.Purpose,
		ChainID:     e.ChainID,
		From:        strings.ToLower(e.From),
		To:          strings.ToLower(e.To),
		TxHash:      hash,
		Status:      StatusConfirmed,
		UserID:      e.UserID,
		BlockNumber: e.BlockNumber,
		CreatedAt:   w.now().UTC(),
	}
	err := w.store.Append(ctx, r)
	if errors.Is(err, ErrDuplicate) {
		w.logger.Info("ledger record already present", "txHash", hash, "purpose", e.Purpose)
		return w.store.GetByHash(ctx, hash)
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}
