package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/dispute"
	"github.com/mbd888/workescrow/internal/txledger"
)

// Reads take no lock and have no side effects.

// Get returns the persisted milestone, flagged stale while a repair for it
// is queued.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &View{Milestone: m, Stale: s.stale(ctx, id)}, nil
}

// Info reads the bound escrow's live state.
func (s *Service) Info(ctx context.Context, id string) (*chain.EscrowInfo, error) {
	escrow, err := s.boundEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.chain.EscrowInfo(ctx, escrow)
}

// DisputeSummary reports who owes what, by when, from live chain state.
func (s *Service) DisputeSummary(ctx context.Context, id string) (*dispute.Summary, error) {
	info, err := s.Info(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := dispute.Summarize(info, s.now())
	return &summary, nil
}

// Transactions lists the milestone's ledger records, oldest first.
func (s *Service) Transactions(ctx context.Context, id string) ([]*txledger.Record, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	records, err := s.ledger.Store().ListByMilestone(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store_error", err, "list transactions")
	}
	if records == nil {
		records = []*txledger.Record{}
	}
	return records, nil
}

func (s *Service) boundEscrow(ctx context.Context, id string) (common.Address, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return common.Address{}, err
	}
	if !m.Bound() {
		return common.Address{}, apperr.NotFound("escrow_not_bound", "milestone has no escrow provisioned")
	}
	return common.HexToAddress(m.Escrow), nil
}

func (s *Service) stale(ctx context.Context, id string) bool {
	pending, err := s.repairs.Pending(ctx, id)
	if err != nil {
		s.logger.Warn("repair queue unavailable", "milestoneId", id, "error", err)
		return false
	}
	return pending
}
