package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/events"
	"github.com/mbd888/workescrow/internal/logging"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/reconcile"
	"github.com/mbd888/workescrow/internal/retry"
	"github.com/mbd888/workescrow/internal/traces"
	"github.com/mbd888/workescrow/internal/txledger"
)

// plan is what a guard settles on: where the milestone goes, what the
// ledger calls it, and the chain call that gets it there.
type plan struct {
	to       milestone.Status
	purpose  txledger.Purpose
	signer   *chain.Signer
	send     func(ctx context.Context, escrow common.Address) (*chain.TxResult, error)
	warnings []string
}

// guard validates an operation against the loaded milestone. It runs
// under the milestone lock and must not submit anything.
type guard func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error)

// transition is the skeleton shared by every state-changing operation:
// lock, repair check, load, guard, chain call, persist, publish.
func (s *Service) transition(ctx context.Context, op, id string, caller Caller, g guard) (view *View, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.MilestoneID(id), traces.Operation(op))
	defer span.End()

	start := time.Now()
	defer func() {
		observeTransition(op, start, err)
		if err != nil {
			traces.Fail(span, err)
		}
	}()

	log := s.logger.With("milestoneId", id, "operation", op, "userId", caller.Principal.UserID)
	if rid := logging.RequestID(ctx); rid != "" {
		log = log.With("requestId", rid)
	}

	lockStart := time.Now()
	unlock, err := s.locker.LockContext(ctx, id)
	lockWait.Observe(time.Since(lockStart).Seconds())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, "milestone_busy", err,
			"another operation on this milestone is in progress")
	}
	defer unlock()

	if err := s.requireNoRepair(ctx, id); err != nil {
		return nil, err
	}

	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Bound() {
		return nil, apperr.NotFound("escrow_not_bound", "milestone has no escrow provisioned")
	}
	if !common.IsHexAddress(m.Escrow) {
		return nil, apperr.New(apperr.KindInternal, "escrow_invalid", fmt.Sprintf("stored escrow address %q is malformed", m.Escrow))
	}
	escrow := common.HexToAddress(m.Escrow)

	p, err := g(ctx, m, escrow)
	if err != nil {
		return nil, err
	}
	if !milestone.CanTransition(m.Status, p.to) {
		return nil, invalidTransition(op, m.Status)
	}
	if p.signer == nil {
		return nil, apperr.Validation("credential_missing", "a signing credential is required")
	}

	res, err := p.send(ctx, escrow)
	if err != nil {
		s.afterChainError(ctx, log, m, p, op, caller, err)
		return nil, err
	}
	span.SetAttributes(traces.TxHash(res.TxHash))
	log = log.With("txHash", res.TxHash)

	updated, err := s.commit(ctx, log, m, p, op, caller, res)
	if err != nil {
		return nil, err
	}

	log.Info("milestone transitioned", "from", m.Status, "to", p.to, "block", res.BlockNumber)
	s.publish(ctx, log, events.Transition{
		MilestoneID: m.ID,
		JobID:       m.JobID,
		Escrow:      m.Escrow,
		From:        string(m.Status),
		To:          string(p.to),
		Operation:   op,
		TxHash:      res.TxHash,
		ActorID:     caller.Principal.UserID,
		At:          s.now().UTC(),
	})

	return &View{Milestone: updated, TxHash: res.TxHash, Warnings: p.warnings}, nil
}

// requireNoRepair refuses to act on a milestone whose persisted status may
// lag the chain. Only the reconciler moves it forward until the repair is
// applied. An unreachable queue counts as pending.
func (s *Service) requireNoRepair(ctx context.Context, id string) error {
	pending, err := s.repairs.Pending(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "repair_queue_unavailable", err,
			"cannot confirm the milestone has no pending repair")
	}
	if pending {
		return apperr.Conflict("repair_pending",
			"a previous transaction on this milestone is awaiting reconciliation")
	}
	return nil
}

// commit persists a confirmed transaction: status first, then the ledger.
// Writes run detached from the caller's cancellation because the chain
// has already moved.
func (s *Service) commit(ctx context.Context, log *slog.Logger, m *milestone.Milestone, p *plan, op string, caller Caller, res *chain.TxResult) (*milestone.Milestone, error) {
	ctx = context.WithoutCancel(ctx)

	var updated *milestone.Milestone
	err := retry.Do(ctx, s.persist, func(attempt int) error {
		u, err := s.milestones.UpdateStatus(ctx, m.ID, m.Status, p.to)
		if errors.Is(err, milestone.ErrStatusConflict) || errors.Is(err, milestone.ErrMilestoneNotFound) {
			return retry.Permanent(err)
		}
		if err != nil {
			log.Warn("status write failed", "attempt", attempt, "error", err)
			return err
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, s.consistencyFailure(ctx, log, m, p, op, caller, res, fmt.Errorf("status write: %w", err))
	}

	entry := txledger.Entry{
		MilestoneID: m.ID,
		Purpose:     p.purpose,
		ChainID:     s.chain.ChainID(),
		From:        res.From,
		To:          res.To,
		TxHash:      res.TxHash,
		UserID:      caller.Principal.UserID,
		BlockNumber: res.BlockNumber,
	}
	err = retry.Do(ctx, s.persist, func(attempt int) error {
		_, err := s.ledger.Record(ctx, entry)
		if errors.Is(err, txledger.ErrInvalidPurpose) || errors.Is(err, txledger.ErrInvalidHash) {
			return retry.Permanent(err)
		}
		if err != nil {
			log.Warn("ledger write failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, s.consistencyFailure(ctx, log, m, p, op, caller, res, fmt.Errorf("ledger write: %w", err))
	}
	return updated, nil
}

// consistencyFailure queues the confirmed transaction for the reconciler
// and reports it. The chain call is never repeated.
func (s *Service) consistencyFailure(ctx context.Context, log *slog.Logger, m *milestone.Milestone, p *plan, op string, caller Caller, res *chain.TxResult, cause error) error {
	consistencyFailures.WithLabelValues(op).Inc()

	rep := s.repair(m, p, op, caller, res.TxHash, reconcile.ReasonPersistFailed)
	rep.FromAddr, rep.ToAddr, rep.BlockNumber = res.From, res.To, res.BlockNumber
	if qerr := s.repairs.Enqueue(ctx, rep); qerr != nil {
		logging.Critical(ctx, log, "confirmed transaction not persisted and repair not queued",
			"from", m.Status, "to", p.to, "block", res.BlockNumber, "error", cause, "queueError", qerr)
	} else {
		logging.Critical(ctx, log, "confirmed transaction not persisted; queued for reconciliation",
			"from", m.Status, "to", p.to, "block", res.BlockNumber, "error", cause)
	}
	return apperr.Consistency(res.TxHash, cause)
}

// afterChainError queues transactions that were sent but whose receipt
// the caller stopped waiting for. Everything else left the chain untouched.
func (s *Service) afterChainError(ctx context.Context, log *slog.Logger, m *milestone.Milestone, p *plan, op string, caller Caller, err error) {
	e, ok := apperr.As(err)
	if !ok || !e.Submitted || e.Reverted || e.Confirmed || e.TxHash == "" {
		log.Info("chain call failed", "code", apperr.CodeOf(err), "error", err)
		return
	}
	rep := s.repair(m, p, op, caller, e.TxHash, reconcile.ReasonUnconfirmed)
	if p.signer != nil {
		rep.FromAddr = p.signer.Address().Hex()
	}
	rep.ToAddr = m.Escrow
	if qerr := s.repairs.Enqueue(context.WithoutCancel(ctx), rep); qerr != nil {
		logging.Critical(ctx, log, "unconfirmed transaction not queued for reconciliation",
			"txHash", e.TxHash, "error", err, "queueError", qerr)
		return
	}
	log.Warn("transaction submitted but not confirmed; queued for reconciliation", "txHash", e.TxHash, "error", err)
}

func (s *Service) repair(m *milestone.Milestone, p *plan, op string, caller Caller, txHash string, reason reconcile.Reason) reconcile.Repair {
	return reconcile.Repair{
		MilestoneID: m.ID,
		Operation:   op,
		Purpose:     p.purpose,
		From:        m.Status,
		To:          p.to,
		ChainID:     s.chain.ChainID(),
		TxHash:      txHash,
		UserID:      caller.Principal.UserID,
		Reason:      reason,
		EnqueuedAt:  s.now().UTC(),
	}
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, t events.Transition) {
	if err := s.publisher.Publish(ctx, t); err != nil {
		log.Warn("failed to publish transition", "to", t.To, "error", err)
	}
}

func (s *Service) load(ctx context.Context, id string) (*milestone.Milestone, error) {
	m, err := s.milestones.Get(ctx, id)
	if errors.Is(err, milestone.ErrMilestoneNotFound) {
		return nil, apperr.Wrap(apperr.KindNotFound, "milestone_not_found", err, "milestone not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "store_error", err, "load milestone")
	}
	return m, nil
}

func invalidTransition(op string, from milestone.Status) error {
	return apperr.Conflict("invalid_transition", fmt.Sprintf("cannot %s a milestone in status %s", humanOp(op), from))
}

func humanOp(op string) string {
	switch op {
	case OpInitiateDispute:
		return "dispute"
	case OpPayDisputeFee, OpBuyerJoinDispute:
		return "pay the dispute fee for"
	case OpResolveDispute:
		return "resolve"
	}
	return op
}
