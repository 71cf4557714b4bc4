// Package reconcile heals the window between a confirmed chain transaction
// and the database writes that follow it.
//
// Two sources feed it. The repair queue holds transactions the orchestrator
// knows about but could not persist, or stopped waiting for. The chain scan
// re-reads every bound, non-terminal milestone's escrow and advances the
// persisted status when the chain is ahead along a legal path. Both passes
// are idempotent and safe to run repeatedly and concurrently with the
// orchestrator: every write happens under the same per-milestone lock.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/circuitbreaker"
	"github.com/mbd888/workescrow/internal/dispute"
	"github.com/mbd888/workescrow/internal/events"
	"github.com/mbd888/workescrow/internal/logging"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/syncutil"
	"github.com/mbd888/workescrow/internal/traces"
	"github.com/mbd888/workescrow/internal/txledger"
)

// DefaultBatchSize is how many bound milestones the scan reads per page.
const DefaultBatchSize = 500

// ChainReader is the read side of the chain gateway.
type ChainReader interface {
	EscrowInfo(ctx context.Context, escrow common.Address) (*chain.EscrowInfo, error)
	TxStatus(ctx context.Context, txHash string) (chain.TxState, uint64, error)
}

// Mismatch is a persisted status the chain contradicts in a way that is
// not a forward path. It is reported, never written.
type Mismatch struct {
	MilestoneID string           `json:"milestoneId"`
	Escrow      string           `json:"escrow"`
	Persisted   milestone.Status `json:"persisted"`
	Derived     milestone.Status `json:"derived,omitempty"`
	ChainState  string           `json:"chainState"`
}

// Result summarizes one reconciliation pass.
type Result struct {
	RepairsApplied int        `json:"repairsApplied"`
	RepairsPending int        `json:"repairsPending"`
	RepairsDropped int        `json:"repairsDropped"`
	Checked        int        `json:"checked"`
	Advanced       int        `json:"advanced"`
	Skipped        int        `json:"skipped"`
	Errors         int        `json:"errors"`
	Mismatches     []Mismatch `json:"mismatches"`
}

// Reconciler aligns persisted milestone status with chain truth.
type Reconciler struct {
	chain      ChainReader
	milestones milestone.Store
	ledger     *txledger.Writer
	queue      Queue
	locker     syncutil.Locker
	breaker    *circuitbreaker.Breaker
	publisher  events.Publisher
	logger     *slog.Logger
	batchSize  int
	now        func() time.Time
}

// New creates a reconciler. locker must be the same instance the
// orchestrator serializes milestones with.
func New(reader ChainReader, milestones milestone.Store, ledger *txledger.Writer, queue Queue, locker syncutil.Locker, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		chain:      reader,
		milestones: milestones,
		ledger:     ledger,
		queue:      queue,
		locker:     locker,
		breaker:    circuitbreaker.New("reconcile_escrow", 3, 5*time.Minute),
		publisher:  events.NopPublisher{},
		logger:     logger,
		batchSize:  DefaultBatchSize,
		now:        time.Now,
	}
}

// WithBreaker replaces the per-escrow circuit breaker.
func (r *Reconciler) WithBreaker(b *circuitbreaker.Breaker) *Reconciler {
	r.breaker = b
	return r
}

// WithPublisher publishes transitions the reconciler writes.
func (r *Reconciler) WithPublisher(p events.Publisher) *Reconciler {
	r.publisher = p
	return r
}

func (r *Reconciler) WithBatchSize(n int) *Reconciler {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Queue returns the repair queue.
func (r *Reconciler) Queue() Queue { return r.queue }

// RunOnce drains the repair queue, then scans bound milestones.
func (r *Reconciler) RunOnce(ctx context.Context) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.run")
	defer span.End()

	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	res := &Result{Mismatches: []Mismatch{}}

	repairs, err := r.queue.List(ctx)
	if err != nil {
		reconcileErrors.Inc()
		traces.Fail(span, err)
		return nil, err
	}
	for _, rep := range repairs {
		r.applyRepair(ctx, rep, res)
	}

	// Page by ID so milestones advanced during the scan do not move
	// between pages.
	after := ""
	for {
		bound, err := r.milestones.ListBound(ctx, after, r.batchSize)
		if err != nil {
			reconcileErrors.Inc()
			traces.Fail(span, err)
			return res, fmt.Errorf("reconcile: list bound milestones: %w", err)
		}
		for _, m := range bound {
			r.checkMilestone(ctx, m, res)
		}
		if len(bound) < r.batchSize {
			break
		}
		after = bound[len(bound)-1].ID
		if err := ctx.Err(); err != nil {
			return res, err
		}
	}

	reconcileMismatches.Set(float64(len(res.Mismatches)))
	reconcilePendingRepairs.Set(float64(res.RepairsPending))

	if res.Advanced > 0 || res.RepairsApplied > 0 || len(res.Mismatches) > 0 {
		r.logger.Info("reconciliation pass complete",
			"repairsApplied", res.RepairsApplied,
			"repairsPending", res.RepairsPending,
			"checked", res.Checked,
			"advanced", res.Advanced,
			"mismatches", len(res.Mismatches),
			"errors", res.Errors)
	}
	return res, nil
}

// ReconcileMilestone runs both passes for a single milestone.
func (r *Reconciler) ReconcileMilestone(ctx context.Context, id string) (*Result, error) {
	res := &Result{Mismatches: []Mismatch{}}

	repairs, err := r.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, rep := range repairs {
		if rep.MilestoneID == id {
			r.applyRepair(ctx, rep, res)
		}
	}

	m, err := r.milestones.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Bound() {
		r.checkMilestone(ctx, m, res)
	}
	return res, nil
}

// applyRepair persists a queued transaction once its receipt is known.
func (r *Reconciler) applyRepair(ctx context.Context, rep Repair, res *Result) {
	log := r.logger.With("milestoneId", rep.MilestoneID, "txHash", rep.TxHash, "operation", rep.Operation)

	if rep.BlockNumber == 0 || rep.Reason == ReasonUnconfirmed {
		state, block, err := r.chain.TxStatus(ctx, rep.TxHash)
		if err != nil {
			log.Warn("repair: receipt lookup failed", "error", err)
			res.Errors++
			res.RepairsPending++
			return
		}
		switch state {
		case chain.TxPending:
			res.RepairsPending++
			return
		case chain.TxFailed:
			// Nothing changed on chain; nothing to persist.
			log.Warn("repair: transaction reverted, dropping")
			if err := r.queue.Remove(ctx, rep.TxHash); err != nil {
				log.Warn("repair: dequeue failed", "error", err)
			}
			repairsTotal.WithLabelValues("dropped").Inc()
			res.RepairsDropped++
			return
		}
		rep.BlockNumber = block
	}

	unlock, err := r.locker.LockContext(ctx, rep.MilestoneID)
	if err != nil {
		res.RepairsPending++
		return
	}
	defer unlock()

	m, err := r.milestones.Get(ctx, rep.MilestoneID)
	if err != nil {
		log.Warn("repair: load milestone failed", "error", err)
		res.Errors++
		res.RepairsPending++
		return
	}

	moved := false
	switch {
	case m.Status == rep.To:
	case m.Status == rep.From:
		if _, err := r.milestones.UpdateStatus(ctx, m.ID, rep.From, rep.To); err != nil {
			logging.Critical(ctx, log, "repair: status write failed again", "from", rep.From, "to", rep.To, "error", err)
			repairsTotal.WithLabelValues("failed").Inc()
			res.Errors++
			res.RepairsPending++
			return
		}
		moved = true
	default:
		// The chain scan or a later operation already moved it.
		log.Info("repair: status already advanced", "persisted", m.Status, "to", rep.To)
	}

	if _, err := r.ledger.Record(ctx, txledger.Entry{
		MilestoneID: rep.MilestoneID,
		Purpose:     rep.Purpose,
		ChainID:     rep.ChainID,
		From:        rep.FromAddr,
		To:          rep.ToAddr,
		TxHash:      rep.TxHash,
		UserID:      rep.UserID,
		BlockNumber: rep.BlockNumber,
	}); err != nil {
		logging.Critical(ctx, log, "repair: ledger write failed again", "error", err)
		repairsTotal.WithLabelValues("failed").Inc()
		res.Errors++
		res.RepairsPending++
		return
	}

	if err := r.queue.Remove(ctx, rep.TxHash); err != nil {
		log.Warn("repair: dequeue failed", "error", err)
	}
	repairsTotal.WithLabelValues("applied").Inc()
	res.RepairsApplied++
	log.Info("repair applied", "to", rep.To, "statusWritten", moved)

	if moved {
		r.publish(ctx, events.Transition{
			MilestoneID: m.ID,
			JobID:       m.JobID,
			Escrow:      m.Escrow,
			From:        string(rep.From),
			To:          string(rep.To),
			Operation:   rep.Operation,
			TxHash:      rep.TxHash,
			ActorID:     rep.UserID,
			Reconciled:  true,
			At:          r.now().UTC(),
		})
	}
}

// checkMilestone compares a milestone against its escrow's live state.
func (r *Reconciler) checkMilestone(ctx context.Context, m *milestone.Milestone, res *Result) {
	escrow := common.HexToAddress(m.Escrow)
	key := escrow.Hex()

	if !r.breaker.Allow(key) {
		res.Skipped++
		return
	}
	info, err := r.chain.EscrowInfo(ctx, escrow)
	if err != nil {
		r.breaker.RecordFailure(key)
		reconcileErrors.Inc()
		r.logger.Warn("reconcile: escrow read failed", "milestoneId", m.ID, "escrow", m.Escrow, "error", err)
		res.Errors++
		return
	}
	r.breaker.RecordSuccess(key)
	res.Checked++

	derived, ok := dispute.DerivedStatus(info)
	persisted := m.Status.Effective()
	if ok && derived == persisted {
		return
	}
	if !ok || !milestone.Reachable(persisted, derived) {
		mm := Mismatch{
			MilestoneID: m.ID,
			Escrow:      m.Escrow,
			Persisted:   m.Status,
			Derived:     derived,
			ChainState:  info.State.String(),
		}
		res.Mismatches = append(res.Mismatches, mm)
		r.logger.Error("reconcile: persisted status contradicts chain",
			"milestoneId", m.ID, "escrow", m.Escrow, "persisted", m.Status,
			"derived", derived, "chainState", info.State.String())
		return
	}

	if err := r.advance(ctx, m.ID, derived); err != nil {
		if errors.Is(err, errSuperseded) {
			return
		}
		reconcileErrors.Inc()
		r.logger.Warn("reconcile: advance failed", "milestoneId", m.ID, "to", derived, "error", err)
		res.Errors++
		return
	}
	advancedTotal.Inc()
	res.Advanced++
}

var errSuperseded = errors.New("reconcile: milestone changed while waiting for lock")

// advance writes derived under the milestone lock, re-checking that the
// persisted status still lags behind it.
func (r *Reconciler) advance(ctx context.Context, id string, derived milestone.Status) error {
	unlock, err := r.locker.LockContext(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	m, err := r.milestones.Get(ctx, id)
	if err != nil {
		return err
	}
	from := m.Status
	if from.Effective() == derived || !milestone.Reachable(from.Effective(), derived) {
		return errSuperseded
	}
	updated, err := r.milestones.UpdateStatus(ctx, id, from, derived)
	if err != nil {
		return err
	}

	r.logger.Warn("reconcile: persisted status was behind chain",
		"milestoneId", id, "escrow", m.Escrow, "from", from, "to", derived)
	r.publish(ctx, events.Transition{
		MilestoneID: id,
		JobID:       updated.JobID,
		Escrow:      updated.Escrow,
		From:        string(from),
		To:          string(derived),
		Operation:   "reconcile",
		Reconciled:  true,
		At:          r.now().UTC(),
	})
	return nil
}

func (r *Reconciler) publish(ctx context.Context, t events.Transition) {
	if err := r.publisher.Publish(ctx, t); err != nil {
		r.logger.Warn("failed to publish transition", "milestoneId", t.MilestoneID, "to", t.To, "error", err)
	}
}
