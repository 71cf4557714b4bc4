// Package escrow drives a milestone through its on-chain escrow.
//
// Flow:
//  1. Client funds the bound escrow → funded
//  2. Freelancer delivers (cid, content hash) → delivered
//  3. Client approves the delivered cid → approved (escrow Releasable)
//  4. Either party withdraws → released
//  5. Either party may dispute a funded or delivered escrow; once the
//     counterparty has paid its fee the arbiter resolves it
//  6. Client may cancel a funded escrow early in its window or after an
//     undelivered deadline
//
// Every transition is chain first, database second, under a per-milestone
// lock. A transition whose chain call confirmed but whose persistence
// failed is queued for reconciliation and never resubmitted.
package escrow

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/workescrow/internal/auth"
	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/events"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/reconcile"
	"github.com/mbd888/workescrow/internal/retry"
	"github.com/mbd888/workescrow/internal/syncutil"
	"github.com/mbd888/workescrow/internal/txledger"
)

// Operation names, used in logs, metrics and events.
const (
	OpFund             = "fund"
	OpDeliver          = "deliver"
	OpApprove          = "approve"
	OpWithdraw         = "withdraw"
	OpInitiateDispute  = "initiate_dispute"
	OpPayDisputeFee    = "pay_dispute_fee"
	OpBuyerJoinDispute = "buyer_join_dispute"
	OpResolveDispute   = "resolve_dispute"
	OpCancel           = "cancel"
)

// CancelWindowFraction is the share of the funded→deadline window during
// which the client may cancel unconditionally.
const CancelWindowFraction = 0.2

// Chain is the part of the chain gateway the orchestrator drives.
type Chain interface {
	ChainID() int64
	EscrowInfo(ctx context.Context, escrow common.Address) (*chain.EscrowInfo, error)
	Fund(ctx context.Context, s *chain.Signer, escrow common.Address, value *big.Int) (*chain.TxResult, error)
	Deliver(ctx context.Context, s *chain.Signer, escrow common.Address, cid string, contentHash common.Hash) (*chain.TxResult, error)
	Approve(ctx context.Context, s *chain.Signer, escrow common.Address, cid string) (*chain.TxResult, error)
	Withdraw(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error)
	InitiateDispute(ctx context.Context, s *chain.Signer, escrow common.Address, value *big.Int) (*chain.TxResult, error)
	PayDisputeFee(ctx context.Context, s *chain.Signer, escrow common.Address, value *big.Int) (*chain.TxResult, error)
	ResolveToBuyer(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error)
	ResolveToVendor(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error)
	Cancel(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error)
}

// Caller is who asks for a transition and the key that signs it. The
// principal is authorized first; the signer is only used once that passes.
type Caller struct {
	Principal auth.Principal
	Signer    *chain.Signer
}

// View is a milestone as returned to callers. Stale is set while a
// confirmed transaction for it is still waiting to be persisted, so the
// status may be behind the chain. Warnings carry input the service
// accepted only after altering it.
type View struct {
	Milestone *milestone.Milestone `json:"milestone"`
	TxHash    string               `json:"txHash,omitempty"`
	Stale     bool                 `json:"stale,omitempty"`
	Warnings  []string             `json:"warnings,omitempty"`
}

// Service implements the escrow lifecycle.
type Service struct {
	chain      Chain
	milestones milestone.Store
	jobs       milestone.JobStore
	ledger     *txledger.Writer
	locker     syncutil.Locker
	repairs    reconcile.Queue
	publisher  events.Publisher
	arbiter    *chain.Signer
	persist    retry.Policy
	strictHash bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new escrow service with an in-process lock, an
// in-memory repair queue and no event publisher.
func NewService(c Chain, milestones milestone.Store, jobs milestone.JobStore, ledger *txledger.Writer) *Service {
	return &Service{
		chain:      c,
		milestones: milestones,
		jobs:       jobs,
		ledger:     ledger,
		locker:     syncutil.NewKeyedMutex(),
		repairs:    reconcile.NewMemoryQueue(),
		publisher:  events.NopPublisher{},
		persist:    retry.Persist,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLocker sets the per-milestone lock. Share it with the reconciler.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locker = l
	return s
}

// WithRepairQueue sets where unpersisted transactions are queued.
func (s *Service) WithRepairQueue(q reconcile.Queue) *Service {
	s.repairs = q
	return s
}

// WithPublisher publishes every persisted transition.
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithArbiter sets the server-held key that signs dispute resolutions.
func (s *Service) WithArbiter(signer *chain.Signer) *Service {
	s.arbiter = signer
	return s
}

// WithStrictContentHash rejects content hashes that are not exactly 32
// bytes of hex instead of padding, truncating or zeroing them.
func (s *Service) WithStrictContentHash(strict bool) *Service {
	s.strictHash = strict
	return s
}

// WithPersistPolicy sets the retry policy for post-confirmation writes.
func (s *Service) WithPersistPolicy(p retry.Policy) *Service {
	s.persist = p
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Repairs returns the repair queue.
func (s *Service) Repairs() reconcile.Queue { return s.repairs }

// Locker returns the per-milestone lock.
func (s *Service) Locker() syncutil.Locker { return s.locker }
