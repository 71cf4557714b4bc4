// Package provision deploys the escrow contract for a milestone through the
// escrow factory and binds the new address to the milestone.
//
// Everything that can be checked locally is checked before the factory is
// called, so a rejected request never spends gas.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/auth"
	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/events"
	"github.com/mbd888/workescrow/internal/logging"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/reconcile"
	"github.com/mbd888/workescrow/internal/retry"
	"github.com/mbd888/workescrow/internal/syncutil"
	"github.com/mbd888/workescrow/internal/traces"
	"github.com/mbd888/workescrow/internal/txledger"
)

// Operation is the name provisioning uses in logs, metrics and events.
const Operation = "provision"

const (
	// MaxDeadline caps how far in the future an escrow deadline may be.
	MaxDeadline = 365 * 24 * time.Hour
	// DefaultWindow is the deadline used when neither the request, the job
	// nor the milestone supplies one.
	DefaultWindow = 30 * 24 * time.Hour
	// DefaultMaxFeeBps is the fee ceiling when none is configured.
	DefaultMaxFeeBps = 1000
)

// Factory is the part of the chain gateway provisioning needs.
type Factory interface {
	ChainID() int64
	CreateEscrow(ctx context.Context, s *chain.Signer, p chain.CreateParams) (common.Address, *chain.TxResult, error)
	CreateEscrowDeterministic(ctx context.Context, s *chain.Signer, p chain.CreateParams, salt common.Hash) (common.Address, *chain.TxResult, error)
	PredictEscrowAddress(ctx context.Context, salt common.Hash) (common.Address, error)
}

// Fees are basis-point settings for a new escrow.
type Fees struct {
	PlatformBps   uint64 `json:"platformFeeBps"`
	BuyerBps      uint64 `json:"buyerFeeBps"`
	VendorBps     uint64 `json:"vendorFeeBps"`
	DisputeBps    uint64 `json:"disputeFeeBps"`
	RewardRateBps uint64 `json:"rewardRateBps"`
}

// Config is the deployment-wide escrow configuration.
type Config struct {
	Arbiter      string
	FeeRecipient string
	PaymentToken string // empty for the native currency
	Fees         Fees
	MaxFeeBps    uint64
}

// Request asks for an escrow for one milestone. Nil fields fall back to
// the configured defaults.
type Request struct {
	MilestoneID string
	Principal   auth.Principal
	Deadline    *time.Time
	Fees        *Fees
}

// Result describes a provisioned escrow.
type Result struct {
	Milestone *milestone.Milestone `json:"milestone"`
	Escrow    string               `json:"escrow"`
	TxHash    string               `json:"txHash"`
	Deadline  time.Time            `json:"deadline"`
	Fees      Fees                 `json:"fees"`
}

// Provisioner creates and binds escrows.
type Provisioner struct {
	factory    Factory
	milestones milestone.Store
	jobs       milestone.JobStore
	ledger     *txledger.Writer
	locker     syncutil.Locker
	repairs    reconcile.Queue
	publisher  events.Publisher
	deployer   *chain.Signer
	cfg        Config
	persist    retry.Policy
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a provisioner. deployer may be nil; provisioning then fails
// with a configuration error while reads keep working.
func New(f Factory, milestones milestone.Store, jobs milestone.JobStore, ledger *txledger.Writer, deployer *chain.Signer, cfg Config) *Provisioner {
	if cfg.MaxFeeBps == 0 {
		cfg.MaxFeeBps = DefaultMaxFeeBps
	}
	return &Provisioner{
		factory:    f,
		milestones: milestones,
		jobs:       jobs,
		ledger:     ledger,
		locker:     syncutil.NewKeyedMutex(),
		publisher:  events.NopPublisher{},
		deployer:   deployer,
		cfg:        cfg,
		persist:    retry.Persist,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLocker sets the per-milestone lock. It must be the one the escrow
// service uses.
func (p *Provisioner) WithLocker(l syncutil.Locker) *Provisioner {
	p.locker = l
	return p
}

// WithRepairQueue makes provisioning refuse milestones with a queued
// repair. Without it no check is made.
func (p *Provisioner) WithRepairQueue(q reconcile.Queue) *Provisioner {
	p.repairs = q
	return p
}

func (p *Provisioner) WithPublisher(pub events.Publisher) *Provisioner {
	p.publisher = pub
	return p
}

func (p *Provisioner) WithPersistPolicy(policy retry.Policy) *Provisioner {
	p.persist = policy
	return p
}

func (p *Provisioner) WithLogger(logger *slog.Logger) *Provisioner {
	if logger != nil {
		p.logger = logger
	}
	return p
}

func (p *Provisioner) WithClock(now func() time.Time) *Provisioner {
	p.now = now
	return p
}

// Salt is the deterministic-deployment salt for a milestone.
func Salt(milestoneID string) common.Hash {
	return crypto.Keccak256Hash([]byte("workescrow:milestone:" + milestoneID))
}

// JobIDHash is the job identifier the escrow stores.
func JobIDHash(jobID string) common.Hash {
	return crypto.Keccak256Hash([]byte(jobID))
}

// Provision deploys a fresh escrow for the milestone.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	return p.provision(ctx, req, false)
}

// ProvisionDeterministic deploys at the address Predict reports for the
// milestone.
func (p *Provisioner) ProvisionDeterministic(ctx context.Context, req Request) (*Result, error) {
	return p.provision(ctx, req, true)
}

// Predict reports where ProvisionDeterministic would deploy.
func (p *Provisioner) Predict(ctx context.Context, milestoneID string) (string, error) {
	addr, err := p.factory.PredictEscrowAddress(ctx, Salt(milestoneID))
	if err != nil {
		return "", err
	}
	return addr.Hex(), nil
}

func (p *Provisioner) provision(ctx context.Context, req Request, deterministic bool) (res *Result, err error) {
	ctx, span := traces.StartSpan(ctx, "provision.escrow", traces.MilestoneID(req.MilestoneID), traces.Operation(Operation))
	defer span.End()
	mode := "create"
	if deterministic {
		mode = "deterministic"
	}
	defer func() {
		observe(mode, err)
		if err != nil {
			traces.Fail(span, err)
		}
	}()

	log := p.logger.With("milestoneId", req.MilestoneID, "operation", Operation, "mode", mode)

	if err := p.requireConfigured(); err != nil {
		return nil, err
	}

	unlock, err := p.locker.LockContext(ctx, req.MilestoneID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConflict, "milestone_busy", err,
			"another operation on this milestone is in progress")
	}
	defer unlock()

	if err := p.requireNoRepair(ctx, req.MilestoneID); err != nil {
		return nil, err
	}

	m, params, fees, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		addr common.Address
		tx   *chain.TxResult
	)
	if deterministic {
		addr, tx, err = p.factory.CreateEscrowDeterministic(ctx, p.deployer, params, Salt(m.ID))
	} else {
		addr, tx, err = p.factory.CreateEscrow(ctx, p.deployer, params)
	}
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Confirmed {
			logging.Critical(ctx, log, "escrow factory transaction confirmed without a usable escrow address",
				"txHash", e.TxHash, "error", err)
		}
		return nil, err
	}
	log = log.With("escrow", addr.Hex(), "txHash", tx.TxHash)

	bound, err := p.commit(ctx, log, m, req, addr, tx)
	if err != nil {
		return nil, err
	}

	log.Info("escrow provisioned", "deadline", params.Deadline, "block", tx.BlockNumber)
	if perr := p.publisher.Publish(ctx, events.Transition{
		MilestoneID: m.ID,
		JobID:       m.JobID,
		Escrow:      bound.Escrow,
		From:        string(m.Status),
		To:          string(bound.Status),
		Operation:   Operation,
		TxHash:      tx.TxHash,
		ActorID:     req.Principal.UserID,
		At:          p.now().UTC(),
	}); perr != nil {
		log.Warn("failed to publish provisioning", "error", perr)
	}

	return &Result{
		Milestone: bound,
		Escrow:    bound.Escrow,
		TxHash:    tx.TxHash,
		Deadline:  params.Deadline,
		Fees:      fees,
	}, nil
}

// commit binds the escrow and records the factory transaction. The escrow
// already exists on chain, so failures here are consistency errors.
func (p *Provisioner) commit(ctx context.Context, log *slog.Logger, m *milestone.Milestone, req Request, addr common.Address, tx *chain.TxResult) (*milestone.Milestone, error) {
	ctx = context.WithoutCancel(ctx)

	var bound *milestone.Milestone
	err := retry.Do(ctx, p.persist, func(attempt int) error {
		b, err := p.milestones.BindEscrow(ctx, m.ID, addr.Hex())
		switch {
		case err == nil:
			bound = b
			return nil
		case errors.Is(err, milestone.ErrEscrowAlreadyBound), errors.Is(err, milestone.ErrEscrowInUse),
			errors.Is(err, milestone.ErrMilestoneNotFound), errors.Is(err, milestone.ErrImmutable):
			return retry.Permanent(err)
		}
		log.Warn("escrow bind failed", "attempt", attempt, "error", err)
		return err
	})
	if err != nil {
		consistencyFailures.Inc()
		logging.Critical(ctx, log, "escrow deployed but not bound to milestone; bind it manually",
			"block", tx.BlockNumber, "error", err)
		return nil, apperr.Consistency(tx.TxHash, fmt.Errorf("bind escrow %s: %w", addr.Hex(), err))
	}

	entry := txledger.Entry{
		MilestoneID: m.ID,
		Purpose:     txledger.PurposeCreateEscrow,
		ChainID:     p.factory.ChainID(),
		From:        tx.From,
		To:          tx.To,
		TxHash:      tx.TxHash,
		UserID:      req.Principal.UserID,
		BlockNumber: tx.BlockNumber,
	}
	err = retry.Do(ctx, p.persist, func(attempt int) error {
		_, err := p.ledger.Record(ctx, entry)
		if errors.Is(err, txledger.ErrInvalidPurpose) || errors.Is(err, txledger.ErrInvalidHash) {
			return retry.Permanent(err)
		}
		if err != nil {
			log.Warn("ledger write failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		// The binding is what matters for every later operation; the
		// missing ledger row is reported but does not fail the request.
		consistencyFailures.Inc()
		logging.Critical(ctx, log, "escrow bound but create_escrow not recorded", "error", err)
	}
	return bound, nil
}

func (p *Provisioner) requireNoRepair(ctx context.Context, id string) error {
	if p.repairs == nil {
		return nil
	}
	pending, err := p.repairs.Pending(ctx, id)
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

func (p *Provisioner) requireConfigured() error {
	if p.deployer == nil {
		return apperr.Configuration("deployer_key_missing", "DEPLOYER_PRIVATE_KEY is not configured")
	}
	if p.cfg.FeeRecipient == "" {
		return apperr.Configuration("fee_recipient_missing", "FEE_RECIPIENT is not configured")
	}
	if p.cfg.Arbiter == "" {
		return apperr.Configuration("arbiter_missing", "no arbiter address is configured")
	}
	return nil
}

// prepare loads the milestone and builds validated factory parameters.
func (p *Provisioner) prepare(ctx context.Context, req Request) (*milestone.Milestone, chain.CreateParams, Fees, error) {
	var none chain.CreateParams

	m, err := p.milestones.Get(ctx, req.MilestoneID)
	if errors.Is(err, milestone.ErrMilestoneNotFound) {
		return nil, none, Fees{}, apperr.Wrap(apperr.KindNotFound, "milestone_not_found", err, "milestone not found")
	}
	if err != nil {
		return nil, none, Fees{}, apperr.Wrap(apperr.KindInternal, "store_error", err, "load milestone")
	}
	if req.Principal.Role != auth.RoleAdmin && req.Principal.UserID != m.ClientID {
		return nil, none, Fees{}, apperr.Unauthorized("not_milestone_client", "only the milestone's client may provision its escrow")
	}
	if m.Bound() {
		return nil, none, Fees{}, apperr.Conflict("escrow_already_bound", "milestone already has an escrow")
	}
	if m.Status != milestone.StatusPendingFund {
		return nil, none, Fees{}, apperr.Conflict("invalid_transition",
			fmt.Sprintf("cannot provision a milestone in status %s", m.Status))
	}
	job, err := p.jobs.GetJob(ctx, m.JobID)
	if errors.Is(err, milestone.ErrJobNotFound) {
		return nil, none, Fees{}, apperr.Wrap(apperr.KindNotFound, "job_not_found", err, "job not found")
	}
	if err != nil {
		return nil, none, Fees{}, apperr.Wrap(apperr.KindInternal, "store_error", err, "load job")
	}

	if m.FreelancerID == "" || m.FreelancerAddr == "" {
		return nil, none, Fees{}, apperr.Validation("freelancer_unassigned", "milestone has no assigned freelancer wallet")
	}
	buyer, err := address("client_address_invalid", "client", m.ClientAddr)
	if err != nil {
		return nil, none, Fees{}, err
	}
	seller, err := address("freelancer_address_invalid", "freelancer", m.FreelancerAddr)
	if err != nil {
		return nil, none, Fees{}, err
	}
	if buyer == seller {
		return nil, none, Fees{}, apperr.Validation("same_party", "client and freelancer must use different wallets")
	}
	arbiter, err := address("arbiter_address_invalid", "arbiter", p.cfg.Arbiter)
	if err != nil {
		return nil, none, Fees{}, err
	}
	feeRecipient, err := address("fee_recipient_invalid", "fee recipient", p.cfg.FeeRecipient)
	if err != nil {
		return nil, none, Fees{}, err
	}
	var token common.Address
	if p.cfg.PaymentToken != "" {
		if token, err = address("payment_token_invalid", "payment token", p.cfg.PaymentToken); err != nil {
			return nil, none, Fees{}, err
		}
	}

	amount, err := chain.ParseAmount(m.Amount)
	if err != nil || amount.Sign() <= 0 {
		return nil, none, Fees{}, apperr.Wrap(apperr.KindValidation, "amount_invalid", err,
			fmt.Sprintf("milestone amount %q is not a positive amount", m.Amount))
	}

	deadline, err := p.deadline(req, job, m)
	if err != nil {
		return nil, none, Fees{}, err
	}

	fees := p.cfg.Fees
	if req.Fees != nil {
		fees = *req.Fees
	}
	if err := ValidateFees(fees, p.cfg.MaxFeeBps); err != nil {
		return nil, none, Fees{}, err
	}

	return m, chain.CreateParams{
		JobIDHash:     JobIDHash(m.JobID),
		Buyer:         buyer,
		Seller:        seller,
		Arbiter:       arbiter,
		FeeRecipient:  feeRecipient,
		PaymentToken:  token,
		FeeBps:        fees.PlatformBps,
		AmountWei:     amount,
		Deadline:      deadline,
		BuyerFeeBps:   fees.BuyerBps,
		VendorFeeBps:  fees.VendorBps,
		DisputeFeeBps: fees.DisputeBps,
		RewardRateBps: fees.RewardRateBps,
	}, fees, nil
}

// deadline picks the request's deadline, then the job's, then the
// milestone's due date, then now+DefaultWindow, and checks the result.
func (p *Provisioner) deadline(req Request, job *milestone.Job, m *milestone.Milestone) (time.Time, error) {
	now := p.now()
	var d time.Time
	switch {
	case req.Deadline != nil:
		d = *req.Deadline
	case job.Deadline != nil:
		d = *job.Deadline
	case m.DueAt != nil:
		d = *m.DueAt
	default:
		d = now.Add(DefaultWindow)
	}
	if !d.After(now) {
		return time.Time{}, apperr.Validation("deadline_in_past", "escrow deadline must be in the future")
	}
	if d.After(now.Add(MaxDeadline)) {
		return time.Time{}, apperr.Validation("deadline_too_far", "escrow deadline must be within one year")
	}
	return d.UTC().Truncate(time.Second), nil
}

// ValidateFees checks fees against the ceiling.
func ValidateFees(f Fees, ceiling uint64) error {
	if f.BuyerBps+f.VendorBps > ceiling {
		return apperr.Validation("fee_bps_exceeded",
			fmt.Sprintf("buyer and vendor fees (%d bps) exceed the %d bps ceiling", f.BuyerBps+f.VendorBps, ceiling))
	}
	for _, c := range []struct {
		name string
		v    uint64
	}{
		{"platform fee", f.PlatformBps},
		{"dispute fee", f.DisputeBps},
		{"reward rate", f.RewardRateBps},
	} {
		if c.v > ceiling {
			return apperr.Validation("fee_bps_exceeded",
				fmt.Sprintf("%s (%d bps) exceeds the %d bps ceiling", c.name, c.v, ceiling))
		}
	}
	return nil
}

func address(code, what, s string) (common.Address, error) {
	addr, err := chain.NormalizeAddress(s)
	if err != nil {
		return common.Address{}, apperr.Wrap(apperr.KindValidation, code, err,
			fmt.Sprintf("%s address %q must be a non-zero, checksummed address", what, s))
	}
	return addr, nil
}
