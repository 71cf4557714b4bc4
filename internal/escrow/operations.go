package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/auth"
	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/dispute"
	"github.com/mbd888/workescrow/internal/milestone"
	"github.com/mbd888/workescrow/internal/txledger"
)

// Fund sends the milestone amount into its escrow.
func (s *Service) Fund(ctx context.Context, id string, caller Caller) (*View, error) {
	return s.transition(ctx, OpFund, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(OpFund, m, milestone.StatusPendingFund); err != nil {
			return nil, err
		}
		if err := requireClient(m, caller); err != nil {
			return nil, err
		}
		if _, err := s.jobs.GetJob(ctx, m.JobID); err != nil {
			if errors.Is(err, milestone.ErrJobNotFound) {
				return nil, apperr.Wrap(apperr.KindNotFound, "job_not_found", err, "job not found")
			}
			return nil, apperr.Wrap(apperr.KindInternal, "store_error", err, "load job")
		}
		value, err := chain.ParseAmount(m.Amount)
		if err != nil || value.Sign() <= 0 {
			return nil, apperr.Wrap(apperr.KindValidation, "amount_invalid", err,
				fmt.Sprintf("milestone amount %q is not a positive amount", m.Amount))
		}
		return &plan{
			to:      milestone.StatusFunded,
			purpose: txledger.PurposeFundEscrow,
			signer:  caller.Signer,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return s.chain.Fund(ctx, caller.Signer, escrow, value)
			},
		}, nil
	})
}

// Deliver proposes delivered work. contentHash is hex; see
// chain.NormalizeContentHash for how malformed input is treated.
func (s *Service) Deliver(ctx context.Context, id string, caller Caller, cid, contentHash string) (*View, error) {
	return s.transition(ctx, OpDeliver, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(OpDeliver, m, milestone.StatusFunded, milestone.StatusDelivered); err != nil {
			return nil, err
		}
		if err := requireFreelancer(m, caller); err != nil {
			return nil, err
		}
		cid = strings.TrimSpace(cid)
		if cid == "" {
			return nil, apperr.Validation("cid_required", "a content identifier is required")
		}

		hash, how := chain.NormalizeContentHash(contentHash)
		var warnings []string
		if how.Lossy() {
			if s.strictHash {
				return nil, apperr.Validation("content_hash_invalid",
					"content hash must be exactly 32 bytes of hex")
			}
			contentHashNormalized.WithLabelValues(string(how)).Inc()
			s.logger.Warn("content hash normalized",
				"milestoneId", m.ID, "normalization", how, "input", contentHash, "sent", hash.Hex())
			warnings = append(warnings, "content_hash_"+string(how))
		}

		return &plan{
			to:       milestone.StatusDelivered,
			purpose:  txledger.PurposeDeliverWork,
			signer:   caller.Signer,
			warnings: warnings,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return s.chain.Deliver(ctx, caller.Signer, escrow, cid, hash)
			},
		}, nil
	})
}

// Approve approves the delivery identified by cid, which must match the
// cid proposed on chain.
func (s *Service) Approve(ctx context.Context, id string, caller Caller, cid string) (*View, error) {
	return s.transition(ctx, OpApprove, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(OpApprove, m, milestone.StatusDelivered); err != nil {
			return nil, err
		}
		if err := requireClient(m, caller); err != nil {
			return nil, err
		}
		info, err := s.chain.EscrowInfo(ctx, escrow)
		if err != nil {
			return nil, err
		}
		cid = strings.TrimSpace(cid)
		if cid == "" || cid != info.ProposedCid {
			return nil, apperr.Validation("cid_mismatch",
				fmt.Sprintf("cid %q does not match the delivered cid", cid))
		}
		return &plan{
			to:      milestone.StatusApproved,
			purpose: txledger.PurposeApproveWork,
			signer:  caller.Signer,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return s.chain.Approve(ctx, caller.Signer, escrow, cid)
			},
		}, nil
	})
}

// Withdraw releases a releasable escrow. Either party may call it.
func (s *Service) Withdraw(ctx context.Context, id string, caller Caller) (*View, error) {
	return s.transition(ctx, OpWithdraw, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(OpWithdraw, m, milestone.StatusApproved); err != nil {
			return nil, err
		}
		if _, err := partyOf(m, caller.Principal); err != nil {
			return nil, err
		}
		info, err := s.chain.EscrowInfo(ctx, escrow)
		if err != nil {
			return nil, err
		}
		if info.State != chain.StateReleasable {
			return nil, apperr.Validation("escrow_not_releasable",
				fmt.Sprintf("escrow is %s, not releasable", info.State))
		}
		if caller.Signer == nil {
			return nil, apperr.Validation("credential_missing", "a signing credential is required")
		}
		if dispute.RoleOf(info, caller.Signer.Address()) == dispute.PartyNone {
			return nil, apperr.Unauthorized("signer_not_party", "signing key is not a party to this escrow")
		}
		return &plan{
			to:      milestone.StatusReleased,
			purpose: txledger.PurposeWithdrawFunds,
			signer:  caller.Signer,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return s.chain.Withdraw(ctx, caller.Signer, escrow)
			},
		}, nil
	})
}

// InitiateDispute opens a dispute. The buyer's fee was reserved at funding
// so the buyer sends nothing; the vendor sends the live dispute fee.
func (s *Service) InitiateDispute(ctx context.Context, id string, caller Caller) (*View, error) {
	return s.transition(ctx, OpInitiateDispute, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(OpInitiateDispute, m, milestone.StatusFunded, milestone.StatusDelivered); err != nil {
			return nil, err
		}
		side, err := partyOf(m, caller.Principal)
		if err != nil {
			return nil, err
		}
		info, err := s.chain.EscrowInfo(ctx, escrow)
		if err != nil {
			return nil, err
		}
		if err := requireSignerParty(info, caller.Signer, side); err != nil {
			return nil, err
		}
		value := dispute.FeeValue(info, side)
		return &plan{
			to:      dispute.InitiatedStatus(side),
			purpose: txledger.PurposeInitiateDispute,
			signer:  caller.Signer,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return s.chain.InitiateDispute(ctx, caller.Signer, escrow, value)
			},
		}, nil
	})
}

// PayDisputeFee posts the counterparty's dispute fee.
func (s *Service) PayDisputeFee(ctx context.Context, id string, caller Caller) (*View, error) {
	return s.payDisputeFee(ctx, OpPayDisputeFee, txledger.PurposePayDisputeFee, id, caller)
}

// BuyerJoinDispute is PayDisputeFee restricted to the buyer, answering a
// dispute the vendor opened. It sends no value.
func (s *Service) BuyerJoinDispute(ctx context.Context, id string, caller Caller) (*View, error) {
	return s.payDisputeFee(ctx, OpBuyerJoinDispute, txledger.PurposeBuyerJoinDispute, id, caller)
}

func (s *Service) payDisputeFee(ctx context.Context, op string, purpose txledger.Purpose, id string, caller Caller) (*View, error) {
	return s.transition(ctx, op, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(op, m, milestone.StatusDisputedByClient, milestone.StatusDisputedByFreelancer); err != nil {
			return nil, err
		}
		side, err := partyOf(m, caller.Principal)
		if err != nil {
			return nil, err
		}
		if op == OpBuyerJoinDispute && side != dispute.PartyBuyer {
			return nil, apperr.Unauthorized("buyer_only", "only the client may join a dispute this way")
		}
		info, err := s.chain.EscrowInfo(ctx, escrow)
		if err != nil {
			return nil, err
		}
		if err := requireSignerParty(info, caller.Signer, side); err != nil {
			return nil, err
		}
		if err := dispute.RequireCounterpartyPayable(info, side, s.now()); err != nil {
			return nil, err
		}
		value := dispute.FeeValue(info, side)
		return &plan{
			to:      milestone.StatusDisputedWithCounterSide,
			purpose: purpose,
			signer:  caller.Signer,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return s.chain.PayDisputeFee(ctx, caller.Signer, escrow, value)
			},
		}, nil
	})
}

// ResolveDispute settles a dispute in favour of the buyer or the vendor.
// The caller must hold the arbiter role; the transaction is signed with the
// server's arbiter key, which must be the escrow's on-chain arbiter. Both
// dispute fees must read as paid on chain.
func (s *Service) ResolveDispute(ctx context.Context, id string, caller Caller, favorBuyer bool) (*View, error) {
	return s.transition(ctx, OpResolveDispute, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(OpResolveDispute, m, milestone.StatusDisputedWithCounterSide); err != nil {
			return nil, err
		}
		if caller.Principal.Role != auth.RoleArbiter {
			return nil, apperr.Unauthorized("arbiter_only", "only an arbiter may resolve disputes")
		}
		if s.arbiter == nil {
			return nil, apperr.Configuration("arbiter_not_configured", "no arbiter key is configured")
		}
		info, err := s.chain.EscrowInfo(ctx, escrow)
		if err != nil {
			return nil, err
		}
		if info.Arbiter != s.arbiter.Address() {
			return nil, apperr.Configuration("arbiter_key_mismatch",
				fmt.Sprintf("configured arbiter key %s is not this escrow's arbiter", s.arbiter.Address().Hex()))
		}
		if caller.Principal.Address != "" && !chain.SameAddress(caller.Principal.Address, info.Arbiter.Hex()) {
			return nil, apperr.Unauthorized("not_designated_arbiter", "caller is not this escrow's designated arbiter")
		}
		if err := dispute.RequireResolvable(info); err != nil {
			return nil, err
		}

		to, resolve := milestone.StatusResolvedToVendor, s.chain.ResolveToVendor
		if favorBuyer {
			to, resolve = milestone.StatusResolvedToBuyer, s.chain.ResolveToBuyer
		}
		arbiter := s.arbiter
		return &plan{
			to:      to,
			purpose: txledger.PurposeResolveDispute,
			signer:  arbiter,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return resolve(ctx, arbiter, escrow)
			},
		}, nil
	})
}

// Cancel cancels a funded escrow. The client may cancel during the first
// CancelWindowFraction of the funded→deadline window, or after the deadline
// if nothing was delivered.
func (s *Service) Cancel(ctx context.Context, id string, caller Caller) (*View, error) {
	return s.transition(ctx, OpCancel, id, caller, func(ctx context.Context, m *milestone.Milestone, escrow common.Address) (*plan, error) {
		if err := requireStatus(OpCancel, m, milestone.StatusFunded); err != nil {
			return nil, err
		}
		if err := requireClient(m, caller); err != nil {
			return nil, err
		}
		info, err := s.chain.EscrowInfo(ctx, escrow)
		if err != nil {
			return nil, err
		}
		if !CancelAllowed(info, s.now()) {
			return nil, apperr.Validation("cancel_window_closed",
				"cancellation is only possible early in the funding window or after an undelivered deadline")
		}
		return &plan{
			to:      milestone.StatusCancelled,
			purpose: txledger.PurposeCancelEscrow,
			signer:  caller.Signer,
			send: func(ctx context.Context, escrow common.Address) (*chain.TxResult, error) {
				return s.chain.Cancel(ctx, caller.Signer, escrow)
			},
		}, nil
	})
}

// CancelAllowed reports whether a funded escrow may be cancelled at now.
func CancelAllowed(info *chain.EscrowInfo, now time.Time) bool {
	if info.FundedAt.IsZero() || info.Deadline.IsZero() || !info.Deadline.After(info.FundedAt) {
		return false
	}
	window := info.Deadline.Sub(info.FundedAt)
	early := info.FundedAt.Add(time.Duration(float64(window) * CancelWindowFraction))
	if !now.After(early) {
		return true
	}
	return now.After(info.Deadline) && info.DeliveredAt.IsZero()
}

// -----------------------------------------------------------------------------
// Guards
// -----------------------------------------------------------------------------

func requireStatus(op string, m *milestone.Milestone, allowed ...milestone.Status) error {
	current := m.Status.Effective()
	for _, s := range allowed {
		if current == s {
			return nil
		}
	}
	return invalidTransition(op, m.Status)
}

func requireClient(m *milestone.Milestone, caller Caller) error {
	if caller.Principal.UserID == "" || caller.Principal.UserID != m.ClientID {
		return apperr.Unauthorized("not_milestone_client", "only the milestone's client may do this")
	}
	return requireSigner(caller.Signer, m.ClientAddr)
}

func requireFreelancer(m *milestone.Milestone, caller Caller) error {
	if m.FreelancerID == "" {
		return apperr.Validation("freelancer_unassigned", "milestone has no assigned freelancer")
	}
	if caller.Principal.UserID != m.FreelancerID {
		return apperr.Unauthorized("not_milestone_freelancer", "only the assigned freelancer may do this")
	}
	return requireSigner(caller.Signer, m.FreelancerAddr)
}

// requireSigner checks the signing key belongs to the expected wallet when
// the milestone records one.
func requireSigner(signer *chain.Signer, want string) error {
	if signer == nil {
		return apperr.Validation("credential_missing", "a signing credential is required")
	}
	if want != "" && !chain.SameAddress(signer.Address().Hex(), want) {
		return apperr.Unauthorized("signer_mismatch", "signing key does not belong to the caller's wallet")
	}
	return nil
}

// partyOf maps the principal onto an escrow side.
func partyOf(m *milestone.Milestone, p auth.Principal) (dispute.Party, error) {
	switch {
	case p.UserID == "":
	case p.UserID == m.ClientID:
		return dispute.PartyBuyer, nil
	case p.UserID == m.FreelancerID:
		return dispute.PartyVendor, nil
	}
	return dispute.PartyNone, apperr.Unauthorized("not_a_party", "caller is not a party to this milestone")
}

// requireSignerParty checks the signing key holds side's role on chain.
func requireSignerParty(info *chain.EscrowInfo, signer *chain.Signer, side dispute.Party) error {
	if signer == nil {
		return apperr.Validation("credential_missing", "a signing credential is required")
	}
	if dispute.RoleOf(info, signer.Address()) != side {
		return apperr.Unauthorized("signer_mismatch",
			fmt.Sprintf("signing key is not the escrow's %s", side))
	}
	return nil
}
