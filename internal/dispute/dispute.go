// Package dispute derives "who owes what, by when" from live escrow state.
//
// Nothing here is cached or persisted. Every function takes the escrow's
// current on-chain info and answers from it alone.
package dispute

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/chain"
	"github.com/mbd888/workescrow/internal/milestone"
)

var (
	ErrNoDispute         = errors.New("dispute: escrow is not in dispute")
	ErrFeesOutstanding   = errors.New("dispute: both dispute fees must be paid before resolution")
	ErrAlreadyPaid       = errors.New("dispute: fee already paid")
	ErrFeeDeadlinePassed = errors.New("dispute: fee deadline has passed")
	ErrNotParty          = errors.New("dispute: address is not a party to the escrow")
	ErrUnknownInitiator  = errors.New("dispute: initiator is neither buyer nor vendor")
)

// Party is a role on the escrow contract.
type Party string

const (
	PartyNone    Party = ""
	PartyBuyer   Party = "buyer"
	PartyVendor  Party = "vendor"
	PartyArbiter Party = "arbiter"
)

// RoleOf returns addr's role on the escrow. Buyer wins if the same address
// holds several roles.
func RoleOf(info *chain.EscrowInfo, addr common.Address) Party {
	switch {
	case addr == (common.Address{}):
		return PartyNone
	case addr == info.Buyer:
		return PartyBuyer
	case addr == info.Vendor:
		return PartyVendor
	case addr == info.Arbiter:
		return PartyArbiter
	}
	return PartyNone
}

// FeeValue is the transaction value payer must attach to initiateDispute or
// payDisputeFee. The buyer's share was reserved at funding, so it is zero;
// anyone else sends the live disputeFeeAmount.
func FeeValue(info *chain.EscrowInfo, payer Party) *big.Int {
	if payer == PartyBuyer || info.DisputeFeeAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(info.DisputeFeeAmount)
}

// Obligation is one side's fee position.
type Obligation struct {
	Party  Party    `json:"party"`
	Amount *big.Int `json:"amount"`
	Paid   bool     `json:"paid"`
}

// Summary describes the dispute as the contract currently sees it.
type Summary struct {
	Active        bool         `json:"active"`
	Initiator     Party        `json:"initiator,omitempty"`
	InitiatorAddr string       `json:"initiatorAddr,omitempty"`
	BuyerPaid     bool         `json:"buyerPaid"`
	VendorPaid    bool         `json:"vendorPaid"`
	FeeAmount     *big.Int     `json:"feeAmount"`
	FeeDeadline   time.Time    `json:"feeDeadline,omitempty"`
	Owed          []Obligation `json:"owed"`
	CanResolve    bool         `json:"canResolve"`
	// Expired is set when the fee deadline passed with a side still unpaid.
	Expired bool `json:"expired"`
}

// Summarize derives the dispute summary at time now.
func Summarize(info *chain.EscrowInfo, now time.Time) Summary {
	s := Summary{
		Active:      info.State == chain.StateDisputed,
		BuyerPaid:   info.BuyerPaidDisputeFee,
		VendorPaid:  info.VendorPaidDisputeFee,
		FeeAmount:   FeeValue(info, PartyVendor),
		FeeDeadline: info.DisputeFeeDeadline,
		Owed:        []Obligation{},
	}
	if info.DisputeInitiator != (common.Address{}) {
		s.Initiator = RoleOf(info, info.DisputeInitiator)
		s.InitiatorAddr = info.DisputeInitiator.Hex()
	}
	if !s.Active {
		return s
	}
	if !s.BuyerPaid {
		s.Owed = append(s.Owed, Obligation{Party: PartyBuyer, Amount: FeeValue(info, PartyBuyer)})
	}
	if !s.VendorPaid {
		s.Owed = append(s.Owed, Obligation{Party: PartyVendor, Amount: FeeValue(info, PartyVendor)})
	}
	s.CanResolve = s.BuyerPaid && s.VendorPaid
	s.Expired = !s.CanResolve && !info.DisputeFeeDeadline.IsZero() && now.After(info.DisputeFeeDeadline)
	return s
}

// RequireResolvable fails unless both fee flags read true on chain.
func RequireResolvable(info *chain.EscrowInfo) error {
	if info.State != chain.StateDisputed {
		return apperr.Wrap(apperr.KindValidation, "no_active_dispute", ErrNoDispute, "escrow is not in dispute")
	}
	if !info.BuyerPaidDisputeFee || !info.VendorPaidDisputeFee {
		return apperr.Wrap(apperr.KindValidation, "dispute_fees_outstanding", ErrFeesOutstanding,
			"both parties must pay the dispute fee before resolution")
	}
	return nil
}

// RequireCounterpartyPayable checks that payer may still post its fee.
func RequireCounterpartyPayable(info *chain.EscrowInfo, payer Party, now time.Time) error {
	if info.State != chain.StateDisputed {
		return apperr.Wrap(apperr.KindValidation, "no_active_dispute", ErrNoDispute, "escrow is not in dispute")
	}
	switch payer {
	case PartyBuyer:
		if info.BuyerPaidDisputeFee {
			return apperr.Wrap(apperr.KindValidation, "dispute_fee_paid", ErrAlreadyPaid, "buyer has already paid the dispute fee")
		}
	case PartyVendor:
		if info.VendorPaidDisputeFee {
			return apperr.Wrap(apperr.KindValidation, "dispute_fee_paid", ErrAlreadyPaid, "vendor has already paid the dispute fee")
		}
	default:
		return apperr.Wrap(apperr.KindAuthorization, "not_a_party", ErrNotParty, "only the buyer or vendor pays dispute fees")
	}
	if !info.DisputeFeeDeadline.IsZero() && now.After(info.DisputeFeeDeadline) {
		return apperr.Wrap(apperr.KindValidation, "dispute_fee_deadline_passed", ErrFeeDeadlinePassed,
			"the dispute fee deadline has passed")
	}
	return nil
}

// DerivedStatus maps live escrow state onto the persisted milestone status.
// ok is false when the chain state cannot be mapped, e.g. a dispute whose
// initiator is not a known party.
func DerivedStatus(info *chain.EscrowInfo) (status milestone.Status, ok bool) {
	switch info.State {
	case chain.StateAwaitingFunding:
		return milestone.StatusPendingFund, true
	case chain.StateFunded:
		return milestone.StatusFunded, true
	case chain.StateDelivered:
		return milestone.StatusDelivered, true
	case chain.StateReleasable:
		return milestone.StatusApproved, true
	case chain.StateReleased:
		return milestone.StatusReleased, true
	case chain.StateDisputed:
		if info.BuyerPaidDisputeFee && info.VendorPaidDisputeFee {
			return milestone.StatusDisputedWithCounterSide, true
		}
		switch RoleOf(info, info.DisputeInitiator) {
		case PartyBuyer:
			return milestone.StatusDisputedByClient, true
		case PartyVendor:
			return milestone.StatusDisputedByFreelancer, true
		}
		return "", false
	case chain.StateResolvedToBuyer:
		return milestone.StatusResolvedToBuyer, true
	case chain.StateResolvedToVendor:
		return milestone.StatusResolvedToVendor, true
	case chain.StateCancelled:
		return milestone.StatusCancelled, true
	}
	return "", false
}

// InitiatedStatus is the status a successful initiateDispute by party moves to.
func InitiatedStatus(party Party) milestone.Status {
	if party == PartyBuyer {
		return milestone.StatusDisputedByClient
	}
	return milestone.StatusDisputedByFreelancer
}
