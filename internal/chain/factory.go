package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/workescrow/internal/apperr"
)

// CreateParams are the economic parameters of a new escrow instance.
type CreateParams struct {
	JobIDHash     common.Hash
	Buyer         common.Address
	Seller        common.Address
	Arbiter       common.Address
	FeeRecipient  common.Address
	PaymentToken  common.Address // zero for the native currency
	FeeBps        uint64
	AmountWei     *big.Int
	Deadline      time.Time
	BuyerFeeBps   uint64
	VendorFeeBps  uint64
	DisputeFeeBps uint64
	RewardRateBps uint64
}

func (p CreateParams) args() []interface{} {
	return []interface{}{
		[32]byte(p.JobIDHash),
		p.Buyer,
		p.Seller,
		p.Arbiter,
		p.FeeRecipient,
		new(big.Int).SetUint64(p.FeeBps),
		p.PaymentToken,
		orZero(p.AmountWei),
		big.NewInt(p.Deadline.Unix()),
		new(big.Int).SetUint64(p.BuyerFeeBps),
		new(big.Int).SetUint64(p.VendorFeeBps),
		new(big.Int).SetUint64(p.DisputeFeeBps),
		new(big.Int).SetUint64(p.RewardRateBps),
	}
}

// CreateEscrow deploys a new escrow through the factory and returns the
// address announced by the EscrowCreated event.
func (g *Gateway) CreateEscrow(ctx context.Context, s *Signer, p CreateParams) (common.Address, *TxResult, error) {
	return g.create(ctx, "createEscrow", s, p.args()...)
}

// CreateEscrowDeterministic deploys at the address PredictEscrowAddress(salt) reports.
func (g *Gateway) CreateEscrowDeterministic(ctx context.Context, s *Signer, p CreateParams, salt common.Hash) (common.Address, *TxResult, error) {
	return g.create(ctx, "createEscrowDeterministic", s, append(p.args(), [32]byte(salt))...)
}

// PredictEscrowAddress asks the factory where a deterministic escrow with salt would live.
func (g *Gateway) PredictEscrowAddress(ctx context.Context, salt common.Hash) (common.Address, error) {
	if g.factory == (common.Address{}) {
		return common.Address{}, apperr.Configuration("factory_not_configured", "escrow factory address is not configured")
	}
	data, err := parsedFactoryABI.Pack("predictEscrowAddress", [32]byte(salt))
	if err != nil {
		return common.Address{}, apperr.Wrap(apperr.KindInternal, "abi_pack", err, "pack predictEscrowAddress")
	}
	raw, err := g.call(ctx, g.factory, data)
	if err != nil {
		return common.Address{}, err
	}
	out, err := parsedFactoryABI.Unpack("predictEscrowAddress", raw)
	if err != nil || len(out) != 1 {
		return common.Address{}, apperr.Wrap(apperr.KindChainCall, "decode_failed", err, "decode predictEscrowAddress result")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, apperr.New(apperr.KindChainCall, "decode_failed", "predictEscrowAddress returned a non-address")
	}
	return addr, nil
}

func (g *Gateway) create(ctx context.Context, method string, s *Signer, args ...interface{}) (common.Address, *TxResult, error) {
	if g.factory == (common.Address{}) {
		return common.Address{}, nil, apperr.Configuration("factory_not_configured", "escrow factory address is not configured")
	}
	data, err := parsedFactoryABI.Pack(method, args...)
	if err != nil {
		return common.Address{}, nil, apperr.Wrap(apperr.KindInternal, "abi_pack", err, "pack "+method)
	}
	res, err := g.transact(ctx, method, s, g.factory, nil, data)
	if err != nil {
		return common.Address{}, nil, err
	}
	addr, err := EscrowCreatedAddress(res.Receipt(), g.factory)
	if err != nil {
		// The transaction succeeded; an escrow may exist. Not safe to retry.
		return common.Address{}, res, &apperr.Error{
			Kind:      apperr.KindChainCall,
			Code:      "event_not_found",
			Message:   method + " succeeded but emitted no EscrowCreated event",
			Err:       err,
			TxHash:    res.TxHash,
			Submitted: true,
			Confirmed: true,
		}
	}
	return addr, res, nil
}

// EscrowCreatedAddress locates the factory's EscrowCreated event in a receipt.
func EscrowCreatedAddress(receipt *types.Receipt, factory common.Address) (common.Address, error) {
	if receipt == nil {
		return common.Address{}, ErrEventNotFound
	}
	eventID := parsedFactoryABI.Events["EscrowCreated"].ID
	for _, l := range receipt.Logs {
		if l == nil || l.Address != factory || len(l.Topics) < 2 {
			continue
		}
		if l.Topics[0] != eventID {
			continue
		}
		addr := common.BytesToAddress(l.Topics[1].Bytes())
		if addr == (common.Address{}) {
			continue
		}
		return addr, nil
	}
	return common.Address{}, ErrEventNotFound
}
