package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/chain"
)

// call is one state-changing transaction the fake contract accepted.
type call struct {
	Method      string
	From        common.Address
	Escrow      common.Address
	Value       *big.Int
	Cid         string
	ContentHash common.Hash
}

// fakeChain is an in-process escrow contract. It enforces the contract's
// own rules so guard bugs surface as reverts.
type fakeChain struct {
	mu      sync.Mutex
	infos   map[common.Address]*chain.EscrowInfo
	calls   []call
	nextTx  int
	now     func() time.Time
	failOn  map[string]error
	delay   time.Duration
	infoErr error
}

func newFakeChain(now func() time.Time) *fakeChain {
	return &fakeChain{
		infos:  map[common.Address]*chain.EscrowInfo{},
		failOn: map[string]error{},
		now:    now,
	}
}

func (f *fakeChain) ChainID() int64 { return 31337 }

func (f *fakeChain) deploy(info *chain.EscrowInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *info
	f.infos[info.Address] = &cp
}

func (f *fakeChain) mutate(addr common.Address, fn func(*chain.EscrowInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.infos[addr])
}

func (f *fakeChain) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeChain) EscrowInfo(_ context.Context, escrow common.Address) (*chain.EscrowInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info, ok := f.infos[escrow]
	if !ok {
		return nil, apperr.New(apperr.KindChainCall, "call_reverted", "no contract at "+escrow.Hex())
	}
	cp := *info
	return &cp, nil
}

func (f *fakeChain) Fund(ctx context.Context, s *chain.Signer, escrow common.Address, value *big.Int) (*chain.TxResult, error) {
	return f.transact(ctx, "fund", s, escrow, value, func(info *chain.EscrowInfo, c *call) error {
		if info.State != chain.StateAwaitingFunding || s.Address() != info.Buyer {
			return errors.New("only buyer can fund")
		}
		info.Amount = new(big.Int).Set(value)
		info.State = chain.StateFunded
		info.FundedAt = f.now()
		return nil
	})
}

func (f *fakeChain) Deliver(ctx context.Context, s *chain.Signer, escrow common.Address, cid string, contentHash common.Hash) (*chain.TxResult, error) {
	return f.transact(ctx, "deliver", s, escrow, nil, func(info *chain.EscrowInfo, c *call) error {
		if s.Address() != info.Vendor {
			return errors.New("only vendor")
		}
		if info.State != chain.StateFunded && info.State != chain.StateDelivered {
			return errors.New("invalid state")
		}
		c.Cid, c.ContentHash = cid, contentHash
		info.ProposedCid, info.ProposedContentHash = cid, contentHash
		info.State = chain.StateDelivered
		info.DeliveredAt = f.now()
		return nil
	})
}

func (f *fakeChain) Approve(ctx context.Context, s *chain.Signer, escrow common.Address, cid string) (*chain.TxResult, error) {
	return f.transact(ctx, "approve", s, escrow, nil, func(info *chain.EscrowInfo, c *call) error {
		if s.Address() != info.Buyer || info.State != chain.StateDelivered || cid != info.ProposedCid {
			return errors.New("cannot approve")
		}
		c.Cid = cid
		info.Cid, info.ContentHash = info.ProposedCid, info.ProposedContentHash
		info.BuyerApproved = true
		info.State = chain.StateReleasable
		return nil
	})
}

func (f *fakeChain) Withdraw(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error) {
	return f.transact(ctx, "withdraw", s, escrow, nil, func(info *chain.EscrowInfo, c *call) error {
		if info.State != chain.StateReleasable {
			return errors.New("not releasable")
		}
		info.State = chain.StateReleased
		return nil
	})
}

func (f *fakeChain) InitiateDispute(ctx context.Context, s *chain.Signer, escrow common.Address, value *big.Int) (*chain.TxResult, error) {
	return f.transact(ctx, "initiateDispute", s, escrow, value, func(info *chain.EscrowInfo, c *call) error {
		if info.State != chain.StateFunded && info.State != chain.StateDelivered {
			return errors.New("invalid state")
		}
		switch s.Address() {
		case info.Buyer:
			if value.Sign() != 0 {
				return errors.New("buyer fee already reserved")
			}
			info.BuyerPaidDisputeFee = true
		case info.Vendor:
			if value.Cmp(info.DisputeFeeAmount) != 0 {
				return errors.New("wrong dispute fee")
			}
			info.VendorPaidDisputeFee = true
		default:
			return errors.New("not a party")
		}
		info.DisputeInitiator = s.Address()
		info.DisputeFeeDeadline = f.now().Add(72 * time.Hour)
		info.State = chain.StateDisputed
		return nil
	})
}

func (f *fakeChain) PayDisputeFee(ctx context.Context, s *chain.Signer, escrow common.Address, value *big.Int) (*chain.TxResult, error) {
	return f.transact(ctx, "payDisputeFee", s, escrow, value, func(info *chain.EscrowInfo, c *call) error {
		if info.State != chain.StateDisputed {
			return errors.New("no dispute")
		}
		switch s.Address() {
		case info.Buyer:
			if info.BuyerPaidDisputeFee || value.Sign() != 0 {
				return errors.New("buyer cannot pay")
			}
			info.BuyerPaidDisputeFee = true
		case info.Vendor:
			if info.VendorPaidDisputeFee || value.Cmp(info.DisputeFeeAmount) != 0 {
				return errors.New("vendor cannot pay")
			}
			info.VendorPaidDisputeFee = true
		default:
			return errors.New("not a party")
		}
		return nil
	})
}

func (f *fakeChain) ResolveToBuyer(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error) {
	return f.resolve(ctx, "resolveToBuyer", s, escrow, chain.StateResolvedToBuyer)
}

func (f *fakeChain) ResolveToVendor(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error) {
	return f.resolve(ctx, "resolveToVendor", s, escrow, chain.StateResolvedToVendor)
}

func (f *fakeChain) resolve(ctx context.Context, method string, s *chain.Signer, escrow common.Address, to chain.State) (*chain.TxResult, error) {
	return f.transact(ctx, method, s, escrow, nil, func(info *chain.EscrowInfo, c *call) error {
		if s.Address() != info.Arbiter {
			return errors.New("only arbiter")
		}
		if info.State != chain.StateDisputed || !info.BuyerPaidDisputeFee || !info.VendorPaidDisputeFee {
			return errors.New("fees unpaid")
		}
		info.State = to
		return nil
	})
}

func (f *fakeChain) Cancel(ctx context.Context, s *chain.Signer, escrow common.Address) (*chain.TxResult, error) {
	return f.transact(ctx, "cancel", s, escrow, nil, func(info *chain.EscrowInfo, c *call) error {
		if s.Address() != info.Buyer || info.State != chain.StateFunded {
			return errors.New("cannot cancel")
		}
		info.State = chain.StateCancelled
		return nil
	})
}

// transact applies fn atomically, the way a mined transaction would, and
// records the call. A failOn entry for the method replaces the outcome.
func (f *fakeChain) transact(ctx context.Context, method string, s *chain.Signer, escrow common.Address, value *big.Int, fn func(*chain.EscrowInfo, *call) error) (*chain.TxResult, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failOn[method]; ok {
		return nil, err
	}
	info, ok := f.infos[escrow]
	if !ok {
		return nil, apperr.New(apperr.KindChainCall, "call_reverted", "no contract")
	}
	if value == nil {
		value = new(big.Int)
	}
	c := call{Method: method, From: s.Address(), Escrow: escrow, Value: new(big.Int).Set(value)}
	if err := fn(info, &c); err != nil {
		return nil, apperr.Wrap(apperr.KindChainCall, "call_reverted", err, method+" would revert: "+err.Error())
	}
	f.calls = append(f.calls, c)
	f.nextTx++
	return &chain.TxResult{
		TxHash:      fmt.Sprintf("0x%064x", f.nextTx),
		From:        s.Address().Hex(),
		To:          escrow.Hex(),
		Value:       c.Value,
		BlockNumber: uint64(100 + f.nextTx),
	}, nil
}
