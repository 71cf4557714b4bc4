package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/mbd888/workescrow/internal/apperr"
	"github.com/mbd888/workescrow/internal/traces"
)

const (
	// DefaultGasLimit is used when estimation fails; the preflight call has
	// already shown the transaction does not revert.
	DefaultGasLimit = uint64(500000)

	// DefaultConfirmationTimeout bounds how long a caller waits for a receipt.
	DefaultConfirmationTimeout = 90 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// Config for creating a Gateway.
type Config struct {
	RPCURL              string
	ChainID             int64
	FactoryAddress      string
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	RPCRateLimit        float64 // calls per second, 0 = unlimited
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) { g.client = client }
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// Gateway submits escrow and factory calls and decodes their results.
type Gateway struct {
	client         EthClient
	chainID        *big.Int
	factory        common.Address
	confirmTimeout time.Duration
	pollInterval   time.Duration
	limiter        *rate.Limiter
	logger         *slog.Logger

	// per-account locks so concurrent sends from one key get distinct nonces
	accountLocks sync.Map
}

// New creates a Gateway, dialing RPCURL unless WithClient is given.
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.ChainID == 0 {
		return nil, apperr.Configuration("chain_id_missing", "chain ID required")
	}

	g := &Gateway{
		chainID:        big.NewInt(cfg.ChainID),
		confirmTimeout: cfg.ConfirmationTimeout,
		pollInterval:   cfg.PollInterval,
		limiter:        rate.NewLimiter(rate.Inf, 1),
		logger:         slog.Default(),
	}
	if g.confirmTimeout <= 0 {
		g.confirmTimeout = DefaultConfirmationTimeout
	}
	if g.pollInterval <= 0 {
		g.pollInterval = DefaultPollInterval
	}
	if cfg.RPCRateLimit > 0 {
		burst := int(cfg.RPCRateLimit)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RPCRateLimit), burst)
	}
	if cfg.FactoryAddress != "" {
		addr, err := NormalizeAddress(cfg.FactoryAddress)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindConfiguration, "factory_invalid", err, "invalid factory address")
		}
		g.factory = addr
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if cfg.RPCURL == "" {
			return nil, apperr.Configuration("rpc_url_missing", "RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}

	return g, nil
}

// ChainID returns the configured chain id.
func (g *Gateway) ChainID() int64 { return g.chainID.Int64() }

// Factory returns the configured factory address (zero if unset).
func (g *Gateway) Factory() common.Address { return g.factory }

// Ping verifies the RPC endpoint answers and serves the configured chain.
func (g *Gateway) Ping(ctx context.Context) error {
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(g.chainID) != 0 {
		return fmt.Errorf("chain: RPC serves chain %s, configured %s", id, g.chainID)
	}
	return nil
}

// Close closes the client connection.
func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Escrow calls
// -----------------------------------------------------------------------------

// Fund sends the milestone amount into the escrow.
func (g *Gateway) Fund(ctx context.Context, s *Signer, escrow common.Address, value *big.Int) (*TxResult, error) {
	return g.transactEscrow(ctx, "fund", s, escrow, value)
}

// Deliver proposes delivered work identified by cid and a 32-byte content hash.
func (g *Gateway) Deliver(ctx context.Context, s *Signer, escrow common.Address, cid string, contentHash common.Hash) (*TxResult, error) {
	return g.transactEscrow(ctx, "deliver", s, escrow, nil, cid, [32]byte(contentHash))
}

// Approve approves the delivery identified by cid.
func (g *Gateway) Approve(ctx context.Context, s *Signer, escrow common.Address, cid string) (*TxResult, error) {
	return g.transactEscrow(ctx, "approve", s, escrow, nil, cid)
}

// Withdraw releases a releasable escrow.
func (g *Gateway) Withdraw(ctx context.Context, s *Signer, escrow common.Address) (*TxResult, error) {
	return g.transactEscrow(ctx, "withdraw", s, escrow, nil)
}

// InitiateDispute opens a dispute, attaching value as the initiator's fee.
func (g *Gateway) InitiateDispute(ctx context.Context, s *Signer, escrow common.Address, value *big.Int) (*TxResult, error) {
	return g.transactEscrow(ctx, "initiateDispute", s, escrow, value)
}

// PayDisputeFee posts the counterparty's dispute fee.
func (g *Gateway) PayDisputeFee(ctx context.Context, s *Signer, escrow common.Address, value *big.Int) (*TxResult, error) {
	return g.transactEscrow(ctx, "payDisputeFee", s, escrow, value)
}

// ResolveToBuyer settles a dispute in the buyer's favour.
func (g *Gateway) ResolveToBuyer(ctx context.Context, s *Signer, escrow common.Address) (*TxResult, error) {
	return g.transactEscrow(ctx, "resolveToBuyer", s, escrow, nil)
}

// ResolveToVendor settles a dispute in the vendor's favour.
func (g *Gateway) ResolveToVendor(ctx context.Context, s *Signer, escrow common.Address) (*TxResult, error) {
	return g.transactEscrow(ctx, "resolveToVendor", s, escrow, nil)
}

// Cancel cancels a funded escrow.
func (g *Gateway) Cancel(ctx context.Context, s *Signer, escrow common.Address) (*TxResult, error) {
	return g.transactEscrow(ctx, "cancel", s, escrow, nil)
}

// infoOutput mirrors getInfo's named outputs for ABI unpacking.
type infoOutput struct {
	Buyer                common.Address
	Vendor               common.Address
	Arbiter              common.Address
	FeeRecipient         common.Address
	RewardToken          common.Address
	RewardRatePer1e18    *big.Int
	Amount               *big.Int
	BuyerFeeReserve      *big.Int
	DisputeFeeAmount     *big.Int
	FeeBps               *big.Int
	BuyerFeeBps          *big.Int
	VendorFeeBps         *big.Int
	DisputeFeeBps        *big.Int
	CreatedAt            *big.Int
	FundedAt             *big.Int
	DeliveredAt          *big.Int
	Deadline             *big.Int
	DisputeFeeDeadline   *big.Int
	DisputeInitiator     common.Address
	BuyerPaidDisputeFee  bool
	VendorPaidDisputeFee bool
	Cid                  string
	ContentHash          [32]byte
	ProposedCid          string
	ProposedContentHash  [32]byte
	BuyerApproved        bool
	VendorApproved       bool
	State                uint8
}

// EscrowInfo reads the escrow's full public state. It has no side effects.
func (g *Gateway) EscrowInfo(ctx context.Context, escrow common.Address) (*EscrowInfo, error) {
	data, err := parsedEscrowABI.Pack("getInfo")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "abi_pack", err, "pack getInfo")
	}
	raw, err := g.call(ctx, escrow, data)
	if err != nil {
		return nil, err
	}
	var out infoOutput
	if err := parsedEscrowABI.UnpackIntoInterface(&out, "getInfo", raw); err != nil {
		return nil, apperr.Wrap(apperr.KindChainCall, "decode_failed", err, "decode getInfo result")
	}
	return &EscrowInfo{
		Address:              escrow,
		Buyer:                out.Buyer,
		Vendor:               out.Vendor,
		Arbiter:              out.Arbiter,
		FeeRecipient:         out.FeeRecipient,
		RewardToken:          out.RewardToken,
		RewardRatePer1e18:    orZero(out.RewardRatePer1e18),
		Amount:               orZero(out.Amount),
		BuyerFeeReserve:      orZero(out.BuyerFeeReserve),
		DisputeFeeAmount:     orZero(out.DisputeFeeAmount),
		FeeBps:               orZero(out.FeeBps).Uint64(),
		BuyerFeeBps:          orZero(out.BuyerFeeBps).Uint64(),
		VendorFeeBps:         orZero(out.VendorFeeBps).Uint64(),
		DisputeFeeBps:        orZero(out.DisputeFeeBps).Uint64(),
		CreatedAt:            unixTime(out.CreatedAt),
		FundedAt:             unixTime(out.FundedAt),
		DeliveredAt:          unixTime(out.DeliveredAt),
		Deadline:             unixTime(out.Deadline),
		DisputeFeeDeadline:   unixTime(out.DisputeFeeDeadline),
		DisputeInitiator:     out.DisputeInitiator,
		BuyerPaidDisputeFee:  out.BuyerPaidDisputeFee,
		VendorPaidDisputeFee: out.VendorPaidDisputeFee,
		Cid:                  out.Cid,
		ContentHash:          common.Hash(out.ContentHash),
		ProposedCid:          out.ProposedCid,
		ProposedContentHash:  common.Hash(out.ProposedContentHash),
		BuyerApproved:        out.BuyerApproved,
		VendorApproved:       out.VendorApproved,
		State:                State(out.State),
	}, nil
}

// TxStatus reports whether a previously submitted transaction has been mined.
func (g *Gateway) TxStatus(ctx context.Context, txHash string) (TxState, uint64, error) {
	if err := g.throttle(ctx); err != nil {
		return TxPending, 0, err
	}
	receipt, err := g.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxPending, 0, nil
		}
		return TxPending, 0, apperr.Wrap(apperr.KindChainCall, "rpc_error", err, "fetch receipt")
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return TxFailed, block, nil
	}
	return TxSucceeded, block, nil
}

// -----------------------------------------------------------------------------
// Transaction plumbing
// -----------------------------------------------------------------------------

func (g *Gateway) transactEscrow(ctx context.Context, method string, s *Signer, escrow common.Address, value *big.Int, args ...interface{}) (*TxResult, error) {
	data, err := parsedEscrowABI.Pack(method, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "abi_pack", err, "pack "+method)
	}
	return g.transact(ctx, method, s, escrow, value, data)
}

// transact preflights, signs, sends and waits for the receipt. It never
// resubmits: once SendTransaction succeeds the outcome is reported as-is.
func (g *Gateway) transact(ctx context.Context, op string, s *Signer, to common.Address, value *big.Int, data []byte) (res *TxResult, err error) {
	if s == nil {
		return nil, apperr.Validation("credential_missing", "a signing credential is required")
	}
	if to == (common.Address{}) {
		return nil, apperr.Validation("escrow_invalid", "target contract address is zero")
	}
	if value == nil {
		value = big.NewInt(0)
	}

	ctx, span := traces.StartSpan(ctx, "chain."+op, traces.Contract(to.Hex()), traces.Signer(s.Address().Hex()))
	defer span.End()

	start := time.Now()
	defer func() { observeCall(op, start, err) }()

	if err := g.throttle(ctx); err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{From: s.Address(), To: &to, Value: value, Data: data}

	// Surface a decodable revert before spending gas.
	if _, err := g.client.CallContract(ctx, msg, nil); err != nil {
		return nil, &apperr.Error{
			Kind:    apperr.KindChainCall,
			Code:    "call_reverted",
			Message: fmt.Sprintf("%s would revert: %s", op, revertReason(err)),
			Err:     err,
		}
	}

	signed, nonce, err := g.signAndSend(ctx, op, s, to, value, data, msg)
	if err != nil {
		return nil, err
	}
	hash := signed.Hash()

	g.logger.Debug("transaction submitted", "op", op, "txHash", hash.Hex(), "nonce", nonce)

	receipt, err := g.waitMined(ctx, hash)
	if err != nil {
		return nil, &apperr.Error{
			Kind:      apperr.KindChainCall,
			Code:      "confirmation_timeout",
			Message:   op + " submitted but not confirmed",
			Err:       err,
			TxHash:    hash.Hex(),
			Submitted: true,
		}
	}

	if receipt.Status == types.ReceiptStatusFailed {
		reason := "reverted"
		if _, rerr := g.client.CallContract(ctx, msg, receipt.BlockNumber); rerr != nil {
			reason = revertReason(rerr)
		}
		return nil, &apperr.Error{
			Kind:      apperr.KindChainCall,
			Code:      "tx_reverted",
			Message:   fmt.Sprintf("%s reverted: %s", op, reason),
			Err:       ErrReverted,
			TxHash:    hash.Hex(),
			Submitted: true,
			Reverted:  true,
		}
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return &TxResult{
		TxHash:      hash.Hex(),
		From:        s.Address().Hex(),
		To:          to.Hex(),
		Value:       value,
		BlockNumber: block,
		GasUsed:     receipt.GasUsed,
		Nonce:       nonce,
		receipt:     receipt,
	}, nil
}

func (g *Gateway) signAndSend(ctx context.Context, op string, s *Signer, to common.Address, value *big.Int, data []byte, msg ethereum.CallMsg) (*types.Transaction, uint64, error) {
	unlock := g.lockAccount(s.Address())
	defer unlock()

	nonce, err := g.client.PendingNonceAt(ctx, s.Address())
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindChainCall, "rpc_error", err, op+": fetch nonce")
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindChainCall, "rpc_error", err, op+": fetch gas price")
	}
	gasLimit, err := g.client.EstimateGas(ctx, msg)
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := s.sign(tx, g.chainID)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.KindInternal, "sign_failed", err, op+": sign transaction")
	}
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return nil, 0, &apperr.Error{
			Kind:    apperr.KindChainCall,
			Code:    "send_failed",
			Message: op + ": send transaction",
			Err:     err,
			TxHash:  signed.Hash().Hex(),
		}
	}
	return signed, nonce, nil
}

// waitMined polls for the receipt until it appears or the confirmation
// timeout elapses. A timeout says nothing about the transaction's fate.
func (g *Gateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, g.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrConfirmationTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}
	raw, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, &apperr.Error{
			Kind:    apperr.KindChainCall,
			Code:    "read_failed",
			Message: "contract read failed: " + revertReason(err),
			Err:     err,
		}
	}
	return raw, nil
}

func (g *Gateway) throttle(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return apperr.Wrap(apperr.KindChainCall, "rpc_throttled", err, "RPC rate limit wait aborted")
	}
	return nil
}

func (g *Gateway) lockAccount(addr common.Address) func() {
	v, _ := g.accountLocks.LoadOrStore(addr, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// revertReason extracts a Solidity Error(string) reason from an RPC error
// when the node returned revert data, falling back to the error text.
func revertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if b, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(b); uerr == nil {
					return reason
				}
			}
		}
	}
	return err.Error()
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
