// Package chain is the typed gateway to the escrow and escrow-factory
// contracts. It submits signed transactions, blocks until they are mined,
// and decodes contract reads. It holds no business rules.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidPrivateKey   = errors.New("chain: invalid private key")
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrZeroAddress         = errors.New("chain: zero address")
	ErrInvalidAmount       = errors.New("chain: invalid amount")
	ErrConfirmationTimeout = errors.New("chain: confirmation timed out")
	ErrReverted            = errors.New("chain: transaction reverted")
	ErrEventNotFound       = errors.New("chain: expected event not found in receipt")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
)

// State is the escrow contract's integer state code.
type State uint8

const (
	StateAwaitingFunding State = iota
	StateFunded
	StateDelivered
	StateReleasable
	StateReleased
	StateDisputed
	StateResolvedToBuyer
	StateResolvedToVendor
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateAwaitingFunding:
		return "awaiting_funding"
	case StateFunded:
		return "funded"
	case StateDelivered:
		return "delivered"
	case StateReleasable:
		return "releasable"
	case StateReleased:
		return "released"
	case StateDisputed:
		return "disputed"
	case StateResolvedToBuyer:
		return "resolved_to_buyer"
	case StateResolvedToVendor:
		return "resolved_to_vendor"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// EscrowInfo is the decoded result of the escrow's getInfo() read.
// It is authoritative and never mutated locally.
type EscrowInfo struct {
	Address           common.Address `json:"address"`
	Buyer             common.Address `json:"buyer"`
	Vendor            common.Address `json:"vendor"`
	Arbiter           common.Address `json:"arbiter"`
	FeeRecipient      common.Address `json:"feeRecipient"`
	RewardToken       common.Address `json:"rewardToken"`
	RewardRatePer1e18 *big.Int       `json:"rewardRatePer1e18"`
	Amount            *big.Int       `json:"amount"`
	BuyerFeeReserve   *big.Int       `json:"buyerFeeReserve"`
	DisputeFeeAmount  *big.Int       `json:"disputeFeeAmount"`
	FeeBps            uint64         `json:"feeBps"`
	BuyerFeeBps       uint64         `json:"buyerFeeBps"`
	VendorFeeBps      uint64         `json:"vendorFeeBps"`
	DisputeFeeBps     uint64         `json:"disputeFeeBps"`

	CreatedAt          time.Time `json:"createdAt"`
	FundedAt           time.Time `json:"fundedAt"`
	DeliveredAt        time.Time `json:"deliveredAt"`
	Deadline           time.Time `json:"deadline"`
	DisputeFeeDeadline time.Time `json:"disputeFeeDeadline"`

	DisputeInitiator     common.Address `json:"disputeInitiator"`
	BuyerPaidDisputeFee  bool           `json:"buyerPaidDisputeFee"`
	VendorPaidDisputeFee bool           `json:"vendorPaidDisputeFee"`

	Cid                 string      `json:"cid"`
	ContentHash         common.Hash `json:"contentHash"`
	ProposedCid         string      `json:"proposedCid"`
	ProposedContentHash common.Hash `json:"proposedContentHash"`
	BuyerApproved       bool        `json:"buyerApproved"`
	VendorApproved      bool        `json:"vendorApproved"`

	State State `json:"state"`
}

// InDispute reports whether a dispute has been opened on chain.
func (i *EscrowInfo) InDispute() bool {
	return i.State == StateDisputed && i.DisputeInitiator != (common.Address{})
}

// TxResult describes a mined, successful transaction.
type TxResult struct {
	TxHash      string   `json:"txHash"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"value,omitempty"`
	BlockNumber uint64   `json:"blockNumber"`
	GasUsed     uint64   `json:"gasUsed"`
	Nonce       uint64   `json:"nonce"`

	receipt *types.Receipt
}

// Receipt returns the underlying receipt (nil for results built by fakes).
func (r *TxResult) Receipt() *types.Receipt { return r.receipt }

// TxState is the observed state of a previously submitted transaction.
type TxState int

const (
	TxPending TxState = iota
	TxSucceeded
	TxFailed
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Signer is a signing credential. The gateway never persists it.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a 64-hex-character private key, with or without 0x.
func NewSigner(hexKey string) (*Signer, error) {
	key := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return SignerFromKey(pk), nil
}

// SignerFromKey wraps an already parsed key.
func SignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{key: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address { return s.address }

func (s *Signer) sign(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}
