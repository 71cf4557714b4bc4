package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// escrowABI is the public surface of a single milestone escrow instance.
const escrowABI = `[
	{"type":"function","name":"fund","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"deliver","stateMutability":"nonpayable","inputs":[{"name":"cid","type":"string"},{"name":"contentHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"cid","type":"string"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"initiateDispute","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"payDisputeFee","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"resolveToBuyer","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"resolveToVendor","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"getInfo","stateMutability":"view","inputs":[],"outputs":[
		{"name":"buyer","type":"address"},
		{"name":"vendor","type":"address"},
		{"name":"arbiter","type":"address"},
		{"name":"feeRecipient","type":"address"},
		{"name":"rewardToken","type":"address"},
		{"name":"rewardRatePer1e18","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"buyerFeeReserve","type":"uint256"},
		{"name":"disputeFeeAmount","type":"uint256"},
		{"name":"feeBps","type":"uint256"},
		{"name":"buyerFeeBps","type":"uint256"},
		{"name":"vendorFeeBps","type":"uint256"},
		{"name":"disputeFeeBps","type":"uint256"},
		{"name":"createdAt","type":"uint256"},
		{"name":"fundedAt","type":"uint256"},
		{"name":"deliveredAt","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"disputeFeeDeadline","type":"uint256"},
		{"name":"disputeInitiator","type":"address"},
		{"name":"buyerPaidDisputeFee","type":"bool"},
		{"name":"vendorPaidDisputeFee","type":"bool"},
		{"name":"cid","type":"string"},
		{"name":"contentHash","type":"bytes32"},
		{"name":"proposedCid","type":"string"},
		{"name":"proposedContentHash","type":"bytes32"},
		{"name":"buyerApproved","type":"bool"},
		{"name":"vendorApproved","type":"bool"},
		{"name":"state","type":"uint8"}
	]}
]`

// factoryABI covers escrow creation, deterministic creation and address prediction.
const factoryABI = `[
	{"type":"function","name":"createEscrow","stateMutability":"nonpayable","inputs":[
		{"name":"jobIdHash","type":"bytes32"},
		{"name":"buyer","type":"address"},
		{"name":"seller","type":"address"},
		{"name":"arbiter","type":"address"},
		{"name":"feeRecipient","type":"address"},
		{"name":"feeBps","type":"uint256"},
		{"name":"paymentToken","type":"address"},
		{"name":"amountWei","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"buyerFeeBps","type":"uint256"},
		{"name":"vendorFeeBps","type":"uint256"},
		{"name":"disputeFeeBps","type":"uint256"},
		{"name":"rewardRateBps","type":"uint256"}
	],"outputs":[{"name":"escrow","type":"address"}]},
	{"type":"function","name":"createEscrowDeterministic","stateMutability":"nonpayable","inputs":[
		{"name":"jobIdHash","type":"bytes32"},
		{"name":"buyer","type":"address"},
		{"name":"seller","type":"address"},
		{"name":"arbiter","type":"address"},
		{"name":"feeRecipient","type":"address"},
		{"name":"feeBps","type":"uint256"},
		{"name":"paymentToken","type":"address"},
		{"name":"amountWei","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"buyerFeeBps","type":"uint256"},
		{"name":"vendorFeeBps","type":"uint256"},
		{"name":"disputeFeeBps","type":"uint256"},
		{"name":"rewardRateBps","type":"uint256"},
		{"name":"salt","type":"bytes32"}
	],"outputs":[{"name":"escrow","type":"address"}]},
	{"type":"function","name":"predictEscrowAddress","stateMutability":"view","inputs":[{"name":"salt","type":"bytes32"}],"outputs":[{"name":"predicted","type":"address"}]},
	{"type":"event","name":"EscrowCreated","anonymous":false,"inputs":[
		{"name":"escrow","type":"address","indexed":true},
		{"name":"jobIdHash","type":"bytes32","indexed":true},
		{"name":"buyer","type":"address","indexed":true},
		{"name":"seller","type":"address","indexed":false}
	]}
]`

var (
	parsedEscrowABI  = mustParseABI(escrowABI)
	parsedFactoryABI = mustParseABI(factoryABI)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: invalid embedded ABI: " + err.Error())
	}
	return parsed
}

// EscrowABI returns the parsed escrow ABI (used by tests and tooling).
func EscrowABI() abi.ABI { return parsedEscrowABI }

// FactoryABI returns the parsed factory ABI.
func FactoryABI() abi.ABI { return parsedFactoryABI }
