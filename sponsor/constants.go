// Package sponsor builds, submits and tracks ERC-4337 user operations whose gas is
// paid in an ERC-20 token through a permit-funded paymaster.
//
// A session resolves a counterfactual smart account for an owner key, signs an
// EIP-2612 permit that lets the paymaster pull tokens, packs the permit into the
// paymaster data, assembles the user operation, hands it to a bundler and waits for
// the receipt.
//
// Callers should keep at most one in-flight attempt per owner: the account nonce and
// the token permit nonce are read fresh for every attempt, and two concurrent attempts
// from the same owner race for them. The chain, not this package, rejects the loser.
package sponsor

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// EntryPointV07 is the canonical ERC-4337 v0.7 EntryPoint deployment.
var EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

// Paymaster data layout: mode(1) || token(20) || amount(32) || signature(rest)
const (
	PaymasterModeLength    = 1
	PaymasterTokenOffset   = PaymasterModeLength
	PaymasterAmountOffset  = PaymasterTokenOffset + common.AddressLength
	PaymasterSigOffset     = PaymasterAmountOffset + 32
	PaymasterPrefixLength  = PaymasterSigOffset
	PaymasterModePermit    = 0
	MinECDSASignatureBytes = 65
)

// Packed paymasterAndData offsets for EntryPoint v0.7
const (
	PaymasterValidationGasOffset = 20
	PaymasterPostOpGasOffset     = 36
	PaymasterDataOffset          = 52
)

// Defaults used when the configuration leaves a value unset.
const (
	DefaultPermitAmount          = 10_000_000 // 10 units of a 6-decimal token
	DefaultPermitTTL             = time.Hour
	DefaultReceiptTimeout        = 60 * time.Second
	DefaultPollInterval          = 2 * time.Second
	DefaultPaymasterVerification = 200_000
	DefaultPaymasterPostOp       = 15_000
	DefaultFeeMethod             = "pimlico_getUserOperationGasPrice"
	DefaultFeeTier               = "standard"
)

// ERC6492MagicValue terminates counterfactual (ERC-6492) signatures.
var ERC6492MagicValue = common.FromHex("0x6492649264926492649264926492649264926492649264926492649264926492")

// DummySignature has the shape of a real ECDSA signature and is only used while the
// bundler estimates gas.
var DummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")

const tokenABIJSON = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"version","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"nonces","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const entryPointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

const accountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"executeBatch","stateMutability":"nonpayable","inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}],"outputs":[]}
]`

const simpleFactoryABIJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"ret","type":"address"}]},
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

const initializerFactoryABIJSON = `[
	{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[{"name":"initializer","type":"bytes"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"ret","type":"address"}]},
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"initializer","type":"bytes"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

const initializerABIJSON = `[
	{"type":"function","name":"initialize","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"modules","type":"address[]"},{"name":"moduleData","type":"bytes[]"},{"name":"hooks","type":"bytes[]"}],"outputs":[]}
]`

const sigValidatorABIJSON = `[
	{"type":"function","name":"isValidSig","stateMutability":"nonpayable","inputs":[{"name":"signer","type":"address"},{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	TokenABI              = mustParseABI(tokenABIJSON)
	EntryPointABI         = mustParseABI(entryPointABIJSON)
	AccountABI            = mustParseABI(accountABIJSON)
	SimpleFactoryABI      = mustParseABI(simpleFactoryABIJSON)
	InitializerFactoryABI = mustParseABI(initializerFactoryABIJSON)
	InitializerABI        = mustParseABI(initializerABIJSON)
	SigValidatorABI       = mustParseABI(sigValidatorABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// MaxUint256 returns 2^256 - 1.
func MaxUint256() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}
