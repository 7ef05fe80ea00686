package sponsor

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is an EntryPoint v0.7 user operation in its unpacked RPC form.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

// InitCode returns factory || factoryData, empty for deployed accounts.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	return append(op.Factory.Bytes(), op.FactoryData...)
}

// PaymasterAndData returns the packed v0.7 paymaster field, empty without a paymaster.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	return PackPaymasterAndData(*op.Paymaster, op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit, op.PaymasterData)
}

// AccountGasLimits packs verificationGasLimit(16) || callGasLimit(16).
func (op *UserOperation) AccountGasLimits() [32]byte {
	return packUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
}

// GasFees packs maxPriorityFeePerGas(16) || maxFeePerGas(16).
func (op *UserOperation) GasFees() [32]byte {
	return packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
}

// CheckGasWidths reports gas and fee fields that do not fit their packed 128-bit slots.
func (op *UserOperation) CheckGasWidths() error {
	fields := []struct {
		name string
		v    *big.Int
	}{
		{"verificationGasLimit", op.VerificationGasLimit},
		{"callGasLimit", op.CallGasLimit},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"paymasterVerificationGasLimit", op.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", op.PaymasterPostOpGasLimit},
	}
	for _, f := range fields {
		if f.v != nil && (f.v.Sign() < 0 || f.v.BitLen() > 128) {
			return fmt.Errorf("%s %s does not fit in uint128", f.name, f.v)
		}
	}
	return nil
}

func packUint128Pair(hi, lo *big.Int) [32]byte {
	var out [32]byte
	putUint128(out[:16], hi)
	putUint128(out[16:], lo)
	return out
}

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	packedUserOpArgs = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "accountGasLimits", Type: bytes32T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "gasFees", Type: bytes32T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}
	userOpHashArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

// Hash computes the v0.7 user operation hash the account signs:
// keccak(abi.encode(keccak(packedFields), entryPoint, chainId)).
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	if err := op.CheckGasWidths(); err != nil {
		return common.Hash{}, err
	}
	packed, err := packedUserOpArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits(),
		bigOrZero(op.PreVerificationGas),
		op.GasFees(),
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
	if err != nil {
		return common.Hash{}, err
	}
	enc, err := userOpHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, bigOrZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

type rpcUserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// MarshalJSON encodes the operation the way eth_sendUserOperation expects it.
func (op UserOperation) MarshalJSON() ([]byte, error) {
	enc := rpcUserOperation{
		Sender:               op.Sender,
		Nonce:                hexBig(op.Nonce),
		CallData:             hexutil.Bytes(nonNilBytes(op.CallData)),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		Signature:            hexutil.Bytes(nonNilBytes(op.Signature)),
	}
	if op.Factory != nil {
		enc.Factory = op.Factory
		enc.FactoryData = hexutil.Bytes(nonNilBytes(op.FactoryData))
	}
	if op.Paymaster != nil {
		enc.Paymaster = op.Paymaster
		enc.PaymasterVerificationGasLimit = hexBig(op.PaymasterVerificationGasLimit)
		enc.PaymasterPostOpGasLimit = hexBig(op.PaymasterPostOpGasLimit)
		enc.PaymasterData = hexutil.Bytes(nonNilBytes(op.PaymasterData))
	}
	return json.Marshal(enc)
}

// UnmarshalJSON decodes the RPC form.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var dec rpcUserOperation
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:                        dec.Sender,
		Nonce:                         (*big.Int)(dec.Nonce),
		Factory:                       dec.Factory,
		FactoryData:                   dec.FactoryData,
		CallData:                      dec.CallData,
		CallGasLimit:                  (*big.Int)(dec.CallGasLimit),
		VerificationGasLimit:          (*big.Int)(dec.VerificationGasLimit),
		PreVerificationGas:            (*big.Int)(dec.PreVerificationGas),
		MaxFeePerGas:                  (*big.Int)(dec.MaxFeePerGas),
		MaxPriorityFeePerGas:          (*big.Int)(dec.MaxPriorityFeePerGas),
		Paymaster:                     dec.Paymaster,
		PaymasterVerificationGasLimit: (*big.Int)(dec.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       (*big.Int)(dec.PaymasterPostOpGasLimit),
		PaymasterData:                 dec.PaymasterData,
		Signature:                     dec.Signature,
	}
	return nil
}

// GasEstimate is the result of eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// GasFees are the per-gas prices of an operation.
type GasFees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Log is an event emitted while executing the operation.
type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

// Receipt is the terminal result of an included operation.
type Receipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	TxHash        common.Hash    `json:"transactionHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *big.Int       `json:"nonce"`
	Success       bool           `json:"success"`
	Reason        string         `json:"reason,omitempty"`
	ActualGasCost *big.Int       `json:"actualGasCost"`
	ActualGasUsed *big.Int       `json:"actualGasUsed"`
	BlockNumber   *big.Int       `json:"blockNumber"`
	Logs          []Log          `json:"logs"`
}

type rpcReceipt struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Sender        common.Address `json:"sender"`
	Nonce         *hexutil.Big   `json:"nonce"`
	ActualGasCost *hexutil.Big   `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big   `json:"actualGasUsed"`
	Success       bool           `json:"success"`
	Reason        hexutil.Bytes  `json:"reason"`
	Logs          []Log          `json:"logs"`
	Receipt       struct {
		TransactionHash common.Hash  `json:"transactionHash"`
		BlockNumber     *hexutil.Big `json:"blockNumber"`
	} `json:"receipt"`
}

func (r *rpcReceipt) toReceipt() *Receipt {
	return &Receipt{
		UserOpHash:    r.UserOpHash,
		TxHash:        r.Receipt.TransactionHash,
		Sender:        r.Sender,
		Nonce:         (*big.Int)(r.Nonce),
		Success:       r.Success,
		Reason:        decodeRevertReason(r.Reason),
		ActualGasCost: (*big.Int)(r.ActualGasCost),
		ActualGasUsed: (*big.Int)(r.ActualGasUsed),
		BlockNumber:   (*big.Int)(r.Receipt.BlockNumber),
		Logs:          r.Logs,
	}
}

// decodeRevertReason unpacks Error(string) and Panic(uint256) payloads, falling
// back to the raw hex.
func decodeRevertReason(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	return hexutil.Encode(data)
}

func hexBig(v *big.Int) *hexutil.Big {
	return (*hexutil.Big)(bigOrZero(v))
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
