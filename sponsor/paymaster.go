package sponsor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PaymasterFields are the fixed-prefix fields of the paymaster payload plus the
// trailing signature.
type PaymasterFields struct {
	Mode      uint8
	Token     common.Address
	Amount    *big.Int
	Signature []byte
}

// EncodePaymasterData packs mode(1) || token(20) || amount(32, big-endian) || signature.
// The signature carries no length prefix; its length is the payload length minus 53.
func EncodePaymasterData(mode uint8, token common.Address, amount *big.Int, sig []byte) ([]byte, error) {
	if amount == nil {
		return nil, fmt.Errorf("missing amount")
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("amount does not fit in uint256: %s", amount)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("empty permit signature")
	}
	if len(sig) < MinECDSASignatureBytes {
		return nil, fmt.Errorf("permit signature too short: %d bytes, want at least %d", len(sig), MinECDSASignatureBytes)
	}

	out := make([]byte, PaymasterPrefixLength, PaymasterPrefixLength+len(sig))
	out[0] = mode
	copy(out[PaymasterTokenOffset:PaymasterAmountOffset], token.Bytes())
	amountBytes := value.Bytes32()
	copy(out[PaymasterAmountOffset:PaymasterSigOffset], amountBytes[:])
	return append(out, sig...), nil
}

// EncodePaymasterDataBytes is EncodePaymasterData for a token given as raw bytes,
// which must be exactly 20 long.
func EncodePaymasterDataBytes(mode uint8, token []byte, amount *big.Int, sig []byte) ([]byte, error) {
	if len(token) != common.AddressLength {
		return nil, fmt.Errorf("invalid token address length: %d", len(token))
	}
	return EncodePaymasterData(mode, common.BytesToAddress(token), amount, sig)
}

// DecodePaymasterData splits an encoded payload back into its fields.
func DecodePaymasterData(data []byte) (*PaymasterFields, error) {
	if len(data) < PaymasterPrefixLength {
		return nil, fmt.Errorf("paymaster data too short: %d bytes", len(data))
	}
	sig := make([]byte, len(data)-PaymasterSigOffset)
	copy(sig, data[PaymasterSigOffset:])
	return &PaymasterFields{
		Mode:      data[0],
		Token:     common.BytesToAddress(data[PaymasterTokenOffset:PaymasterAmountOffset]),
		Amount:    new(big.Int).SetBytes(data[PaymasterAmountOffset:PaymasterSigOffset]),
		Signature: sig,
	}, nil
}

// PackPaymasterAndData builds the v0.7 packed field:
// paymaster(20) || verificationGas(16) || postOpGas(16) || data.
func PackPaymasterAndData(paymaster common.Address, verificationGas, postOpGas *big.Int, data []byte) []byte {
	out := make([]byte, PaymasterDataOffset, PaymasterDataOffset+len(data))
	copy(out[:PaymasterValidationGasOffset], paymaster.Bytes())
	putUint128(out[PaymasterValidationGasOffset:PaymasterPostOpGasOffset], verificationGas)
	putUint128(out[PaymasterPostOpGasOffset:PaymasterDataOffset], postOpGas)
	return append(out, data...)
}

// putUint128 right-aligns v into a 16 byte slot. Callers check the width first;
// see CheckGasWidths.
func putUint128(dst []byte, v *big.Int) {
	if v == nil {
		return
	}
	b := v.Bytes()
	if len(b) > len(dst) {
		b = b[len(b)-len(dst):]
	}
	copy(dst[len(dst)-len(b):], b)
}

// PaymasterData is what a paymaster provider contributes to a user operation.
type PaymasterData struct {
	Paymaster            common.Address
	Data                 []byte
	VerificationGasLimit *big.Int
	PostOpGasLimit       *big.Int
	// IsFinal false means the assembler asks again after gas estimation.
	IsFinal bool
}

// PaymasterDataProvider supplies paymaster fields for an operation.
type PaymasterDataProvider interface {
	PaymasterData(ctx context.Context, op *UserOperation, entryPoint common.Address, chainID *big.Int) (*PaymasterData, error)
}

// StaticPaymaster returns a payload fixed before assembly, such as an encoded permit.
type StaticPaymaster struct {
	Address              common.Address
	Data                 []byte
	VerificationGasLimit *big.Int
	PostOpGasLimit       *big.Int
}

func (p *StaticPaymaster) PaymasterData(_ context.Context, _ *UserOperation, _ common.Address, _ *big.Int) (*PaymasterData, error) {
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return &PaymasterData{
		Paymaster:            p.Address,
		Data:                 data,
		VerificationGasLimit: copyBig(p.VerificationGasLimit),
		PostOpGasLimit:       copyBig(p.PostOpGasLimit),
		IsFinal:              true,
	}, nil
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
