package sponsor

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignature(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, MinECDSASignatureBytes)
}

func TestEncodePaymasterDataLayout(t *testing.T) {
	sig := testSignature(0xab)
	data, err := EncodePaymasterData(PaymasterModePermit, testToken, big.NewInt(10_000_000), sig)
	require.NoError(t, err)

	require.Len(t, data, 1+20+32+len(sig))
	assert.Equal(t, byte(0), data[0])
	assert.Equal(t, testToken.Bytes(), data[1:21])
	assert.Equal(t, common.LeftPadBytes(big.NewInt(10_000_000).Bytes(), 32), data[21:53])
	assert.Equal(t, sig, data[53:])
}

func TestEncodePaymasterDataLengthFollowsSignature(t *testing.T) {
	for _, sigLen := range []int{65, 66, 200, 352} {
		sig := bytes.Repeat([]byte{0x01}, sigLen)
		data, err := EncodePaymasterData(PaymasterModePermit, testToken, big.NewInt(10_000_000), sig)
		require.NoError(t, err)
		if len(data) != PaymasterPrefixLength+sigLen {
			t.Errorf("EncodePaymasterData() length = %d, want %d", len(data), PaymasterPrefixLength+sigLen)
		}
	}
}

func TestEncodePaymasterDataInjective(t *testing.T) {
	sig := testSignature(0x11)
	other := common.HexToAddress("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d")

	inputs := []struct {
		name   string
		mode   uint8
		token  common.Address
		amount *big.Int
	}{
		{"base", 0, testToken, big.NewInt(10_000_000)},
		{"mode", 1, testToken, big.NewInt(10_000_000)},
		{"token", 0, other, big.NewInt(10_000_000)},
		{"amount", 0, testToken, big.NewInt(10_000_001)},
		{"zero amount", 0, testToken, new(big.Int)},
		{"max amount", 0, testToken, MaxUint256()},
	}

	seen := make(map[string]string)
	for _, in := range inputs {
		data, err := EncodePaymasterData(in.mode, in.token, in.amount, sig)
		require.NoError(t, err, in.name)
		if prev, ok := seen[string(data)]; ok {
			t.Errorf("%s encodes identically to %s", in.name, prev)
		}
		seen[string(data)] = in.name

		decoded, err := DecodePaymasterData(data)
		require.NoError(t, err, in.name)
		assert.Equal(t, in.mode, decoded.Mode, in.name)
		assert.Equal(t, in.token, decoded.Token, in.name)
		assert.Equal(t, 0, in.amount.Cmp(decoded.Amount), in.name)
		assert.Equal(t, sig, decoded.Signature, in.name)
	}
}

func TestEncodePaymasterDataRejectsMalformedInput(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)

	tests := []struct {
		name   string
		token  []byte
		amount *big.Int
		sig    []byte
	}{
		{"nil amount", testToken.Bytes(), nil, testSignature(1)},
		{"negative amount", testToken.Bytes(), big.NewInt(-1), testSignature(1)},
		{"amount overflows uint256", testToken.Bytes(), tooBig, testSignature(1)},
		{"empty signature", testToken.Bytes(), big.NewInt(1), nil},
		{"short signature", testToken.Bytes(), big.NewInt(1), make([]byte, 64)},
		{"short token", testToken.Bytes()[:19], big.NewInt(1), testSignature(1)},
		{"long token", append(testToken.Bytes(), 0x00), big.NewInt(1), testSignature(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodePaymasterDataBytes(0, tt.token, tt.amount, tt.sig); err == nil {
				t.Errorf("EncodePaymasterDataBytes() error = nil, want error")
			}
		})
	}
}

func TestDecodePaymasterDataTooShort(t *testing.T) {
	_, err := DecodePaymasterData(make([]byte, PaymasterPrefixLength-1))
	assert.Error(t, err)

	fields, err := DecodePaymasterData(make([]byte, PaymasterPrefixLength))
	require.NoError(t, err)
	assert.Empty(t, fields.Signature)
}

func TestPackPaymasterAndData(t *testing.T) {
	data := []byte{0xde, 0xad}
	packed := PackPaymasterAndData(testPaymaster, big.NewInt(200_000), big.NewInt(15_000), data)

	require.Len(t, packed, PaymasterDataOffset+len(data))
	assert.Equal(t, testPaymaster.Bytes(), packed[:PaymasterValidationGasOffset])
	assert.Equal(t, common.LeftPadBytes(big.NewInt(200_000).Bytes(), 16), packed[PaymasterValidationGasOffset:PaymasterPostOpGasOffset])
	assert.Equal(t, common.LeftPadBytes(big.NewInt(15_000).Bytes(), 16), packed[PaymasterPostOpGasOffset:PaymasterDataOffset])
	assert.Equal(t, data, packed[PaymasterDataOffset:])
}

func TestStaticPaymasterReturnsCopies(t *testing.T) {
	pm := &StaticPaymaster{
		Address:              testPaymaster,
		Data:                 []byte{1, 2, 3},
		VerificationGasLimit: big.NewInt(1),
	}
	got, err := pm.PaymasterData(context.Background(), nil, EntryPointV07, testChainID)
	require.NoError(t, err)
	assert.True(t, got.IsFinal)
	assert.Nil(t, got.PostOpGasLimit)

	got.Data[0] = 9
	got.VerificationGasLimit.SetInt64(5)
	assert.Equal(t, []byte{1, 2, 3}, pm.Data)
	assert.Equal(t, int64(1), pm.VerificationGasLimit.Int64())
}
