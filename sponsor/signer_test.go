package sponsor

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawKeySignerAddress(t *testing.T) {
	s := testSigner(t, 0)
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if s.Address() != want {
		t.Errorf("Address() = %s, want %s", s.Address().Hex(), want.Hex())
	}
	if s.Kind() != KindRawKey {
		t.Errorf("Kind() = %s, want %s", s.Kind(), KindRawKey)
	}
	if !s.Capabilities().Has(CapTypedData) || !s.Capabilities().Has(CapPersonalMessage) {
		t.Errorf("Capabilities() = %s, want typed-data and personal-message", s.Capabilities())
	}
}

func TestRawKeySignerFromHexRejectsGarbage(t *testing.T) {
	_, err := NewRawKeySignerFromHex("0xnothex")
	assert.Error(t, err)
}

func TestRawKeySignerSignMessage(t *testing.T) {
	s := testSigner(t, 1)
	msg := []byte("user operation hash")

	sig, err := s.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), crypto.PubkeyToAddress(*pub))
}

func TestCapabilitySetString(t *testing.T) {
	tests := []struct {
		set  CapabilitySet
		want string
	}{
		{0, "none"},
		{Capabilities(CapTypedData), "typed-data"},
		{Capabilities(CapPersonalMessage, CapERC6492), "personal-message,erc6492"},
		{Capabilities(CapTypedData, CapPersonalMessage, CapERC6492), "typed-data,personal-message,erc6492"},
	}
	for _, tt := range tests {
		if got := tt.set.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestDelegatedSignerWithoutTypedDataFails(t *testing.T) {
	owner := testSigner(t, 0)
	account := &SmartAccount{Address: common.HexToAddress("0x1111111111111111111111111111111111111111"), delegate: owner}
	signer := account.Signer(0)

	assert.Equal(t, KindDelegatedAccount, signer.Kind())
	assert.True(t, signer.Capabilities().Has(CapPersonalMessage))
	assert.False(t, signer.Capabilities().Has(CapTypedData))

	p := &Permit{
		Owner:    account.Address,
		Spender:  testPaymaster,
		Value:    testChainID,
		Nonce:    testChainID,
		Deadline: testChainID,
	}
	sig, err := signer.SignTypedData(context.Background(), p.TypedData())
	assert.Nil(t, sig)
	assert.True(t, errors.Is(err, ErrSigningUnsupported), "got %v", err)

	// Message signing still forwards to the owner.
	msgSig, err := signer.SignMessage(context.Background(), []byte("hi"))
	require.NoError(t, err)
	assert.Len(t, msgSig, 65)
}

func TestWrapERC6492(t *testing.T) {
	sig := testSignature(0x42)
	factoryData := []byte{0xaa, 0xbb}
	wrapped, err := WrapERC6492(testFactory, factoryData, sig)
	require.NoError(t, err)
	require.True(t, IsERC6492(wrapped))
	assert.False(t, IsERC6492(sig))

	addressTy, _ := abi.NewType("address", "", nil)
	bytesTy, _ := abi.NewType("bytes", "", nil)
	args := abi.Arguments{{Type: addressTy}, {Type: bytesTy}, {Type: bytesTy}}
	values, err := args.Unpack(wrapped[:len(wrapped)-len(ERC6492MagicValue)])
	require.NoError(t, err)
	assert.Equal(t, testFactory, values[0].(common.Address))
	assert.Equal(t, factoryData, values[1].([]byte))
	assert.Equal(t, sig, values[2].([]byte))
}
