package sponsor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SignerKind tells raw keys apart from smart-account wrappers.
type SignerKind string

const (
	KindRawKey           SignerKind = "raw-key"
	KindDelegatedAccount SignerKind = "delegated-account"
)

// Capability is one kind of signature a signer can produce.
type Capability uint8

const (
	// CapTypedData: EIP-712 signatures a token permit verifier accepts.
	CapTypedData Capability = 1 << iota
	// CapPersonalMessage: EIP-191 signatures over arbitrary bytes.
	CapPersonalMessage
	// CapERC6492: wraps signatures of undeployed accounts for counterfactual verification.
	CapERC6492
)

// CapabilitySet is a bit set of capabilities.
type CapabilitySet uint8

// Capabilities builds a set from individual capabilities.
func Capabilities(caps ...Capability) CapabilitySet {
	var s CapabilitySet
	for _, c := range caps {
		s |= CapabilitySet(c)
	}
	return s
}

// Has reports whether c is in the set.
func (s CapabilitySet) Has(c Capability) bool {
	return s&CapabilitySet(c) != 0
}

func (s CapabilitySet) String() string {
	var names []string
	if s.Has(CapTypedData) {
		names = append(names, "typed-data")
	}
	if s.Has(CapPersonalMessage) {
		names = append(names, "personal-message")
	}
	if s.Has(CapERC6492) {
		names = append(names, "erc6492")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ",")
}

// Signer produces signatures on behalf of an address. Implementations must declare
// what they can sign; callers pick a compatible signer explicitly.
type Signer interface {
	Address() common.Address
	Kind() SignerKind
	Capabilities() CapabilitySet
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// RawKeySigner signs directly with an ECDSA key.
type RawKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewRawKeySigner wraps an ECDSA key.
func NewRawKeySigner(key *ecdsa.PrivateKey) *RawKeySigner {
	return &RawKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// NewRawKeySignerFromHex parses a hex private key with or without 0x prefix.
func NewRawKeySignerFromHex(keyHex string) (*RawKeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewRawKeySigner(key), nil
}

func (s *RawKeySigner) Address() common.Address { return s.address }

func (s *RawKeySigner) Kind() SignerKind { return KindRawKey }

func (s *RawKeySigner) Capabilities() CapabilitySet {
	return Capabilities(CapTypedData, CapPersonalMessage)
}

// SignTypedData signs the EIP-712 digest of data.
func (s *RawKeySigner) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return s.signDigest(digest)
}

// SignMessage signs msg with the EIP-191 personal message prefix.
func (s *RawKeySigner) SignMessage(_ context.Context, msg []byte) ([]byte, error) {
	return s.signDigest(accounts.TextHash(msg))
}

func (s *RawKeySigner) signDigest(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// recovery id 0/1 -> 27/28
	sig[64] += 27
	return sig, nil
}

// DelegatedAccountSigner signs for a smart account by forwarding to the owner's
// signer. It only produces typed-data signatures when the account declares an
// ERC-1271 compatible validator through CapTypedData.
type DelegatedAccountSigner struct {
	account  *SmartAccount
	delegate Signer
	caps     CapabilitySet
}

// NewDelegatedAccountSigner binds a smart account to its owner's signer.
// Personal-message signing is always forwarded; typed data needs CapTypedData.
func NewDelegatedAccountSigner(account *SmartAccount, delegate Signer, caps CapabilitySet) *DelegatedAccountSigner {
	return &DelegatedAccountSigner{
		account:  account,
		delegate: delegate,
		caps:     caps | CapabilitySet(CapPersonalMessage),
	}
}

func (s *DelegatedAccountSigner) Address() common.Address { return s.account.Address }

func (s *DelegatedAccountSigner) Kind() SignerKind { return KindDelegatedAccount }

func (s *DelegatedAccountSigner) Capabilities() CapabilitySet { return s.caps }

// SignTypedData returns an ERC-1271 style signature made by the owner over the same
// digest. An undeployed account has no code to run ERC-1271, so its signature must be
// wrapped per ERC-6492; without CapERC6492 it fails with SigningUnsupported.
func (s *DelegatedAccountSigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if !s.caps.Has(CapTypedData) {
		return nil, errorf(KindSigningUnsupported,
			"account %s has no typed-data capability (capabilities: %s)", s.account.Address.Hex(), s.caps)
	}
	if !s.account.Deployed && !s.caps.Has(CapERC6492) {
		return nil, errorf(KindSigningUnsupported,
			"account %s is not deployed and cannot wrap signatures per ERC-6492", s.account.Address.Hex())
	}
	if s.delegate == nil {
		return nil, errorf(KindIdentityUnavailable, "account %s has no signing delegate", s.account.Address.Hex())
	}
	if !s.delegate.Capabilities().Has(CapTypedData) {
		return nil, errorf(KindSigningUnsupported,
			"delegate %s cannot sign typed data", s.delegate.Address().Hex())
	}
	sig, err := s.delegate.SignTypedData(ctx, data)
	if err != nil {
		return nil, err
	}
	if s.account.Deployed {
		return sig, nil
	}
	return WrapERC6492(s.account.Factory, s.account.FactoryData, sig)
}

func (s *DelegatedAccountSigner) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	if s.delegate == nil {
		return nil, errorf(KindIdentityUnavailable, "account %s has no signing delegate", s.account.Address.Hex())
	}
	return s.delegate.SignMessage(ctx, msg)
}

// WrapERC6492 returns abi.encode(factory, factoryData, sig) || magic.
func WrapERC6492(factory common.Address, factoryData, sig []byte) ([]byte, error) {
	addressTy, _ := abi.NewType("address", "", nil)
	bytesTy, _ := abi.NewType("bytes", "", nil)
	args := abi.Arguments{{Type: addressTy}, {Type: bytesTy}, {Type: bytesTy}}
	packed, err := args.Pack(factory, factoryData, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to pack ERC-6492 signature: %w", err)
	}
	return append(packed, ERC6492MagicValue...), nil
}

// IsERC6492 reports whether sig carries the ERC-6492 suffix.
func IsERC6492(sig []byte) bool {
	return bytes.HasSuffix(sig, ERC6492MagicValue)
}
