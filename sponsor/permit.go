package sponsor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

// PermitRequest describes the EIP-2612 permit to sign.
type PermitRequest struct {
	Token   common.Address
	ChainID *big.Int
	// Signer owns the tokens; its address becomes the permit owner.
	Signer   Signer
	Spender  common.Address
	Amount   *big.Int
	Deadline *big.Int
}

// Permit is a signed EIP-2612 authorization.
type Permit struct {
	Token     common.Address
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Nonce     *big.Int
	Deadline  *big.Int
	Domain    apitypes.TypedDataDomain
	Digest    common.Hash
	Signature []byte
	// SignerKind records which signer variant produced Signature.
	SignerKind SignerKind
}

// PermitTypes are the EIP-712 types of the token permit.
var PermitTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Permit": {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// TypedData rebuilds the EIP-712 payload from the permit fields.
func (p *Permit) TypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types:       PermitTypes,
		PrimaryType: "Permit",
		Domain:      p.Domain,
		Message: apitypes.TypedDataMessage{
			"owner":    p.Owner.Hex(),
			"spender":  p.Spender.Hex(),
			"value":    new(big.Int).Set(p.Value),
			"nonce":    new(big.Int).Set(p.Nonce),
			"deadline": new(big.Int).Set(p.Deadline),
		},
	}
}

// Hash returns the EIP-712 digest of the permit fields.
func (p *Permit) Hash() (common.Hash, error) {
	digest, _, err := apitypes.TypedDataAndHash(p.TypedData())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash permit: %w", err)
	}
	return common.BytesToHash(digest), nil
}

// PermitSigner produces permit signatures after reading the token's domain and nonce.
type PermitSigner struct {
	chain ChainReader
}

// NewPermitSigner creates a permit signer reading token state from chain.
func NewPermitSigner(chain ChainReader) *PermitSigner {
	return &PermitSigner{chain: chain}
}

// Sign reads name, version and nonce concurrently, then asks req.Signer for an
// EIP-712 signature. A signer without typed-data capability fails with
// SigningUnsupported before any chain read happens.
func (ps *PermitSigner) Sign(ctx context.Context, req PermitRequest) (*Permit, error) {
	if req.Signer == nil {
		return nil, errorf(KindIdentityUnavailable, "no permit signer")
	}
	if !req.Signer.Capabilities().Has(CapTypedData) {
		return nil, errorf(KindSigningUnsupported,
			"%s signer %s cannot produce typed-data signatures (capabilities: %s)",
			req.Signer.Kind(), req.Signer.Address().Hex(), req.Signer.Capabilities())
	}
	if err := checkUint256("permit amount", req.Amount); err != nil {
		return nil, err
	}
	if err := checkUint256("permit deadline", req.Deadline); err != nil {
		return nil, err
	}
	if req.ChainID == nil {
		return nil, errorf(KindInvalidRequest, "missing chain id")
	}

	owner := req.Signer.Address()
	token := NewTokenReader(ps.chain, req.Token)

	var (
		name, version string
		nonce         *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		name, err = token.Name(gctx)
		return err
	})
	g.Go(func() (err error) {
		version, err = token.Version(gctx)
		return err
	})
	g.Go(func() (err error) {
		nonce, err = token.Nonce(gctx, owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, newError(KindChainQueryFailed, err)
	}

	permit := &Permit{
		Token:    req.Token,
		Owner:    owner,
		Spender:  req.Spender,
		Value:    new(big.Int).Set(req.Amount),
		Nonce:    nonce,
		Deadline: new(big.Int).Set(req.Deadline),
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(req.ChainID)),
			VerifyingContract: req.Token.Hex(),
		},
		SignerKind: req.Signer.Kind(),
	}
	digest, err := permit.Hash()
	if err != nil {
		return nil, newError(KindInvalidRequest, err)
	}
	permit.Digest = digest

	sig, err := req.Signer.SignTypedData(ctx, permit.TypedData())
	if err != nil {
		return nil, asError(KindSigningUnsupported, fmt.Errorf("failed to sign permit: %w", err))
	}
	permit.Signature = sig
	return permit, nil
}

// RecoverPermitSigner recovers the EOA that signed a raw-key permit over the permit's
// current fields. Any edit of owner, spender, value, nonce, deadline or domain
// changes the recovered address.
func RecoverPermitSigner(p *Permit) (common.Address, error) {
	if len(p.Signature) != MinECDSASignatureBytes {
		return common.Address{}, fmt.Errorf("expected %d byte ECDSA signature, got %d", MinECDSASignatureBytes, len(p.Signature))
	}
	digest, err := p.Hash()
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, len(p.Signature))
	copy(sig, p.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPermit checks that a raw-key permit was signed by its declared owner.
func VerifyPermit(p *Permit) error {
	signer, err := RecoverPermitSigner(p)
	if err != nil {
		return err
	}
	if signer != p.Owner {
		return fmt.Errorf("permit signed by %s, owner is %s", signer.Hex(), p.Owner.Hex())
	}
	return nil
}

// VerifyPermitOnChain asks an ERC-6492 universal signature validator whether the
// permit signature is valid for its owner. This covers account signatures
// (ERC-1271, deployed or counterfactual) that cannot be checked locally.
func VerifyPermitOnChain(ctx context.Context, chain ChainReader, validator common.Address, p *Permit) (bool, error) {
	if validator == (common.Address{}) {
		return false, fmt.Errorf("no signature validator configured")
	}
	digest, err := p.Hash()
	if err != nil {
		return false, err
	}
	values, err := callView(ctx, chain, validator, SigValidatorABI, "isValidSig", p.Owner, [32]byte(digest), p.Signature)
	if err != nil {
		return false, newError(KindChainQueryFailed, err)
	}
	valid, ok := values[0].(bool)
	if !ok {
		return false, nil
	}
	return valid, nil
}

func checkUint256(what string, v *big.Int) error {
	if v == nil {
		return errorf(KindInvalidRequest, "missing %s", what)
	}
	if v.Sign() < 0 {
		return errorf(KindInvalidRequest, "%s is negative: %s", what, v)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return errorf(KindInvalidRequest, "%s does not fit in uint256: %s", what, v)
	}
	return nil
}
