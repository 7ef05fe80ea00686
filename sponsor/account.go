package sponsor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
)

// AccountVariant selects the factory interface used to deploy the smart account.
type AccountVariant string

const (
	// VariantSimple: createAccount(address owner, uint256 salt)
	VariantSimple AccountVariant = "simple"
	// VariantInitializer: createAccount(bytes initializer, uint256 salt), where the
	// initializer is initialize(address,address[],bytes[],bytes[]) packed with Args.
	VariantInitializer AccountVariant = "initializer"
)

// ParseAccountVariant accepts "simple" or "initializer".
func ParseAccountVariant(s string) (AccountVariant, error) {
	switch AccountVariant(s) {
	case VariantSimple, VariantInitializer:
		return AccountVariant(s), nil
	default:
		return "", fmt.Errorf("unknown account variant %q (want simple or initializer)", s)
	}
}

// AccountParams are the deployment parameters of a smart account.
type AccountParams struct {
	Variant AccountVariant
	Factory common.Address
	// Args are the deployment arguments. Nil means the variant default:
	// [owner] for simple, [owner, [], [], []] for initializer.
	Args []interface{}
	Salt *big.Int
}

// DefaultArgs returns the deployment arguments used when params.Args is nil.
func (p AccountParams) DefaultArgs(owner common.Address) []interface{} {
	if p.Variant == VariantInitializer {
		return []interface{}{owner, []common.Address{}, [][]byte{}, [][]byte{}}
	}
	return []interface{}{owner}
}

// SmartAccount is a counterfactual ERC-4337 account bound to an owner.
type SmartAccount struct {
	Address     common.Address
	Owner       common.Address
	Variant     AccountVariant
	Args        []interface{}
	Salt        *big.Int
	Factory     common.Address
	FactoryData []byte
	Deployed    bool
	EntryPoint  common.Address

	chain    ChainReader
	delegate Signer
}

type accountKey struct {
	factory common.Address
	data    common.Hash
}

// Deriver resolves smart accounts. Addresses are cached per factory and factory
// calldata, which already commits to variant, owner, arguments and salt.
type Deriver struct {
	chain      ChainReader
	entryPoint common.Address
	cache      *lru.Cache[accountKey, common.Address]
}

// NewDeriver creates a deriver with an LRU address cache of the given size.
func NewDeriver(chain ChainReader, entryPoint common.Address, cacheSize int) (*Deriver, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[accountKey, common.Address](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create account cache: %w", err)
	}
	return &Deriver{chain: chain, entryPoint: entryPoint, cache: cache}, nil
}

// Resolve computes the account address through the factory's getAddress view and
// checks whether code already exists there. An undeployed account is returned with
// Deployed=false; its factory fields go into the first user operation.
func (d *Deriver) Resolve(ctx context.Context, owner common.Address, params AccountParams, delegate Signer) (*SmartAccount, error) {
	if owner == (common.Address{}) {
		return nil, errorf(KindIdentityUnavailable, "no owner address")
	}
	if params.Factory == (common.Address{}) {
		return nil, errorf(KindInvalidRequest, "no account factory configured")
	}
	salt := params.Salt
	if salt == nil {
		salt = new(big.Int)
	}
	args := params.Args
	if args == nil {
		args = params.DefaultArgs(owner)
	}

	factoryABI, viewArgs, err := factoryCall(params.Variant, args, salt)
	if err != nil {
		return nil, newError(KindInvalidRequest, err)
	}
	factoryData, err := factoryABI.Pack("createAccount", viewArgs...)
	if err != nil {
		return nil, errorf(KindInvalidRequest, "failed to pack createAccount: %w", err)
	}

	key := accountKey{factory: params.Factory, data: crypto.Keccak256Hash(factoryData)}
	address, cached := d.cache.Get(key)
	if !cached {
		values, err := callView(ctx, d.chain, params.Factory, factoryABI, "getAddress", viewArgs...)
		if err != nil {
			return nil, newError(KindAccountResolutionFailed, err)
		}
		addr, ok := values[0].(common.Address)
		if !ok || addr == (common.Address{}) {
			return nil, errorf(KindAccountResolutionFailed, "factory %s returned no account address", params.Factory.Hex())
		}
		address = addr
		d.cache.Add(key, address)
	}

	code, err := d.chain.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, errorf(KindAccountResolutionFailed, "failed to read code at %s: %w", address.Hex(), err)
	}

	return &SmartAccount{
		Address:     address,
		Owner:       owner,
		Variant:     params.Variant,
		Args:        args,
		Salt:        new(big.Int).Set(salt),
		Factory:     params.Factory,
		FactoryData: factoryData,
		Deployed:    len(code) > 0,
		EntryPoint:  d.entryPoint,
		chain:       d.chain,
		delegate:    delegate,
	}, nil
}

// factoryCall returns the factory ABI and the (createAccount|getAddress) arguments.
func factoryCall(variant AccountVariant, args []interface{}, salt *big.Int) (abi.ABI, []interface{}, error) {
	switch variant {
	case VariantSimple, "":
		if len(args) != 1 {
			return abi.ABI{}, nil, fmt.Errorf("simple account takes 1 deployment argument, got %d", len(args))
		}
		owner, ok := args[0].(common.Address)
		if !ok {
			return abi.ABI{}, nil, fmt.Errorf("simple account owner must be an address, got %T", args[0])
		}
		return SimpleFactoryABI, []interface{}{owner, salt}, nil
	case VariantInitializer:
		initializer, err := InitializerABI.Pack("initialize", args...)
		if err != nil {
			return abi.ABI{}, nil, fmt.Errorf("failed to pack initializer: %w", err)
		}
		return InitializerFactoryABI, []interface{}{initializer, salt}, nil
	default:
		return abi.ABI{}, nil, fmt.Errorf("unknown account variant %q", variant)
	}
}

// InitCode returns factory || factoryData, or nil once the account is deployed.
func (a *SmartAccount) InitCode() []byte {
	if a.Deployed {
		return nil
	}
	return append(a.Factory.Bytes(), a.FactoryData...)
}

// EncodeCalls encodes one call as execute and several as executeBatch.
func (a *SmartAccount) EncodeCalls(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("no calls to execute")
	}
	if len(calls) == 1 {
		data, err := calls[0].Pack()
		if err != nil {
			return nil, err
		}
		return AccountABI.Pack("execute", calls[0].To, calls[0].value(), data)
	}

	targets := make([]common.Address, len(calls))
	values := make([]*big.Int, len(calls))
	datas := make([][]byte, len(calls))
	for i, c := range calls {
		data, err := c.Pack()
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		targets[i] = c.To
		values[i] = c.value()
		datas[i] = data
	}
	return AccountABI.Pack("executeBatch", targets, values, datas)
}

// Nonce reads the account's EntryPoint nonce for key 0.
func (a *SmartAccount) Nonce(ctx context.Context) (*big.Int, error) {
	values, err := callView(ctx, a.chain, a.EntryPoint, EntryPointABI, "getNonce", a.Address, new(big.Int))
	if err != nil {
		return nil, newError(KindChainQueryFailed, err)
	}
	nonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, errorf(KindChainQueryFailed, "unexpected nonce type: %T", values[0])
	}
	return nonce, nil
}

// SignUserOperation signs the user-op hash with the owner's personal-message key,
// which is what the account's validateUserOp checks.
func (a *SmartAccount) SignUserOperation(ctx context.Context, hash common.Hash) ([]byte, error) {
	if a.delegate == nil {
		return nil, errorf(KindIdentityUnavailable, "account %s has no signing delegate", a.Address.Hex())
	}
	if !a.delegate.Capabilities().Has(CapPersonalMessage) {
		return nil, errorf(KindSigningUnsupported, "delegate %s cannot sign messages", a.delegate.Address().Hex())
	}
	return a.delegate.SignMessage(ctx, hash.Bytes())
}

// DummySignature is a placeholder used during gas estimation.
func (a *SmartAccount) DummySignature() []byte {
	return common.CopyBytes(DummySignature)
}

// Signer returns a delegated signer for this account with the given capabilities.
func (a *SmartAccount) Signer(caps CapabilitySet) *DelegatedAccountSigner {
	return NewDelegatedAccountSigner(a, a.delegate, caps)
}

// Call is one action executed from the smart account. Either Data is set, or ABI
// and Method are set and Args are packed on demand.
type Call struct {
	To     common.Address
	Value  *big.Int
	Data   []byte
	ABI    *abi.ABI
	Method string
	Args   []interface{}
}

// Pack returns the call data.
func (c Call) Pack() ([]byte, error) {
	if c.ABI == nil {
		return c.Data, nil
	}
	data, err := c.ABI.Pack(c.Method, c.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s for %s: %w", c.Method, c.To.Hex(), err)
	}
	return data, nil
}

func (c Call) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}
