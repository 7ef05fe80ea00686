package sponsor

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ChainReader is the read-only slice of an Ethereum client the pipeline needs.
// *ethclient.Client satisfies it.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// callView packs method, runs eth_call against the latest block and unpacks the outputs.
func callView(ctx context.Context, chain ChainReader, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := chain.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s from %s: %w", method, to.Hex(), err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s on %s returned no values", method, to.Hex())
	}
	return values, nil
}

// TokenReader reads the permit-related views of an EIP-2612 token.
type TokenReader struct {
	chain ChainReader
	token common.Address
}

// NewTokenReader binds a reader to a token contract.
func NewTokenReader(chain ChainReader, token common.Address) *TokenReader {
	return &TokenReader{chain: chain, token: token}
}

// Name returns the token's EIP-712 domain name.
func (t *TokenReader) Name(ctx context.Context) (string, error) {
	return t.readString(ctx, "name")
}

// Version returns the token's EIP-712 domain version.
func (t *TokenReader) Version(ctx context.Context) (string, error) {
	return t.readString(ctx, "version")
}

// Nonce returns the current permit nonce of owner.
func (t *TokenReader) Nonce(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.readUint(ctx, "nonces", owner)
}

// BalanceOf returns the token balance of account.
func (t *TokenReader) BalanceOf(ctx context.Context, account common.Address) (*big.Int, error) {
	return t.readUint(ctx, "balanceOf", account)
}

func (t *TokenReader) readString(ctx context.Context, method string) (string, error) {
	values, err := callView(ctx, t.chain, t.token, TokenABI, method)
	if err != nil {
		return "", err
	}
	s, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected %s type: %T", method, values[0])
	}
	return s, nil
}

func (t *TokenReader) readUint(ctx context.Context, method string, arg common.Address) (*big.Int, error) {
	values, err := callView(ctx, t.chain, t.token, TokenABI, method, arg)
	if err != nil {
		return nil, err
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s type: %T", method, values[0])
	}
	return n, nil
}

// TransferCall builds an ERC-20 transfer executed from the smart account.
func TransferCall(token, to common.Address, amount *big.Int) Call {
	return Call{
		To:     token,
		ABI:    &TokenABI,
		Method: "transfer",
		Args:   []interface{}{to, amount},
	}
}
