package sponsor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// Bundler is the bundler capability the pipeline depends on.
type Bundler interface {
	SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error)
	EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// BundlerClient talks to an ERC-4337 bundler over JSON-RPC.
type BundlerClient struct {
	url    string
	client *rpc.Client
}

// DialBundler connects to the bundler at url. For HTTP endpoints no request is made
// until the first call.
func DialBundler(ctx context.Context, url string, timeout time.Duration) (*BundlerClient, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, newError(KindNetworkUnavailable, fmt.Errorf("failed to dial bundler %s: %w", url, err))
	}
	return &BundlerClient{url: url, client: client}, nil
}

// URL returns the bundler endpoint.
func (b *BundlerClient) URL() string { return b.url }

// Close releases the underlying connection.
func (b *BundlerClient) Close() { b.client.Close() }

func (b *BundlerClient) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	if err := b.client.CallContext(ctx, out, method, params...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// SendUserOperation submits op and returns its user operation hash.
func (b *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := b.call(ctx, &hash, "eth_sendUserOperation", op, entryPoint); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// EstimateUserOperationGas asks the bundler for the operation's gas limits.
func (b *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimate, error) {
	var est GasEstimate
	if err := b.call(ctx, &est, "eth_estimateUserOperationGas", op, entryPoint); err != nil {
		return nil, err
	}
	return &est, nil
}

// GetUserOperationReceipt returns the receipt, or nil while the operation is pending.
func (b *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	var raw json.RawMessage
	if err := b.call(ctx, &raw, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var r rpcReceipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return r.toReceipt(), nil
}

// SupportedEntryPoints lists the EntryPoints the bundler serves.
func (b *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var eps []common.Address
	if err := b.call(ctx, &eps, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return eps, nil
}

// ChainID returns the chain the bundler submits to.
func (b *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := b.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return id.ToInt(), nil
}

// GasPriceTier is one tier of a bundler gas-price oracle answer.
type GasPriceTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GasPrice calls a bundler gas-price oracle method returning slow/standard/fast tiers.
func (b *BundlerClient) GasPrice(ctx context.Context, method string) (map[string]GasPriceTier, error) {
	tiers := make(map[string]GasPriceTier)
	if err := b.call(ctx, &tiers, method); err != nil {
		return nil, err
	}
	return tiers, nil
}

// classifyBundlerError maps a bundler failure to SubmissionRejected when the bundler
// answered with an error object and to NetworkUnavailable otherwise. Bundlers that
// send the error object with a non-2xx status are still treated as rejections.
func classifyBundlerError(err error) *Error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &Error{Kind: KindSubmissionRejected, Code: rpcErr.ErrorCode(), Reason: rpcErr.Error(), Err: err}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		var body struct {
			Error *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(httpErr.Body, &body) == nil && body.Error != nil {
			return &Error{Kind: KindSubmissionRejected, Code: body.Error.Code, Reason: body.Error.Message, Err: err}
		}
	}
	return newError(KindNetworkUnavailable, err)
}
