package sponsor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// testPrivateKeys are the well-known local development keys.
var testPrivateKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291",
}

var (
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	testPaymaster = common.HexToAddress("0x31BE08D380A21fc740883c0BC434FcFc88740b58")
	testFactory   = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
	testValidator = common.HexToAddress("0x00000000000000000000000000000000000C6492")
	testChainID   = big.NewInt(84532)
)

// fakeChain answers eth_call by ABI selector. Account addresses are a keccak of the
// factory address and getAddress arguments, so they are a pure function of inputs.
type fakeChain struct {
	mu           sync.Mutex
	chainID      *big.Int
	name         string
	version      string
	permitNonces map[common.Address]*big.Int
	balances     map[common.Address]*big.Int
	accountNonce *big.Int
	code         map[common.Address][]byte
	validSig     bool
	failMethod   string
	chainIDErr   error
	calls        map[string]int
	nonceQueries []common.Address
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		chainID:      new(big.Int).Set(testChainID),
		name:         "USDC",
		version:      "2",
		permitNonces: make(map[common.Address]*big.Int),
		balances:     make(map[common.Address]*big.Int),
		accountNonce: new(big.Int),
		code:         make(map[common.Address][]byte),
		validSig:     true,
		calls:        make(map[string]int),
	}
}

func (c *fakeChain) ChainID(context.Context) (*big.Int, error) {
	if c.chainIDErr != nil {
		return nil, c.chainIDErr
	}
	return new(big.Int).Set(c.chainID), nil
}

func (c *fakeChain) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code[account], nil
}

func (c *fakeChain) callCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *fakeChain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(call.Data) < 4 {
		return nil, errors.New("no selector")
	}
	contracts := []abi.ABI{TokenABI, EntryPointABI, SimpleFactoryABI, InitializerFactoryABI, SigValidatorABI}
	var method *abi.Method
	for i := range contracts {
		if m, err := contracts[i].MethodById(call.Data[:4]); err == nil {
			method = m
			break
		}
	}
	if method == nil {
		return nil, fmt.Errorf("unknown selector %x", call.Data[:4])
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method.Name]++
	if c.failMethod == method.Name {
		return nil, errors.New("execution reverted")
	}

	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "name":
		return method.Outputs.Pack(c.name)
	case "version":
		return method.Outputs.Pack(c.version)
	case "balanceOf":
		n := c.balances[args[0].(common.Address)]
		if n == nil {
			n = new(big.Int)
		}
		return method.Outputs.Pack(n)
	case "nonces":
		c.nonceQueries = append(c.nonceQueries, args[0].(common.Address))
		n := c.permitNonces[args[0].(common.Address)]
		if n == nil {
			n = new(big.Int)
		}
		return method.Outputs.Pack(n)
	case "getNonce":
		return method.Outputs.Pack(c.accountNonce)
	case "getAddress":
		addr := common.BytesToAddress(crypto.Keccak256(call.To.Bytes(), call.Data[4:]))
		return method.Outputs.Pack(addr)
	case "isValidSig":
		return method.Outputs.Pack(c.validSig)
	}
	return nil, fmt.Errorf("unhandled method %s", method.Name)
}

// fakeBundler is an httptest JSON-RPC bundler. It rejects operations whose
// paymaster data does not decode, the way a paymaster's validation would.
type fakeBundler struct {
	server     *httptest.Server
	entryPoint common.Address
	chainID    *big.Int

	mu            sync.Mutex
	sent          []*UserOperation
	estimated     []*UserOperation
	pendingPolls  int
	polls         int
	revertReason  []byte
	neverInclude  bool
	gasPriceError *fakeRPCError
	sendError     *fakeRPCError
	receiptError  *fakeRPCError
	methods       []string
}

func newFakeBundler(t *testing.T) *fakeBundler {
	b := &fakeBundler{entryPoint: EntryPointV07, chainID: testChainID}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBundler) client(t *testing.T) *BundlerClient {
	t.Helper()
	return dialTestBundler(t, b.server.URL)
}

func dialTestBundler(t *testing.T, url string) *BundlerClient {
	t.Helper()
	client, err := DialBundler(context.Background(), url, time.Second)
	if err != nil {
		t.Fatalf("DialBundler() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// fakeRPCError is the JSON-RPC error object the fake bundler answers with.
type fakeRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type fakeRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (b *fakeBundler) handle(w http.ResponseWriter, r *http.Request) {
	var req fakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.mu.Lock()
	b.methods = append(b.methods, req.Method)
	b.mu.Unlock()

	result, rpcErr := b.dispatch(req)
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (b *fakeBundler) dispatch(req fakeRequest) (interface{}, *fakeRPCError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Method {
	case "eth_chainId":
		return hexutil.EncodeBig(b.chainID), nil
	case "eth_supportedEntryPoints":
		return []common.Address{b.entryPoint}, nil
	case "pimlico_getUserOperationGasPrice":
		if b.gasPriceError != nil {
			return nil, b.gasPriceError
		}
		tier := map[string]string{"maxFeePerGas": "0x3b9aca00", "maxPriorityFeePerGas": "0x5f5e100"}
		return map[string]interface{}{"slow": tier, "standard": tier, "fast": tier}, nil
	case "eth_estimateUserOperationGas":
		op, rpcErr := b.decodeOp(req)
		if rpcErr != nil {
			return nil, rpcErr
		}
		b.estimated = append(b.estimated, op)
		return map[string]string{
			"preVerificationGas":            "0xc350",
			"verificationGasLimit":          "0x493e0",
			"callGasLimit":                  "0x186a0",
			"paymasterVerificationGasLimit": "0x1",
			"paymasterPostOpGasLimit":       "0x1",
		}, nil
	case "eth_sendUserOperation":
		if b.sendError != nil {
			return nil, b.sendError
		}
		op, rpcErr := b.decodeOp(req)
		if rpcErr != nil {
			return nil, rpcErr
		}
		b.sent = append(b.sent, op)
		hash, err := op.Hash(b.entryPoint, b.chainID)
		if err != nil {
			return nil, &fakeRPCError{Code: -32602, Message: err.Error()}
		}
		return hash, nil
	case "eth_getUserOperationReceipt":
		if b.receiptError != nil {
			return nil, b.receiptError
		}
		var hash common.Hash
		if err := json.Unmarshal(req.Params[0], &hash); err != nil {
			return nil, &fakeRPCError{Code: -32602, Message: err.Error()}
		}
		b.polls++
		if b.neverInclude || b.polls <= b.pendingPolls {
			return nil, nil
		}
		return b.receiptFor(hash), nil
	}
	return nil, &fakeRPCError{Code: -32601, Message: "method not found"}
}

func (b *fakeBundler) decodeOp(req fakeRequest) (*UserOperation, *fakeRPCError) {
	if len(req.Params) != 2 {
		return nil, &fakeRPCError{Code: -32602, Message: "expected 2 params"}
	}
	var op UserOperation
	if err := json.Unmarshal(req.Params[0], &op); err != nil {
		return nil, &fakeRPCError{Code: -32602, Message: err.Error()}
	}
	if op.Paymaster != nil {
		fields, err := DecodePaymasterData(op.PaymasterData)
		if err != nil || len(fields.Signature) < MinECDSASignatureBytes {
			return nil, &fakeRPCError{Code: -32500, Message: "AA33 reverted: invalid paymaster data"}
		}
	}
	return &op, nil
}

func (b *fakeBundler) receiptFor(hash common.Hash) map[string]interface{} {
	sender := common.Address{}
	if len(b.sent) > 0 {
		sender = b.sent[len(b.sent)-1].Sender
	}
	return map[string]interface{}{
		"userOpHash":    hash,
		"sender":        sender,
		"nonce":         "0x0",
		"actualGasCost": "0x2386f26fc10000",
		"actualGasUsed": "0x30d40",
		"success":       len(b.revertReason) == 0,
		"reason":        hexutil.Bytes(b.revertReason),
		"logs": []map[string]interface{}{{
			"address": testToken,
			"topics":  []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))},
			"data":    "0x",
		}},
		"receipt": map[string]interface{}{
			"transactionHash": crypto.Keccak256Hash(hash.Bytes()),
			"blockNumber":     "0x10",
		},
	}
}

func (b *fakeBundler) sentOps() []*UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*UserOperation(nil), b.sent...)
}

func (b *fakeBundler) estimatedOps() []*UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*UserOperation(nil), b.estimated...)
}

func (b *fakeBundler) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.polls
}

func (b *fakeBundler) setIncluded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.neverInclude = false
	b.pendingPolls = 0
}

func testSigner(t *testing.T, i int) *RawKeySigner {
	t.Helper()
	s, err := NewRawKeySignerFromHex(testPrivateKeys[i])
	if err != nil {
		t.Fatalf("NewRawKeySignerFromHex() error = %v", err)
	}
	return s
}
