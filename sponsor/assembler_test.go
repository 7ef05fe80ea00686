package sponsor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func resolveTestAccount(t *testing.T, chain *fakeChain, owner Signer) *SmartAccount {
	t.Helper()
	account, err := newTestDeriver(t, chain).Resolve(context.Background(), owner.Address(), AccountParams{Variant: VariantInitializer, Factory: testFactory}, owner)
	require.NoError(t, err)
	return account
}

func validPaymaster(t *testing.T) *StaticPaymaster {
	t.Helper()
	data, err := EncodePaymasterData(PaymasterModePermit, testToken, big.NewInt(10_000_000), testSignature(0x01))
	require.NoError(t, err)
	return &StaticPaymaster{
		Address:              testPaymaster,
		Data:                 data,
		VerificationGasLimit: big.NewInt(DefaultPaymasterVerification),
		PostOpGasLimit:       big.NewInt(DefaultPaymasterPostOp),
	}
}

func TestAssemblerPrepareAndSubmit(t *testing.T) {
	chain := newFakeChain()
	chain.accountNonce = big.NewInt(4)
	bundler := newFakeBundler(t)
	client := bundler.client(t)
	owner := testSigner(t, 0)
	account := resolveTestAccount(t, chain, owner)

	asm := NewAssembler(client, EntryPointV07, testChainID, quietLogger())
	call := TransferCall(testToken, common.HexToAddress("0x2222222222222222222222222222222222222222"), big.NewInt(1))
	prepared, err := asm.Prepare(context.Background(), account, []Call{call}, validPaymaster(t), NewBundlerFeeOracle(client, "", ""))
	require.NoError(t, err)

	op := prepared.Op
	assert.Equal(t, account.Address, op.Sender)
	assert.Equal(t, int64(4), op.Nonce.Int64())
	require.NotNil(t, op.Factory)
	assert.Equal(t, testFactory, *op.Factory)
	assert.Equal(t, int64(100_000), op.CallGasLimit.Int64())
	assert.Equal(t, int64(300_000), op.VerificationGasLimit.Int64())
	assert.Equal(t, int64(50_000), op.PreVerificationGas.Int64())
	assert.Equal(t, int64(1_000_000_000), op.MaxFeePerGas.Int64())
	assert.Equal(t, int64(100_000_000), op.MaxPriorityFeePerGas.Int64())
	// Provider limits win over the bundler's estimate.
	assert.Equal(t, int64(DefaultPaymasterVerification), op.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(DefaultPaymasterPostOp), op.PaymasterPostOpGasLimit.Int64())

	// Gas was estimated with the dummy signature, the final one is the owner's.
	estimated := bundler.estimatedOps()
	require.Len(t, estimated, 1)
	assert.Equal(t, DummySignature, estimated[0].Signature)
	sig := common.CopyBytes(op.Signature)
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash(prepared.Hash.Bytes()), sig)
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), crypto.PubkeyToAddress(*pub))

	hash, err := asm.Submit(context.Background(), prepared)
	require.NoError(t, err)
	assert.Equal(t, prepared.Hash, hash)
	require.Len(t, bundler.sentOps(), 1)
}

func TestAssemblerMalformedPaymasterDataIsRejected(t *testing.T) {
	chain := newFakeChain()
	bundler := newFakeBundler(t)
	client := bundler.client(t)
	owner := testSigner(t, 0)
	account := resolveTestAccount(t, chain, owner)
	asm := NewAssembler(client, EntryPointV07, testChainID, quietLogger())

	malformed := &StaticPaymaster{Address: testPaymaster, Data: []byte{0x00, 0x01, 0x02}}
	call := TransferCall(testToken, owner.Address(), big.NewInt(1))

	var err error
	require.NotPanics(t, func() {
		_, err = asm.Prepare(context.Background(), account, []Call{call}, malformed, FixedFees{MaxFeePerGas: big.NewInt(2), MaxPriorityFeePerGas: big.NewInt(1)})
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubmissionRejected), "got %v", err)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Contains(t, e.Reason, "AA33")
	assert.Equal(t, -32500, e.Code)
	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32500, rpcErr.ErrorCode())
	assert.Empty(t, bundler.sentOps())
}

func TestAssemblerSubmitRejected(t *testing.T) {
	bundler := newFakeBundler(t)
	bundler.sendError = &fakeRPCError{Code: -32602, Message: "AA25 invalid account nonce"}
	asm := NewAssembler(bundler.client(t), EntryPointV07, testChainID, quietLogger())

	_, err := asm.Submit(context.Background(), &Prepared{Op: testUserOperation()})
	assert.True(t, errors.Is(err, ErrSubmissionRejected), "got %v", err)
}

func TestAssemblerNetworkUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	asm := NewAssembler(dialTestBundler(t, url), EntryPointV07, testChainID, quietLogger())
	_, err := asm.Submit(context.Background(), &Prepared{Op: testUserOperation()})
	assert.True(t, errors.Is(err, ErrNetworkUnavailable), "got %v", err)
}

func TestAssemblerFeeEstimationFailed(t *testing.T) {
	chain := newFakeChain()
	bundler := newFakeBundler(t)
	bundler.gasPriceError = &fakeRPCError{Code: -32000, Message: "gas price oracle unavailable"}
	client := bundler.client(t)
	owner := testSigner(t, 0)
	account := resolveTestAccount(t, chain, owner)
	asm := NewAssembler(client, EntryPointV07, testChainID, quietLogger())

	_, err := asm.Prepare(context.Background(), account, []Call{TransferCall(testToken, owner.Address(), big.NewInt(1))}, validPaymaster(t), NewBundlerFeeOracle(client, "", ""))
	assert.True(t, errors.Is(err, ErrFeeEstimationFailed), "got %v", err)
	assert.Empty(t, bundler.estimatedOps(), "no estimation without fees")
}

func TestBundlerFeeOracle(t *testing.T) {
	bundler := newFakeBundler(t)
	oracle := NewBundlerFeeOracle(bundler.client(t), "", "")
	assert.Equal(t, DefaultFeeMethod, oracle.Method)
	assert.Equal(t, DefaultFeeTier, oracle.Tier)

	fees, err := oracle.EstimateFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), fees.MaxFeePerGas.Int64())
	assert.Equal(t, int64(100_000_000), fees.MaxPriorityFeePerGas.Int64())

	missing := NewBundlerFeeOracle(bundler.client(t), "", "instant")
	_, err = missing.EstimateFees(context.Background())
	assert.True(t, errors.Is(err, ErrFeeEstimationFailed))
}

func TestBundlerClientMisc(t *testing.T) {
	bundler := newFakeBundler(t)
	client := bundler.client(t)

	eps, err := client.SupportedEntryPoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{EntryPointV07}, eps)

	id, err := client.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testChainID.Int64(), id.Int64())

	err = client.call(context.Background(), nil, "eth_unknown")
	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, -32601, rpcErr.ErrorCode())
}

func TestClassifyBundlerError(t *testing.T) {
	bundler := newFakeBundler(t)
	err := bundler.client(t).call(context.Background(), nil, "eth_unknown")

	rejected := classifyBundlerError(err)
	assert.Equal(t, KindSubmissionRejected, rejected.Kind)
	assert.Equal(t, -32601, rejected.Code)
	assert.Equal(t, "method not found", rejected.Reason)

	// Error object delivered with a non-2xx status.
	httpErr := fmt.Errorf("eth_sendUserOperation: %w", rpc.HTTPError{
		StatusCode: http.StatusBadRequest,
		Status:     "400 Bad Request",
		Body:       []byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"AA10 sender already constructed"}}`),
	})
	rejected = classifyBundlerError(httpErr)
	assert.Equal(t, KindSubmissionRejected, rejected.Kind)
	assert.Equal(t, -32602, rejected.Code)
	assert.Equal(t, "AA10 sender already constructed", rejected.Reason)

	gateway := rpc.HTTPError{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway", Body: []byte("upstream down")}
	assert.Equal(t, KindNetworkUnavailable, classifyBundlerError(gateway).Kind)
	assert.Equal(t, KindNetworkUnavailable, classifyBundlerError(errors.New("connection refused")).Kind)
}

// flipPaymaster answers with provisional limits first and final ones after estimation.
type flipPaymaster struct {
	calls int
}

func (p *flipPaymaster) PaymasterData(_ context.Context, _ *UserOperation, _ common.Address, _ *big.Int) (*PaymasterData, error) {
	p.calls++
	data, err := EncodePaymasterData(PaymasterModePermit, testToken, big.NewInt(int64(p.calls)), testSignature(0x01))
	if err != nil {
		return nil, err
	}
	if p.calls == 1 {
		return &PaymasterData{Paymaster: testPaymaster, Data: data, VerificationGasLimit: big.NewInt(111), PostOpGasLimit: big.NewInt(222)}, nil
	}
	return &PaymasterData{Paymaster: testPaymaster, Data: data, VerificationGasLimit: big.NewInt(333), PostOpGasLimit: big.NewInt(444), IsFinal: true}, nil
}

func TestAssemblerNonFinalPaymasterData(t *testing.T) {
	chain := newFakeChain()
	bundler := newFakeBundler(t)
	owner := testSigner(t, 0)
	account := resolveTestAccount(t, chain, owner)
	asm := NewAssembler(bundler.client(t), EntryPointV07, testChainID, quietLogger())

	provider := &flipPaymaster{}
	call := TransferCall(testToken, owner.Address(), big.NewInt(1))
	prepared, err := asm.Prepare(context.Background(), account, []Call{call}, provider, FixedFees{MaxFeePerGas: big.NewInt(2), MaxPriorityFeePerGas: big.NewInt(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)

	op := prepared.Op
	assert.Equal(t, int64(333), op.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(444), op.PaymasterPostOpGasLimit.Int64())
	fields, err := DecodePaymasterData(op.PaymasterData)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fields.Amount.Int64())

	// Estimation saw the provisional answer.
	estimated := bundler.estimatedOps()
	require.Len(t, estimated, 1)
	assert.Equal(t, int64(111), estimated[0].PaymasterVerificationGasLimit.Int64())

	hash, err := op.Hash(EntryPointV07, testChainID)
	require.NoError(t, err)
	assert.Equal(t, hash, prepared.Hash)

	provisional := *op
	provisional.PaymasterVerificationGasLimit = big.NewInt(111)
	provisional.PaymasterPostOpGasLimit = big.NewInt(222)
	other, err := provisional.Hash(EntryPointV07, testChainID)
	require.NoError(t, err)
	assert.NotEqual(t, other, prepared.Hash)
}

func TestAssemblerRejectsOversizedFees(t *testing.T) {
	chain := newFakeChain()
	bundler := newFakeBundler(t)
	owner := testSigner(t, 0)
	account := resolveTestAccount(t, chain, owner)
	asm := NewAssembler(bundler.client(t), EntryPointV07, testChainID, quietLogger())

	huge := new(big.Int).Lsh(big.NewInt(1), 130)
	call := TransferCall(testToken, owner.Address(), big.NewInt(1))
	_, err := asm.Prepare(context.Background(), account, []Call{call}, validPaymaster(t), FixedFees{MaxFeePerGas: huge, MaxPriorityFeePerGas: big.NewInt(1)})
	assert.True(t, errors.Is(err, ErrInvalidRequest), "got %v", err)
	assert.Contains(t, err.Error(), "maxFeePerGas")
	assert.Empty(t, bundler.sentOps())
}
