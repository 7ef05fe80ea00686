package sponsor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Assembler builds user operations for a smart account and submits them.
type Assembler struct {
	bundler    Bundler
	entryPoint common.Address
	chainID    *big.Int
	logger     logrus.FieldLogger
}

// NewAssembler creates an assembler for one EntryPoint on one chain.
func NewAssembler(bundler Bundler, entryPoint common.Address, chainID *big.Int, logger logrus.FieldLogger) *Assembler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Assembler{
		bundler:    bundler,
		entryPoint: entryPoint,
		chainID:    new(big.Int).Set(chainID),
		logger:     logger.WithField("module", "assembler"),
	}
}

// Prepared is a signed operation ready for submission.
type Prepared struct {
	Op   *UserOperation
	Hash common.Hash
	Fees *GasFees
}

// Prepare builds, estimates and signs an operation executing calls from account.
// Nonce and fees are fetched concurrently; fees come only from the estimator.
func (a *Assembler) Prepare(ctx context.Context, account *SmartAccount, calls []Call, paymaster PaymasterDataProvider, fees FeeEstimator) (*Prepared, error) {
	callData, err := account.EncodeCalls(calls)
	if err != nil {
		return nil, newError(KindInvalidRequest, err)
	}

	var (
		nonce   *big.Int
		gasFees *GasFees
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		nonce, err = account.Nonce(gctx)
		return err
	})
	g.Go(func() error {
		f, err := fees.EstimateFees(gctx)
		if err != nil {
			return asError(KindFeeEstimationFailed, err)
		}
		gasFees = f
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, asError(KindChainQueryFailed, err)
	}

	op := &UserOperation{
		Sender:               account.Address,
		Nonce:                nonce,
		CallData:             callData,
		CallGasLimit:         new(big.Int),
		VerificationGasLimit: new(big.Int),
		PreVerificationGas:   new(big.Int),
		MaxFeePerGas:         gasFees.MaxFeePerGas,
		MaxPriorityFeePerGas: gasFees.MaxPriorityFeePerGas,
		Signature:            account.DummySignature(),
	}
	if !account.Deployed {
		factory := account.Factory
		op.Factory = &factory
		op.FactoryData = common.CopyBytes(account.FactoryData)
	}

	var pm *PaymasterData
	if paymaster != nil {
		pm, err = paymaster.PaymasterData(ctx, op, a.entryPoint, a.chainID)
		if err != nil {
			return nil, asError(KindInvalidRequest, err)
		}
		applyPaymaster(op, pm)
	}

	est, err := a.bundler.EstimateUserOperationGas(ctx, op, a.entryPoint)
	if err != nil {
		return nil, classifyBundlerError(err)
	}
	applyEstimate(op, est, pm)

	if pm != nil && !pm.IsFinal {
		final, err := paymaster.PaymasterData(ctx, op, a.entryPoint, a.chainID)
		if err != nil {
			return nil, asError(KindInvalidRequest, err)
		}
		applyPaymaster(op, final)
		applyEstimate(op, est, final)
	}

	if err := op.CheckGasWidths(); err != nil {
		return nil, newError(KindInvalidRequest, err)
	}
	hash, err := op.Hash(a.entryPoint, a.chainID)
	if err != nil {
		return nil, errorf(KindInvalidRequest, "failed to hash user operation: %w", err)
	}
	sig, err := account.SignUserOperation(ctx, hash)
	if err != nil {
		return nil, asError(KindSigningUnsupported, err)
	}
	op.Signature = sig

	a.logger.WithFields(logrus.Fields{
		"sender":     op.Sender.Hex(),
		"nonce":      op.Nonce,
		"userOpHash": hash.Hex(),
		"callGas":    op.CallGasLimit,
		"verifyGas":  op.VerificationGasLimit,
		"preVerGas":  op.PreVerificationGas,
	}).Debug("user operation prepared")

	return &Prepared{Op: op, Hash: hash, Fees: gasFees}, nil
}

// Submit sends a prepared operation. A bundler error object means the operation
// was rejected; anything else is a transport failure. Nothing is retried.
func (a *Assembler) Submit(ctx context.Context, p *Prepared) (common.Hash, error) {
	hash, err := a.bundler.SendUserOperation(ctx, p.Op, a.entryPoint)
	if err != nil {
		return common.Hash{}, classifyBundlerError(err)
	}
	if hash != p.Hash {
		a.logger.WithFields(logrus.Fields{
			"local":   p.Hash.Hex(),
			"bundler": hash.Hex(),
		}).Warn("bundler returned a different user operation hash")
	}
	return hash, nil
}

func applyPaymaster(op *UserOperation, pm *PaymasterData) {
	paymaster := pm.Paymaster
	op.Paymaster = &paymaster
	op.PaymasterData = pm.Data
	op.PaymasterVerificationGasLimit = bigOrZero(copyBig(pm.VerificationGasLimit))
	op.PaymasterPostOpGasLimit = bigOrZero(copyBig(pm.PostOpGasLimit))
}

// applyEstimate copies estimated limits into op. Paymaster limits supplied by the
// provider win over the bundler's estimate. It is applied again after a non-final
// paymaster answer is replaced.
func applyEstimate(op *UserOperation, est *GasEstimate, pm *PaymasterData) {
	if est.PreVerificationGas != nil {
		op.PreVerificationGas = est.PreVerificationGas.ToInt()
	}
	if est.VerificationGasLimit != nil {
		op.VerificationGasLimit = est.VerificationGasLimit.ToInt()
	}
	if est.CallGasLimit != nil {
		op.CallGasLimit = est.CallGasLimit.ToInt()
	}
	if pm == nil {
		return
	}
	if pm.VerificationGasLimit == nil && est.PaymasterVerificationGasLimit != nil {
		op.PaymasterVerificationGasLimit = est.PaymasterVerificationGasLimit.ToInt()
	}
	if pm.PostOpGasLimit == nil && est.PaymasterPostOpGasLimit != nil {
		op.PaymasterPostOpGasLimit = est.PaymasterPostOpGasLimit.ToInt()
	}
}
