package sponsor

import (
	"context"
	"fmt"
	"math/big"
)

// FeeEstimator returns per-gas prices for a new operation.
type FeeEstimator interface {
	EstimateFees(ctx context.Context) (*GasFees, error)
}

// GasPriceOracle is the bundler endpoint BundlerFeeOracle reads from.
type GasPriceOracle interface {
	GasPrice(ctx context.Context, method string) (map[string]GasPriceTier, error)
}

// BundlerFeeOracle reads fees from the bundler's gas-price method. There is no local
// fallback: if the bundler cannot price the operation, the attempt fails.
type BundlerFeeOracle struct {
	client GasPriceOracle
	Method string
	Tier   string
}

// NewBundlerFeeOracle uses method and tier, defaulting to the pimlico method and the
// standard tier.
func NewBundlerFeeOracle(client GasPriceOracle, method, tier string) *BundlerFeeOracle {
	if method == "" {
		method = DefaultFeeMethod
	}
	if tier == "" {
		tier = DefaultFeeTier
	}
	return &BundlerFeeOracle{client: client, Method: method, Tier: tier}
}

func (o *BundlerFeeOracle) EstimateFees(ctx context.Context) (*GasFees, error) {
	tiers, err := o.client.GasPrice(ctx, o.Method)
	if err != nil {
		return nil, newError(KindFeeEstimationFailed, err)
	}
	tier, ok := tiers[o.Tier]
	if !ok {
		return nil, errorf(KindFeeEstimationFailed, "%s returned no %q tier", o.Method, o.Tier)
	}
	if tier.MaxFeePerGas == nil || tier.MaxPriorityFeePerGas == nil {
		return nil, errorf(KindFeeEstimationFailed, "%s returned an incomplete %q tier", o.Method, o.Tier)
	}
	fees := &GasFees{
		MaxFeePerGas:         new(big.Int).Set(tier.MaxFeePerGas.ToInt()),
		MaxPriorityFeePerGas: new(big.Int).Set(tier.MaxPriorityFeePerGas.ToInt()),
	}
	if fees.MaxPriorityFeePerGas.Cmp(fees.MaxFeePerGas) > 0 {
		return nil, errorf(KindFeeEstimationFailed, "priority fee %s above max fee %s", fees.MaxPriorityFeePerGas, fees.MaxFeePerGas)
	}
	return fees, nil
}

// FixedFees returns the same prices every time; used for local chains and tests.
type FixedFees GasFees

func (f FixedFees) EstimateFees(context.Context) (*GasFees, error) {
	if f.MaxFeePerGas == nil || f.MaxPriorityFeePerGas == nil {
		return nil, errorf(KindFeeEstimationFailed, "fixed fees not set")
	}
	return &GasFees{
		MaxFeePerGas:         new(big.Int).Set(f.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(f.MaxPriorityFeePerGas),
	}, nil
}

func (f *GasFees) String() string {
	return fmt.Sprintf("maxFee=%s maxPriorityFee=%s", f.MaxFeePerGas, f.MaxPriorityFeePerGas)
}
