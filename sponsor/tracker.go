package sponsor

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// Tracker waits for submitted operations to be included.
type Tracker struct {
	bundler  Bundler
	timeout  time.Duration
	interval time.Duration
	logger   logrus.FieldLogger
}

// NewTracker polls bundler every interval for at most timeout per Wait.
func NewTracker(bundler Bundler, timeout, interval time.Duration, logger logrus.FieldLogger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracker{
		bundler:  bundler,
		timeout:  timeout,
		interval: interval,
		logger:   logger.WithField("module", "tracker"),
	}
}

// Wait blocks until the bundler reports a receipt for hash. Poll errors are logged
// and polling continues until the window closes.
//
// Errors: OperationReverted when the receipt reports failure (with the decoded
// reason), OperationTimeout when the window elapses or ctx is cancelled. In both
// timeout cases the operation may still be included; use Lookup later.
func (t *Tracker) Wait(ctx context.Context, hash common.Hash) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	logger := t.logger.WithField("userOpHash", hash.Hex())
	var lastErr error
	for {
		receipt, err := t.bundler.GetUserOperationReceipt(waitCtx, hash)
		switch {
		case err != nil:
			lastErr = err
			logger.WithError(err).Debug("receipt poll failed")
		case receipt != nil:
			return checkReceipt(hash, receipt)
		}

		select {
		case <-waitCtx.Done():
			cause := waitCtx.Err()
			if ctx.Err() == nil && errors.Is(cause, context.DeadlineExceeded) && lastErr != nil {
				cause = errors.Join(cause, lastErr)
			}
			return nil, &Error{
				Kind:       KindOperationTimeout,
				Stage:      StageAwaitingConfirmation,
				UserOpHash: hash,
				Reason:     "no receipt within " + t.timeout.String(),
				Err:        cause,
			}
		case <-ticker.C:
		}
	}
}

// Lookup queries the receipt once. A nil receipt with a nil error means the
// operation is still pending. A bundler error object is SubmissionRejected,
// a transport failure NetworkUnavailable.
func (t *Tracker) Lookup(ctx context.Context, hash common.Hash) (*Receipt, error) {
	receipt, err := t.bundler.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		e := classifyBundlerError(err)
		e.UserOpHash = hash
		return nil, e
	}
	return receipt, nil
}

func checkReceipt(hash common.Hash, r *Receipt) (*Receipt, error) {
	if r.Success {
		return r, nil
	}
	reason := r.Reason
	if reason == "" {
		reason = "execution reverted"
	}
	return r, &Error{
		Kind:       KindOperationReverted,
		Stage:      StageAwaitingConfirmation,
		UserOpHash: hash,
		Reason:     reason,
	}
}
