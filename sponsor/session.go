package sponsor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// PermitSignerChoice selects who signs the token permit.
type PermitSignerChoice string

const (
	// PermitByOwner signs with the owner key; the owner EOA is the permit owner and
	// must hold the tokens.
	PermitByOwner PermitSignerChoice = "owner"
	// PermitByAccount signs for the smart account; the account must hold the tokens
	// and validate owner signatures through ERC-1271.
	PermitByAccount PermitSignerChoice = "account"
)

// ParsePermitSignerChoice accepts "owner" or "account".
func ParsePermitSignerChoice(s string) (PermitSignerChoice, error) {
	switch PermitSignerChoice(s) {
	case PermitByOwner, PermitByAccount:
		return PermitSignerChoice(s), nil
	default:
		return "", fmt.Errorf("unknown permit signer %q (want owner or account)", s)
	}
}

// Config is the fixed per-deployment configuration of a session.
type Config struct {
	ChainID    *big.Int
	EntryPoint common.Address
	Paymaster  common.Address
	Token      common.Address
	// SignatureValidator is an optional ERC-6492 universal validator used to check
	// account permit signatures before submission.
	SignatureValidator common.Address
	Account            AccountParams

	PaymasterMode            uint8
	PaymasterVerificationGas *big.Int
	PaymasterPostOpGas       *big.Int

	PermitAmount *big.Int
	PermitTTL    time.Duration
	PermitSigner PermitSignerChoice
	// AccountTypedData declares that the smart account validates owner EIP-712
	// signatures through ERC-1271. Without it an account permit fails with
	// SigningUnsupported.
	AccountTypedData bool
	// AccountERC6492 lets an undeployed account sign counterfactually. Without it
	// an account permit before deployment fails with SigningUnsupported.
	AccountERC6492 bool

	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return errors.New("chain id is required")
	}
	if c.Paymaster == (common.Address{}) {
		return errors.New("paymaster address is required")
	}
	if c.Token == (common.Address{}) {
		return errors.New("token address is required")
	}
	if c.Account.Factory == (common.Address{}) {
		return errors.New("account factory address is required")
	}
	if c.EntryPoint == (common.Address{}) {
		c.EntryPoint = EntryPointV07
	}
	if c.Account.Variant == "" {
		c.Account.Variant = VariantInitializer
	}
	if c.Account.Salt == nil {
		c.Account.Salt = new(big.Int)
	}
	if c.PermitAmount == nil {
		c.PermitAmount = big.NewInt(DefaultPermitAmount)
	}
	if err := checkUint256("permit amount", c.PermitAmount); err != nil {
		return err
	}
	if c.PermitTTL <= 0 {
		c.PermitTTL = DefaultPermitTTL
	}
	switch c.PermitSigner {
	case "":
		c.PermitSigner = PermitByAccount
	case PermitByOwner, PermitByAccount:
	default:
		return fmt.Errorf("unknown permit signer %q", c.PermitSigner)
	}
	if c.PaymasterVerificationGas == nil {
		c.PaymasterVerificationGas = big.NewInt(DefaultPaymasterVerification)
	}
	if c.PaymasterPostOpGas == nil {
		c.PaymasterPostOpGas = big.NewInt(DefaultPaymasterPostOp)
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = DefaultReceiptTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return nil
}

// State is the position of one attempt in the pipeline.
type State string

const (
	StateIdle               State = "Idle"
	StateAccountResolved    State = "AccountResolved"
	StatePermitSigned       State = "PermitSigned"
	StatePayloadEncoded     State = "PayloadEncoded"
	StateOperationAssembled State = "OperationAssembled"
	StateSubmitted          State = "Submitted"
	StateConfirmed          State = "Confirmed"
	StateReverted           State = "Reverted"
	StateTimedOut           State = "TimedOut"
	StateRejected           State = "Rejected"
	// StateFailed ends attempts that failed before anything was submitted.
	StateFailed State = "Failed"
)

var nextState = map[State]State{
	StateIdle:               StateAccountResolved,
	StateAccountResolved:    StatePermitSigned,
	StatePermitSigned:       StatePayloadEncoded,
	StatePayloadEncoded:     StateOperationAssembled,
	StateOperationAssembled: StateSubmitted,
	StateSubmitted:          StateConfirmed,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateReverted, StateTimedOut, StateRejected, StateFailed:
		return true
	}
	return false
}

// Outcome is the structured result of one attempt.
type Outcome struct {
	Success    bool           `json:"success"`
	TxHash     common.Hash    `json:"transactionHash"`
	UserOpHash common.Hash    `json:"userOpHash"`
	Account    common.Address `json:"account"`
	// Reason is a human-readable failure description.
	Reason  string   `json:"reason,omitempty"`
	Stage   Stage    `json:"stage"`
	State   State    `json:"state"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Events  []Event  `json:"events"`
	Err     error    `json:"-"`
}

// OutcomeObserver is notified once per finished attempt.
type OutcomeObserver interface {
	ObserveOutcome(*Outcome)
}

// Session holds everything an attempt needs: chain reads, bundler, fee oracle,
// owner signer and configuration. Nothing is taken from global state.
//
// A session may run attempts concurrently but callers should keep at most one
// in-flight attempt per owner.
type Session struct {
	Chain     ChainReader
	Bundler   Bundler
	Fees      FeeEstimator
	Owner     Signer
	Config    Config
	Logger    logrus.FieldLogger
	Observers []Observer

	deriver   *Deriver
	permits   *PermitSigner
	assembler *Assembler
	tracker   *Tracker
	now       func() time.Time
}

// NewSession validates cfg and wires the pipeline components.
func NewSession(chain ChainReader, bundler Bundler, fees FeeEstimator, owner Signer, cfg Config, logger logrus.FieldLogger, observers ...Observer) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindInvalidRequest, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	deriver, err := NewDeriver(chain, cfg.EntryPoint, 0)
	if err != nil {
		return nil, err
	}
	return &Session{
		Chain:     chain,
		Bundler:   bundler,
		Fees:      fees,
		Owner:     owner,
		Config:    cfg,
		Logger:    logger,
		Observers: observers,
		deriver:   deriver,
		permits:   NewPermitSigner(chain),
		assembler: NewAssembler(bundler, cfg.EntryPoint, cfg.ChainID, logger),
		tracker:   NewTracker(bundler, cfg.ReceiptTimeout, cfg.PollInterval, logger),
		now:       time.Now,
	}, nil
}

// TransferCall builds a transfer of the configured token from the smart account.
func (s *Session) TransferCall(to common.Address, amount *big.Int) Call {
	return TransferCall(s.Config.Token, to, amount)
}

// ResolveAccount resolves the owner's smart account without starting an attempt.
func (s *Session) ResolveAccount(ctx context.Context) (*SmartAccount, error) {
	if s.Owner == nil {
		return nil, errorf(KindIdentityUnavailable, "no owner signer")
	}
	return s.deriver.Resolve(ctx, s.Owner.Address(), s.Config.Account, s.Owner)
}

// TokenBalance reads the configured token's balance of holder.
func (s *Session) TokenBalance(ctx context.Context, holder common.Address) (*big.Int, error) {
	balance, err := NewTokenReader(s.Chain, s.Config.Token).BalanceOf(ctx, holder)
	if err != nil {
		return nil, errorf(KindChainQueryFailed, "failed to read token balance of %s: %w", holder.Hex(), err)
	}
	return balance, nil
}

// Lookup queries the receipt of an earlier operation.
func (s *Session) Lookup(ctx context.Context, hash common.Hash) (*Receipt, error) {
	return s.tracker.Lookup(ctx, hash)
}

// attempt carries the per-attempt state; nothing in it is shared between attempts.
type attempt struct {
	state   State
	stage   Stage
	log     *EventLog
	account *SmartAccount
	permit  *Permit
	payload []byte
	op      *Prepared
	hash    common.Hash
	receipt *Receipt
}

func (a *attempt) enter(stage Stage, fields map[string]interface{}) {
	a.stage = stage
	a.log.Append(stage, fields, nil)
}

func (a *attempt) advance(next State) {
	if nextState[a.state] != next {
		panic(fmt.Sprintf("invalid attempt transition %s -> %s", a.state, next))
	}
	a.state = next
}

// Execute runs one attempt executing calls from the owner's smart account and
// returns its outcome. The returned error equals Outcome.Err.
//
// Stages run strictly in order and each emits one event before it starts; the
// attempt ends with a confirmed or failed event. Cancelling ctx after submission
// only abandons the wait: the operation hash in the outcome stays valid for Lookup.
func (s *Session) Execute(ctx context.Context, calls ...Call) (*Outcome, error) {
	observers := append([]Observer{LogObserver{Logger: s.Logger}}, s.Observers...)
	a := &attempt{state: StateIdle, log: NewEventLog(observers...)}

	out := s.finish(a, s.run(ctx, a, calls))
	return out, out.Err
}

func (s *Session) run(ctx context.Context, a *attempt, calls []Call) error {
	cfg := s.Config

	a.enter(StageConnecting, map[string]interface{}{"chainId": cfg.ChainID.String()})
	if s.Owner == nil {
		return errorf(KindIdentityUnavailable, "no owner signer")
	}
	chainID, err := s.Chain.ChainID(ctx)
	if err != nil {
		return newError(KindNetworkUnavailable, err)
	}
	if chainID.Cmp(cfg.ChainID) != 0 {
		return errorf(KindChainQueryFailed, "connected to chain %s, configured for %s", chainID, cfg.ChainID)
	}

	a.enter(StageResolvingAccount, map[string]interface{}{
		"owner":   s.Owner.Address().Hex(),
		"variant": string(cfg.Account.Variant),
		"salt":    cfg.Account.Salt.String(),
	})
	account, err := s.deriver.Resolve(ctx, s.Owner.Address(), cfg.Account, s.Owner)
	if err != nil {
		return asError(KindAccountResolutionFailed, err)
	}
	a.account = account
	a.advance(StateAccountResolved)

	signer := s.permitSigner(account)
	a.enter(StageSigningPermit, map[string]interface{}{
		"account":      account.Address.Hex(),
		"deployed":     account.Deployed,
		"signer":       string(signer.Kind()),
		"capabilities": signer.Capabilities().String(),
	})
	deadline := s.now().Add(cfg.PermitTTL).Unix()
	permit, err := s.permits.Sign(ctx, PermitRequest{
		Token:    cfg.Token,
		ChainID:  cfg.ChainID,
		Signer:   signer,
		Spender:  cfg.Paymaster,
		Amount:   cfg.PermitAmount,
		Deadline: big.NewInt(deadline),
	})
	if err != nil {
		return err
	}
	if signer.Kind() == KindRawKey {
		if err := VerifyPermit(permit); err != nil {
			return newError(KindSigningUnsupported, err)
		}
	} else if cfg.SignatureValidator != (common.Address{}) {
		valid, err := VerifyPermitOnChain(ctx, s.Chain, cfg.SignatureValidator, permit)
		if err != nil {
			return err
		}
		if !valid {
			return errorf(KindSigningUnsupported, "account %s does not validate the permit signature", account.Address.Hex())
		}
	}
	a.permit = permit
	a.advance(StatePermitSigned)

	a.enter(StageEncodingPayload, map[string]interface{}{
		"mode":   cfg.PaymasterMode,
		"token":  cfg.Token.Hex(),
		"amount": permit.Value.String(),
		"nonce":  permit.Nonce.String(),
	})
	payload, err := EncodePaymasterData(cfg.PaymasterMode, cfg.Token, permit.Value, permit.Signature)
	if err != nil {
		return newError(KindInvalidRequest, err)
	}
	a.payload = payload
	a.advance(StatePayloadEncoded)

	a.enter(StageEstimatingFees, map[string]interface{}{"paymaster": cfg.Paymaster.Hex()})
	paymaster := &StaticPaymaster{
		Address:              cfg.Paymaster,
		Data:                 payload,
		VerificationGasLimit: cfg.PaymasterVerificationGas,
		PostOpGasLimit:       cfg.PaymasterPostOpGas,
	}
	prepared, err := s.assembler.Prepare(ctx, account, calls, paymaster, s.Fees)
	if err != nil {
		return err
	}
	a.op = prepared
	a.advance(StateOperationAssembled)

	a.enter(StageSubmitting, map[string]interface{}{
		"userOpHash":   prepared.Hash.Hex(),
		"maxFeePerGas": prepared.Fees.MaxFeePerGas.String(),
	})
	hash, err := s.assembler.Submit(ctx, prepared)
	if err != nil {
		return err
	}
	a.hash = hash
	a.advance(StateSubmitted)

	a.enter(StageAwaitingConfirmation, map[string]interface{}{"userOpHash": hash.Hex()})
	receipt, err := s.tracker.Wait(ctx, hash)
	a.receipt = receipt
	if err != nil {
		return err
	}
	a.advance(StateConfirmed)
	return nil
}

// permitSigner returns the signer selected by configuration. No fallback happens
// between the two: an account without typed-data capability fails to sign.
func (s *Session) permitSigner(account *SmartAccount) Signer {
	if s.Config.PermitSigner == PermitByOwner {
		return s.Owner
	}
	var caps CapabilitySet
	if s.Config.AccountTypedData {
		caps |= CapabilitySet(CapTypedData)
	}
	if s.Config.AccountERC6492 {
		caps |= CapabilitySet(CapERC6492)
	}
	return account.Signer(caps)
}

func (s *Session) finish(a *attempt, err error) *Outcome {
	out := &Outcome{
		UserOpHash: a.hash,
		Stage:      a.stage,
		Receipt:    a.receipt,
	}
	if a.account != nil {
		out.Account = a.account.Address
	}
	if a.receipt != nil {
		out.TxHash = a.receipt.TxHash
	}

	if err == nil {
		out.Success = true
		out.State = StateConfirmed
		a.log.Append(StageConfirmed, map[string]interface{}{
			"userOpHash": a.hash.Hex(),
			"txHash":     out.TxHash.Hex(),
		}, nil)
	} else {
		e := withStage(asError(KindInvalidRequest, err), a.stage, a.hash)
		out.Err = e
		out.Reason = e.Error()
		out.State = failureState(e.Kind, a.state)
		fields := map[string]interface{}{
			"failedStage": string(a.stage),
			"kind":        string(e.Kind),
		}
		if a.hash != (common.Hash{}) {
			fields["userOpHash"] = a.hash.Hex()
		}
		a.log.Append(StageFailed, fields, e)
	}
	out.Events = a.log.Events()

	for _, o := range s.Observers {
		if oo, ok := o.(OutcomeObserver); ok {
			oo.ObserveOutcome(out)
		}
	}
	return out
}

// withStage copies e with the stage and hash filled in; sentinels are never mutated.
func withStage(e *Error, stage Stage, hash common.Hash) *Error {
	c := *e
	if c.Stage == "" {
		c.Stage = stage
	}
	if c.UserOpHash == (common.Hash{}) {
		c.UserOpHash = hash
	}
	return &c
}

func failureState(kind ErrorKind, state State) State {
	switch kind {
	case KindSubmissionRejected:
		return StateRejected
	case KindOperationReverted:
		return StateReverted
	case KindOperationTimeout:
		return StateTimedOut
	}
	if state == StateSubmitted {
		return StateTimedOut
	}
	return StateFailed
}
