// paymaster-sponsor submits ERC-4337 user operations whose gas is paid in an ERC-20
// token through a permit-funded paymaster.
//
// Usage:
//
//	paymaster-sponsor [options]
//
// Options:
//
//	-env            Path to .env file (default: .env in current directory)
//	-preset         Chain preset (base-sepolia, arbitrum-sepolia, local)
//	-list-presets   List available chain presets
//	-key            Owner private key hex
//	-mnemonic       BIP39 mnemonic for deriving the owner key
//	-index          BIP44 address index for -mnemonic
//	-rpc            Chain RPC URL
//	-bundler        Bundler RPC URL
//	-to             Token transfer recipient
//	-amount         Token transfer amount in base units
//	-permit-signer  Permit signer: owner or account
//	-resolve        Resolve and print the smart account, then exit
//	-receipt        Look up a user operation receipt by hash, then exit
//	-serve          Serve the HTTP API instead of running one attempt
//	-verbose        Debug logging
//
// Environment Variables:
//
//	CHAIN_PRESET, CHAIN_ID, RPC_URL, BUNDLER_URL, PRIVATE_KEY, MNEMONIC,
//	ENTRYPOINT_ADDRESS, PAYMASTER_ADDRESS, TOKEN_ADDRESS, FACTORY_ADDRESS,
//	SIGNATURE_VALIDATOR, ACCOUNT_VARIANT, ACCOUNT_SALT, ACCOUNT_TYPED_DATA,
//	ACCOUNT_ERC6492, PERMIT_AMOUNT, PERMIT_SIGNER, RECEIPT_TIMEOUT, POLL_INTERVAL,
//	FEE_METHOD, FEE_TIER, LOG_LEVEL, LISTEN_ADDR
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/stable-net/paymaster-sponsor/config"
	"github.com/stable-net/paymaster-sponsor/server"
	"github.com/stable-net/paymaster-sponsor/sponsor"
	"github.com/stable-net/paymaster-sponsor/wallet"
)

func main() {
	// .env must be loaded before flag defaults are read from the environment.
	envLoaded := false
	for i, arg := range os.Args[1:] {
		if arg == "-env" && i+1 < len(os.Args)-1 {
			_ = config.LoadConfig(os.Args[i+2])
			envLoaded = true
			break
		} else if strings.HasPrefix(arg, "-env=") {
			_ = config.LoadConfig(strings.TrimPrefix(arg, "-env="))
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		_ = config.LoadConfig("")
	}

	_ = flag.String("env", "", "Path to .env file (default: .env in current directory)")
	preset := flag.String("preset", "", "Chain preset ("+strings.Join(config.ListPresets(), ", ")+")")
	listPresets := flag.Bool("list-presets", false, "List available chain presets")
	keyHex := flag.String("key", "", "Owner private key hex")
	mnemonic := flag.String("mnemonic", "", "BIP39 mnemonic for deriving the owner key")
	index := flag.Uint64("index", 0, "BIP44 address index for -mnemonic")
	rpcURL := flag.String("rpc", "", "Chain RPC URL")
	bundlerURL := flag.String("bundler", "", "Bundler RPC URL")
	to := flag.String("to", "", "Token transfer recipient")
	amount := flag.String("amount", "1", "Token transfer amount in base units")
	permitSigner := flag.String("permit-signer", "", "Permit signer: owner or account")
	resolve := flag.Bool("resolve", false, "Resolve and print the smart account, then exit")
	receipt := flag.String("receipt", "", "Look up a user operation receipt by hash, then exit")
	serve := flag.Bool("serve", false, "Serve the HTTP API")
	verbose := flag.Bool("verbose", false, "Debug logging")
	flag.Parse()

	if *listPresets {
		config.PrintPresets()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fatalf("Error: %v\n", err)
	}
	// Flags override environment, environment overrides preset.
	if *rpcURL != "" {
		cfg.RPCURL = *rpcURL
	}
	if *bundlerURL != "" {
		cfg.BundlerURL = *bundlerURL
	}
	if *keyHex != "" {
		cfg.PrivateKey = *keyHex
	}
	if *mnemonic != "" {
		cfg.Mnemonic = *mnemonic
	}
	if *permitSigner != "" {
		cfg.PermitSigner = *permitSigner
	}
	if *preset != "" {
		if err := cfg.ApplyPreset(*preset); err != nil {
			fatalf("Error: %v\n", err)
		}
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	logger, err := cfg.Logger()
	if err != nil {
		fatalf("Error: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *receipt != "" {
		runReceipt(ctx, cfg, *receipt, logger)
		return
	}

	owner, err := wallet.Load(wallet.Options{PrivateKey: cfg.PrivateKey, Mnemonic: cfg.Mnemonic, Index: *index})
	if err != nil {
		fatalf("Error loading owner key: %v\n", err)
	}

	sponsorCfg, err := cfg.Sponsor()
	if err != nil {
		fatalf("Error: %v\n", err)
	}
	if cfg.RPCURL == "" || cfg.BundlerURL == "" {
		fatalf("Error: RPC_URL and BUNDLER_URL are required (set them or use -preset)\n")
	}

	chain, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		fatalf("Error connecting to %s: %v\n", cfg.RPCURL, err)
	}
	defer chain.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := sponsor.NewMetrics(reg)
	if err != nil {
		fatalf("Error: %v\n", err)
	}

	bundler, err := sponsor.DialBundler(ctx, cfg.BundlerURL, 0)
	if err != nil {
		fatalf("Error: %v\n", err)
	}
	defer bundler.Close()
	fees := sponsor.NewBundlerFeeOracle(bundler, cfg.FeeMethod, cfg.FeeTier)
	session, err := sponsor.NewSession(chain, bundler, fees, owner, sponsorCfg, logger, metrics)
	if err != nil {
		fatalf("Error: %v\n", err)
	}

	logger.WithFields(logrus.Fields{
		"chainId":   sponsorCfg.ChainID,
		"owner":     owner.Address().Hex(),
		"paymaster": sponsorCfg.Paymaster.Hex(),
		"token":     sponsorCfg.Token.Hex(),
		"bundler":   bundler.URL(),
	}).Info("sponsor session ready")

	switch {
	case *resolve:
		account, err := session.ResolveAccount(ctx)
		if err != nil {
			fatalf("Error resolving account: %v\n", err)
		}
		balance, err := session.TokenBalance(ctx, account.Address)
		if err != nil {
			logger.WithError(err).Warn("token balance unavailable")
		}
		fmt.Print(sponsor.FormatAccount(account, balance))

	case *serve:
		srv := server.New(session, reg, logger)
		if err := srv.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
			fatalf("Error: %v\n", err)
		}

	default:
		if !common.IsHexAddress(*to) {
			fatalf("Error: -to must be a recipient address\n")
		}
		value, ok := new(big.Int).SetString(*amount, 10)
		if !ok || value.Sign() <= 0 {
			fatalf("Error: -amount must be a positive integer\n")
		}
		out, err := session.Execute(ctx, session.TransferCall(common.HexToAddress(*to), value))
		fmt.Print(sponsor.FormatOutcome(out))
		if err != nil {
			os.Exit(1)
		}
	}
}

// runReceipt queries the bundler for a previously submitted operation.
func runReceipt(ctx context.Context, cfg *config.Config, hashHex string, logger logrus.FieldLogger) {
	if cfg.BundlerURL == "" {
		fatalf("Error: BUNDLER_URL is required\n")
	}
	b := common.FromHex(hashHex)
	if len(b) != common.HashLength {
		fatalf("Error: invalid user operation hash %q\n", hashHex)
	}
	hash := common.BytesToHash(b)
	bundler, err := sponsor.DialBundler(ctx, cfg.BundlerURL, 0)
	if err != nil {
		fatalf("Error: %v\n", err)
	}
	defer bundler.Close()
	tracker := sponsor.NewTracker(bundler, 0, 0, logger)
	r, err := tracker.Lookup(ctx, hash)
	if err != nil {
		fatalf("Error: %v\n", err)
	}
	fmt.Print(sponsor.FormatReceipt(hash, r))
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
