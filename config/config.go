// Package config loads sponsor settings from the environment, an optional .env
// file and named chain presets.
package config

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/stable-net/paymaster-sponsor/sponsor"
)

// Config holds all configuration values
type Config struct {
	Preset     string
	ChainID    *big.Int
	RPCURL     string
	BundlerURL string
	PrivateKey string
	Mnemonic   string

	EntryPoint         common.Address
	Paymaster          common.Address
	Token              common.Address
	Factory            common.Address
	SignatureValidator common.Address

	AccountVariant   string
	AccountSalt      *big.Int
	AccountTypedData bool
	AccountERC6492   bool

	PermitAmount *big.Int
	PermitSigner string

	ReceiptTimeout time.Duration
	PollInterval   time.Duration
	FeeMethod      string
	FeeTier        string

	LogLevel   string
	ListenAddr string
}

// ChainPreset represents a predefined chain configuration
type ChainPreset struct {
	Name       string
	ChainID    *big.Int
	RPCURL     string
	BundlerURL string
	Token      common.Address
	Paymaster  common.Address
}

// ChainPresets contains predefined configurations for supported networks
var ChainPresets = map[string]ChainPreset{
	"local": {
		Name:       "local",
		ChainID:    big.NewInt(31337),
		RPCURL:     "http://localhost:8545",
		BundlerURL: "http://localhost:4337",
	},
	"base-sepolia": {
		Name:      "base-sepolia",
		ChainID:   big.NewInt(84532),
		RPCURL:    "https://sepolia.base.org",
		Token:     common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		Paymaster: common.HexToAddress("0x31BE08D380A21fc740883c0BC434FcFc88740b58"),
	},
	"arbitrum-sepolia": {
		Name:      "arbitrum-sepolia",
		ChainID:   big.NewInt(421614),
		RPCURL:    "https://sepolia-rollup.arbitrum.io/rpc",
		Token:     common.HexToAddress("0x75faf114eafb1BDbe2F0316DF893fd58CE46AA4d"),
		Paymaster: common.HexToAddress("0x31BE08D380A21fc740883c0BC434FcFc88740b58"),
	},
}

// LoadConfig loads configuration from .env file
// It silently ignores if the file doesn't exist
func LoadConfig(envPath string) error {
	if envPath != "" {
		return godotenv.Load(envPath)
	}
	_ = godotenv.Load()
	return nil
}

// Load reads every setting from the environment. A CHAIN_PRESET fills the values
// the environment leaves unset; it is an error to name an unknown preset.
func Load() (*Config, error) {
	cfg := &Config{
		RPCURL:         os.Getenv("RPC_URL"),
		BundlerURL:     os.Getenv("BUNDLER_URL"),
		PrivateKey:     GetPrivateKey(),
		Mnemonic:       os.Getenv("MNEMONIC"),
		AccountVariant: os.Getenv("ACCOUNT_VARIANT"),
		PermitSigner:   os.Getenv("PERMIT_SIGNER"),
		FeeMethod:      envOr("FEE_METHOD", sponsor.DefaultFeeMethod),
		FeeTier:        envOr("FEE_TIER", sponsor.DefaultFeeTier),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
	}

	var err error
	if cfg.ChainID, err = envBig("CHAIN_ID"); err != nil {
		return nil, err
	}
	if cfg.AccountSalt, err = envBig("ACCOUNT_SALT"); err != nil {
		return nil, err
	}
	if cfg.PermitAmount, err = envBig("PERMIT_AMOUNT"); err != nil {
		return nil, err
	}
	addrs := []struct {
		key string
		dst *common.Address
	}{
		{"ENTRYPOINT_ADDRESS", &cfg.EntryPoint},
		{"PAYMASTER_ADDRESS", &cfg.Paymaster},
		{"TOKEN_ADDRESS", &cfg.Token},
		{"FACTORY_ADDRESS", &cfg.Factory},
		{"SIGNATURE_VALIDATOR", &cfg.SignatureValidator},
	}
	for _, a := range addrs {
		if *a.dst, err = envAddress(a.key); err != nil {
			return nil, err
		}
	}
	if cfg.AccountTypedData, err = envBool("ACCOUNT_TYPED_DATA", false); err != nil {
		return nil, err
	}
	if cfg.AccountERC6492, err = envBool("ACCOUNT_ERC6492", false); err != nil {
		return nil, err
	}
	if cfg.ReceiptTimeout, err = envDuration("RECEIPT_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = envDuration("POLL_INTERVAL"); err != nil {
		return nil, err
	}

	if name := os.Getenv("CHAIN_PRESET"); name != "" {
		if err := cfg.ApplyPreset(name); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ApplyPreset fills unset chain values from a named preset.
func (c *Config) ApplyPreset(name string) error {
	p, ok := GetChainPreset(name)
	if !ok {
		return fmt.Errorf("unknown chain preset: %s (available: %s)", name, strings.Join(ListPresets(), ", "))
	}
	c.Preset = p.Name
	if c.ChainID == nil {
		c.ChainID = new(big.Int).Set(p.ChainID)
	}
	if c.RPCURL == "" {
		c.RPCURL = p.RPCURL
	}
	if c.BundlerURL == "" {
		c.BundlerURL = p.BundlerURL
	}
	if c.Token == (common.Address{}) {
		c.Token = p.Token
	}
	if c.Paymaster == (common.Address{}) {
		c.Paymaster = p.Paymaster
	}
	return nil
}

// Sponsor validates the settings into a session configuration.
func (c *Config) Sponsor() (sponsor.Config, error) {
	var (
		variant sponsor.AccountVariant
		signer  sponsor.PermitSignerChoice
		err     error
	)
	if c.AccountVariant != "" {
		if variant, err = sponsor.ParseAccountVariant(c.AccountVariant); err != nil {
			return sponsor.Config{}, err
		}
	}
	if c.PermitSigner != "" {
		if signer, err = sponsor.ParsePermitSignerChoice(c.PermitSigner); err != nil {
			return sponsor.Config{}, err
		}
	}
	out := sponsor.Config{
		ChainID:            c.ChainID,
		EntryPoint:         c.EntryPoint,
		Paymaster:          c.Paymaster,
		Token:              c.Token,
		SignatureValidator: c.SignatureValidator,
		Account: sponsor.AccountParams{
			Variant: variant,
			Factory: c.Factory,
			Salt:    c.AccountSalt,
		},
		PaymasterMode:    sponsor.PaymasterModePermit,
		PermitAmount:     c.PermitAmount,
		PermitSigner:     signer,
		AccountTypedData: c.AccountTypedData,
		AccountERC6492:   c.AccountERC6492,
		ReceiptTimeout:   c.ReceiptTimeout,
		PollInterval:     c.PollInterval,
	}
	if err := out.Validate(); err != nil {
		return sponsor.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return out, nil
}

// Logger builds a text logger at the configured level.
func (c *Config) Logger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(envOrValue(c.LogLevel, "info"))
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

// GetPrivateKey returns private key from environment variable
// Returns empty string if not set
func GetPrivateKey() string {
	key := os.Getenv("PRIVATE_KEY")
	return strings.TrimPrefix(key, "0x")
}

// GetChainPreset returns a preset by name (case-insensitive)
func GetChainPreset(name string) (ChainPreset, bool) {
	preset, ok := ChainPresets[strings.ToLower(name)]
	return preset, ok
}

// ListPresets returns all available preset names sorted alphabetically
func ListPresets() []string {
	names := make([]string, 0, len(ChainPresets))
	for name := range ChainPresets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PrintPresets prints all available presets to stdout
func PrintPresets() {
	fmt.Println("Available chain presets:")
	for _, name := range ListPresets() {
		p := ChainPresets[name]
		fmt.Printf("  %-17s chainId: %-8s rpc: %s\n", name, p.ChainID.String(), p.RPCURL)
		if p.Token != (common.Address{}) {
			fmt.Printf("  %-17s token:   %s paymaster: %s\n", "", p.Token.Hex(), p.Paymaster.Hex())
		}
	}
}

func envOr(key, def string) string {
	return envOrValue(os.Getenv(key), def)
}

func envOrValue(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func envBig(key string) (*big.Int, error) {
	val := os.Getenv(key)
	if val == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(val, 0)
	if !ok {
		return nil, fmt.Errorf("%s: invalid integer %q", key, val)
	}
	return n, nil
}

func envAddress(key string) (common.Address, error) {
	val := os.Getenv(key)
	if val == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(val) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, val)
	}
	return common.HexToAddress(val), nil
}

func envBool(key string, def bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
