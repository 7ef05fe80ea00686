// Package wallet loads the owner identity of a sponsored account from a raw hex
// private key or a BIP-39 mnemonic.
package wallet

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"

	"github.com/stable-net/paymaster-sponsor/sponsor"
)

const hardened uint32 = 0x80000000

// Options selects the owner key source. Mnemonic wins over PrivateKey.
type Options struct {
	PrivateKey string
	Mnemonic   string
	Passphrase string
	// Index is the BIP-44 address index; it must fit in 31 bits.
	Index uint64
}

// Load returns a raw-key signer for the configured identity. Every failure is an
// IdentityUnavailable error.
func Load(opts Options) (*sponsor.RawKeySigner, error) {
	switch {
	case strings.TrimSpace(opts.Mnemonic) != "":
		if opts.Index >= uint64(hardened) {
			return nil, identityError("mnemonic", fmt.Errorf("address index %d out of range", opts.Index))
		}
		key, err := DeriveKey(opts.Mnemonic, opts.Passphrase, uint32(opts.Index))
		if err != nil {
			return nil, identityError("mnemonic", err)
		}
		return sponsor.NewRawKeySigner(key), nil
	case opts.PrivateKey != "":
		s, err := sponsor.NewRawKeySignerFromHex(opts.PrivateKey)
		if err != nil {
			return nil, identityError("private key", err)
		}
		return s, nil
	default:
		return nil, &sponsor.Error{Kind: sponsor.KindIdentityUnavailable, Reason: "no private key or mnemonic configured"}
	}
}

func identityError(source string, err error) *sponsor.Error {
	return &sponsor.Error{Kind: sponsor.KindIdentityUnavailable, Reason: "invalid " + source, Err: err}
}

// DerivationPath returns the Ethereum BIP-44 path m/44'/60'/0'/0/index.
func DerivationPath(index uint32) []uint32 {
	return []uint32{44 + hardened, 60 + hardened, hardened, 0, index}
}

// DeriveKey derives the private key at m/44'/60'/0'/0/index from a BIP-39 mnemonic.
// The word list is not checked; any normalized phrase yields a seed.
func DeriveKey(mnemonic, passphrase string, index uint32) (*ecdsa.PrivateKey, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(mnemonic)), " ")
	if normalized == "" {
		return nil, errors.New("empty mnemonic")
	}
	seed := pbkdf2.Key([]byte(normalized), []byte("mnemonic"+passphrase), 2048, 64, sha512.New)

	key, chainCode := masterKey(seed)
	for _, i := range DerivationPath(index) {
		var err error
		if key, chainCode, err = childKey(key, chainCode, i); err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}
	return crypto.ToECDSA(key)
}

func masterKey(seed []byte) ([]byte, []byte) {
	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	return sum[:32], sum[32:]
}

func childKey(parent, chainCode []byte, index uint32) ([]byte, []byte, error) {
	data := make([]byte, 37)
	if index >= hardened {
		copy(data[1:33], parent)
	} else {
		priv, err := crypto.ToECDSA(parent)
		if err != nil {
			return nil, nil, err
		}
		copy(data[:33], crypto.CompressPubkey(&priv.PublicKey))
	}
	binary.BigEndian.PutUint32(data[33:], index)

	mac := hmac.New(sha512.New, chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)

	il := new(big.Int).SetBytes(sum[:32])
	n := crypto.S256().Params().N
	if il.Cmp(n) >= 0 {
		return nil, nil, fmt.Errorf("invalid child at index %d", index)
	}
	child := il.Add(il, new(big.Int).SetBytes(parent))
	child.Mod(child, n)
	if child.Sign() == 0 {
		return nil, nil, fmt.Errorf("invalid child at index %d", index)
	}

	out := make([]byte, 32)
	child.FillBytes(out)
	return out, sum[32:], nil
}
