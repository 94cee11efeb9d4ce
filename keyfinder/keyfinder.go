// Package keyfinder derives the per-sarcophagus keypairs from a chain
// context's HD seed. Derivation is a pure function of (seed, index): the
// agent never persists a key-to-sarcophagus mapping, it rediscovers the
// private key by bounded linear search against the public key recorded
// on chain.
package keyfinder

import (
	"bytes"
	"crypto/ecdsa"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/xerrors"
)

// Branch 0 under the account holds the wallet (signing identity) key,
// branch 1 holds the sarcophagus encryption keys indexed 0,1,2,...
const (
	walletPath = "m/44'/60'/0'/0/0"
	branchPath = "m/44'/60'/0'/1"
)

// searchWindow bounds how far past the caller's hint FindPrivateKey will
// scan. Indices ever used grow with the commitment count, which is small;
// the window only exists so a bogus target key cannot spin forever.
const searchWindow = 1024

var ErrKeyNotFound = xerrors.New("keyfinder: no derived key matches the target public key")

type KeyFinder struct {
	branch *hdkeychain.ExtendedKey
}

// New builds a KeyFinder over the BIP-39 mnemonic configured for one chain
// context. The same mnemonic always yields the same key at every index,
// across restarts and across processes.
func New(mnemonic string) (*KeyFinder, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, xerrors.Errorf("invalid mnemonic: %w", err)
	}
	branch, err := deriveFromSeed(seed, branchPath)
	if err != nil {
		return nil, err
	}
	return &KeyFinder{branch: branch}, nil
}

// DeriveAtIndex returns the keypair at the given index of the sarcophagus
// branch. Deterministic, side-effect free.
func (kf *KeyFinder) DeriveAtIndex(index uint32) (*ecdsa.PrivateKey, error) {
	child, err := kf.branch.Derive(index)
	if err != nil {
		return nil, xerrors.Errorf("deriving key at index %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, xerrors.Errorf("extracting key at index %d: %w", index, err)
	}
	// Re-import through go-ethereum so the key carries crypto.S256(): the
	// ECIES helpers reject keys on any other curve instance.
	return crypto.ToECDSA(priv.Serialize())
}

// PublicKeyAtIndex returns the uncompressed 65-byte public key at index.
func (kf *KeyFinder) PublicKeyAtIndex(index uint32) ([]byte, error) {
	priv, err := kf.DeriveAtIndex(index)
	if err != nil {
		return nil, err
	}
	return crypto.FromECDSAPub(&priv.PublicKey), nil
}

// FindPrivateKey locates the private key whose public key equals target
// (uncompressed encoding) by deriving indices in order hint, hint+1, ...,
// then 0..hint-1. The hint is an optimization, not a correctness
// requirement; callers pass the number of commitments seen so far.
func (kf *KeyFinder) FindPrivateKey(target []byte, hint uint32) (*ecdsa.PrivateKey, error) {
	limit := hint + searchWindow
	for i := hint; i < limit; i++ {
		priv, err := kf.DeriveAtIndex(i)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(crypto.FromECDSAPub(&priv.PublicKey), target) {
			return priv, nil
		}
	}
	for i := uint32(0); i < hint; i++ {
		priv, err := kf.DeriveAtIndex(i)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(crypto.FromECDSAPub(&priv.PublicKey), target) {
			return priv, nil
		}
	}
	return nil, ErrKeyNotFound
}

// NextUnusedPublicKey returns the public key at index == count of
// commitments ever seen on this chain. It is advertised during negotiation
// as a hint only, never a reservation: the index actually used at release
// time is rediscovered from whatever public key the chain recorded.
func (kf *KeyFinder) NextUnusedPublicKey(seen uint32) ([]byte, error) {
	return kf.PublicKeyAtIndex(seen)
}

// WalletKey derives the chain signing identity (branch 0 index 0) from the
// same mnemonic the KeyFinder uses.
func WalletKey(mnemonic string) (*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, xerrors.Errorf("invalid mnemonic: %w", err)
	}
	key, err := deriveFromSeed(seed, walletPath)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, xerrors.Errorf("extracting wallet key: %w", err)
	}
	return crypto.ToECDSA(priv.Serialize())
}

func deriveFromSeed(seed []byte, path string) (*hdkeychain.ExtendedKey, error) {
	dpath, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, xerrors.Errorf("parsing derivation path %q: %w", path, err)
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, xerrors.Errorf("building master key: %w", err)
	}
	for _, n := range dpath {
		key, err = key.Derive(n)
		if err != nil {
			return nil, xerrors.Errorf("deriving path %q: %w", path, err)
		}
	}
	return key, nil
}
