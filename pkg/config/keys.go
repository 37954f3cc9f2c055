package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// EVMKeys collects the settlement signers from every configured source:
// raw hex keys, an encrypted keystore file and a BIP-39 mnemonic. Duplicate
// addresses are kept once.
func (c *Config) EVMKeys() ([]*ecdsa.PrivateKey, error) {
	var keys []*ecdsa.PrivateKey
	seen := make(map[string]bool)
	add := func(k *ecdsa.PrivateKey) {
		addr := crypto.PubkeyToAddress(k.PublicKey).Hex()
		if !seen[addr] {
			seen[addr] = true
			keys = append(keys, k)
		}
	}

	for i, hexKey := range c.EVMPrivateKeys {
		k, err := parseHexKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("EVM private key %d: %w", i, err)
		}
		add(k)
	}

	if c.KeystorePath != "" {
		k, err := loadKeystore(c.KeystorePath, c.KeystorePassword)
		if err != nil {
			return nil, err
		}
		add(k)
	}

	if c.Mnemonic != "" {
		accounts := c.MnemonicAccounts
		if accounts == 0 {
			accounts = 1
		}
		for i := 0; i < accounts; i++ {
			k, err := deriveMnemonicKey(c.Mnemonic, uint32(i))
			if err != nil {
				return nil, err
			}
			add(k)
		}
	}

	return keys, nil
}

// SolanaKey parses the base58 fee payer keypair. It returns nil when none is
// configured.
func (c *Config) SolanaKey() (solana.PrivateKey, error) {
	if c.SolanaPrivateKey == "" {
		return nil, nil
	}
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(c.SolanaPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("invalid Solana private key: %w", err)
	}
	return key, nil
}

func parseHexKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func loadKeystore(path, password string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}

	var keyJSON struct {
		Crypto keystore.CryptoJSON `json:"crypto"`
	}
	if err := json.Unmarshal(raw, &keyJSON); err != nil {
		return nil, fmt.Errorf("failed to parse keystore: %w", err)
	}

	keyBytes, err := keystore.DecryptDataV3(keyJSON.Crypto, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt keystore: %w", err)
	}

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid key in keystore: %w", err)
	}
	return key, nil
}

// deriveMnemonicKey follows m/44'/60'/0'/0/index.
func deriveMnemonicKey(mnemonic string, index uint32) (*ecdsa.PrivateKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	master, err := bip32.NewMasterKey(bip39.NewSeed(mnemonic, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	key := master
	for _, child := range []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + 60,
		bip32.FirstHardenedChild,
		0,
		index,
	} {
		if key, err = key.NewChildKey(child); err != nil {
			return nil, fmt.Errorf("failed to derive account %d: %w", index, err)
		}
	}

	priv, err := crypto.ToECDSA(key.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to convert derived key: %w", err)
	}
	return priv, nil
}
