package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x402-rs/x402-facilitator/pkg/types"
)

const (
	testMnemonic = "test test test test test test test test test test test junk"
	account0     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	account1     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	account0Key  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// isolate runs the test in an empty directory with the config variables
// cleared, so neither a stray .env nor the host environment leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	for _, env := range []string{
		"HOST", "PORT", "EVM_PRIVATE_KEY", "EVM_PRIVATE_KEYS", "EVM_MNEMONIC", "EVM_KEYSTORE_PATH",
		"SOLANA_PRIVATE_KEY", "REDIS_URL", "RPC_TIMEOUT", "CONFIRM_TIMEOUT", "CLOCK_SKEW",
		"RATE_LIMIT_RPM", "RATE_LIMIT_BURST", "MAX_BODY_BYTES", "LOG_LEVEL", "LOG_FORMAT", "ACCESS_LOG_FORMAT",
	} {
		t.Setenv(env, "")
	}
	for _, n := range types.KnownNetworks {
		t.Setenv("RPC_URL_"+n.EnvSuffix(), "")
	}

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadConfigDefaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 10*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
	assert.Equal(t, 600, cfg.RateLimitRPM)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "detailed", cfg.AccessLogFormat)
	assert.Empty(t, cfg.RPCURLs)
}

func TestLoadConfigFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "9402")
	t.Setenv("EVM_PRIVATE_KEYS", " 0x01 ,, 0x02")
	t.Setenv("RPC_URL_BASE_SEPOLIA", "https://sepolia.base.org")
	t.Setenv("RPC_URL_SOLANA_DEVNET", "https://api.devnet.solana.com")
	t.Setenv("CONFIRM_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_RPM", "0")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9402", cfg.Port)
	assert.Equal(t, []string{"0x01", "0x02"}, cfg.EVMPrivateKeys)
	assert.Equal(t, map[types.Network]string{
		types.NetworkBaseSepolia:  "https://sepolia.base.org",
		types.NetworkSolanaDevnet: "https://api.devnet.solana.com",
	}, cfg.RPCURLs)
	assert.Equal(t, 45*time.Second, cfg.ConfirmTimeout)
	assert.Zero(t, cfg.RateLimitRPM)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.NotNil(t, cfg.NewLogger())
}

func TestLoadConfigReadsDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HOST=127.0.0.1\n"), 0o600))
	require.NoError(t, os.Unsetenv("HOST"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"CONFIRM_TIMEOUT":  "soon",
		"CLOCK_SKEW":       "-1s",
		"RATE_LIMIT_BURST": "many",
		"MAX_BODY_BYTES":   "-5",
		"LOG_LEVEL":        "chatty",
	}
	for env, value := range tests {
		t.Run(env, func(t *testing.T) {
			isolate(t)
			t.Setenv(env, value)
			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), env)
		})
	}
}

func TestEVMKeysFromMnemonic(t *testing.T) {
	cfg := &Config{Mnemonic: testMnemonic, MnemonicAccounts: 2}

	keys, err := cfg.EVMKeys()
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, account0, crypto.PubkeyToAddress(keys[0].PublicKey).Hex())
	assert.Equal(t, account1, crypto.PubkeyToAddress(keys[1].PublicKey).Hex())
}

func TestEVMKeysDeduplicates(t *testing.T) {
	cfg := &Config{
		EVMPrivateKeys: []string{account0Key},
		Mnemonic:       testMnemonic,
	}

	keys, err := cfg.EVMKeys()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestEVMKeysFromKeystore(t *testing.T) {
	key, err := crypto.HexToECDSA(account0Key[2:])
	require.NoError(t, err)
	cj, err := keystore.EncryptDataV3(crypto.FromECDSA(key), []byte("hunter2"), keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{"version": 3, "crypto": cj})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	keys, err := (&Config{KeystorePath: path, KeystorePassword: "hunter2"}).EVMKeys()
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, account0, crypto.PubkeyToAddress(keys[0].PublicKey).Hex())

	_, err = (&Config{KeystorePath: path, KeystorePassword: "wrong"}).EVMKeys()
	assert.ErrorContains(t, err, "decrypt")
}

func TestEVMKeysRejectsBadInput(t *testing.T) {
	_, err := (&Config{EVMPrivateKeys: []string{"0xnothex"}}).EVMKeys()
	assert.ErrorContains(t, err, "EVM private key 0")

	_, err = (&Config{Mnemonic: "test test test"}).EVMKeys()
	assert.ErrorContains(t, err, "invalid mnemonic")
}

func TestSolanaKey(t *testing.T) {
	wallet := solana.NewWallet()
	key, err := (&Config{SolanaPrivateKey: wallet.PrivateKey.String()}).SolanaKey()
	require.NoError(t, err)
	assert.Equal(t, wallet.PublicKey(), key.PublicKey())

	key, err = (&Config{}).SolanaKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	_, err = (&Config{SolanaPrivateKey: "not-base58-0OIl"}).SolanaKey()
	assert.Error(t, err)
}

// chainIDNode answers eth_chainId with the given hex id.
func chainIDNode(t *testing.T, chainID string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": chainID})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInitializeFacilitator(t *testing.T) {
	redis := miniredis.RunT(t)
	node := chainIDNode(t, "0x14a34")
	fee := solana.NewWallet()

	cfg := &Config{
		EVMPrivateKeys:   []string{account0Key},
		SolanaPrivateKey: fee.PrivateKey.String(),
		RedisURL:         "redis://" + redis.Addr(),
		RPCURLs: map[types.Network]string{
			types.NetworkBaseSepolia:  node.URL,
			types.NetworkSolanaDevnet: "http://127.0.0.1:1",
		},
		RPCTimeout: time.Second,
	}

	fac, cleanup, err := cfg.InitializeFacilitator(context.Background(), discard())
	require.NoError(t, err)
	defer cleanup()

	supported, err := fac.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, supported.Kinds, 2)
	assert.Equal(t, types.NetworkBaseSepolia, supported.Kinds[0].Network)
	assert.Equal(t, types.NetworkSolanaDevnet, supported.Kinds[1].Network)
	assert.JSONEq(t, `{"feePayer":"`+fee.PublicKey().String()+`"}`, string(supported.Kinds[1].Extra))
}

func TestInitializeFacilitatorErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
		want string
	}{
		{"nothing configured", &Config{}, "no networks configured"},
		{"evm without key", &Config{RPCURLs: map[types.Network]string{types.NetworkBase: "http://127.0.0.1:1"}}, "no EVM signing key"},
		{"solana without key", &Config{RPCURLs: map[types.Network]string{types.NetworkSolana: "http://127.0.0.1:1"}}, "no Solana fee payer"},
		{
			"chain id mismatch",
			&Config{
				EVMPrivateKeys: []string{account0Key},
				RPCURLs:        map[types.Network]string{types.NetworkBase: chainIDNode(t, "0x14a34").URL},
				RPCTimeout:     time.Second,
			},
			"expected 8453",
		},
		{"redis unreachable", &Config{RedisURL: "redis://127.0.0.1:1", RPCTimeout: 200 * time.Millisecond}, "ping redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fac, cleanup, err := tt.cfg.InitializeFacilitator(context.Background(), discard())
			assert.Nil(t, fac)
			assert.Nil(t, cleanup)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
