package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/x402-rs/x402-facilitator/pkg/retry"
	x402types "github.com/x402-rs/x402-facilitator/pkg/types"
)

// Options tunes a Provider. Zero values fall back to defaults.
type Options struct {
	RPCTimeout     time.Duration // per read attempt
	SubmitTimeout  time.Duration // nonce, gas and broadcast of one settlement
	ConfirmTimeout time.Duration // wait for the receipt
	Retry          retry.Config
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = 10 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 30 * time.Second
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 2 * time.Minute
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultConfig
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Provider is the per-network access point to an EVM chain: pooled RPC
// client, token ABI and the sequencer that owns the facilitator's accounts.
type Provider struct {
	network   x402types.Network
	chainID   *big.Int
	client    ChainClient
	tokenABI  abi.ABI
	sequencer *Sequencer
	opts      Options
	logger    *slog.Logger
}

// NewProvider dials rpcURL and checks that the node serves chainID.
func NewProvider(ctx context.Context, rpcURL string, network x402types.Network, chainID *big.Int, keys []*ecdsa.PrivateKey, opts Options) (*Provider, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.withDefaults().RPCTimeout)
	defer cancel()
	remote, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if remote.Cmp(chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("rpc for %s reports chain id %s, expected %s", network, remote, chainID)
	}

	return NewProviderWithClient(client, network, chainID, keys, opts)
}

// NewProviderWithClient builds a Provider around an existing client.
func NewProviderWithClient(client ChainClient, network x402types.Network, chainID *big.Int, keys []*ecdsa.PrivateKey, opts Options) (*Provider, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one facilitator key is required")
	}
	tokenABI, err := loadEIP3009ABI()
	if err != nil {
		return nil, fmt.Errorf("failed to load token ABI: %w", err)
	}

	opts = opts.withDefaults()
	logger := opts.Logger.With("network", string(network))
	return &Provider{
		network:   network,
		chainID:   new(big.Int).Set(chainID),
		client:    client,
		tokenABI:  tokenABI,
		sequencer: NewSequencer(client, chainID, keys, logger),
		opts:      opts,
		logger:    logger,
	}, nil
}

// Network returns the network this provider serves.
func (p *Provider) Network() x402types.Network { return p.network }

// SignerAddresses returns the facilitator accounts used to submit settlements.
func (p *Provider) SignerAddresses() []common.Address { return p.sequencer.Addresses() }

// Close stops the sequencer.
func (p *Provider) Close() { p.sequencer.Close() }

// BalanceOf reads the token balance of owner.
func (p *Provider) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := p.read(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf returned %T", out[0])
	}
	return balance, nil
}

// AuthorizationState reports whether authorizer's nonce was already used or
// cancelled on the token contract.
func (p *Provider) AuthorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	out, err := p.read(ctx, token, "authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}
	used, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("authorizationState returned %T", out[0])
	}
	return used, nil
}

// read performs an eth_call against the latest block, retrying transport
// failures with backoff. Each attempt is bounded by the RPC timeout.
func (p *Provider) read(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	data, err := p.tokenABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	retryable := func(err error) bool { return ctx.Err() == nil && !isRevert(err) }
	raw, err := retry.WithRetry(ctx, p.opts.Retry, retryable, func(ctx context.Context) ([]byte, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
		defer cancel()
		return p.client.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	out, err := p.tokenABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

// revertReason replays a mined call at its block to recover the revert
// message the receipt does not carry.
func (p *Provider) revertReason(ctx context.Context, from, to common.Address, data []byte, block *big.Int) string {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
	defer cancel()

	_, err := p.client.CallContract(callCtx, ethereum.CallMsg{From: from, To: &to, Data: data}, block)
	if err == nil {
		return ""
	}
	if reason := decodeRevert(err); reason != "" {
		return reason
	}
	return err.Error()
}

// AddressOf derives the account address of a private key.
func AddressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
