package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/x402-rs/x402-facilitator/pkg/chain/evm"
	"github.com/x402-rs/x402-facilitator/pkg/chain/solana"
	"github.com/x402-rs/x402-facilitator/pkg/facilitator"
	"github.com/x402-rs/x402-facilitator/pkg/network"
	"github.com/x402-rs/x402-facilitator/pkg/replay"
	"github.com/x402-rs/x402-facilitator/pkg/scheme"
	"github.com/x402-rs/x402-facilitator/pkg/types"
)

const redisKeyPrefix = "x402:replay:"

// InitializeFacilitator opens a provider for every network with an RPC URL
// and registers its exact scheme. The returned func releases providers and
// the replay store; call it after the HTTP server has drained.
func (c *Config) InitializeFacilitator(ctx context.Context, logger *slog.Logger) (*facilitator.LocalFacilitator, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*facilitator.LocalFacilitator, func(), error) {
		cleanup()
		return nil, nil, err
	}

	store, closeStore, err := c.replayStore(ctx, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	evmKeys, err := c.EVMKeys()
	if err != nil {
		return fail(err)
	}
	solanaKey, err := c.SolanaKey()
	if err != nil {
		return fail(err)
	}

	registry := scheme.NewRegistry()
	for _, n := range types.KnownNetworks {
		url, ok := c.RPCURLs[n]
		if !ok {
			continue
		}
		info, err := network.GetInfo(n)
		if err != nil {
			return fail(err)
		}

		var handler scheme.Handler
		switch {
		case n.IsEVM():
			if len(evmKeys) == 0 {
				return fail(fmt.Errorf("RPC URL set for %s but no EVM signing key configured", n))
			}
			p, err := evm.NewProvider(ctx, url, n, info.BigChainID(), evmKeys, evm.Options{
				RPCTimeout:     c.RPCTimeout,
				SubmitTimeout:  c.SubmitTimeout,
				ConfirmTimeout: c.ConfirmTimeout,
				Logger:         logger,
			})
			if err != nil {
				return fail(fmt.Errorf("%s: %w", n, err))
			}
			closers = append(closers, p.Close)
			handler = evm.NewExactScheme(p, store, c.ClockSkew)
		case n.IsSolana():
			if solanaKey == nil {
				return fail(fmt.Errorf("RPC URL set for %s but no Solana fee payer configured", n))
			}
			p, err := solana.NewProvider(url, n, solanaKey, solana.Options{
				RPCTimeout:     c.RPCTimeout,
				SubmitTimeout:  c.SubmitTimeout,
				ConfirmTimeout: c.ConfirmTimeout,
				Logger:         logger,
			})
			if err != nil {
				return fail(fmt.Errorf("%s: %w", n, err))
			}
			handler = solana.NewExactScheme(p, store, c.ClockSkew)
		default:
			continue
		}

		if err := registry.Register(handler); err != nil {
			return fail(err)
		}
		logger.Info("network enabled", "network", string(n), "chain", info.Name)
	}

	if registry.Len() == 0 {
		return fail(errors.New("no networks configured: set at least one RPC_URL_<NETWORK>"))
	}

	return facilitator.NewLocalFacilitator(registry, logger), cleanup, nil
}

func (c *Config) replayStore(ctx context.Context, logger *slog.Logger) (replay.Store, func(), error) {
	if c.RedisURL == "" {
		store := replay.NewMemoryStore(time.Minute)
		logger.Info("using in-memory replay store")
		return store, func() { _ = store.Close() }, nil
	}

	timeout := c.RPCTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := replay.DialRedis(dialCtx, c.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis replay store")
	return replay.NewRedisStore(client, redisKeyPrefix), func() { _ = client.Close() }, nil
}
