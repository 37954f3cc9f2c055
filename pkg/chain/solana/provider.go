package solana

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/x402-rs/x402-facilitator/pkg/retry"
	x402types "github.com/x402-rs/x402-facilitator/pkg/types"
)

// RPCClient is the subset of *rpc.Client the facilitator uses.
type RPCClient interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// Options tunes a Provider. Zero values fall back to defaults.
type Options struct {
	RPCTimeout     time.Duration
	SubmitTimeout  time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration // between signature status queries
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
		o.ConfirmTimeout = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = retry.DefaultConfig
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Provider handles Solana access for one network. The facilitator key pays
// transaction fees and co-signs every settlement.
type Provider struct {
	network  x402types.Network
	client   RPCClient
	feePayer solana.PrivateKey
	opts     Options
	logger   *slog.Logger
}

// NewProvider creates a provider talking JSON-RPC to rpcURL.
func NewProvider(rpcURL string, network x402types.Network, feePayer solana.PrivateKey, opts Options) (*Provider, error) {
	return NewProviderWithClient(rpc.New(rpcURL), network, feePayer, opts)
}

// NewProviderWithClient builds a Provider around an existing client.
func NewProviderWithClient(client RPCClient, network x402types.Network, feePayer solana.PrivateKey, opts Options) (*Provider, error) {
	if !network.IsSolana() {
		return nil, fmt.Errorf("%s is not a Solana network", network)
	}
	if len(feePayer) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid fee payer key for %s", network)
	}
	opts = opts.withDefaults()
	return &Provider{
		network:  network,
		client:   client,
		feePayer: feePayer,
		opts:     opts,
		logger:   opts.Logger.With("network", string(network)),
	}, nil
}

// Network returns the network this provider serves.
func (p *Provider) Network() x402types.Network { return p.network }

// FeePayer returns the facilitator's public key.
func (p *Provider) FeePayer() solana.PublicKey { return p.feePayer.PublicKey() }

// TokenBalance returns the raw balance of an SPL token account.
func (p *Provider) TokenBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	res, err := retry.WithRetry(ctx, p.opts.Retry, func(error) bool { return ctx.Err() == nil },
		func(ctx context.Context) (*rpc.GetTokenAccountBalanceResult, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
			defer cancel()
			return p.client.GetTokenAccountBalance(callCtx, account, rpc.CommitmentConfirmed)
		})
	if err != nil {
		return 0, fmt.Errorf("getTokenAccountBalance %s failed: %w", account, err)
	}
	if res == nil || res.Value == nil {
		return 0, fmt.Errorf("token account %s not found", account)
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("token account %s balance %q: %w", account, res.Value.Amount, err)
	}
	return amount, nil
}

// cosign adds the fee payer's signature to tx. The fee payer is always the
// first account and so owns the first signature slot.
func (p *Provider) cosign(tx *solana.Transaction) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	sig, err := p.feePayer.Sign(msg)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}
	if len(tx.Signatures) == 0 {
		return fmt.Errorf("transaction has no signature slots")
	}
	tx.Signatures[0] = sig
	return nil
}

// send broadcasts tx with preflight simulation at confirmed commitment.
// Sends are never retried: the signature identifies the transaction and a
// second broadcast of the same bytes is at best a no-op.
func (p *Provider) send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.SubmitTimeout)
	defer cancel()
	return p.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
}

// awaitConfirmation polls the signature status until it is confirmed or
// finalized, the transaction fails, or ctx ends. A failed transaction is
// reported through the returned status's Err.
func (p *Provider) awaitConfirmation(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := p.signatureStatus(ctx, sig)
		if err != nil {
			p.logger.Debug("signature status query failed", "signature", sig.String(), "error", err)
		} else if status != nil {
			if status.Err != nil {
				return status, nil
			}
			switch status.ConfirmationStatus {
			case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Provider) signatureStatus(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RPCTimeout)
	defer cancel()
	res, err := p.client.GetSignatureStatuses(callCtx, true, sig)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil
	}
	return res.Value[0], nil
}
