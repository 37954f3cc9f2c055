package evm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/x402-rs/x402-facilitator/pkg/match"
	"github.com/x402-rs/x402-facilitator/pkg/network"
	"github.com/x402-rs/x402-facilitator/pkg/replay"
	"github.com/x402-rs/x402-facilitator/pkg/scheme"
	x402types "github.com/x402-rs/x402-facilitator/pkg/types"
)

// ExactScheme settles "exact" payments on one EVM network with EIP-3009
// transferWithAuthorization.
type ExactScheme struct {
	provider *Provider
	replay   replay.Store
	skew     time.Duration
	known    *knownToken
	now      func() time.Time
	logger   *slog.Logger
}

// NewExactScheme builds the handler. store may be shared across networks;
// keys are namespaced by network.
func NewExactScheme(p *Provider, store replay.Store, skew time.Duration) *ExactScheme {
	s := &ExactScheme{
		provider: p,
		replay:   store,
		skew:     skew,
		now:      time.Now,
		logger:   p.logger.With("scheme", string(x402types.SchemeExact)),
	}
	if d, err := network.GetUSDCDeployment(p.network); err == nil && common.IsHexAddress(d.Address) {
		s.known = &knownToken{
			address:  common.HexToAddress(d.Address),
			domain:   x402types.TokenDomain{Name: d.EIP712Name, Version: d.EIP712Version},
			decimals: d.Decimals,
		}
	}
	return s
}

var _ scheme.Handler = (*ExactScheme)(nil)

func (s *ExactScheme) Key() scheme.Key {
	return scheme.Key{Scheme: x402types.SchemeExact, Network: s.provider.network}
}

func (s *ExactScheme) Extra() json.RawMessage { return nil }

// Verify runs the matcher, the signature check and the advisory chain reads.
func (s *ExactScheme) Verify(ctx context.Context, payload *x402types.PaymentPayload, req *x402types.PaymentRequirements) (*scheme.Verified, error) {
	auth, err := s.verify(ctx, payload, req)
	if err != nil {
		return nil, err
	}
	return &scheme.Verified{Payer: auth.From.Hex()}, nil
}

func (s *ExactScheme) verify(ctx context.Context, payload *x402types.PaymentPayload, req *x402types.PaymentRequirements) (*authorization, error) {
	if payload.Payload.Evm == nil {
		return nil, malformed("exact scheme on %s expects an EIP-3009 authorization payload", s.provider.network)
	}
	auth, err := decodeAuthorization(payload.Payload.Evm)
	if err != nil {
		return nil, err
	}
	payer := auth.From.Hex()

	if !common.IsHexAddress(req.Asset) {
		return nil, malformed("requirements.asset %q is not an address", req.Asset).WithPayer(payer)
	}
	if err := match.Match(auth.transfer(payload, req.Asset), *req, s.now(), s.skew); err != nil {
		return nil, err
	}

	token := common.HexToAddress(req.Asset)
	domain, ok := tokenDomain(req, s.known)
	if !ok {
		return nil, malformed("requirements.extra must carry the token's EIP-712 name and version for asset %s", req.Asset).
			WithPayer(payer)
	}
	digest, err := auth.digest(domain, s.provider.chainID, token)
	if err != nil {
		return nil, x402types.WrapError(x402types.ReasonInvalidSignature, err, "").WithPayer(payer)
	}
	signer, err := recoverSigner(digest, auth.Signature)
	if err != nil {
		return nil, x402types.WrapError(x402types.ReasonInvalidSignature, err, "").WithPayer(payer)
	}
	if signer != auth.From {
		return nil, x402types.NewError(x402types.ReasonInvalidSignature,
			"signature recovers to %s, authorization is from %s", signer.Hex(), payer).WithPayer(payer)
	}

	key := s.replayKey(auth)
	if seen, err := s.replay.Seen(ctx, key); err != nil {
		s.logger.Warn("replay store unavailable", "error", err)
	} else if seen {
		return nil, x402types.NewError(x402types.ReasonNonceAlreadyUsed, "authorization nonce is already being settled").WithPayer(payer)
	}

	used, err := s.provider.AuthorizationState(ctx, token, auth.From, auth.Nonce)
	if err != nil {
		return nil, x402types.WrapError(x402types.ReasonChainReadFailed, err, "").WithPayer(payer)
	}
	if used {
		return nil, x402types.NewError(x402types.ReasonNonceAlreadyUsed, "authorization nonce was used or cancelled on-chain").WithPayer(payer)
	}

	balance, err := s.provider.BalanceOf(ctx, token, auth.From)
	if err != nil {
		return nil, x402types.WrapError(x402types.ReasonChainReadFailed, err, "").WithPayer(payer)
	}
	if balance.Cmp(auth.Value) < 0 {
		return nil, x402types.NewError(x402types.ReasonInsufficientFunds, "balance %s, needs %s",
			s.amount(token, balance), s.amount(token, auth.Value)).WithPayer(payer)
	}

	return auth, nil
}

// Settle re-verifies, then submits transferWithAuthorization and waits for
// its receipt. Outcomes that may have moved funds are never retried here.
func (s *ExactScheme) Settle(ctx context.Context, payload *x402types.PaymentPayload, req *x402types.PaymentRequirements) (*scheme.Settled, error) {
	auth, err := s.verify(ctx, payload, req)
	if err != nil {
		return nil, err
	}
	payer := auth.From.Hex()
	net := s.provider.network
	token := common.HexToAddress(req.Asset)

	key := s.replayKey(auth)
	reserved, err := s.replay.Reserve(ctx, key, unixTime(auth.ValidBefore).Add(replay.Retention))
	switch {
	case err != nil:
		s.logger.Warn("replay store unavailable", "error", err)
	case !reserved:
		return nil, x402types.NewError(x402types.ReasonNonceAlreadyUsed, "authorization nonce is already being settled").WithPayer(payer)
	}
	release := func() {
		if reserved {
			if err := s.replay.Release(context.WithoutCancel(ctx), key); err != nil {
				s.logger.Warn("failed to release replay key", "error", err)
			}
		}
	}

	data, err := s.provider.tokenABI.Pack("transferWithAuthorization",
		auth.From, auth.To, auth.Value, auth.ValidAfter, auth.ValidBefore, auth.Nonce, auth.Signature)
	if err != nil {
		release()
		return nil, x402types.WrapError(x402types.ReasonUnexpectedError, err, "failed to pack transferWithAuthorization").WithPayer(payer)
	}

	submitCtx, cancel := context.WithTimeout(ctx, s.provider.opts.SubmitTimeout)
	sub, err := s.provider.sequencer.Submit(submitCtx, token, data)
	cancel()
	if err != nil {
		release()
		return nil, x402types.WrapError(x402types.ReasonSubmissionFailed, err, "").WithPayer(payer).WithNetwork(net)
	}
	hash := sub.Tx.Hash().Hex()
	logger := s.logger.With("tx", hash, "payer", payer)
	logger.Info("settlement submitted", "amount", s.amount(token, auth.Value))

	// The transaction is on its way; finish observing it even if the caller left.
	confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.provider.opts.ConfirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(confirmCtx, s.provider.client, sub.Tx)
	if err != nil {
		logger.Error("settlement unconfirmed", "error", err)
		reason := x402types.ReasonConfirmationTimeout
		if !errors.Is(err, context.DeadlineExceeded) {
			reason = x402types.ReasonUnexpectedError
		}
		return nil, x402types.WrapError(reason, err, "transaction "+hash+" was not confirmed; check its status before retrying").
			WithPayer(payer).WithNetwork(net).WithTransaction(hash)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		release()
		why := s.provider.revertReason(confirmCtx, sub.From, token, data, receipt.BlockNumber)
		if why == "" {
			why = "transaction reverted"
		}
		logger.Warn("settlement reverted", "reason", why, "block", receipt.BlockNumber)
		return nil, x402types.NewError(x402types.ReasonExecutionReverted, "%s", why).
			WithPayer(payer).WithNetwork(net).WithTransaction(hash)
	}

	logger.Info("settlement confirmed", "block", receipt.BlockNumber)
	return &scheme.Settled{Payer: payer, Transaction: hash, Network: net}, nil
}

// amount renders v in whole tokens when the token is known, raw units otherwise.
func (s *ExactScheme) amount(token common.Address, v *big.Int) string {
	if s.known != nil && s.known.address == token {
		return network.FormatAmount(v, s.known.decimals)
	}
	return v.String()
}

func (s *ExactScheme) replayKey(a *authorization) string {
	return replay.Key(s.provider.network, a.From.Hex(), common.BytesToHash(a.Nonce[:]).Hex())
}
