package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/x402-rs/x402-facilitator/pkg/match"
	"github.com/x402-rs/x402-facilitator/pkg/network"
	"github.com/x402-rs/x402-facilitator/pkg/replay"
	"github.com/x402-rs/x402-facilitator/pkg/scheme"
	x402types "github.com/x402-rs/x402-facilitator/pkg/types"
)

// blockhashLifetime bounds how long a signed transaction can still land.
const blockhashLifetime = 2 * time.Minute

// ExactScheme settles "exact" payments on one Solana network. The payer
// signs a TransferChecked transaction with the facilitator as fee payer; the
// facilitator verifies it, co-signs and broadcasts.
type ExactScheme struct {
	provider *Provider
	replay   replay.Store
	skew     time.Duration
	decimals *uint8
	now      func() time.Time
	logger   *slog.Logger
}

// NewExactScheme builds the handler.
func NewExactScheme(p *Provider, store replay.Store, skew time.Duration) *ExactScheme {
	s := &ExactScheme{
		provider: p,
		replay:   store,
		skew:     skew,
		now:      time.Now,
		logger:   p.logger.With("scheme", string(x402types.SchemeExact)),
	}
	if d, err := network.GetUSDCDeployment(p.network); err == nil {
		s.decimals = &d.Decimals
	}
	return s
}

var _ scheme.Handler = (*ExactScheme)(nil)

func (s *ExactScheme) Key() scheme.Key {
	return scheme.Key{Scheme: x402types.SchemeExact, Network: s.provider.network}
}

// Extra advertises the fee payer clients must put first in their transactions.
func (s *ExactScheme) Extra() json.RawMessage {
	raw, _ := json.Marshal(struct {
		FeePayer string `json:"feePayer"`
	}{s.provider.FeePayer().String()})
	return raw
}

func (s *ExactScheme) Verify(ctx context.Context, payload *x402types.PaymentPayload, req *x402types.PaymentRequirements) (*scheme.Verified, error) {
	t, err := s.verify(ctx, payload, req)
	if err != nil {
		return nil, err
	}
	return &scheme.Verified{Payer: t.owner.String()}, nil
}

func (s *ExactScheme) verify(ctx context.Context, payload *x402types.PaymentPayload, req *x402types.PaymentRequirements) (*transfer, error) {
	if payload.Payload.Solana == nil {
		return nil, malformed("exact scheme on %s expects a transaction payload", s.provider.network)
	}
	t, err := decodeTransfer(payload.Payload.Solana.Transaction, s.provider.FeePayer())
	if err != nil {
		return nil, err
	}
	payer := t.owner.String()

	if err := match.Match(t.normalize(payload, req), *req, s.now(), s.skew); err != nil {
		return nil, err
	}
	if s.decimals != nil && t.decimals != *s.decimals {
		return nil, malformed("transfer uses %d decimals, token has %d", t.decimals, *s.decimals).WithPayer(payer)
	}
	if err := t.verifySignature(); err != nil {
		return nil, x402types.WrapError(x402types.ReasonInvalidSignature, err, "").WithPayer(payer)
	}

	if seen, err := s.replay.Seen(ctx, s.replayKey(t)); err != nil {
		s.logger.Warn("replay store unavailable", "error", err)
	} else if seen {
		return nil, x402types.NewError(x402types.ReasonNonceAlreadyUsed, "transaction is already being settled").WithPayer(payer)
	}

	balance, err := s.provider.TokenBalance(ctx, t.source)
	if err != nil {
		return nil, x402types.WrapError(x402types.ReasonChainReadFailed, err, "").WithPayer(payer)
	}
	if balance < t.amount {
		return nil, x402types.NewError(x402types.ReasonInsufficientFunds, "balance %s, needs %s",
			s.format(balance), s.format(t.amount)).WithPayer(payer)
	}
	return t, nil
}

// Settle re-verifies, co-signs as fee payer, broadcasts and waits for the
// signature to reach confirmed commitment.
func (s *ExactScheme) Settle(ctx context.Context, payload *x402types.PaymentPayload, req *x402types.PaymentRequirements) (*scheme.Settled, error) {
	t, err := s.verify(ctx, payload, req)
	if err != nil {
		return nil, err
	}
	payer := t.owner.String()
	net := s.provider.network

	key := s.replayKey(t)
	reserved, err := s.replay.Reserve(ctx, key, s.now().Add(blockhashLifetime+replay.Retention))
	switch {
	case err != nil:
		s.logger.Warn("replay store unavailable", "error", err)
	case !reserved:
		return nil, x402types.NewError(x402types.ReasonNonceAlreadyUsed, "transaction is already being settled").WithPayer(payer)
	}
	release := func() {
		if reserved {
			if err := s.replay.Release(context.WithoutCancel(ctx), key); err != nil {
				s.logger.Warn("failed to release replay key", "error", err)
			}
		}
	}

	if err := s.provider.cosign(t.tx); err != nil {
		release()
		return nil, x402types.WrapError(x402types.ReasonUnexpectedError, err, "failed to co-sign transaction").WithPayer(payer)
	}

	sig, err := s.provider.send(ctx, t.tx)
	if err != nil {
		release()
		return nil, x402types.WrapError(x402types.ReasonSubmissionFailed, err, "").WithPayer(payer).WithNetwork(net)
	}
	txid := sig.String()
	logger := s.logger.With("tx", txid, "payer", payer)
	logger.Info("settlement submitted", "amount", s.format(t.amount))

	confirmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.provider.opts.ConfirmTimeout)
	defer cancel()

	status, err := s.provider.awaitConfirmation(confirmCtx, sig)
	if err != nil {
		logger.Error("settlement unconfirmed", "error", err)
		reason := x402types.ReasonConfirmationTimeout
		if !errors.Is(err, context.DeadlineExceeded) {
			reason = x402types.ReasonUnexpectedError
		}
		return nil, x402types.WrapError(reason, err, "transaction "+txid+" was not confirmed; check its status before retrying").
			WithPayer(payer).WithNetwork(net).WithTransaction(txid)
	}
	if status.Err != nil {
		release()
		logger.Warn("settlement failed", "reason", status.Err, "slot", status.Slot)
		return nil, x402types.NewError(x402types.ReasonExecutionReverted, "transaction failed: %v", status.Err).
			WithPayer(payer).WithNetwork(net).WithTransaction(txid)
	}

	logger.Info("settlement confirmed", "slot", status.Slot, "status", status.ConfirmationStatus)
	return &scheme.Settled{Payer: payer, Transaction: txid, Network: net}, nil
}

func (s *ExactScheme) format(units uint64) string {
	if s.decimals == nil {
		return fmt.Sprint(units)
	}
	return network.FormatAmount(new(big.Int).SetUint64(units), *s.decimals)
}

func (s *ExactScheme) replayKey(t *transfer) string {
	return replay.Key(s.provider.network, t.owner.String(), t.signature.String())
}
