package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x402-rs/x402-facilitator/pkg/scheme"
	"github.com/x402-rs/x402-facilitator/pkg/types"
)

const payer = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

type stubHandler struct {
	key       scheme.Key
	verifyErr error
	settleErr error
	extra     json.RawMessage
	settled   int
}

func (s *stubHandler) Key() scheme.Key { return s.key }

func (s *stubHandler) Verify(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*scheme.Verified, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	return &scheme.Verified{Payer: payer}, nil
}

func (s *stubHandler) Settle(context.Context, *types.PaymentPayload, *types.PaymentRequirements) (*scheme.Settled, error) {
	if s.verifyErr != nil {
		return nil, s.verifyErr
	}
	if s.settleErr != nil {
		return nil, s.settleErr
	}
	s.settled++
	return &scheme.Settled{Payer: payer, Transaction: "0xabc", Network: s.key.Network}, nil
}

func (s *stubHandler) Extra() json.RawMessage { return s.extra }

func newFacilitator(t *testing.T, handlers ...scheme.Handler) *LocalFacilitator {
	t.Helper()
	registry := scheme.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, registry.Register(h))
	}
	return NewLocalFacilitator(registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func baseSepolia() *stubHandler {
	return &stubHandler{key: scheme.Key{Scheme: types.SchemeExact, Network: types.NetworkBaseSepolia}}
}

func request() *types.VerifyRequest {
	return &types.VerifyRequest{
		X402Version: types.X402VersionV1,
		PaymentPayload: types.PaymentPayload{
			X402Version: types.X402VersionV1,
			Scheme:      types.SchemeExact,
			Network:     types.NetworkBaseSepolia,
			Payload: types.ExactPayload{Evm: &types.ExactEvmPayload{
				Signature:     "0x00",
				Authorization: types.ExactEvmPayloadAuthorization{From: payer},
			}},
		},
		PaymentRequirements: types.PaymentRequirements{
			Scheme:            types.SchemeExact,
			Network:           types.NetworkBaseSepolia,
			MaxAmountRequired: "1000000",
			PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		},
	}
}

func TestVerifyValid(t *testing.T) {
	f := newFacilitator(t, baseSepolia())

	resp, err := f.Verify(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, types.NewValidResponse(payer), resp)
}

func TestVerifyFailedCheckIsAResponse(t *testing.T) {
	h := baseSepolia()
	h.verifyErr = types.NewError(types.ReasonAmountMismatch, "authorized 999999, required exactly 1000000").WithPayer(payer)
	f := newFacilitator(t, h)

	resp, err := f.Verify(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, types.ReasonAmountMismatch, resp.InvalidReason)
	assert.Equal(t, "authorized 999999, required exactly 1000000", resp.InvalidReasonDetails)
	assert.Equal(t, payer, resp.Payer)
}

func TestVerifyUnsupportedCombination(t *testing.T) {
	f := newFacilitator(t, baseSepolia())
	req := request()
	req.PaymentRequirements.Network = types.NetworkPolygon
	req.PaymentPayload.Network = types.NetworkPolygon

	resp, err := f.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, types.ReasonUnsupportedSchemeNetwork, resp.InvalidReason)
}

func TestVerifyPropagatesNonVerificationErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason types.ErrorReason
	}{
		{"malformed", types.NewError(types.ReasonInvalidPayload, "bad nonce"), types.ReasonInvalidPayload},
		{"chain read", types.WrapError(types.ReasonChainReadFailed, errors.New("connection refused"), ""), types.ReasonChainReadFailed},
		{"plain error", errors.New("boom"), types.ReasonUnexpectedError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := baseSepolia()
			h.verifyErr = tt.err
			f := newFacilitator(t, h)

			resp, err := f.Verify(context.Background(), request())
			assert.Nil(t, resp)
			var fe *types.FacilitatorError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.reason, fe.Reason)
			assert.Equal(t, types.NetworkBaseSepolia, fe.Network)
		})
	}
}

func TestRequestShapeIsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *types.VerifyRequest)
	}{
		{"payload version", func(r *types.VerifyRequest) { r.PaymentPayload.X402Version = 2 }},
		{"top-level version", func(r *types.VerifyRequest) { r.X402Version = 2 }},
		{"no scheme", func(r *types.VerifyRequest) { r.PaymentPayload.Scheme = "" }},
		{"no requirements network", func(r *types.VerifyRequest) { r.PaymentRequirements.Network = "" }},
		{"no payTo", func(r *types.VerifyRequest) { r.PaymentRequirements.PayTo = "" }},
		{"empty payload", func(r *types.VerifyRequest) { r.PaymentPayload.Payload = types.ExactPayload{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := baseSepolia()
			f := newFacilitator(t, h)
			req := request()
			tt.mutate(req)

			_, err := f.Verify(context.Background(), req)
			assert.Equal(t, types.ReasonInvalidPayload, types.AsPaymentProblem(err).Reason)

			_, err = f.Settle(context.Background(), req)
			assert.Equal(t, types.ReasonInvalidPayload, types.AsPaymentProblem(err).Reason)
			assert.Zero(t, h.settled)
		})
	}

	f := newFacilitator(t, baseSepolia())
	_, err := f.Verify(context.Background(), nil)
	assert.Equal(t, types.ReasonInvalidPayload, types.AsPaymentProblem(err).Reason)
}

func TestSettle(t *testing.T) {
	f := newFacilitator(t, baseSepolia())

	resp, err := f.Settle(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, &types.SettleResponse{
		Success:     true,
		Payer:       payer,
		Transaction: "0xabc",
		Network:     types.NetworkBaseSepolia,
	}, resp)
}

func TestSettleFailuresCarryContext(t *testing.T) {
	h := baseSepolia()
	h.settleErr = types.NewError(types.ReasonConfirmationTimeout, "not confirmed").WithPayer(payer).WithTransaction("0xdead")
	f := newFacilitator(t, h)

	resp, err := f.Settle(context.Background(), request())
	assert.Nil(t, resp)

	var fe *types.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.ReasonConfirmationTimeout, fe.Reason)
	assert.Equal(t, types.NetworkBaseSepolia, fe.Network)
	assert.Equal(t, "0xdead", fe.Transaction)
	assert.Equal(t, payer, fe.Payer)
	assert.False(t, fe.IsClientError())
}

func TestSettleVerificationFailureIsAnError(t *testing.T) {
	h := baseSepolia()
	h.verifyErr = types.NewError(types.ReasonExpired, "valid before 1, now 2")
	f := newFacilitator(t, h)

	_, err := f.Settle(context.Background(), request())
	var fe *types.FacilitatorError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, types.ReasonExpired, fe.Reason)
	assert.True(t, fe.IsClientError())
	assert.Zero(t, h.settled)
}

func TestSupported(t *testing.T) {
	sol := &stubHandler{
		key:   scheme.Key{Scheme: types.SchemeExact, Network: types.NetworkSolanaDevnet},
		extra: json.RawMessage(`{"feePayer":"Fee111"}`),
	}
	f := newFacilitator(t, sol, baseSepolia())

	resp, err := f.Supported(context.Background())
	require.NoError(t, err)
	require.Len(t, resp.Kinds, 2)
	assert.Equal(t, types.NetworkBaseSepolia, resp.Kinds[0].Network)
	assert.Nil(t, resp.Kinds[0].Extra)
	assert.Equal(t, types.NetworkSolanaDevnet, resp.Kinds[1].Network)
	assert.JSONEq(t, `{"feePayer":"Fee111"}`, string(resp.Kinds[1].Extra))
	for _, k := range resp.Kinds {
		assert.Equal(t, types.X402VersionV1, k.X402Version)
		assert.Equal(t, types.SchemeExact, k.Scheme)
	}
}
