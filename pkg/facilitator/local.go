package facilitator

import (
	"context"
	"log/slog"

	"github.com/x402-rs/x402-facilitator/pkg/scheme"
	"github.com/x402-rs/x402-facilitator/pkg/types"
)

// LocalFacilitator runs verification and settlement in-process against the
// handlers in a registry.
type LocalFacilitator struct {
	registry *scheme.Registry
	logger   *slog.Logger
}

var _ Facilitator = (*LocalFacilitator)(nil)

// NewLocalFacilitator creates a facilitator over a fully populated registry.
func NewLocalFacilitator(registry *scheme.Registry, logger *slog.Logger) *LocalFacilitator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalFacilitator{registry: registry, logger: logger}
}

// Verify implements Facilitator.Verify.
func (f *LocalFacilitator) Verify(ctx context.Context, request *types.VerifyRequest) (*types.VerifyResponse, error) {
	handler, err := f.route(request)
	if err == nil {
		var verified *scheme.Verified
		verified, err = handler.Verify(ctx, &request.PaymentPayload, &request.PaymentRequirements)
		if err == nil {
			f.logger.Debug("payment verified", attrs(request, verified.Payer)...)
			return types.NewValidResponse(verified.Payer), nil
		}
	}

	fe := types.AsFacilitatorError(err)
	if request != nil {
		fe.WithNetwork(request.PaymentRequirements.Network)
	}
	if fe.Kind() == types.KindVerification {
		f.logger.Info("payment rejected", append(attrs(request, fe.Payer), "reason", fe.Reason, "details", fe.Details)...)
		return types.NewInvalidResponse(fe.Reason, fe.Details, fe.Payer), nil
	}
	f.log(fe, "verification failed", request)
	return nil, fe
}

// Settle implements Facilitator.Settle.
func (f *LocalFacilitator) Settle(ctx context.Context, request *types.SettleRequest) (*types.SettleResponse, error) {
	handler, err := f.route(request)
	if err == nil {
		var settled *scheme.Settled
		settled, err = handler.Settle(ctx, &request.PaymentPayload, &request.PaymentRequirements)
		if err == nil {
			f.logger.Info("payment settled", append(attrs(request, settled.Payer), "tx", settled.Transaction)...)
			return &types.SettleResponse{
				Success:     true,
				Payer:       settled.Payer,
				Transaction: settled.Transaction,
				Network:     settled.Network,
			}, nil
		}
	}

	fe := types.AsFacilitatorError(err)
	if request != nil {
		fe.WithNetwork(request.PaymentRequirements.Network)
	}
	f.log(fe, "settlement failed", request)
	return nil, fe
}

// Supported implements Facilitator.Supported.
func (f *LocalFacilitator) Supported(_ context.Context) (*types.SupportedResponse, error) {
	handlers := f.registry.Supported()
	kinds := make([]types.SupportedPaymentKind, 0, len(handlers))
	for _, h := range handlers {
		k := h.Key()
		kinds = append(kinds, types.SupportedPaymentKind{
			X402Version: types.X402VersionV1,
			Scheme:      k.Scheme,
			Network:     k.Network,
			Extra:       h.Extra(),
		})
	}
	return &types.SupportedResponse{Kinds: kinds}, nil
}

// route validates the request's shape and finds its handler. Requests are
// routed by the requirements; a payload naming something else is caught by
// the handler's matcher.
func (f *LocalFacilitator) route(request *types.VerifyRequest) (scheme.Handler, error) {
	if err := validateRequest(request); err != nil {
		return nil, err
	}
	req := &request.PaymentRequirements
	return f.registry.Lookup(req.Scheme, req.Network)
}

func validateRequest(request *types.VerifyRequest) error {
	if request == nil {
		return types.NewError(types.ReasonInvalidPayload, "empty request")
	}
	payload, req := &request.PaymentPayload, &request.PaymentRequirements

	if request.X402Version != 0 && request.X402Version != types.X402VersionV1 {
		return types.NewError(types.ReasonInvalidPayload, "unsupported x402Version %d", request.X402Version)
	}
	if payload.X402Version != types.X402VersionV1 {
		return types.NewError(types.ReasonInvalidPayload, "unsupported paymentPayload.x402Version %d", payload.X402Version)
	}
	switch {
	case payload.Scheme == "" || payload.Network == "":
		return types.NewError(types.ReasonInvalidPayload, "paymentPayload must name a scheme and network")
	case req.Scheme == "" || req.Network == "":
		return types.NewError(types.ReasonInvalidPayload, "paymentRequirements must name a scheme and network")
	case req.PayTo == "" || req.Asset == "" || req.MaxAmountRequired == "":
		return types.NewError(types.ReasonInvalidPayload, "paymentRequirements must carry payTo, asset and maxAmountRequired")
	case payload.Payload.Evm == nil && payload.Payload.Solana == nil:
		return types.NewError(types.ReasonInvalidPayload, "paymentPayload.payload is empty")
	}
	return nil
}

func (f *LocalFacilitator) log(fe *types.FacilitatorError, msg string, request *types.VerifyRequest) {
	args := append(attrs(request, fe.Payer), "reason", fe.Reason, "kind", fe.Kind().String(), "details", fe.Details)
	if fe.Transaction != "" {
		args = append(args, "tx", fe.Transaction)
	}
	switch fe.Kind() {
	case types.KindMalformed, types.KindVerification:
		f.logger.Info(msg, args...)
	case types.KindOnchain:
		f.logger.Warn(msg, args...)
	default:
		f.logger.Error(msg, args...)
	}
}

func attrs(request *types.VerifyRequest, payer string) []any {
	if request == nil {
		return []any{"payer", payer}
	}
	return []any{
		"scheme", string(request.PaymentRequirements.Scheme),
		"network", string(request.PaymentRequirements.Network),
		"payer", payer,
	}
}
