// Package facilitator is the entry point the transport layer calls: it
// validates a request, routes it to the scheme handler registered for the
// requirements' (scheme, network) and shapes the result.
package facilitator

import (
	"context"

	"github.com/x402-rs/x402-facilitator/pkg/types"
)

// Facilitator verifies and settles x402 payments.
//
// The facilitator never holds user funds. It checks signed payment payloads
// against a seller's requirements and, on settle, submits them on-chain.
type Facilitator interface {
	// Verify checks a payload against its requirements without submitting
	// anything. A well-formed payment that fails a check is reported as
	// VerifyResponse{IsValid: false}; only malformed requests, chain read
	// failures and internal errors are returned as errors.
	Verify(ctx context.Context, request *types.VerifyRequest) (*types.VerifyResponse, error)

	// Settle re-runs every Verify check, then executes the transfer and
	// waits for confirmation. Any failure is returned as a
	// *types.FacilitatorError carrying whatever of payer, network and
	// transaction hash is known.
	Settle(ctx context.Context, request *types.SettleRequest) (*types.SettleResponse, error)

	// Supported lists the payment kinds this instance handles.
	Supported(ctx context.Context) (*types.SupportedResponse, error)
}
