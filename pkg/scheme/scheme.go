// Package scheme maps (scheme, network) pairs to the code that verifies and
// settles payments of that kind.
package scheme

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/x402-rs/x402-facilitator/pkg/types"
)

// Key identifies a payment kind.
type Key struct {
	Scheme  types.Scheme
	Network types.Network
}

func (k Key) String() string { return string(k.Scheme) + "/" + string(k.Network) }

// Verified is the outcome of a successful verification.
type Verified struct {
	Payer string
}

// Settled is the outcome of a successful settlement.
type Settled struct {
	Payer       string
	Transaction string
	Network     types.Network
}

// Handler verifies and settles payments for one Key. Errors returned are
// *types.FacilitatorError.
type Handler interface {
	Key() Key
	Verify(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*Verified, error)
	Settle(ctx context.Context, payload *types.PaymentPayload, req *types.PaymentRequirements) (*Settled, error)
	// Extra is advertised on /supported, e.g. the Solana fee payer. May be nil.
	Extra() json.RawMessage
}

// Registry is filled at startup and read-only afterwards, so lookups need
// no locking.
type Registry struct {
	handlers map[Key]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Key]Handler)}
}

// Register adds h under its own key.
func (r *Registry) Register(h Handler) error {
	k := h.Key()
	if _, exists := r.handlers[k]; exists {
		return fmt.Errorf("handler for %s already registered", k)
	}
	r.handlers[k] = h
	return nil
}

// Lookup returns the handler for (scheme, network).
func (r *Registry) Lookup(s types.Scheme, n types.Network) (Handler, error) {
	k := Key{Scheme: s, Network: n}
	h, ok := r.handlers[k]
	if !ok {
		return nil, types.NewError(types.ReasonUnsupportedSchemeNetwork, "%s is not supported by this facilitator", k).
			WithNetwork(n)
	}
	if h.Key() != k {
		return nil, types.NewError(types.ReasonUnexpectedError, "registry returned handler for %s when asked for %s", h.Key(), k).
			WithNetwork(n)
	}
	return h, nil
}

// Supported returns every registered handler, sorted by network then scheme.
func (r *Registry) Supported() []Handler {
	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Network != keys[j].Network {
			return keys[i].Network < keys[j].Network
		}
		return keys[i].Scheme < keys[j].Scheme
	})

	handlers := make([]Handler, len(keys))
	for i, k := range keys {
		handlers[i] = r.handlers[k]
	}
	return handlers
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int { return len(r.handlers) }
