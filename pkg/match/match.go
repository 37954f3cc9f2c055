// Package match checks a normalized transfer against a seller's payment
// requirements. It performs no I/O.
package match

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/x402-rs/x402-facilitator/pkg/types"
)

// DefaultClockSkew is the tolerance applied to the start of a validity window.
const DefaultClockSkew = 5 * time.Second

// Window is the validity interval of an authorization.
type Window struct {
	ValidAfter  time.Time
	ValidBefore time.Time
}

// Transfer is the scheme-independent view of what a payload authorizes.
type Transfer struct {
	Scheme  types.Scheme
	Network types.Network
	Asset   string
	From    string
	To      string
	Value   *big.Int
	Window  *Window // nil when the scheme has no time bound
}

// Match checks t against req. Checks run in a fixed order and the first
// failure is returned: scheme/network, asset, amount, recipient, time window.
func Match(t Transfer, req types.PaymentRequirements, now time.Time, skew time.Duration) error {
	if t.Scheme != req.Scheme || t.Network != req.Network {
		return types.NewError(types.ReasonSchemeNetworkMismatch,
			"payload %s/%s does not match requirements %s/%s", t.Scheme, t.Network, req.Scheme, req.Network).
			WithPayer(t.From)
	}

	if !SameAddress(t.Asset, req.Asset) {
		return types.NewError(types.ReasonAssetMismatch, "asset %s, required %s", t.Asset, req.Asset).
			WithPayer(t.From)
	}

	required, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || required.Sign() < 0 {
		return types.NewError(types.ReasonInvalidPayload, "maxAmountRequired %q is not a non-negative integer", req.MaxAmountRequired)
	}
	if t.Value == nil || t.Value.Cmp(required) != 0 {
		return types.NewError(types.ReasonAmountMismatch, "authorized %s, required exactly %s", valueString(t.Value), required).
			WithPayer(t.From)
	}

	if !SameAddress(t.To, req.PayTo) {
		return types.NewError(types.ReasonRecipientMismatch, "recipient %s, required %s", t.To, req.PayTo).
			WithPayer(t.From)
	}

	if t.Window != nil {
		if now.Add(skew).Before(t.Window.ValidAfter) {
			return types.NewError(types.ReasonNotYetValid, "valid after %d, now %d",
				t.Window.ValidAfter.Unix(), now.Unix()).WithPayer(t.From)
		}
		if !now.Before(t.Window.ValidBefore) {
			return types.NewError(types.ReasonExpired, "valid before %d, now %d",
				t.Window.ValidBefore.Unix(), now.Unix()).WithPayer(t.From)
		}
	}

	return nil
}

// SameAddress compares two addresses. Hex addresses compare case-insensitively
// because of EIP-55 checksums; anything else, such as base58, must match exactly.
func SameAddress(a, b string) bool {
	if common.IsHexAddress(a) && common.IsHexAddress(b) {
		return common.HexToAddress(a) == common.HexToAddress(b)
	}
	return a == b
}

func valueString(v *big.Int) string {
	if v == nil {
		return "nothing"
	}
	return v.String()
}
