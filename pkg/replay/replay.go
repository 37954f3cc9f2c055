// Package replay holds the advisory seen-set for payment authorizations.
//
// The chain remains the source of truth for nonce uniqueness; a store only
// lets the facilitator reject an obvious replay before paying gas for it and
// keeps two concurrent settlements of the same authorization from both being
// submitted by this process (or, with Redis, by this deployment).
package replay

import (
	"context"
	"strings"
	"time"

	"github.com/x402-rs/x402-facilitator/pkg/types"
)

// Store is an expiring set of authorization keys.
type Store interface {
	// Seen reports whether key is currently held.
	Seen(ctx context.Context, key string) (bool, error)
	// Reserve atomically adds key until the given time. It returns false if
	// key was already held.
	Reserve(ctx context.Context, key string, until time.Time) (bool, error)
	// Release drops key, e.g. after a submission that never reached the chain.
	Release(ctx context.Context, key string) error
}

// Key builds the store key for a signer's authorization nonce on a network.
// Signers are lower-cased so checksummed and plain hex collide.
func Key(network types.Network, signer, nonce string) string {
	if strings.HasPrefix(signer, "0x") || strings.HasPrefix(signer, "0X") {
		signer = strings.ToLower(signer)
		nonce = strings.ToLower(nonce)
	}
	return string(network) + ":" + signer + ":" + nonce
}

// Retention is how long past an authorization's own expiry a key is kept.
const Retention = time.Hour
