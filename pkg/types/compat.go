package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ExactPayload is the scheme-specific body of an "exact" payment. Exactly one
// of Evm or Solana is set; which one is decided by the shape of the JSON
// object rather than by a tag.
type ExactPayload struct {
	Evm    *ExactEvmPayload
	Solana *ExactSolanaPayload
}

var errAmbiguousPayload = errors.New("payload must contain either authorization+signature or transaction")

// MarshalJSON writes whichever variant is set, or null.
func (p ExactPayload) MarshalJSON() ([]byte, error) {
	switch {
	case p.Evm != nil:
		return json.Marshal(p.Evm)
	case p.Solana != nil:
		return json.Marshal(p.Solana)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON picks the variant by the keys present.
func (p *ExactPayload) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = ExactPayload{}
		return nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	_, hasAuth := probe["authorization"]
	_, hasSig := probe["signature"]
	_, hasTx := probe["transaction"]

	switch {
	case hasAuth && hasSig && !hasTx:
		var evm ExactEvmPayload
		if err := json.Unmarshal(data, &evm); err != nil {
			return fmt.Errorf("evm payload: %w", err)
		}
		*p = ExactPayload{Evm: &evm}
	case hasTx && !hasAuth:
		var svm ExactSolanaPayload
		if err := json.Unmarshal(data, &svm); err != nil {
			return fmt.Errorf("solana payload: %w", err)
		}
		*p = ExactPayload{Solana: &svm}
	default:
		return errAmbiguousPayload
	}
	return nil
}

// UnmarshalJSON accepts the version as a number or as a numeric string;
// older clients send "1".
func (v *X402Version) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*v = X402Version(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("x402Version: expected number, got %s", string(data))
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("x402Version: %w", err)
	}
	*v = X402Version(n)
	return nil
}
