package types

import (
	"encoding/json"
	"strings"
)

// X402Version is the protocol version carried in payloads and supported kinds
type X402Version int

const (
	X402VersionV1 X402Version = 1
)

// Scheme represents the payment scheme
type Scheme string

const (
	SchemeExact Scheme = "exact"
)

// Network represents supported blockchain networks
type Network string

const (
	NetworkBaseSepolia   Network = "base-sepolia"
	NetworkBase          Network = "base"
	NetworkAvalancheFuji Network = "avalanche-fuji"
	NetworkAvalanche     Network = "avalanche"
	NetworkPolygonAmoy   Network = "polygon-amoy"
	NetworkPolygon       Network = "polygon"
	NetworkSei           Network = "sei"
	NetworkSeiTestnet    Network = "sei-testnet"
	NetworkXDC           Network = "xdc"
	NetworkSolana        Network = "solana"
	NetworkSolanaDevnet  Network = "solana-devnet"
)

// KnownNetworks lists every network identifier the facilitator understands,
// in a stable order.
var KnownNetworks = []Network{
	NetworkBase,
	NetworkBaseSepolia,
	NetworkAvalanche,
	NetworkAvalancheFuji,
	NetworkPolygon,
	NetworkPolygonAmoy,
	NetworkSei,
	NetworkSeiTestnet,
	NetworkXDC,
	NetworkSolana,
	NetworkSolanaDevnet,
}

// IsEVM returns true if the network is EVM-compatible
func (n Network) IsEVM() bool {
	switch n {
	case NetworkBaseSepolia, NetworkBase, NetworkAvalancheFuji, NetworkAvalanche,
		NetworkPolygonAmoy, NetworkPolygon, NetworkSei, NetworkSeiTestnet, NetworkXDC:
		return true
	default:
		return false
	}
}

// IsSolana returns true if the network is Solana-based
func (n Network) IsSolana() bool {
	return n == NetworkSolana || n == NetworkSolanaDevnet
}

// EnvSuffix is the upper-cased form used in RPC_URL_<NETWORK> variables.
func (n Network) EnvSuffix() string {
	return strings.ToUpper(strings.ReplaceAll(string(n), "-", "_"))
}

// PaymentRequirements specifies what payment a seller requires
type PaymentRequirements struct {
	Scheme            Scheme          `json:"scheme"`
	Network           Network         `json:"network"`
	MaxAmountRequired string          `json:"maxAmountRequired"`
	Resource          string          `json:"resource"`
	Description       string          `json:"description"`
	MimeType          string          `json:"mimeType"`
	PayTo             string          `json:"payTo"`
	MaxTimeoutSeconds int             `json:"maxTimeoutSeconds"`
	Asset             string          `json:"asset"`
	OutputSchema      json.RawMessage `json:"outputSchema,omitempty"`
	Extra             json.RawMessage `json:"extra,omitempty"`
}

// TokenDomain is the EIP-712 domain hint a seller may put in requirements.extra.
type TokenDomain struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// TokenDomain returns the EIP-712 name/version from extra, if both are present.
func (r *PaymentRequirements) TokenDomain() (TokenDomain, bool) {
	if len(r.Extra) == 0 {
		return TokenDomain{}, false
	}
	var d TokenDomain
	if err := json.Unmarshal(r.Extra, &d); err != nil {
		return TokenDomain{}, false
	}
	if d.Name == "" || d.Version == "" {
		return TokenDomain{}, false
	}
	return d, true
}

// ExactEvmPayloadAuthorization represents EIP-3009 transfer authorization data
type ExactEvmPayloadAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"` // 0x-prefixed 32 bytes
}

// ExactEvmPayload contains the EVM payment payload
type ExactEvmPayload struct {
	Signature     string                       `json:"signature"` // hex-encoded, 65 bytes
	Authorization ExactEvmPayloadAuthorization `json:"authorization"`
}

// ExactSolanaPayload contains the Solana payment payload
type ExactSolanaPayload struct {
	Transaction string `json:"transaction"` // base64, partially signed
}

// PaymentPayload contains the complete payment information
type PaymentPayload struct {
	X402Version X402Version  `json:"x402Version"`
	Scheme      Scheme       `json:"scheme"`
	Network     Network      `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// VerifyRequest is the request to verify a payment
type VerifyRequest struct {
	X402Version         X402Version         `json:"x402Version,omitempty"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the request to settle a payment. Settlement re-verifies,
// so it carries the same data as VerifyRequest.
type SettleRequest = VerifyRequest

// VerifyResponse is the response from payment verification
type VerifyResponse struct {
	IsValid              bool        `json:"isValid"`
	InvalidReason        ErrorReason `json:"invalidReason,omitempty"`
	InvalidReasonDetails string      `json:"invalidReasonDetails,omitempty"`
	Payer                string      `json:"payer"`
}

// NewValidResponse creates a successful verification response
func NewValidResponse(payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: true, Payer: payer}
}

// NewInvalidResponse creates a failed verification response
func NewInvalidResponse(reason ErrorReason, details, payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: false, InvalidReason: reason, InvalidReasonDetails: details, Payer: payer}
}

// SettleResponse is the response from payment settlement
type SettleResponse struct {
	Success     bool        `json:"success"`
	ErrorReason ErrorReason `json:"errorReason,omitempty"`
	Payer       string      `json:"payer"`
	Transaction string      `json:"transaction"`
	Network     Network     `json:"network"`
}

// SupportedPaymentKind represents a supported (scheme, network) combination
type SupportedPaymentKind struct {
	X402Version X402Version     `json:"x402Version"`
	Scheme      Scheme          `json:"scheme"`
	Network     Network         `json:"network"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// SupportedResponse lists all supported payment kinds
type SupportedResponse struct {
	Kinds []SupportedPaymentKind `json:"kinds"`
}
