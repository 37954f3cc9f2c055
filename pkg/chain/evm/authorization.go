package evm

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/x402-rs/x402-facilitator/pkg/match"
	x402types "github.com/x402-rs/x402-facilitator/pkg/types"
)

// authorization is a decoded EIP-3009 TransferWithAuthorization.
type authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

var transferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

func malformed(format string, args ...any) *x402types.FacilitatorError {
	return x402types.NewError(x402types.ReasonInvalidPayload, format, args...)
}

// decodeAuthorization validates field syntax. Semantic checks are left to
// the matcher and the signature check.
func decodeAuthorization(p *x402types.ExactEvmPayload) (*authorization, error) {
	a := p.Authorization
	if !common.IsHexAddress(a.From) {
		return nil, malformed("authorization.from %q is not an address", a.From)
	}
	if !common.IsHexAddress(a.To) {
		return nil, malformed("authorization.to %q is not an address", a.To).WithPayer(a.From)
	}

	out := &authorization{From: common.HexToAddress(a.From), To: common.HexToAddress(a.To)}
	payer := out.From.Hex()

	for _, f := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"value", a.Value, &out.Value},
		{"validAfter", a.ValidAfter, &out.ValidAfter},
		{"validBefore", a.ValidBefore, &out.ValidBefore},
	} {
		v, ok := parseUint256(f.raw)
		if !ok {
			return nil, malformed("authorization.%s %q is not a uint256 decimal string", f.name, f.raw).WithPayer(payer)
		}
		*f.dst = v
	}

	nonce, err := hexutil.Decode(a.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, malformed("authorization.nonce must be 32 bytes of 0x-prefixed hex").WithPayer(payer)
	}
	copy(out.Nonce[:], nonce)

	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return nil, malformed("signature is not 0x-prefixed hex: %v", err).WithPayer(payer)
	}
	out.Signature = sig
	return out, nil
}

func parseUint256(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 || v.BitLen() > 256 {
		return nil, false
	}
	return v, true
}

// transfer normalizes the authorization for the matcher. The asset is the
// EIP-712 verifying contract, which the signature check binds to req.Asset.
func (a *authorization) transfer(payload *x402types.PaymentPayload, asset string) match.Transfer {
	return match.Transfer{
		Scheme:  payload.Scheme,
		Network: payload.Network,
		Asset:   asset,
		From:    a.From.Hex(),
		To:      a.To.Hex(),
		Value:   a.Value,
		Window: &match.Window{
			ValidAfter:  unixTime(a.ValidAfter),
			ValidBefore: unixTime(a.ValidBefore),
		},
	}
}

func unixTime(v *big.Int) time.Time {
	if !v.IsInt64() {
		return time.Unix(1<<62, 0)
	}
	return time.Unix(v.Int64(), 0)
}

// digest computes the EIP-712 hash the payer signed.
func (a *authorization) digest(domain x402types.TokenDomain, chainID *big.Int, token common.Address) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       transferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: token.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        a.From.Hex(),
			"to":          a.To.Hex(),
			"value":       (*math.HexOrDecimal256)(a.Value),
			"validAfter":  (*math.HexOrDecimal256)(a.ValidAfter),
			"validBefore": (*math.HexOrDecimal256)(a.ValidBefore),
			"nonce":       common.BytesToHash(a.Nonce[:]).Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

// recoverSigner returns the address that produced sig over digest. Both
// 27/28 and 0/1 recovery ids are accepted.
func recoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes, expected %d", len(sig), crypto.SignatureLength)
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[64])
	}

	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// tokenDomain picks the EIP-712 domain: requirements.extra first, then the
// known USDC deployment for the network when the asset is that token.
func tokenDomain(req *x402types.PaymentRequirements, known *knownToken) (x402types.TokenDomain, bool) {
	if d, ok := req.TokenDomain(); ok {
		return d, true
	}
	if known != nil && strings.EqualFold(known.address.Hex(), req.Asset) {
		return known.domain, true
	}
	return x402types.TokenDomain{}, false
}

type knownToken struct {
	address  common.Address
	domain   x402types.TokenDomain
	decimals uint8
}
