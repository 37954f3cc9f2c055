package solana

import (
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/x402-rs/x402-facilitator/pkg/match"
	x402types "github.com/x402-rs/x402-facilitator/pkg/types"
)

// ComputeBudgetProgramID may appear alongside the transfer to set priority fees.
var ComputeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")

// transfer is a decoded payment transaction: exactly one SPL Token
// TransferChecked, signed by the token owner and waiting for the fee payer.
type transfer struct {
	tx          *solana.Transaction
	message     []byte
	owner       solana.PublicKey
	source      solana.PublicKey
	destination solana.PublicKey
	mint        solana.PublicKey
	amount      uint64
	decimals    uint8
	signature   solana.Signature // the owner's
}

func malformed(format string, args ...any) *x402types.FacilitatorError {
	return x402types.NewError(x402types.ReasonInvalidPayload, format, args...)
}

// decodeTransfer parses a base64 transaction and checks its structure against
// the facilitator's fee payer. It does not check signatures.
func decodeTransfer(encoded string, feePayer solana.PublicKey) (*transfer, error) {
	tx, err := solana.TransactionFromBase64(encoded)
	if err != nil {
		return nil, malformed("transaction is not a base64 Solana transaction: %v", err)
	}
	msg := &tx.Message
	if len(msg.AccountKeys) == 0 {
		return nil, malformed("transaction has no accounts")
	}
	if len(msg.AddressTableLookups) > 0 {
		return nil, malformed("address lookup tables are not supported")
	}
	if int(msg.Header.NumRequiredSignatures) != len(tx.Signatures) {
		return nil, malformed("transaction carries %d signatures, message requires %d",
			len(tx.Signatures), msg.Header.NumRequiredSignatures)
	}
	if !msg.AccountKeys[0].Equals(feePayer) {
		return nil, malformed("fee payer is %s, expected facilitator %s", msg.AccountKeys[0], feePayer)
	}

	var found *token.TransferChecked
	for i, inst := range msg.Instructions {
		prog, err := msg.ResolveProgramIDIndex(inst.ProgramIDIndex)
		if err != nil {
			return nil, malformed("instruction %d: %v", i, err)
		}
		switch {
		case prog.Equals(ComputeBudgetProgramID):
			continue
		case prog.Equals(solana.TokenProgramID):
			accounts, err := inst.ResolveInstructionAccounts(msg)
			if err != nil {
				return nil, malformed("instruction %d: %v", i, err)
			}
			decoded, err := token.DecodeInstruction(accounts, inst.Data)
			if err != nil {
				return nil, malformed("instruction %d is not a token instruction: %v", i, err)
			}
			tc, ok := decoded.Impl.(*token.TransferChecked)
			if !ok {
				return nil, malformed("instruction %d is %T, only TransferChecked is accepted", i, decoded.Impl)
			}
			if found != nil {
				return nil, malformed("transaction contains more than one transfer")
			}
			found = tc
		default:
			return nil, malformed("instruction %d calls unsupported program %s", i, prog)
		}
	}
	if found == nil {
		return nil, malformed("transaction contains no TransferChecked instruction")
	}
	if found.Amount == nil || found.Decimals == nil {
		return nil, malformed("transfer is missing amount or decimals")
	}

	t := &transfer{
		tx:          tx,
		owner:       found.GetOwnerAccount().PublicKey,
		source:      found.GetSourceAccount().PublicKey,
		destination: found.GetDestinationAccount().PublicKey,
		mint:        found.GetMintAccount().PublicKey,
		amount:      *found.Amount,
		decimals:    *found.Decimals,
	}
	payer := t.owner.String()

	// The facilitator must only pay fees, never move its own tokens.
	if t.owner.Equals(feePayer) {
		return nil, malformed("transfer authority must not be the fee payer").WithPayer(payer)
	}
	idx := accountIndex(msg, t.owner)
	if idx < 0 || idx >= int(msg.Header.NumRequiredSignatures) {
		return nil, malformed("transfer authority %s is not a signer", payer).WithPayer(payer)
	}
	t.signature = tx.Signatures[idx]

	t.message, err = msg.MarshalBinary()
	if err != nil {
		return nil, malformed("failed to encode message: %v", err).WithPayer(payer)
	}
	return t, nil
}

func accountIndex(msg *solana.Message, key solana.PublicKey) int {
	for i, k := range msg.AccountKeys {
		if k.Equals(key) {
			return i
		}
	}
	return -1
}

// normalize builds the matcher's view. The destination is a token account;
// when it is payTo's associated account for the mint, the recipient is
// reported as payTo itself.
func (t *transfer) normalize(payload *x402types.PaymentPayload, req *x402types.PaymentRequirements) match.Transfer {
	to := t.destination.String()
	if payTo, err := solana.PublicKeyFromBase58(req.PayTo); err == nil {
		if ata, _, err := solana.FindAssociatedTokenAddress(payTo, t.mint); err == nil && ata.Equals(t.destination) {
			to = req.PayTo
		}
	}
	return match.Transfer{
		Scheme:  payload.Scheme,
		Network: payload.Network,
		Asset:   t.mint.String(),
		From:    t.owner.String(),
		To:      to,
		Value:   new(big.Int).SetUint64(t.amount),
	}
}

// verifySignature checks the owner's signature over the message.
func (t *transfer) verifySignature() error {
	if t.signature == (solana.Signature{}) {
		return fmt.Errorf("transfer authority has not signed")
	}
	if !t.signature.Verify(t.owner, t.message) {
		return fmt.Errorf("signature does not verify for %s", t.owner)
	}
	return nil
}
