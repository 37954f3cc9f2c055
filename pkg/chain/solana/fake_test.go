package solana

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// fakeRPC confirms every transaction it accepts on the next status query.
type fakeRPC struct {
	mu sync.Mutex

	balances map[solana.PublicKey]uint64
	statuses map[solana.Signature]*rpc.SignatureStatusesResult
	sent     []*solana.Transaction
	slot     uint64

	// failure injection
	balanceErr error
	sendErr    error
	txErr      any  // recorded as the status error of every accepted transaction
	pending    bool // accepted transactions never get past processed
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		balances: make(map[solana.PublicKey]uint64),
		statuses: make(map[solana.Signature]*rpc.SignatureStatusesResult),
		slot:     300_000_000,
	}
}

func (f *fakeRPC) fund(account solana.PublicKey, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = amount
}

func (f *fakeRPC) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return solana.Signature{}, err
	}
	for i, sig := range tx.Signatures {
		if !sig.Verify(tx.Message.AccountKeys[i], msg) {
			return solana.Signature{}, errors.New("Transaction signature verification failure")
		}
	}
	id := tx.Signatures[0]
	if _, ok := f.statuses[id]; ok {
		return solana.Signature{}, errors.New("Transaction simulation failed: This transaction has already been processed")
	}

	f.slot++
	status := &rpc.SignatureStatusesResult{Slot: f.slot, ConfirmationStatus: rpc.ConfirmationStatusConfirmed, Err: f.txErr}
	if f.pending {
		status.ConfirmationStatus = rpc.ConfirmationStatusProcessed
	}
	f.statuses[id] = status
	f.sent = append(f.sent, tx)
	return id, nil
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, _ bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &rpc.GetSignatureStatusesResult{Value: make([]*rpc.SignatureStatusesResult, len(sigs))}
	for i, sig := range sigs {
		out.Value[i] = f.statuses[sig]
	}
	return out, nil
}

func (f *fakeRPC) GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	amount, ok := f.balances[account]
	if !ok {
		return nil, errors.New("Invalid param: could not find account")
	}
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: strconv.FormatUint(amount, 10), Decimals: 6},
	}, nil
}
