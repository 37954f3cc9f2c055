package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrSequencerClosed is returned by Submit after Close.
var ErrSequencerClosed = errors.New("sequencer closed")

// gasHeadroom is added to every estimate, in percent.
const gasHeadroom = 20

// Sequencer owns the outgoing nonces of the facilitator's accounts on one
// network. Submissions are queued and handled one at a time by a single
// goroutine, so two settlements never race for the same account nonce.
type Sequencer struct {
	client ChainClient
	signer types.Signer
	keys   []*ecdsa.PrivateKey
	addrs  []common.Address
	logger *slog.Logger

	// owned by run; the nonce after each account's last broadcast
	nonces map[common.Address]uint64
	next   int

	queue     chan submission
	done      chan struct{}
	closeOnce sync.Once
}

// Submitted is a broadcast transaction and the account that sent it.
type Submitted struct {
	Tx   *types.Transaction
	From common.Address
}

type submission struct {
	ctx   context.Context
	to    common.Address
	data  []byte
	reply chan submitResult
}

type submitResult struct {
	sub *Submitted
	err error
}

// NewSequencer starts the submission goroutine for chainID.
func NewSequencer(client ChainClient, chainID *big.Int, keys []*ecdsa.PrivateKey, logger *slog.Logger) *Sequencer {
	addrs := make([]common.Address, len(keys))
	for i, k := range keys {
		addrs[i] = AddressOf(k)
	}
	s := &Sequencer{
		client: client,
		signer: types.LatestSignerForChainID(chainID),
		keys:   keys,
		addrs:  addrs,
		logger: logger,
		nonces: make(map[common.Address]uint64),
		queue:  make(chan submission),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Addresses returns the accounts used for submission.
func (s *Sequencer) Addresses() []common.Address {
	out := make([]common.Address, len(s.addrs))
	copy(out, s.addrs)
	return out
}

// Submit signs and broadcasts a call to `to` with calldata from the next
// facilitator account. Once the request is accepted by the sequencer Submit
// waits for its outcome even if ctx ends, so a broadcast transaction is never
// reported as failed; ctx still bounds the RPC calls made on its behalf.
func (s *Sequencer) Submit(ctx context.Context, to common.Address, data []byte) (*Submitted, error) {
	req := submission{ctx: ctx, to: to, data: data, reply: make(chan submitResult, 1)}

	select {
	case s.queue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSequencerClosed
	}

	res := <-req.reply
	return res.sub, res.err
}

// Close stops the goroutine. Pending Submit calls fail with ErrSequencerClosed.
func (s *Sequencer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Sequencer) run() {
	for {
		select {
		case req := <-s.queue:
			sub, err := s.submit(req)
			req.reply <- submitResult{sub: sub, err: err}
		case <-s.done:
			return
		}
	}
}

func (s *Sequencer) submit(req submission) (*Submitted, error) {
	if err := req.ctx.Err(); err != nil {
		return nil, err
	}

	idx := s.next
	s.next = (s.next + 1) % len(s.keys)
	key, from := s.keys[idx], s.addrs[idx]

	nonce, err := s.nonceFor(req.ctx, from)
	if err != nil {
		return nil, err
	}

	gasPrice, err := s.client.SuggestGasPrice(req.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	gas, err := s.client.EstimateGas(req.ctx, ethereum.CallMsg{From: from, To: &req.to, GasPrice: gasPrice, Data: req.data})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}
	gas += gas * gasHeadroom / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     req.data,
	})
	signed, err := types.SignTx(tx, s.signer, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign tx: %w", err)
	}

	if err := s.client.SendTransaction(req.ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send tx: %w", err)
	}
	s.nonces[from] = nonce + 1

	s.logger.Debug("transaction broadcast", "tx", signed.Hash().Hex(), "from", from.Hex(), "nonce", nonce)
	return &Submitted{Tx: signed, From: from}, nil
}

// nonceFor reads the pending nonce on every submission. A transaction the
// node dropped leaves a gap below our last broadcast, and only the node's
// view lets the next submission fill it.
func (s *Sequencer) nonceFor(ctx context.Context, from common.Address) (uint64, error) {
	n, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	if last, ok := s.nonces[from]; ok && n < last {
		s.logger.Warn("pending nonce behind last broadcast, reusing dropped nonce",
			"from", from.Hex(), "pending", n, "expected", last)
	}
	return n, nil
}
