package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain is an in-memory ChainClient hosting a single EIP-3009 token.
// Transactions are mined as soon as they are sent.
type fakeChain struct {
	mu sync.Mutex

	abi      abi.ABI
	token    common.Address
	balances map[common.Address]*big.Int
	used     map[common.Address]map[[32]byte]bool
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	block    int64

	// failure injection
	readErr        error // returned by CallContract for view calls
	readFailures   int   // number of view calls that fail before succeeding
	sendErr        error
	revertReason   string // every mined transfer reverts with this reason
	withholdMining bool   // transactions never get a receipt
	reads          int
}

func newFakeChain(token common.Address) *fakeChain {
	parsed, err := loadEIP3009ABI()
	if err != nil {
		panic(err)
	}
	return &fakeChain{
		abi:      parsed,
		token:    token,
		balances: make(map[common.Address]*big.Int),
		used:     make(map[common.Address]map[[32]byte]bool),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		block:    100,
	}
}

func (f *fakeChain) fund(owner common.Address, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[owner] = big.NewInt(amount)
}

func (f *fakeChain) balance(owner common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[owner]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// drop evicts the newest unmined transaction, as a node does under mempool
// pressure, freeing its nonce.
func (f *fakeChain) drop() *types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.sent[len(f.sent)-1]
	f.sent = f.sent[:len(f.sent)-1]
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		panic(err)
	}
	f.nonces[sender]--
	return tx
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if msg.To == nil || *msg.To != f.token || len(msg.Data) < 4 {
		return nil, nil
	}
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "balanceOf", "authorizationState":
		f.reads++
		if f.readErr != nil && (f.readFailures == 0 || f.reads <= f.readFailures) {
			return nil, f.readErr
		}
	}

	switch method.Name {
	case "balanceOf":
		b := f.balances[args[0].(common.Address)]
		if b == nil {
			b = new(big.Int)
		}
		return method.Outputs.Pack(b)
	case "authorizationState":
		return method.Outputs.Pack(f.used[args[0].(common.Address)][args[1].([32]byte)])
	case "transferWithAuthorization":
		if reason := f.checkTransfer(args); reason != "" {
			return nil, fmt.Errorf("execution reverted: %s", reason)
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected method %s", method.Name)
}

func (f *fakeChain) checkTransfer(args []any) string {
	if f.revertReason != "" {
		return f.revertReason
	}
	from, value, nonce := args[0].(common.Address), args[2].(*big.Int), args[5].([32]byte)
	if f.used[from][nonce] {
		return "FiatTokenV2: authorization is used or canceled"
	}
	if b := f.balances[from]; b == nil || b.Cmp(value) < 0 {
		return "ERC20: transfer amount exceeds balance"
	}
	return ""
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return nil, nil
}

func (f *fakeChain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 80_000, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() != f.nonces[sender] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), f.nonces[sender])
	}
	f.nonces[sender]++
	f.sent = append(f.sent, tx)

	if f.withholdMining {
		return nil
	}

	f.block++
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: big.NewInt(f.block),
	}

	method, err := f.abi.MethodById(tx.Data()[:4])
	if err != nil {
		return err
	}
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	if err != nil {
		return err
	}
	if f.checkTransfer(args) != "" {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		from, to, value, nonce := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int), args[5].([32]byte)
		f.balances[from] = new(big.Int).Sub(f.balances[from], value)
		if f.balances[to] == nil {
			f.balances[to] = new(big.Int)
		}
		f.balances[to] = new(big.Int).Add(f.balances[to], value)
		if f.used[from] == nil {
			f.used[from] = make(map[[32]byte]bool)
		}
		f.used[from][nonce] = true
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

var errRPCDown = errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
