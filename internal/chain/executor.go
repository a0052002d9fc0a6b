package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Execution errors. A block containing a transaction that fails any of
// these checks is invalid as a whole.
var (
	ErrNonceMismatch     = errors.New("transaction nonce does not match account")
	ErrInsufficientFunds = errors.New("insufficient balance for value plus fee")
	ErrGasPriceTooLow    = errors.New("gas price below block base fee")
	ErrBlockGasExceeded  = errors.New("block gas limit exceeded")
	ErrAmountOverflow    = errors.New("amount arithmetic overflow")
)

// TransferTopic is the first topic of the log emitted for every
// value-moving transaction, matching the Ethereum ERC-20 transfer event
// signature so off-the-shelf tooling can follow native movements.
var TransferTopic = crypto.Keccak256([]byte("Transfer(address,address,uint256)"))

// ledgerDelta is an in-memory overlay over the account ledger. All execution
// writes go to working copies; nothing reaches the ledger until Commit. The
// pre-image of every touched account is kept for undo construction.
type ledgerDelta struct {
	ledger  *state.Store
	work    map[types.Address]*state.Account
	prev    map[types.Address]*state.Account // nil value = account did not exist
	touched []types.Address                  // first-touch order
}

func newLedgerDelta(ledger *state.Store) *ledgerDelta {
	return &ledgerDelta{
		ledger: ledger,
		work:   make(map[types.Address]*state.Account),
		prev:   make(map[types.Address]*state.Account),
	}
}

// account returns the working copy for addr, loading it from the ledger on
// first touch and snapshotting its prior state.
func (d *ledgerDelta) account(addr types.Address) (*state.Account, error) {
	if acct, ok := d.work[addr]; ok {
		return acct, nil
	}

	loaded, err := d.ledger.Get(addr)
	switch {
	case err == nil:
		cp := *loaded
		d.prev[addr] = loaded
		d.work[addr] = &cp
	case errors.Is(err, state.ErrNotFound):
		d.prev[addr] = nil
		d.work[addr] = &state.Account{}
	default:
		return nil, fmt.Errorf("load account %s: %w", addr, err)
	}
	d.touched = append(d.touched, addr)
	return d.work[addr], nil
}

// commit writes every working copy to the ledger.
func (d *ledgerDelta) commit() error {
	for _, addr := range d.touched {
		if err := d.ledger.Put(addr, d.work[addr]); err != nil {
			return fmt.Errorf("commit account %s: %w", addr, err)
		}
	}
	return nil
}

// Executor applies transactions against a ledger overlay, accumulating
// receipts and fee totals. All checks for a transaction run before any
// mutation, so a failed ApplyTx leaves the overlay unchanged and the caller
// may continue with other transactions.
type Executor struct {
	delta    *ledgerDelta
	baseFee  uint64
	gasLimit uint64
	author   types.Address

	receipts []*tx.Receipt
	gasUsed  uint64
	fees     uint64
}

// NewExecutor creates an executor for one block's worth of transactions.
// Fees for every applied transaction are credited to the author address.
func NewExecutor(ledger *state.Store, baseFee, gasLimit uint64, author types.Address) *Executor {
	return &Executor{
		delta:    newLedgerDelta(ledger),
		baseFee:  baseFee,
		gasLimit: gasLimit,
		author:   author,
	}
}

// ApplyTx executes a single transaction: the sender pays value plus
// gasUsed*gasPrice, the recipient receives the value and the block author
// receives the full fee. Issuance never changes outside genesis.
func (e *Executor) ApplyTx(t *tx.Transaction) (*tx.Receipt, error) {
	gasUsed := tx.IntrinsicGas(t.Input)
	if gasUsed > t.GasLimit {
		return nil, fmt.Errorf("%w: intrinsic gas %d over limit %d", tx.ErrGasBelowIntrins, gasUsed, t.GasLimit)
	}
	if t.GasPrice < e.baseFee {
		return nil, fmt.Errorf("%w: price %d, base fee %d", ErrGasPriceTooLow, t.GasPrice, e.baseFee)
	}
	if e.gasUsed+gasUsed > e.gasLimit {
		return nil, fmt.Errorf("%w: %d + %d over %d", ErrBlockGasExceeded, e.gasUsed, gasUsed, e.gasLimit)
	}

	fee := gasUsed * t.GasPrice
	if t.GasPrice != 0 && fee/t.GasPrice != gasUsed {
		return nil, fmt.Errorf("%w: fee", ErrAmountOverflow)
	}
	total := t.Value + fee
	if total < t.Value {
		return nil, fmt.Errorf("%w: value plus fee", ErrAmountOverflow)
	}

	sender, err := e.delta.account(t.From)
	if err != nil {
		return nil, err
	}
	if sender.Nonce != t.Nonce {
		return nil, fmt.Errorf("%w: have %d, tx %d", ErrNonceMismatch, sender.Nonce, t.Nonce)
	}
	if sender.Balance < total {
		return nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, sender.Balance, total)
	}

	recipient, err := e.delta.account(t.To)
	if err != nil {
		return nil, err
	}
	if recipient != sender && recipient.Balance+t.Value < recipient.Balance {
		return nil, fmt.Errorf("%w: recipient balance", ErrAmountOverflow)
	}
	authorAcct, err := e.delta.account(e.author)
	if err != nil {
		return nil, err
	}
	if authorAcct.Balance+fee < authorAcct.Balance {
		return nil, fmt.Errorf("%w: author balance", ErrAmountOverflow)
	}

	// All checks passed; mutate.
	sender.Balance -= total
	sender.Nonce++
	recipient.Balance += t.Value
	authorAcct.Balance += fee

	e.gasUsed += gasUsed
	e.fees += fee

	r := &tx.Receipt{
		TxHash:            t.Hash(),
		Status:            tx.StatusSuccess,
		GasUsed:           gasUsed,
		CumulativeGasUsed: e.gasUsed,
	}
	if t.Value > 0 {
		r.Logs = []tx.Log{transferLog(t.From, t.To, t.Value)}
	}
	e.receipts = append(e.receipts, r)
	return r, nil
}

// Receipts returns the receipts accumulated so far, in application order.
func (e *Executor) Receipts() []*tx.Receipt { return e.receipts }

// GasUsed returns the total gas consumed so far.
func (e *Executor) GasUsed() uint64 { return e.gasUsed }

// Fees returns the total fees credited to the author so far.
func (e *Executor) Fees() uint64 { return e.fees }

// Commit writes the overlay to the ledger.
func (e *Executor) Commit() error { return e.delta.commit() }

// Undo captures the pre-state of every account the block touched.
func (e *Executor) Undo(height uint64, blockHash types.Hash, txs []*tx.Transaction) *UndoData {
	u := &UndoData{Height: height, BlockHash: blockHash}
	for _, addr := range e.delta.touched {
		u.Accounts = append(u.Accounts, AccountChange{Addr: addr, Prev: e.delta.prev[addr]})
	}
	for _, t := range txs {
		u.TxHashes = append(u.TxHashes, t.Hash())
	}
	return u
}

// ExecuteBlock runs every transaction in the block against the ledger
// overlay. The first failing transaction aborts execution; a valid block
// must contain only applicable transactions.
func ExecuteBlock(ledger *state.Store, blk *block.Block, author types.Address) (*Executor, error) {
	e := NewExecutor(ledger, blk.Header.BaseFee, blk.Header.GasLimit, author)
	for i, t := range blk.Transactions {
		if _, err := e.ApplyTx(t); err != nil {
			return nil, fmt.Errorf("tx %d (%s): %w", i, t.Hash().Short(), err)
		}
	}
	return e, nil
}

// transferLog emits the canonical value-movement log for a transaction.
// Address is the zero address (the native token), topics follow the ERC-20
// transfer layout and the data is the 32-byte big-endian value.
func transferLog(from, to types.Address, value uint64) tx.Log {
	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data[24:], value)
	return tx.Log{
		Address: types.Address{},
		Topics:  []types.Hash{TransferTopic, addressTopic(from), addressTopic(to)},
		Data:    data,
	}
}

// addressTopic left-pads an address into a 32-byte topic.
func addressTopic(addr types.Address) types.Hash {
	var h types.Hash
	copy(h[types.HashSize-types.AddressSize:], addr[:])
	return h
}
