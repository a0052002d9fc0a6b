package chain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

const (
	testGasLimit    = 15_000_000
	testInitBaseFee = 1000
	testMinGasPrice = 10
	testFunds       = 1_000_000_000_000
)

// testEnv wires a chain over in-memory storage with controllable authority
// keys and a funded user account. Blocks are built the way an author would:
// transactions are executed against the parent's ledger state to produce
// honest receipts, then the header is sealed by the slot's elected key.
type testEnv struct {
	t        *testing.T
	db       *storage.MemoryDB
	ch       *Chain
	eng      *consensus.SlotEngine
	gen      *config.Genesis
	authKeys []*crypto.PrivateKey
	userKey  *crypto.PrivateKey
	userAddr types.Address
	blocks   map[types.Hash]*block.Block // every block ever built, plus genesis
}

func newTestEnv(t *testing.T, nAuth int) *testEnv {
	t.Helper()

	authKeys := make([]*crypto.PrivateKey, nAuth)
	entries := make([]config.Authority, nAuth)
	for i := range authKeys {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey() error: %v", err)
		}
		authKeys[i] = key
		entries[i] = config.Authority{PubKey: hex.EncodeToString(key.PublicKey()), Weight: 1}
	}

	userKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	userAddr := crypto.AddressFromPubKey(userKey.PublicKey())

	seed := crypto.Hash([]byte("chain test epoch"))
	gen := &config.Genesis{
		ChainID:    "allfeat-test-1",
		ChainName:  "Allfeat Test",
		Symbol:     "AFT",
		EvmChainID: 4400,
		Timestamp:  0,
		Alloc:      map[string]uint64{userAddr.String(): testFunds},
		Authorities: entries,
		EpochSeed:   hex.EncodeToString(seed[:]),
		Protocol: config.ProtocolConfig{
			Slot:     config.SlotRules{Duration: 6},
			Gas:      config.GasRules{BlockGasLimit: testGasLimit, InitialBaseFee: testInitBaseFee, MinGasPrice: testMinGasPrice},
			Finality: config.FinalityRules{JustificationPeriod: 16, GossipPeriodMs: 333},
		},
	}

	env := &testEnv{
		t:        t,
		gen:      gen,
		authKeys: authKeys,
		userKey:  userKey,
		userAddr: userAddr,
		blocks:   make(map[types.Hash]*block.Block),
	}
	env.open(storage.NewMemory())
	return env
}

// open builds engine, ledger and chain over the given database. Reused by
// restart tests to reopen the same database.
func (env *testEnv) open(db *storage.MemoryDB) {
	env.t.Helper()

	set, err := consensus.NewAuthoritySet(env.gen.Authorities)
	if err != nil {
		env.t.Fatalf("NewAuthoritySet() error: %v", err)
	}
	seedBytes, _ := hex.DecodeString(env.gen.EpochSeed)
	var seed types.Hash
	copy(seed[:], seedBytes)

	eng, err := consensus.NewSlotEngine(set, seed, 6*time.Second)
	if err != nil {
		env.t.Fatalf("NewSlotEngine() error: %v", err)
	}

	ledger := state.NewStore(storage.NewPrefixDB(db, []byte("state/")))
	ch, err := New(storage.NewPrefixDB(db, []byte("chain/")), ledger, eng, env.gen)
	if err != nil {
		env.t.Fatalf("New() error: %v", err)
	}

	env.db = db
	env.eng = eng
	env.ch = ch

	genBlk, err := ch.GetBlockByHeight(0)
	if err != nil {
		env.t.Fatalf("load genesis: %v", err)
	}
	env.blocks[genBlk.Hash()] = genBlk
}

// slotOwnedBy finds the first slot after the given one elected to the key.
func (env *testEnv) slotOwnedBy(key *crypto.PrivateKey, after uint64) uint64 {
	env.t.Helper()
	pub := key.PublicKey()
	for s := after + 1; s < after+100000; s++ {
		if bytes.Equal(env.eng.AuthorFor(s), pub) {
			return s
		}
	}
	env.t.Fatal("no slot owned by key in range")
	return 0
}

// pathTo returns the blocks from height 1 to the given block, following
// parent links through blocks the env has built.
func (env *testEnv) pathTo(blk *block.Block) []*block.Block {
	env.t.Helper()
	var path []*block.Block
	for blk.Header.Height > 0 {
		path = append(path, blk)
		parent, ok := env.blocks[blk.Header.ParentHash]
		if !ok {
			env.t.Fatalf("unknown parent %s", blk.Header.ParentHash.Short())
		}
		blk = parent
	}
	for i, k := 0, len(path)-1; i < k; i, k = i+1, k-1 {
		path[i], path[k] = path[k], path[i]
	}
	return path
}

// ledgerAt replays genesis plus the path to parent on a scratch ledger.
func (env *testEnv) ledgerAt(parent *block.Block) *state.Store {
	env.t.Helper()
	scratch := state.NewStore(storage.NewMemory())
	if err := ApplyGenesisAlloc(scratch, env.gen); err != nil {
		env.t.Fatalf("scratch alloc: %v", err)
	}
	for _, ancestor := range env.pathTo(parent) {
		author := crypto.AddressFromPubKey(env.eng.AuthorFor(ancestor.Header.Slot))
		exec, err := ExecuteBlock(scratch, ancestor, author)
		if err != nil {
			env.t.Fatalf("scratch replay %d: %v", ancestor.Header.Height, err)
		}
		if err := exec.Commit(); err != nil {
			env.t.Fatalf("scratch commit %d: %v", ancestor.Header.Height, err)
		}
	}
	return scratch
}

// buildBlock assembles and seals a valid child of parent carrying the given
// transactions. The slot is the first one after the parent's owned by the
// sealing authority (authKeys[authorIdx]).
func (env *testEnv) buildBlock(parent *block.Block, authorIdx int, txs ...*tx.Transaction) *block.Block {
	return env.buildBlockAfterSlot(parent, authorIdx, parent.Header.Slot, txs...)
}

// buildBlockAfterSlot is buildBlock with an explicit minimum slot. Competing
// branches use it so their blocks land in distinct slots.
func (env *testEnv) buildBlockAfterSlot(parent *block.Block, authorIdx int, afterSlot uint64, txs ...*tx.Transaction) *block.Block {
	env.t.Helper()

	key := env.authKeys[authorIdx]
	slot := env.slotOwnedBy(key, afterSlot)
	baseFee := ComputeBaseFee(parent.Header.BaseFee, parent.Header.GasUsed, testGasLimit, testMinGasPrice)
	author := crypto.AddressFromPubKey(key.PublicKey())

	scratch := env.ledgerAt(parent)
	exec := NewExecutor(scratch, baseFee, testGasLimit, author)
	for i, t := range txs {
		if _, err := exec.ApplyTx(t); err != nil {
			env.t.Fatalf("build tx %d: %v", i, err)
		}
	}

	header := &block.Header{
		Version:      block.CurrentVersion,
		ParentHash:   parent.Hash(),
		Height:       parent.Header.Height + 1,
		Slot:         slot,
		TxRoot:       block.ComputeTxRoot(txs),
		ReceiptsRoot: block.ComputeReceiptsRoot(exec.Receipts()),
		BaseFee:      baseFee,
		GasLimit:     testGasLimit,
		GasUsed:      exec.GasUsed(),
		Time:         slot * 6,
	}
	env.seal(header, key)

	blk := block.NewBlock(header, txs, exec.Receipts())
	env.blocks[blk.Hash()] = blk
	return blk
}

func (env *testEnv) seal(header *block.Header, key *crypto.PrivateKey) {
	env.t.Helper()
	hash := header.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		env.t.Fatalf("seal: %v", err)
	}
	header.AuthorSig = sig
}

// transfer builds a signed transfer from the funded user account.
func (env *testEnv) transfer(nonce uint64, to types.Address, value uint64) *tx.Transaction {
	env.t.Helper()
	b := tx.NewBuilder().Transfer(to, value).Nonce(nonce).Gas(tx.GasTxBase, testInitBaseFee)
	if err := b.Sign(env.userKey); err != nil {
		env.t.Fatalf("sign transfer: %v", err)
	}
	return b.Build()
}

// process runs ProcessBlock and fails the test on error.
func (env *testEnv) process(blk *block.Block) *ProcessResult {
	env.t.Helper()
	res, err := env.ch.ProcessBlock(blk)
	if err != nil {
		env.t.Fatalf("ProcessBlock(height %d) error: %v", blk.Header.Height, err)
	}
	return res
}

func (env *testEnv) balance(addr types.Address) uint64 {
	env.t.Helper()
	acct, err := env.ch.GetAccount(addr)
	if err != nil {
		env.t.Fatalf("GetAccount(%s) error: %v", addr, err)
	}
	return acct.Balance
}

func TestNew_InitializesFromGenesis(t *testing.T) {
	env := newTestEnv(t, 1)

	st := env.ch.State()
	if st.Height != 0 {
		t.Errorf("height = %d, want 0", st.Height)
	}
	if st.TipHash != env.ch.GenesisHash() {
		t.Error("tip is not the genesis block")
	}
	if got := env.balance(env.userAddr); got != testFunds {
		t.Errorf("funded balance = %d, want %d", got, testFunds)
	}

	final := env.ch.Finalized()
	if final.Height != 0 || final.Hash != env.ch.GenesisHash() {
		t.Errorf("finalized frontier = %+v, want genesis", final)
	}

	genBlk, err := env.ch.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0) error: %v", err)
	}
	if genBlk.Header.BaseFee != testInitBaseFee {
		t.Errorf("genesis base fee = %d, want %d", genBlk.Header.BaseFee, testInitBaseFee)
	}
	if len(genBlk.Header.AuthorSig) != 0 {
		t.Error("genesis block should carry no author signature")
	}
}

func TestNew_GenesisHashesDifferByChainID(t *testing.T) {
	envA := newTestEnv(t, 1)

	genB := *envA.gen
	genB.ChainID = "allfeat-test-2"
	blkA, err := CreateGenesisBlock(envA.gen)
	if err != nil {
		t.Fatalf("CreateGenesisBlock() error: %v", err)
	}
	blkB, err := CreateGenesisBlock(&genB)
	if err != nil {
		t.Fatalf("CreateGenesisBlock() error: %v", err)
	}
	if blkA.Hash() == blkB.Hash() {
		t.Error("different chain ids produced the same genesis hash")
	}
}

func TestNew_RejectsForeignDatabase(t *testing.T) {
	env := newTestEnv(t, 1)

	other := *env.gen
	other.ChainID = "allfeat-other-1"

	set, _ := consensus.NewAuthoritySet(env.gen.Authorities)
	seedBytes, _ := hex.DecodeString(env.gen.EpochSeed)
	var seed types.Hash
	copy(seed[:], seedBytes)
	eng, _ := consensus.NewSlotEngine(set, seed, 6*time.Second)

	ledger := state.NewStore(storage.NewPrefixDB(env.db, []byte("state/")))
	_, err := New(storage.NewPrefixDB(env.db, []byte("chain/")), ledger, eng, &other)
	if err == nil {
		t.Fatal("New() accepted a database initialized for a different chain")
	}
}

func TestNew_RecoversState(t *testing.T) {
	env := newTestEnv(t, 1)

	other, _ := crypto.GenerateKey()
	dest := crypto.AddressFromPubKey(other.PublicKey())

	b1 := env.buildBlock(env.blocks[env.ch.GenesisHash()], 0, env.transfer(0, dest, 500))
	env.process(b1)
	b2 := env.buildBlock(b1, 0)
	env.process(b2)

	// Reopen over the same database.
	env.open(env.db)

	st := env.ch.State()
	if st.Height != 2 {
		t.Errorf("recovered height = %d, want 2", st.Height)
	}
	if st.TipHash != b2.Hash() {
		t.Error("recovered tip mismatch")
	}
	if st.TipSlot != b2.Header.Slot || st.TipTime != b2.Header.Time {
		t.Errorf("recovered slot/time = %d/%d, want %d/%d", st.TipSlot, st.TipTime, b2.Header.Slot, b2.Header.Time)
	}
	if got := env.balance(dest); got != 500 {
		t.Errorf("recovered recipient balance = %d, want 500", got)
	}
}

func TestProcessBlock_ExtendsTip(t *testing.T) {
	env := newTestEnv(t, 1)

	other, _ := crypto.GenerateKey()
	dest := crypto.AddressFromPubKey(other.PublicKey())
	authorAddr := crypto.AddressFromPubKey(env.authKeys[0].PublicKey())

	transfer := env.transfer(0, dest, 12345)
	b1 := env.buildBlock(env.blocks[env.ch.GenesisHash()], 0, transfer)

	res := env.process(b1)
	if len(res.Connected) != 1 || res.Reorged || res.SideChain {
		t.Fatalf("result = %+v", res)
	}

	if env.ch.Height() != 1 {
		t.Errorf("height = %d, want 1", env.ch.Height())
	}

	fee := tx.GasTxBase * transfer.GasPrice
	if got := env.balance(env.userAddr); got != testFunds-12345-fee {
		t.Errorf("sender balance = %d, want %d", got, testFunds-12345-fee)
	}
	if got := env.balance(dest); got != 12345 {
		t.Errorf("recipient balance = %d, want 12345", got)
	}
	if got := env.balance(authorAddr); got != fee {
		t.Errorf("author balance = %d, want %d", got, fee)
	}

	// Total issuance is unchanged.
	total := env.balance(env.userAddr) + env.balance(dest) + env.balance(authorAddr)
	if total != testFunds {
		t.Errorf("total supply drifted: %d, want %d", total, testFunds)
	}

	gotTx, receipt, blockHash, height, err := env.ch.GetTransaction(transfer.Hash())
	if err != nil {
		t.Fatalf("GetTransaction() error: %v", err)
	}
	if gotTx.Hash() != transfer.Hash() || blockHash != b1.Hash() || height != 1 {
		t.Error("transaction lookup returned wrong location")
	}
	if receipt == nil || receipt.Status != tx.StatusSuccess || receipt.GasUsed != tx.GasTxBase {
		t.Errorf("receipt = %+v", receipt)
	}
	if len(receipt.Logs) != 1 || receipt.Logs[0].Topics[0] != TransferTopic {
		t.Error("transfer log missing or malformed")
	}
}

func TestProcessBlock_EmptyBlocksValid(t *testing.T) {
	env := newTestEnv(t, 1)

	b1 := env.buildBlock(env.blocks[env.ch.GenesisHash()], 0)
	res := env.process(b1)
	if len(res.Connected) != 1 {
		t.Fatalf("empty block not connected: %+v", res)
	}
	if b1.Header.GasUsed != 0 {
		t.Errorf("empty block gas used = %d", b1.Header.GasUsed)
	}
}

func TestProcessBlock_Known(t *testing.T) {
	env := newTestEnv(t, 1)

	b1 := env.buildBlock(env.blocks[env.ch.GenesisHash()], 0)
	env.process(b1)

	_, err := env.ch.ProcessBlock(b1)
	if !errors.Is(err, ErrBlockKnown) {
		t.Errorf("expected ErrBlockKnown, got: %v", err)
	}
}

func TestProcessBlock_OrphanParent(t *testing.T) {
	env := newTestEnv(t, 1)

	b1 := env.buildBlock(env.blocks[env.ch.GenesisHash()], 0)
	b2 := env.buildBlock(b1, 0)
	// b1 never processed.
	_, err := env.ch.ProcessBlock(b2)
	if !errors.Is(err, ErrPrevNotFound) {
		t.Errorf("expected ErrPrevNotFound, got: %v", err)
	}
}

func TestProcessBlock_BadHeight(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	b1 := env.buildBlock(genesis, 0)
	b1.Header.Height = 5
	env.seal(b1.Header, env.authKeys[0])

	_, err := env.ch.ProcessBlock(b1)
	if !errors.Is(err, ErrBadHeight) {
		t.Errorf("expected ErrBadHeight, got: %v", err)
	}
}

func TestProcessBlock_SlotNotAfterParent(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	b1 := env.buildBlock(genesis, 0)
	b1.Header.Slot = genesis.Header.Slot
	b1.Header.Time = genesis.Header.Time
	env.seal(b1.Header, env.authKeys[0])

	_, err := env.ch.ProcessBlock(b1)
	if !errors.Is(err, ErrSlotNotAfterParent) {
		t.Errorf("expected ErrSlotNotAfterParent, got: %v", err)
	}
}

func TestProcessBlock_WrongAuthorRejected(t *testing.T) {
	env := newTestEnv(t, 3)
	genesis := env.blocks[env.ch.GenesisHash()]

	// Seal with an authority that does not own the block's slot.
	b1 := env.buildBlock(genesis, 0)
	wrongIdx := -1
	for i, key := range env.authKeys {
		if !bytes.Equal(env.eng.AuthorFor(b1.Header.Slot), key.PublicKey()) {
			wrongIdx = i
			break
		}
	}
	env.seal(b1.Header, env.authKeys[wrongIdx])

	_, err := env.ch.ProcessBlock(b1)
	if !errors.Is(err, consensus.ErrWrongAuthor) {
		t.Errorf("expected ErrWrongAuthor, got: %v", err)
	}
}

func TestProcessBlock_BadBaseFee(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	b1 := env.buildBlock(genesis, 0)
	b1.Header.BaseFee = b1.Header.BaseFee + 999
	env.seal(b1.Header, env.authKeys[0])

	_, err := env.ch.ProcessBlock(b1)
	if !errors.Is(err, ErrBadBaseFee) {
		t.Errorf("expected ErrBadBaseFee, got: %v", err)
	}
}

func TestProcessBlock_BadGasLimit(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	b1 := env.buildBlock(genesis, 0)
	b1.Header.GasLimit = testGasLimit * 2
	env.seal(b1.Header, env.authKeys[0])

	_, err := env.ch.ProcessBlock(b1)
	if !errors.Is(err, ErrBadGasLimit) {
		t.Errorf("expected ErrBadGasLimit, got: %v", err)
	}
}

func TestProcessBlock_NonceMismatch(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	other, _ := crypto.GenerateKey()
	dest := crypto.AddressFromPubKey(other.PublicKey())

	// Builder executes honestly, so fabricate the block by hand with a
	// nonce-5 transaction against a nonce-0 account.
	bad := env.transfer(5, dest, 100)
	blk := fabricateBlock(env, genesis, 0, bad)

	_, err := env.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrNonceMismatch) {
		t.Errorf("expected ErrNonceMismatch, got: %v", err)
	}
	if env.ch.Height() != 0 {
		t.Error("invalid block advanced the chain")
	}
	if got := env.balance(env.userAddr); got != testFunds {
		t.Error("invalid block touched the ledger")
	}
}

func TestProcessBlock_InsufficientFunds(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	poorKey, _ := crypto.GenerateKey()
	dest := crypto.AddressFromPubKey(env.userKey.PublicKey())

	b := tx.NewBuilder().Transfer(dest, 1000).Nonce(0).Gas(tx.GasTxBase, testInitBaseFee)
	if err := b.Sign(poorKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	blk := fabricateBlock(env, genesis, 0, b.Build())

	_, err := env.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got: %v", err)
	}
}

func TestProcessBlock_ReceiptMismatch(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	other, _ := crypto.GenerateKey()
	dest := crypto.AddressFromPubKey(other.PublicKey())
	transfer := env.transfer(0, dest, 100)

	// An author lying about execution: zero-gas receipts that are
	// internally consistent with the header but not with execution.
	blk := fabricateBlock(env, genesis, 0, transfer)

	_, err := env.ch.ProcessBlock(blk)
	if !errors.Is(err, ErrReceiptMismatch) {
		t.Errorf("expected ErrReceiptMismatch, got: %v", err)
	}
}

// fabricateBlock builds a sealed block whose receipts claim zero gas for
// every transaction, without executing anything. Used to exercise the
// chain's own execution checks.
func fabricateBlock(env *testEnv, parent *block.Block, authorIdx int, txs ...*tx.Transaction) *block.Block {
	env.t.Helper()

	key := env.authKeys[authorIdx]
	slot := env.slotOwnedBy(key, parent.Header.Slot)
	baseFee := ComputeBaseFee(parent.Header.BaseFee, parent.Header.GasUsed, testGasLimit, testMinGasPrice)

	receipts := make([]*tx.Receipt, len(txs))
	for i, t := range txs {
		receipts[i] = &tx.Receipt{TxHash: t.Hash(), Status: tx.StatusSuccess}
	}

	header := &block.Header{
		Version:      block.CurrentVersion,
		ParentHash:   parent.Hash(),
		Height:       parent.Header.Height + 1,
		Slot:         slot,
		TxRoot:       block.ComputeTxRoot(txs),
		ReceiptsRoot: block.ComputeReceiptsRoot(receipts),
		BaseFee:      baseFee,
		GasLimit:     testGasLimit,
		GasUsed:      0,
		Time:         slot * 6,
	}
	env.seal(header, key)
	blk := block.NewBlock(header, txs, receipts)
	env.blocks[blk.Hash()] = blk
	return blk
}

func TestProcessBlock_SideChainStored(t *testing.T) {
	env := newTestEnv(t, 1)
	genesis := env.blocks[env.ch.GenesisHash()]

	a1 := env.buildBlock(genesis, 0)
	env.process(a1)

	// A competing child of genesis at a later slot.
	b1 := env.buildBlockAfterSlot(genesis, 0, a1.Header.Slot)
	res := env.process(b1)
	if !res.SideChain || len(res.Connected) != 0 {
		t.Fatalf("result = %+v, want side chain", res)
	}
	if env.ch.TipHash() != a1.Hash() {
		t.Error("side block moved the tip")
	}
	if !env.ch.HasBlock(b1.Hash()) {
		t.Error("side block not stored")
	}
}
