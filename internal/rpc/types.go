package rpc

import (
	"encoding/hex"
	"encoding/json"

	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Request is the JSON-RPC 2.0 envelope the server accepts. Params stays
// raw until the dispatched handler decodes it, since the chain_ family
// takes a named-field object while the eth_ family takes a positional
// array.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id"`
}

// Response is the JSON-RPC 2.0 envelope the server emits. Exactly one
// of Result and Error is set.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      any    `json:"id"`
}

// Error is the JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error codes. The -32xxx range comes from the JSON-RPC 2.0 spec;
// CodeNotFound sits in the server-defined range and marks lookups that
// addressed a block, transaction or account the node does not have.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// ── Named params (chain_, txpool_, net_, authority_) ────────────────────

// HashParam names a transaction by hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// BlockParam selects a block by hash or by height. When both are given
// the hash wins.
type BlockParam struct {
	Hash   string  `json:"hash,omitempty"`
	Height *uint64 `json:"height,omitempty"`
}

// AddressParam names an account.
type AddressParam struct {
	Address string `json:"address"`
}

// TxSubmitParam carries the signed transaction for txpool_submit.
type TxSubmitParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// PubKeyParam narrows authority_getStatus to one authority key.
type PubKeyParam struct {
	PubKey string `json:"pubkey"`
}

// ── chain_ results ──────────────────────────────────────────────────────

// FinalizedInfo locates the finality frontier.
type FinalizedInfo struct {
	Hash   string `json:"hash"`
	Height uint64 `json:"height"`
	Round  uint64 `json:"round"`
}

// HeadResult is the chain_head payload: the live tip plus the frontier
// behind it.
type HeadResult struct {
	Height    uint64        `json:"height"`
	TipHash   string        `json:"tip_hash"`
	TipSlot   uint64        `json:"tip_slot"`
	TipTime   uint64        `json:"tip_time"`
	Finalized FinalizedInfo `json:"finalized"`
}

// BlockResult renders a block for chain_getBlock, with the block and
// transaction hashes computed server-side so clients never re-hash.
type BlockResult struct {
	Hash         string        `json:"hash"`
	Header       *block.Header `json:"header"`
	Transactions []*TxResult   `json:"transactions"`
	Receipts     []*tx.Receipt `json:"receipts"`
}

// TxResult renders a transaction with its hash and hex-encoded byte
// fields.
type TxResult struct {
	Hash      string        `json:"hash"`
	Nonce     uint64        `json:"nonce"`
	From      types.Address `json:"from"`
	To        types.Address `json:"to"`
	Value     uint64        `json:"value"`
	GasLimit  uint64        `json:"gas_limit"`
	GasPrice  uint64        `json:"gas_price"`
	Input     string        `json:"input,omitempty"`
	Signature string        `json:"signature,omitempty"`
	PubKey    string        `json:"pubkey,omitempty"`
}

// NewBlockResult converts a block into its RPC form.
func NewBlockResult(b *block.Block) *BlockResult {
	out := &BlockResult{
		Hash:         b.Hash().String(),
		Header:       b.Header,
		Transactions: make([]*TxResult, len(b.Transactions)),
		Receipts:     b.Receipts,
	}
	for i, t := range b.Transactions {
		out.Transactions[i] = NewTxResult(t)
	}
	return out
}

// NewTxResult converts a transaction into its RPC form.
func NewTxResult(t *tx.Transaction) *TxResult {
	return &TxResult{
		Hash:      t.Hash().String(),
		Nonce:     t.Nonce,
		From:      t.From,
		To:        t.To,
		Value:     t.Value,
		GasLimit:  t.GasLimit,
		GasPrice:  t.GasPrice,
		Input:     hex.EncodeToString(t.Input),
		Signature: hex.EncodeToString(t.Signature),
		PubKey:    hex.EncodeToString(t.PubKey),
	}
}

// AccountResult is the chain_getAccount payload.
type AccountResult struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// TxLookupResult is the chain_getTransaction payload. A pending
// transaction carries no receipt and no block position.
type TxLookupResult struct {
	Transaction *TxResult   `json:"transaction"`
	Pending     bool        `json:"pending"`
	BlockHash   string      `json:"block_hash,omitempty"`
	Height      uint64      `json:"height,omitempty"`
	Receipt     *tx.Receipt `json:"receipt,omitempty"`
	Finalized   bool        `json:"finalized"`
}

// ── txpool_ results ─────────────────────────────────────────────────────

// TxSubmitResult acknowledges txpool_submit with the accepted hash.
type TxSubmitResult struct {
	TxHash string `json:"tx_hash"`
}

// TxPoolStatusResult is the txpool_status payload.
type TxPoolStatusResult struct {
	Count       int    `json:"count"`
	MinGasPrice uint64 `json:"min_gas_price"`
}

// TxPoolContentResult lists the pending hashes for txpool_content.
type TxPoolContentResult struct {
	Hashes []string `json:"hashes"`
}

// ── net_ results ────────────────────────────────────────────────────────

// PeerInfo describes one connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source"`
}

// PeerInfoResult is the net_getPeerInfo payload.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is the net_getNodeInfo payload.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes one banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is the net_getBanList payload.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

// ── authority_ and node_ results ────────────────────────────────────────

// AuthorityStatusResult reports one authority's liveness as the
// tracker sees it.
type AuthorityStatusResult struct {
	PubKey      string `json:"pubkey"`
	Weight      uint64 `json:"weight"`
	Active      bool   `json:"active"`
	LastBlock   int64  `json:"last_block"` // unix seconds, 0 if never
	LastVote    int64  `json:"last_vote"`  // unix seconds, 0 if never
	BlockCount  uint64 `json:"block_count"`
	VoteCount   uint64 `json:"vote_count"`
	MissedSlots uint64 `json:"missed_slots"`
}

// AuthorityStatusListResult is the authority_getStatus payload.
type AuthorityStatusListResult struct {
	Authorities []AuthorityStatusResult `json:"authorities"`
}

// NodeStatusResult is the node_status payload: chain, finality, network
// and index position in one call.
type NodeStatusResult struct {
	ChainID         string `json:"chain_id"`
	ChainName       string `json:"chain_name"`
	EvmChainID      uint64 `json:"evm_chain_id"`
	Height          uint64 `json:"height"`
	TipHash         string `json:"tip_hash"`
	FinalizedHeight uint64 `json:"finalized_height"`
	FinalizedHash   string `json:"finalized_hash"`
	Round           uint64 `json:"round"`
	PeerCount       int    `json:"peer_count"`
	TxPoolCount     int    `json:"txpool_count"`
	IndexedHeight   uint64 `json:"indexed_height"`
	IndexBacklog    uint64 `json:"index_backlog"`
	NodeID          string `json:"node_id,omitempty"`
}
