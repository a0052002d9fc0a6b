package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/andrijdavid/Allfeat/internal/evm"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// The eth_ methods answer from the derived index, so a block is visible
// here only once the indexer has processed it. Params are positional
// arrays and numbers are 0x-prefixed hex quantities, the way Ethereum
// tooling speaks. Unknown blocks and receipts resolve to a null result,
// not an error.

// ── Wire object types (camelCase, quantities as hex) ────────────────────

// RPCBlock is the eth view of one indexed block. NativeHash carries the
// underlying block hash so callers can cross into the native API.
type RPCBlock struct {
	Number        string `json:"number"`
	Hash          string `json:"hash"`
	ParentHash    string `json:"parentHash"`
	NativeHash    string `json:"nativeHash"`
	Timestamp     string `json:"timestamp"`
	GasLimit      string `json:"gasLimit"`
	GasUsed       string `json:"gasUsed"`
	BaseFeePerGas string `json:"baseFeePerGas"`
	Transactions  []any  `json:"transactions"`
}

// RPCTxSummary is the execution summary the index stores per
// transaction, returned when a block is requested with full objects.
type RPCTxSummary struct {
	Hash             string `json:"hash"`
	BlockHash        string `json:"blockHash"`
	BlockNumber      string `json:"blockNumber"`
	TransactionIndex string `json:"transactionIndex"`
	GasUsed          string `json:"gasUsed"`
	Status           string `json:"status"`
}

// RPCLog is an eth log object.
type RPCLog struct {
	Address          types.Address `json:"address"`
	Topics           []string      `json:"topics"`
	Data             string        `json:"data"`
	BlockNumber      string        `json:"blockNumber"`
	BlockHash        string        `json:"blockHash"`
	TransactionHash  string        `json:"transactionHash"`
	TransactionIndex string        `json:"transactionIndex"`
	LogIndex         string        `json:"logIndex"`
	Removed          bool          `json:"removed"`
}

// RPCReceipt is an eth transaction receipt.
type RPCReceipt struct {
	TransactionHash   string        `json:"transactionHash"`
	TransactionIndex  string        `json:"transactionIndex"`
	BlockHash         string        `json:"blockHash"`
	BlockNumber       string        `json:"blockNumber"`
	From              types.Address `json:"from"`
	To                types.Address `json:"to"`
	GasUsed           string        `json:"gasUsed"`
	CumulativeGasUsed string        `json:"cumulativeGasUsed"`
	EffectiveGasPrice string        `json:"effectiveGasPrice"`
	Status            string        `json:"status"`
	Logs              []RPCLog      `json:"logs"`
	Type              string        `json:"type"`
}

// FeeHistoryResult is returned by eth_feeHistory.
type FeeHistoryResult struct {
	OldestBlock   string     `json:"oldestBlock"`
	BaseFeePerGas []string   `json:"baseFeePerGas"`
	GasUsedRatio  []float64  `json:"gasUsedRatio"`
	Reward        [][]string `json:"reward,omitempty"`
}

// ── Quantity and param helpers ──────────────────────────────────────────

func encodeQuantity(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func decodeQuantity(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") || len(s) == 2 {
		return 0, fmt.Errorf("quantity %q must be 0x-prefixed hex", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

func hexHash(h types.Hash) string {
	return "0x" + h.String()
}

// positionalParams splits an eth-style params array into raw elements.
// A missing params field yields an empty slice.
func positionalParams(req *Request) ([]json.RawMessage, *Error) {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(req.Params, &list); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "params must be a positional array"}
	}
	return list, nil
}

func positionalString(list []json.RawMessage, i int) (string, *Error) {
	if i >= len(list) {
		return "", &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("missing param %d", i)}
	}
	var s string
	if err := json.Unmarshal(list[i], &s); err != nil {
		return "", &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("param %d must be a string", i)}
	}
	return s, nil
}

func positionalBool(list []json.RawMessage, i int, def bool) bool {
	if i >= len(list) {
		return def
	}
	var b bool
	if err := json.Unmarshal(list[i], &b); err != nil {
		return def
	}
	return b
}

// resolveIndexTag maps a block tag or hex quantity to a height in the
// index. "latest" and "pending" resolve to the newest indexed height,
// "finalized" and "safe" to the finality frontier, "earliest" to
// genesis. The ok result is false when the index is still empty.
func (s *Server) resolveIndexTag(ctx context.Context, tag string) (uint64, bool, *Error) {
	switch tag {
	case "", "latest", "pending":
		latest, err := s.eth.Backend.LatestHeight(ctx)
		if errors.Is(err, evm.ErrNotIndexed) {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index: %v", err)}
		}
		return latest, true, nil
	case "earliest":
		return 0, true, nil
	case "finalized", "safe":
		return s.finalized().Height, true, nil
	default:
		h, err := decodeQuantity(tag)
		if err != nil {
			return 0, false, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid block tag %q", tag)}
		}
		return h, true, nil
	}
}

// ── Block and account methods ───────────────────────────────────────────

func (s *Server) handleEthChainID(_ *Request) (any, *Error) {
	return encodeQuantity(s.genesis.EvmChainID), nil
}

func (s *Server) handleEthBlockNumber(ctx context.Context, _ *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	latest, err := s.eth.Backend.LatestHeight(ctx)
	if errors.Is(err, evm.ErrNotIndexed) {
		return "0x0", nil
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index: %v", err)}
	}
	return encodeQuantity(latest), nil
}

func (s *Server) handleEthGetBalance(_ context.Context, req *Request) (any, *Error) {
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addrStr, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := decodeAddress(addrStr)
	if rpcErr != nil {
		return nil, rpcErr
	}

	// State is not versioned by height; every tag answers from the tip.
	acct, err := s.chain.GetAccount(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get account: %v", err)}
	}
	return encodeQuantity(acct.Balance), nil
}

func (s *Server) handleEthGetTransactionCount(_ context.Context, req *Request) (any, *Error) {
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addrStr, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	addr, rpcErr := decodeAddress(addrStr)
	if rpcErr != nil {
		return nil, rpcErr
	}

	// The pending tag includes queued pool transactions, so wallets can
	// chain sends without waiting for inclusion.
	if tag, _ := positionalString(list, 1); tag == "pending" && s.pool != nil {
		nonce, err := s.pool.NextNonce(addr)
		if err == nil {
			return encodeQuantity(nonce), nil
		}
	}

	acct, err := s.chain.GetAccount(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get account: %v", err)}
	}
	return encodeQuantity(acct.Nonce), nil
}

func (s *Server) handleEthGetBlockByHash(ctx context.Context, req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hashStr, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hash, rpcErr := decodeHash(hashStr)
	if rpcErr != nil {
		return nil, rpcErr
	}

	entry, err := s.eth.Index.ByEvm(ctx, hash)
	if errors.Is(err, evm.ErrNotIndexed) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index: %v", err)}
	}
	return rpcBlockFromEntry(entry, positionalBool(list, 1, false)), nil
}

func (s *Server) handleEthGetBlockByNumber(ctx context.Context, req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	tag, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}

	height, ok, rpcErr := s.resolveIndexTag(ctx, tag)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if !ok {
		return nil, nil
	}

	entry, err := s.eth.Backend.ByHeight(ctx, height)
	if errors.Is(err, evm.ErrNotIndexed) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index: %v", err)}
	}
	return rpcBlockFromEntry(entry, positionalBool(list, 1, false)), nil
}

func rpcBlockFromEntry(e *evm.Entry, fullTx bool) *RPCBlock {
	b := &RPCBlock{
		Number:        encodeQuantity(e.Height),
		Hash:          hexHash(e.EvmHash),
		ParentHash:    hexHash(e.ParentEvmHash),
		NativeHash:    hexHash(e.NativeHash),
		Timestamp:     encodeQuantity(e.Time),
		GasLimit:      encodeQuantity(e.GasLimit),
		GasUsed:       encodeQuantity(e.GasUsed),
		BaseFeePerGas: encodeQuantity(e.BaseFee),
		Transactions:  make([]any, 0, len(e.Txs)),
	}
	for i, t := range e.Txs {
		if !fullTx {
			b.Transactions = append(b.Transactions, hexHash(t.Hash))
			continue
		}
		b.Transactions = append(b.Transactions, &RPCTxSummary{
			Hash:             hexHash(t.Hash),
			BlockHash:        b.Hash,
			BlockNumber:      b.Number,
			TransactionIndex: encodeQuantity(uint64(i)),
			GasUsed:          encodeQuantity(t.GasUsed),
			Status:           encodeQuantity(uint64(t.Status)),
		})
	}
	return b
}

// ── Receipt method ──────────────────────────────────────────────────────

func (s *Server) handleEthGetTransactionReceipt(ctx context.Context, req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	hashStr, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	txHash, rpcErr := decodeHash(hashStr)
	if rpcErr != nil {
		return nil, rpcErr
	}

	// Pool transactions have no receipt yet; skip the store lookup.
	if s.pool != nil && s.pool.Has(txHash) {
		return nil, nil
	}

	t, receipt, blockHash, height, err := s.chain.GetTransaction(txHash)
	if err != nil {
		// A cached status with no canonical inclusion means the
		// transaction executed on a branch that was reorged away.
		if s.eth.Statuses != nil {
			if _, known := s.eth.Statuses.Get(txHash); known {
				s.logger.Debug().Str("tx", txHash.String()).Msg("Receipt requested for reorged transaction")
			}
		}
		return nil, nil
	}

	// The receipt becomes visible in the eth view together with its
	// block: positions and the derived block hash come from the entry.
	entry, err := s.eth.Index.ByNative(ctx, blockHash)
	if errors.Is(err, evm.ErrNotIndexed) {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index: %v", err)}
	}

	txIndex := -1
	for i := range entry.Txs {
		if entry.Txs[i].Hash == txHash {
			txIndex = i
			break
		}
	}
	if txIndex < 0 {
		return nil, nil
	}

	result := &RPCReceipt{
		TransactionHash:   hexHash(txHash),
		TransactionIndex:  encodeQuantity(uint64(txIndex)),
		BlockHash:         hexHash(entry.EvmHash),
		BlockNumber:       encodeQuantity(height),
		From:              t.From,
		To:                t.To,
		GasUsed:           encodeQuantity(receipt.GasUsed),
		CumulativeGasUsed: encodeQuantity(receipt.CumulativeGasUsed),
		EffectiveGasPrice: encodeQuantity(t.GasPrice),
		Status:            encodeQuantity(uint64(receipt.Status)),
		Logs:              make([]RPCLog, 0, len(receipt.Logs)),
		Type:              "0x0",
	}
	for i := range entry.Logs {
		if entry.Logs[i].TxHash == txHash {
			result.Logs = append(result.Logs, rpcLogFromEntry(&entry.Logs[i]))
		}
	}

	if s.eth.Statuses != nil {
		s.eth.Statuses.Put(txHash, receipt.Status)
	}
	return result, nil
}

// ── Log methods ─────────────────────────────────────────────────────────

// ethFilterQuery is the eth filter options object. Address takes one
// address or a list; topics are flattened and match any position.
type ethFilterQuery struct {
	FromBlock string          `json:"fromBlock"`
	ToBlock   string          `json:"toBlock"`
	Address   json.RawMessage `json:"address"`
	Topics    json.RawMessage `json:"topics"`
	BlockHash string          `json:"blockHash"`
}

func (s *Server) parseFilterQuery(ctx context.Context, raw json.RawMessage) (evm.Criteria, *Error) {
	var q ethFilterQuery
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q); err != nil {
			return evm.Criteria{}, &Error{Code: CodeInvalidParams, Message: "invalid filter options"}
		}
	}

	var crit evm.Criteria

	if q.BlockHash != "" {
		hash, rpcErr := decodeHash(q.BlockHash)
		if rpcErr != nil {
			return evm.Criteria{}, rpcErr
		}
		entry, err := s.eth.Index.ByEvm(ctx, hash)
		if errors.Is(err, evm.ErrNotIndexed) {
			return evm.Criteria{}, &Error{Code: CodeNotFound, Message: "block not indexed"}
		}
		if err != nil {
			return evm.Criteria{}, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index: %v", err)}
		}
		crit.FromHeight = entry.Height
		crit.ToHeight = entry.Height
	} else {
		if q.FromBlock != "" && q.FromBlock != "earliest" {
			from, ok, rpcErr := s.resolveIndexTag(ctx, q.FromBlock)
			if rpcErr != nil {
				return evm.Criteria{}, rpcErr
			}
			if ok {
				crit.FromHeight = from
			}
		}
		// Zero ToHeight means the latest indexed height.
		if q.ToBlock != "" && q.ToBlock != "latest" && q.ToBlock != "pending" {
			to, ok, rpcErr := s.resolveIndexTag(ctx, q.ToBlock)
			if rpcErr != nil {
				return evm.Criteria{}, rpcErr
			}
			if ok {
				crit.ToHeight = to
			}
		}
	}

	if len(q.Address) > 0 {
		var one string
		if err := json.Unmarshal(q.Address, &one); err == nil {
			addr, rpcErr := decodeAddress(one)
			if rpcErr != nil {
				return evm.Criteria{}, rpcErr
			}
			crit.Addresses = []types.Address{addr}
		} else {
			var many []string
			if err := json.Unmarshal(q.Address, &many); err != nil {
				return evm.Criteria{}, &Error{Code: CodeInvalidParams, Message: "address must be a string or array"}
			}
			for _, a := range many {
				addr, rpcErr := decodeAddress(a)
				if rpcErr != nil {
					return evm.Criteria{}, rpcErr
				}
				crit.Addresses = append(crit.Addresses, addr)
			}
		}
	}

	topics, rpcErr := flattenTopics(q.Topics)
	if rpcErr != nil {
		return evm.Criteria{}, rpcErr
	}
	crit.Topics = topics

	return crit, nil
}

// flattenTopics accepts the eth topics array, where each position is a
// string, a list of strings or null, and flattens it into one match-any
// set. Position-sensitive matching is not supported.
func flattenTopics(raw json.RawMessage) ([]types.Hash, *Error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var positions []json.RawMessage
	if err := json.Unmarshal(raw, &positions); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "topics must be an array"}
	}

	var out []types.Hash
	appendTopic := func(s string) *Error {
		h, rpcErr := decodeHash(s)
		if rpcErr != nil {
			return rpcErr
		}
		out = append(out, h)
		return nil
	}

	for _, pos := range positions {
		if string(pos) == "null" {
			continue
		}
		var one string
		if err := json.Unmarshal(pos, &one); err == nil {
			if rpcErr := appendTopic(one); rpcErr != nil {
				return nil, rpcErr
			}
			continue
		}
		var many []string
		if err := json.Unmarshal(pos, &many); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "topic entries must be strings"}
		}
		for _, t := range many {
			if rpcErr := appendTopic(t); rpcErr != nil {
				return nil, rpcErr
			}
		}
	}
	return out, nil
}

func (s *Server) handleEthGetLogs(ctx context.Context, req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	if s.eth.Filters == nil {
		return nil, &Error{Code: CodeInternalError, Message: "log filters not available"}
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var raw json.RawMessage
	if len(list) > 0 {
		raw = list[0]
	}

	crit, rpcErr := s.parseFilterQuery(ctx, raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	// Cap the scanned span before walking the height index.
	if s.eth.MaxPastLogs > 0 {
		to := crit.ToHeight
		if to == 0 {
			latest, err := s.eth.Backend.LatestHeight(ctx)
			if errors.Is(err, evm.ErrNotIndexed) {
				return []RPCLog{}, nil
			}
			if err != nil {
				return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("index: %v", err)}
			}
			to = latest
		}
		if to >= crit.FromHeight && to-crit.FromHeight+1 > uint64(s.eth.MaxPastLogs) {
			return nil, &Error{
				Code:    CodeInvalidParams,
				Message: fmt.Sprintf("log query spans %d blocks, limit is %d", to-crit.FromHeight+1, s.eth.MaxPastLogs),
			}
		}
	}

	logs, err := s.eth.Filters.Query(ctx, crit)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("query logs: %v", err)}
	}
	return rpcLogs(logs), nil
}

func (s *Server) handleEthNewFilter(ctx context.Context, req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	if s.eth.Filters == nil {
		return nil, &Error{Code: CodeInternalError, Message: "log filters not available"}
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	var raw json.RawMessage
	if len(list) > 0 {
		raw = list[0]
	}

	crit, rpcErr := s.parseFilterQuery(ctx, raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	id := s.eth.Filters.Install(crit)
	return encodeQuantity(id), nil
}

func (s *Server) handleEthGetFilterChanges(ctx context.Context, req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	if s.eth.Filters == nil {
		return nil, &Error{Code: CodeInternalError, Message: "log filters not available"}
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	idStr, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, err := decodeQuantity(idStr)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid filter id"}
	}

	logs, err := s.eth.Filters.Changes(ctx, id)
	if errors.Is(err, evm.ErrFilterNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: "filter not found"}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("poll filter: %v", err)}
	}
	return rpcLogs(logs), nil
}

func (s *Server) handleEthUninstallFilter(req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	if s.eth.Filters == nil {
		return nil, &Error{Code: CodeInternalError, Message: "log filters not available"}
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	idStr, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	id, err := decodeQuantity(idStr)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid filter id"}
	}
	return s.eth.Filters.Uninstall(id), nil
}

func rpcLogs(logs []evm.EntryLog) []RPCLog {
	out := make([]RPCLog, len(logs))
	for i := range logs {
		out[i] = rpcLogFromEntry(&logs[i])
	}
	return out
}

func rpcLogFromEntry(l *evm.EntryLog) RPCLog {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = hexHash(t)
	}
	return RPCLog{
		Address:          l.Address,
		Topics:           topics,
		Data:             "0x" + l.Data,
		BlockNumber:      encodeQuantity(l.Height),
		BlockHash:        hexHash(l.BlockHash),
		TransactionHash:  hexHash(l.TxHash),
		TransactionIndex: encodeQuantity(uint64(l.TxIndex)),
		LogIndex:         encodeQuantity(uint64(l.LogIndex)),
	}
}

// ── Fee methods ─────────────────────────────────────────────────────────

func (s *Server) handleEthFeeHistory(ctx context.Context, req *Request) (any, *Error) {
	if err := s.requireEthView(); err != nil {
		return nil, err
	}
	if s.eth.Fees == nil {
		return nil, &Error{Code: CodeInternalError, Message: "fee history not available"}
	}
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	countStr, rpcErr := positionalString(list, 0)
	if rpcErr != nil {
		return nil, rpcErr
	}
	count, err := decodeQuantity(countStr)
	if err != nil || count == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "blockCount must be a positive hex quantity"}
	}

	newestTag, rpcErr := positionalString(list, 1)
	if rpcErr != nil {
		return nil, rpcErr
	}
	// Fees follow the chain tip, not the index frontier.
	var newest uint64
	switch newestTag {
	case "", "latest", "pending":
		newest = s.chain.State().Height
	case "earliest":
		newest = 0
	case "finalized", "safe":
		newest = s.finalized().Height
	default:
		newest, err = decodeQuantity(newestTag)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid block tag %q", newestTag)}
		}
	}

	var percentiles []float64
	if len(list) > 2 {
		if err := json.Unmarshal(list[2], &percentiles); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "rewardPercentiles must be an array of numbers"}
		}
	}
	for i, p := range percentiles {
		if p < 0 || p > 100 {
			return nil, &Error{Code: CodeInvalidParams, Message: "percentiles must be within [0, 100]"}
		}
		if i > 0 && p < percentiles[i-1] {
			return nil, &Error{Code: CodeInvalidParams, Message: "percentiles must be ascending"}
		}
	}

	from := uint64(0)
	if count <= newest {
		from = newest - count + 1
	}

	fees, err := s.eth.Fees.Resolve(from, newest, percentiles)
	if err != nil {
		// A partial-coverage error names the heights outside the cached
		// window; surface it verbatim instead of thinning the answer.
		return nil, &Error{Code: CodeNotFound, Message: err.Error()}
	}

	result := &FeeHistoryResult{
		OldestBlock:   encodeQuantity(from),
		BaseFeePerGas: make([]string, 0, len(fees)),
		GasUsedRatio:  make([]float64, 0, len(fees)),
	}
	for _, f := range fees {
		result.BaseFeePerGas = append(result.BaseFeePerGas, encodeQuantity(f.BaseFee))
		result.GasUsedRatio = append(result.GasUsedRatio, f.GasUsedRatio)
		if len(percentiles) > 0 {
			rewards := make([]string, len(f.Rewards))
			for i, r := range f.Rewards {
				rewards[i] = encodeQuantity(r)
			}
			result.Reward = append(result.Reward, rewards)
		}
	}
	return result, nil
}

func (s *Server) handleEthGasPrice(_ *Request) (any, *Error) {
	var baseFee uint64
	st := s.chain.State()
	if blk, err := s.chain.GetBlockByHeight(st.Height); err == nil {
		baseFee = blk.Header.BaseFee
	}

	// Suggest the base fee plus the median tip of the newest block the
	// fee cache covers, floored at the configured minimum price.
	var tip uint64
	if s.eth != nil && s.eth.Fees != nil {
		if fees, err := s.eth.Fees.Resolve(st.Height, st.Height, []float64{50}); err == nil && len(fees) == 1 {
			tip = fees[0].Rewards[0]
		}
	}

	price := baseFee + tip
	if min := s.genesis.Protocol.Gas.MinGasPrice; price < min {
		price = min
	}
	return encodeQuantity(price), nil
}

// ── Call methods ────────────────────────────────────────────────────────

// ethCallObject is the eth transaction call object. Only the fields the
// built-in transfer executor understands are read.
type ethCallObject struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
	Value    string `json:"value"`
	Input    string `json:"input"`
	Data     string `json:"data"`
}

func (c *ethCallObject) inputBytes() ([]byte, error) {
	raw := c.Input
	if raw == "" {
		raw = c.Data
	}
	if raw == "" || raw == "0x" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(raw, "0x"))
}

// gasCap returns the gas allowance for read-only execution.
func (s *Server) gasCap() uint64 {
	cap := s.genesis.Protocol.Gas.BlockGasLimit
	if s.eth != nil && s.eth.GasCapMultiple > 0 {
		cap *= s.eth.GasCapMultiple
	}
	return cap
}

func parseCallObject(req *Request) (*ethCallObject, *Error) {
	list, rpcErr := positionalParams(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(list) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "call object required"}
	}
	var call ethCallObject
	if err := json.Unmarshal(list[0], &call); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid call object"}
	}
	return &call, nil
}

// handleEthCall validates a read-only call. The chain has no contract
// code to run, so a valid call always returns empty data.
func (s *Server) handleEthCall(req *Request) (any, *Error) {
	call, rpcErr := parseCallObject(req)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if call.To != "" {
		if _, rpcErr := decodeAddress(call.To); rpcErr != nil {
			return nil, rpcErr
		}
	}
	if call.Gas != "" {
		gas, err := decodeQuantity(call.Gas)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid gas quantity"}
		}
		if cap := s.gasCap(); gas > cap {
			s.logger.Debug().Uint64("gas", gas).Uint64("cap", cap).Msg("Call gas above allowance, capping")
		}
	}
	return "0x", nil
}

// handleEthEstimateGas prices a transaction: the intrinsic cost of a
// transfer plus the per-byte cost of its payload.
func (s *Server) handleEthEstimateGas(req *Request) (any, *Error) {
	call, rpcErr := parseCallObject(req)
	if rpcErr != nil {
		return nil, rpcErr
	}

	input, err := call.inputBytes()
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid input data"}
	}

	needed := tx.IntrinsicGas(input)
	cap := s.gasCap()
	if needed > cap {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("gas required %d exceeds allowance %d", needed, cap)}
	}
	if call.Gas != "" {
		gas, qerr := decodeQuantity(call.Gas)
		if qerr != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid gas quantity"}
		}
		if gas < needed {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("gas limit %d below intrinsic cost %d", gas, needed)}
		}
	}
	return encodeQuantity(needed), nil
}
