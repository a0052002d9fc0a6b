package rpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// ── chain_ handlers ─────────────────────────────────────────────────────

func (s *Server) handleChainHead(_ *Request) (any, *Error) {
	st := s.chain.State()
	final := s.finalized()
	return &HeadResult{
		Height:  st.Height,
		TipHash: st.TipHash.String(),
		TipSlot: st.TipSlot,
		TipTime: st.TipTime,
		Finalized: FinalizedInfo{
			Hash:   final.Hash.String(),
			Height: final.Height,
			Round:  final.Round,
		},
	}, nil
}

func (s *Server) handleChainGetBlock(req *Request) (any, *Error) {
	var params BlockParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}

	var (
		blk *block.Block
		err error
	)
	switch {
	case params.Hash != "":
		hash, rpcErr := decodeHash(params.Hash)
		if rpcErr != nil {
			return nil, rpcErr
		}
		blk, err = s.chain.GetBlock(hash)
	case params.Height != nil:
		blk, err = s.chain.GetBlockByHeight(*params.Height)
	default:
		return nil, &Error{Code: CodeInvalidParams, Message: "missing hash or height"}
	}
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no such block: %v", err)}
	}
	return NewBlockResult(blk), nil
}

func (s *Server) handleChainGetTransaction(req *Request) (any, *Error) {
	var params HashParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "missing hash"}
	}
	txHash, rpcErr := decodeHash(params.Hash)
	if rpcErr != nil {
		return nil, rpcErr
	}

	// A transaction still in the pool has no block position yet.
	if s.pool != nil {
		if t := s.pool.Get(txHash); t != nil {
			return &TxLookupResult{Transaction: NewTxResult(t), Pending: true}, nil
		}
	}

	t, receipt, blockHash, height, err := s.chain.GetTransaction(txHash)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: "no such transaction"}
	}

	return &TxLookupResult{
		Transaction: NewTxResult(t),
		BlockHash:   blockHash.String(),
		Height:      height,
		Receipt:     receipt,
		Finalized:   height <= s.finalized().Height,
	}, nil
}

func (s *Server) handleChainGetAccount(req *Request) (any, *Error) {
	var params AddressParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Address == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "missing address"}
	}
	addr, rpcErr := decodeAddress(params.Address)
	if rpcErr != nil {
		return nil, rpcErr
	}

	acct, err := s.chain.GetAccount(addr)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("get account: %v", err)}
	}
	return &AccountResult{
		Address: addr.String(),
		Balance: acct.Balance,
		Nonce:   acct.Nonce,
	}, nil
}

func (s *Server) handleChainGetFinalized(_ *Request) (any, *Error) {
	final := s.finalized()
	return &FinalizedInfo{
		Hash:   final.Hash.String(),
		Height: final.Height,
		Round:  final.Round,
	}, nil
}

// ── txpool_ handlers ────────────────────────────────────────────────────

func (s *Server) handleTxPoolSubmit(req *Request) (any, *Error) {
	if s.pool == nil {
		return nil, &Error{Code: CodeInternalError, Message: "transaction pool not available"}
	}

	var params TxSubmitParam
	if rpcErr := parseParams(req, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Transaction == nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "missing transaction"}
	}

	if _, err := s.pool.Add(params.Transaction); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("not accepted: %v", err)}
	}

	// Gossip best-effort; the pool accepted the transaction either way.
	if s.p2pNode != nil {
		if err := s.p2pNode.BroadcastTx(params.Transaction); err != nil {
			s.logger.Warn().Err(err).Msg("Transaction broadcast failed")
		}
	}

	return &TxSubmitResult{TxHash: params.Transaction.Hash().String()}, nil
}

func (s *Server) handleTxPoolStatus(_ *Request) (any, *Error) {
	if s.pool == nil {
		return &TxPoolStatusResult{}, nil
	}
	return &TxPoolStatusResult{
		Count:       s.pool.Count(),
		MinGasPrice: s.pool.MinGasPrice(),
	}, nil
}

func (s *Server) handleTxPoolContent(_ *Request) (any, *Error) {
	out := &TxPoolContentResult{Hashes: []string{}}
	if s.pool == nil {
		return out, nil
	}
	for _, h := range s.pool.Hashes() {
		out.Hashes = append(out.Hashes, h.String())
	}
	return out, nil
}

// ── net_ handlers ───────────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (any, *Error) {
	out := &PeerInfoResult{Peers: []PeerInfo{}}
	if s.p2pNode == nil {
		return out, nil
	}
	for _, p := range s.p2pNode.PeerList() {
		out.Peers = append(out.Peers, PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format(time.RFC3339),
			Source:      p.Source,
		})
	}
	out.Count = len(out.Peers)
	return out, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (any, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{Addrs: []string{}}, nil
	}
	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (any, *Error) {
	out := &BanListResult{Bans: []BanEntry{}}
	if s.banManager == nil {
		return out, nil
	}
	for _, rec := range s.banManager.BanList() {
		out.Bans = append(out.Bans, BanEntry{
			ID:        rec.ID,
			Reason:    rec.Reason,
			Score:     rec.Score,
			BannedAt:  rec.BannedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	out.Count = len(out.Bans)
	return out, nil
}

// ── authority_ and node_ handlers ───────────────────────────────────────

func (s *Server) handleAuthorityGetStatus(req *Request) (any, *Error) {
	if s.tracker == nil {
		return nil, &Error{Code: CodeInternalError, Message: "authority tracker not enabled"}
	}

	set, err := consensus.NewAuthoritySet(s.genesis.Authorities)
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("authority set: %v", err)}
	}

	// The pubkey filter is optional; with no params every authority is
	// reported.
	var params PubKeyParam
	if len(req.Params) > 0 {
		parseParams(req, &params)
	}
	if params.PubKey != "" {
		raw, err := hex.DecodeString(params.PubKey)
		if err != nil || len(raw) != 33 {
			return nil, &Error{Code: CodeInvalidParams, Message: "pubkey must be 33-byte hex"}
		}
		if !set.Contains(raw) {
			return nil, &Error{Code: CodeNotFound, Message: "pubkey is not an authority"}
		}
		return &AuthorityStatusListResult{
			Authorities: []AuthorityStatusResult{s.authorityStatus(set, raw)},
		}, nil
	}

	results := make([]AuthorityStatusResult, set.Len())
	for i := range results {
		results[i] = s.authorityStatus(set, set.AtIndex(i))
	}
	return &AuthorityStatusListResult{Authorities: results}, nil
}

func (s *Server) authorityStatus(set *consensus.AuthoritySet, pubKey []byte) AuthorityStatusResult {
	out := AuthorityStatusResult{
		PubKey: hex.EncodeToString(pubKey),
		Weight: set.WeightOf(pubKey),
		Active: s.tracker.IsActive(pubKey),
	}
	if stats := s.tracker.GetStats(pubKey); stats != nil {
		if !stats.LastBlock.IsZero() {
			out.LastBlock = stats.LastBlock.Unix()
		}
		if !stats.LastVote.IsZero() {
			out.LastVote = stats.LastVote.Unix()
		}
		out.BlockCount = stats.BlockCount
		out.VoteCount = stats.VoteCount
		out.MissedSlots = stats.MissedSlots
	}
	return out
}

func (s *Server) handleNodeStatus(_ *Request) (any, *Error) {
	st := s.chain.State()
	final := s.finalized()

	out := &NodeStatusResult{
		ChainID:         s.genesis.ChainID,
		ChainName:       s.genesis.ChainName,
		EvmChainID:      s.genesis.EvmChainID,
		Height:          st.Height,
		TipHash:         st.TipHash.String(),
		FinalizedHeight: final.Height,
		FinalizedHash:   final.Hash.String(),
		Round:           final.Round,
	}
	if s.pool != nil {
		out.TxPoolCount = s.pool.Count()
	}
	if s.p2pNode != nil {
		out.PeerCount = s.p2pNode.PeerCount()
		out.NodeID = s.p2pNode.ID().String()
	}
	if s.eth != nil && s.eth.Backend != nil {
		if indexed, err := s.eth.Backend.LatestHeight(context.Background()); err == nil {
			out.IndexedHeight = indexed
			if st.Height > indexed {
				out.IndexBacklog = st.Height - indexed
			}
		}
	}
	return out, nil
}

// ── Param decoding ──────────────────────────────────────────────────────

func (s *Server) finalized() consensus.Finalized {
	final, _ := s.chain.FinalizedCell().Get()
	return final
}

func decodeHash(str string) (types.Hash, *Error) {
	h, err := types.HexToHash(str)
	if err != nil {
		return types.Hash{}, &Error{Code: CodeInvalidParams, Message: "hash must be 32-byte hex"}
	}
	return h, nil
}

func decodeAddress(str string) (types.Address, *Error) {
	addr, err := types.ParseAddress(str)
	if err != nil {
		return types.Address{}, &Error{Code: CodeInvalidParams, Message: "bad address: " + err.Error()}
	}
	return addr, nil
}
