package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// SyncProtocol streams ranges of canonical blocks to catching-up peers.
const SyncProtocol = protocol.ID("/allfeat/sync/1.0.0")

const (
	syncReadTimeout      = 30 * time.Second
	maxSyncResponseBytes = 10 * 1024 * 1024
	maxSyncBatch         = 500 // blocks per response
)

// SyncRequest asks for blocks from FromHeight upward.
type SyncRequest struct {
	FromHeight uint64 `json:"from_height"`
	MaxBlocks  uint32 `json:"max_blocks"`
}

// SyncItem is one block in a sync response. The justification is attached
// for heights the serving peer holds finality proof for, so a catching-up
// node learns finality as it imports instead of replaying vote rounds.
type SyncItem struct {
	Block         *block.Block             `json:"block"`
	Justification *consensus.Justification `json:"justification,omitempty"`
}

// SyncResponse carries the requested range, oldest first.
type SyncResponse struct {
	Items []SyncItem `json:"items"`
}

// Syncer speaks the block sync and height protocols over a node's host.
type Syncer struct {
	node *Node
	host host.Host
}

func NewSyncer(node *Node) *Syncer {
	return &Syncer{node: node, host: node.host}
}

// RegisterHandler serves sync requests from the given provider. Requests
// beyond maxSyncBatch are clamped rather than refused.
func (s *Syncer) RegisterHandler(provider func(fromHeight uint64, max uint32) []SyncItem) {
	s.host.SetStreamHandler(SyncProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req SyncRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&req); err != nil {
			return
		}
		if req.MaxBlocks == 0 || req.MaxBlocks > maxSyncBatch {
			req.MaxBlocks = maxSyncBatch
		}

		resp := SyncResponse{Items: provider(req.FromHeight, req.MaxBlocks)}
		json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestBlocks pulls up to maxBlocks blocks starting at fromHeight from
// one peer.
func (s *Syncer) RequestBlocks(ctx context.Context, peerID peer.ID, fromHeight uint64, maxBlocks uint32) ([]SyncItem, error) {
	stream, err := s.host.NewStream(ctx, peerID, SyncProtocol)
	if err != nil {
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	defer stream.Close()

	req := SyncRequest{FromHeight: fromHeight, MaxBlocks: maxBlocks}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send sync request: %w", err)
	}
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

	var resp SyncResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxSyncResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}
	return resp.Items, nil
}
