package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// WarpProtocol is the protocol ID for finality snapshot requests.
	WarpProtocol = protocol.ID("/allfeat/warp/1")

	// warpReadTimeout is the max time to read a warp response.
	warpReadTimeout = 30 * time.Second

	// maxWarpResponseBytes limits warp response size (10 MB).
	maxWarpResponseBytes = 10 * 1024 * 1024
)

// WarpRequest asks a peer for finality checkpoints above a given height.
type WarpRequest struct {
	SinceHeight uint64 `json:"since_height"`
}

// Checkpoint pairs a finalized header with the justification proving it.
type Checkpoint struct {
	Header        *block.Header            `json:"header"`
	Justification *consensus.Justification `json:"justification"`
}

// WarpSnapshot carries the checkpoints a provider retains above the
// requested height, in ascending order, ending at its finalized head.
// A joining node verifies the snapshot against the authority set and
// snaps its finalized frontier forward as the matching blocks arrive,
// instead of replaying every vote round since genesis.
type WarpSnapshot struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// Head returns the highest checkpoint in the snapshot, or nil if empty.
func (s *WarpSnapshot) Head() *Checkpoint {
	if len(s.Checkpoints) == 0 {
		return nil
	}
	return &s.Checkpoints[len(s.Checkpoints)-1]
}

// Verify checks every checkpoint in the snapshot: heights strictly
// ascending above since, each justification matching its header and
// carrying a supermajority of valid authority signatures.
func (s *WarpSnapshot) Verify(authorities *consensus.AuthoritySet, since uint64) error {
	if len(s.Checkpoints) == 0 {
		return fmt.Errorf("warp snapshot is empty")
	}

	prev := since
	for _, cp := range s.Checkpoints {
		if cp.Header == nil || cp.Justification == nil {
			return fmt.Errorf("warp checkpoint missing header or justification")
		}
		h := cp.Header.Height
		if h <= prev {
			return fmt.Errorf("warp checkpoint at height %d out of order (previous %d)", h, prev)
		}
		j := cp.Justification
		if j.Height != h {
			return fmt.Errorf("warp checkpoint at height %d justifies height %d", h, j.Height)
		}
		if j.Hash != cp.Header.Hash() {
			return fmt.Errorf("warp checkpoint at height %d justifies a different block", h)
		}
		if err := j.Verify(authorities); err != nil {
			return fmt.Errorf("warp checkpoint at height %d: %w", h, err)
		}
		prev = h
	}
	return nil
}

// RegisterWarpHandler registers the warp stream handler on the host.
// The provider assembles a snapshot of retained checkpoints above the
// requested height.
func (s *Syncer) RegisterWarpHandler(provider func(sinceHeight uint64) (*WarpSnapshot, error)) {
	s.host.SetStreamHandler(WarpProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req WarpRequest
		if err := json.NewDecoder(io.LimitReader(stream, 1024)).Decode(&req); err != nil {
			return
		}

		snap, err := provider(req.SinceHeight)
		if err != nil || snap == nil {
			return
		}
		json.NewEncoder(stream).Encode(snap)
	})
}

// RequestWarp asks a specific peer for finality checkpoints above sinceHeight.
// The returned snapshot is unverified; callers must run Verify against their
// authority set before acting on it.
func (s *Syncer) RequestWarp(ctx context.Context, peerID peer.ID, sinceHeight uint64) (*WarpSnapshot, error) {
	stream, err := s.host.NewStream(ctx, peerID, WarpProtocol)
	if err != nil {
		return nil, fmt.Errorf("open warp stream: %w", err)
	}
	defer stream.Close()

	req := WarpRequest{SinceHeight: sinceHeight}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send warp request: %w", err)
	}

	// Signal we're done writing.
	stream.CloseWrite()

	// Read response with timeout.
	_ = stream.SetReadDeadline(time.Now().Add(warpReadTimeout))

	var snap WarpSnapshot
	if err := json.NewDecoder(io.LimitReader(stream, maxWarpResponseBytes)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("read warp response: %w", err)
	}

	return &snap, nil
}
