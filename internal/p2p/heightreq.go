package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// HeightProtocol answers "how far along is your chain" probes. The sync
// loop uses it to pick which peer to pull blocks from.
const HeightProtocol = protocol.ID("/allfeat/height/1.0.0")

const (
	heightReadTimeout  = 5 * time.Second
	maxHeightRespBytes = 1024
)

// HeightResponse reports a peer's best block.
type HeightResponse struct {
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

// RegisterHeightHandler serves height probes from the given source. The
// request carries no body; opening the stream is the question.
func (s *Syncer) RegisterHeightHandler(heightFn func() (uint64, string)) {
	s.host.SetStreamHandler(HeightProtocol, func(stream network.Stream) {
		defer stream.Close()

		height, tip := heightFn()
		json.NewEncoder(stream).Encode(&HeightResponse{Height: height, TipHash: tip})
	})
}

// RequestHeight asks one peer for its best block.
func (s *Syncer) RequestHeight(ctx context.Context, peerID peer.ID) (*HeightResponse, error) {
	stream, err := s.host.NewStream(ctx, peerID, HeightProtocol)
	if err != nil {
		return nil, fmt.Errorf("open height stream: %w", err)
	}
	defer stream.Close()

	stream.CloseWrite()
	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp HeightResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxHeightRespBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read height response: %w", err)
	}
	return &resp, nil
}
