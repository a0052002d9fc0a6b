package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/tx"
)

// BlockAnnounce is the payload carried on the block topic. The justification
// rides along when the author already holds finality proof for an ancestor,
// so peers can advance their finalized frontier without a separate round trip.
type BlockAnnounce struct {
	Block         *block.Block             `json:"block"`
	Justification *consensus.Justification `json:"justification,omitempty"`
}

// BroadcastTx publishes a transaction to the gossip network.
func (n *Node) BroadcastTx(t *tx.Transaction) error {
	if n.topicTx == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tx: %w", err)
	}

	return n.topicTx.Publish(n.ctx, data)
}

// BroadcastBlock publishes a block to the gossip network. The justification
// may be nil.
func (n *Node) BroadcastBlock(b *block.Block, j *consensus.Justification) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(&BlockAnnounce{Block: b, Justification: j})
	if err != nil {
		return fmt.Errorf("marshal block announce: %w", err)
	}

	return n.topicBlock.Publish(n.ctx, data)
}

// BroadcastVote publishes a finality vote to the gossip network.
func (n *Node) BroadcastVote(v *consensus.Vote) error {
	if n.topicVote == nil {
		return fmt.Errorf("p2p node not started")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vote: %w", err)
	}

	return n.topicVote.Publish(n.ctx, data)
}
