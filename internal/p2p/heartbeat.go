package p2p

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
)

// HeartbeatMessage announces that an authority is alive between the blocks
// it authors. The signature covers BLAKE3(pubkey || height_le8 || ts_le8).
type HeartbeatMessage struct {
	PubKey    []byte `json:"pubkey"` // 33-byte compressed secp256k1 key
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Signature []byte `json:"signature"`
}

// HeartbeatSigningBytes assembles the preimage both signer and verifier
// hash for a heartbeat.
func HeartbeatSigningBytes(pubKey []byte, height uint64, timestamp int64) []byte {
	buf := make([]byte, 0, len(pubKey)+16)
	buf = append(buf, pubKey...)
	buf = binary.LittleEndian.AppendUint64(buf, height)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(timestamp))
	return buf
}

// VerifyHeartbeat checks the Schnorr signature against the embedded key.
// Whether that key belongs to a known authority is the caller's question.
func VerifyHeartbeat(msg *HeartbeatMessage) bool {
	if len(msg.PubKey) != 33 || len(msg.Signature) == 0 {
		return false
	}
	digest := crypto.Hash(HeartbeatSigningBytes(msg.PubKey, msg.Height, msg.Timestamp))
	return crypto.VerifySignature(digest[:], msg.Signature, msg.PubKey)
}

// SetHeartbeatHandler registers the callback for verified heartbeats.
func (n *Node) SetHeartbeatHandler(fn func(msg *HeartbeatMessage)) {
	n.heartbeatHandler = fn
}

// JoinHeartbeat subscribes to the heartbeat topic and starts its read
// loop. Joining twice is a no-op.
func (n *Node) JoinHeartbeat() error {
	if n.pubsub == nil {
		return fmt.Errorf("p2p node not started")
	}
	if n.topicHeartbeat != nil {
		return nil
	}

	topic, err := n.pubsub.Join(TopicHeartbeat)
	if err != nil {
		return fmt.Errorf("join heartbeat topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return fmt.Errorf("subscribe heartbeat topic: %w", err)
	}
	n.topicHeartbeat = topic
	n.subHeartbeat = sub

	go n.readHeartbeats()
	return nil
}

// LeaveHeartbeat cancels the subscription and closes the topic.
func (n *Node) LeaveHeartbeat() {
	if n.subHeartbeat != nil {
		n.subHeartbeat.Cancel()
		n.subHeartbeat = nil
	}
	if n.topicHeartbeat != nil {
		n.topicHeartbeat.Close()
		n.topicHeartbeat = nil
	}
}

// BroadcastHeartbeat publishes a signed heartbeat to the topic.
func (n *Node) BroadcastHeartbeat(msg *HeartbeatMessage) error {
	if n.topicHeartbeat == nil {
		return fmt.Errorf("heartbeat topic not joined")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	return n.topicHeartbeat.Publish(n.ctx, data)
}

// readHeartbeats drains the subscription until the node stops. Unsigned
// or malformed messages are dropped here so handlers only ever see
// verified heartbeats.
func (n *Node) readHeartbeats() {
	for {
		msg, err := n.subHeartbeat.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		var hb HeartbeatMessage
		if err := json.Unmarshal(msg.Data, &hb); err != nil {
			continue
		}
		if !VerifyHeartbeat(&hb) {
			continue
		}

		if fn := n.heartbeatHandler; fn != nil {
			deliverHeartbeat(fn, &hb)
		}
	}
}

// deliverHeartbeat shields the read loop from a panicking handler.
func deliverHeartbeat(fn func(*HeartbeatMessage), hb *HeartbeatMessage) {
	defer func() { recover() }()
	fn(hb)
}
