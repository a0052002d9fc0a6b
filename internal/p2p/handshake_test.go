package p2p

import (
	"strings"
	"testing"

	"github.com/andrijdavid/Allfeat/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestValidateHandshake(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	n.genesisHash = types.Hash{0x11, 0x22}

	tests := []struct {
		name       string
		msg        HandshakeMessage
		wantReason string // substring, empty means accepted
	}{
		{
			name: "compatible peer",
			msg: HandshakeMessage{
				ProtocolVersion: ProtocolVersion,
				GenesisHash:     types.Hash{0x11, 0x22},
				NetworkID:       "melodie",
				BestHeight:      512,
			},
		},
		{
			name: "foreign genesis",
			msg: HandshakeMessage{
				ProtocolVersion: ProtocolVersion,
				GenesisHash:     types.Hash{0xde, 0xad},
				NetworkID:       "melodie",
			},
			wantReason: "genesis mismatch",
		},
		{
			name: "stone-age protocol",
			msg: HandshakeMessage{
				ProtocolVersion: 0,
				GenesisHash:     types.Hash{0x11, 0x22},
				NetworkID:       "melodie",
			},
			wantReason: "protocol version too low",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := n.validateHandshake(tt.msg)
			if tt.wantReason == "" && reason != "" {
				t.Errorf("rejected with %q, want accepted", reason)
			}
			if tt.wantReason != "" && !strings.Contains(reason, tt.wantReason) {
				t.Errorf("reason = %q, want one containing %q", reason, tt.wantReason)
			}
		})
	}
}

// SetGenesisHash arms the handshake; clearing the hash disarms it again.
func TestSetGenesisHash_TogglesHandshake(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if n.handshakeEnabled {
		t.Error("handshake armed before a genesis hash was set")
	}

	h := types.Hash{0xaa, 0xbb}
	n.SetGenesisHash(h)
	if !n.handshakeEnabled || n.genesisHash != h {
		t.Error("SetGenesisHash did not arm the handshake")
	}

	n.SetGenesisHash(types.Hash{})
	if n.handshakeEnabled {
		t.Error("zero genesis hash should disarm the handshake")
	}
}

func TestHandshakeMessage_ReflectsNodeState(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NetworkID: "melodie"})
	n.genesisHash = types.Hash{0x44}

	msg := n.handshakeMessage()
	if msg.ProtocolVersion != ProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", msg.ProtocolVersion, ProtocolVersion)
	}
	if msg.GenesisHash != n.genesisHash || msg.NetworkID != "melodie" {
		t.Errorf("message %+v does not mirror node state", msg)
	}
	if msg.BestHeight != 0 {
		t.Errorf("BestHeight = %d without a height source, want 0", msg.BestHeight)
	}

	n.heightFn = func() uint64 { return 321 }
	if got := n.handshakeMessage().BestHeight; got != 321 {
		t.Errorf("BestHeight = %d, want 321", got)
	}
}

func TestDisconnectPeer_BeforeStart(t *testing.T) {
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0})
	if err := n.DisconnectPeer(peer.ID("whoever")); err == nil {
		t.Error("DisconnectPeer before Start should fail")
	}
}

func TestDisconnectPeer(t *testing.T) {
	nodeA, nodeB := gossipPair(t)

	if err := nodeA.DisconnectPeer(nodeB.host.ID()); err != nil {
		t.Fatalf("DisconnectPeer: %v", err)
	}
	waitFor(t, "A drops B", func() bool { return nodeA.PeerCount() == 0 })
}

// startHandshakeNode boots a node that enforces the given genesis hash.
func startHandshakeNode(t *testing.T, genesis types.Hash) *Node {
	t.Helper()
	n := New(Config{ListenAddr: "127.0.0.1", Port: 0, NoDiscover: true, NetworkID: "melodie"})
	n.SetGenesisHash(genesis)
	n.SetHeightFn(func() uint64 { return 10 })
	if err := n.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { n.Stop() })
	return n
}

func TestHandshake_SameGenesisStaysConnected(t *testing.T) {
	genesis := types.Hash{0x07, 0x07}
	nodeA := startHandshakeNode(t, genesis)
	nodeB := startHandshakeNode(t, genesis)

	link(t, nodeA, nodeB)

	waitFor(t, "A keeps B", func() bool { return hasPeer(nodeA, nodeB.host.ID()) })
	waitFor(t, "B keeps A", func() bool { return hasPeer(nodeB, nodeA.host.ID()) })
	if nodeA.BanManager.IsBanned(nodeB.host.ID()) {
		t.Error("compatible peer ended up banned")
	}
}

func TestHandshake_GenesisMismatchSplits(t *testing.T) {
	nodeA := startHandshakeNode(t, types.Hash{0x01})
	nodeB := startHandshakeNode(t, types.Hash{0xff})

	link(t, nodeA, nodeB)

	// Both sides validate, so at least one drops the link and bans.
	waitFor(t, "one side drops the connection", func() bool {
		return nodeA.PeerCount() == 0 || nodeB.PeerCount() == 0
	})
	waitFor(t, "one side bans the other", func() bool {
		return nodeA.BanManager.IsBanned(nodeB.host.ID()) ||
			nodeB.BanManager.IsBanned(nodeA.host.ID())
	})
}
