package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func hasPeer(n *Node, id peer.ID) bool {
	for _, p := range n.PeerList() {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Dialing a connection must land both sides in each other's peer table;
// closing the last connection must remove the entry again.
func TestConnNotifier_Lifecycle(t *testing.T) {
	nodeA := spinUp(t)
	nodeB := spinUp(t)

	// Raw transport connect, with no manual peer table writes: the
	// notifier alone must populate both sides.
	connect(t, nodeB, nodeA)

	waitFor(t, "A tracks B", func() bool { return hasPeer(nodeA, nodeB.host.ID()) })
	waitFor(t, "B tracks A", func() bool { return hasPeer(nodeB, nodeA.host.ID()) })

	for _, conn := range nodeB.host.Network().ConnsToPeer(nodeA.host.ID()) {
		conn.Close()
	}

	waitFor(t, "B forgets A", func() bool { return !hasPeer(nodeB, nodeA.host.ID()) })
}
