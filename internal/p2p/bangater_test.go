package p2p

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
)

func TestBanGater_GatesKnownIdentities(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &banGater{banMgr: bm}

	banned := peer.ID("banned-peer")
	bm.RecordOffense(banned, PenaltyHandshakeFail, "genesis mismatch")
	clean := peer.ID("clean-peer")

	tests := []struct {
		name  string
		gate  func(peer.ID) bool
		id    peer.ID
		allow bool
	}{
		{"dial clean", g.InterceptPeerDial, clean, true},
		{"dial banned", g.InterceptPeerDial, banned, false},
		{"secured clean", func(p peer.ID) bool { return g.InterceptSecured(0, p, nil) }, clean, true},
		{"secured banned", func(p peer.ID) bool { return g.InterceptSecured(0, p, nil) }, banned, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.gate(tt.id); got != tt.allow {
				t.Errorf("gate = %v, want %v", got, tt.allow)
			}
		})
	}
}

// The identity-blind gates must pass everything; the ban decision comes
// later, once the peer has authenticated.
func TestBanGater_IdentityBlindGatesPass(t *testing.T) {
	g := &banGater{banMgr: NewBanManager(nil, nil)}

	if !g.InterceptAddrDial(peer.ID("whoever"), nil) {
		t.Error("InterceptAddrDial blocked an address dial")
	}
	if !g.InterceptAccept(nil) {
		t.Error("InterceptAccept blocked an inbound connection")
	}
	allow, reason := g.InterceptUpgraded(nil)
	if !allow || reason != 0 {
		t.Errorf("InterceptUpgraded = %v, %d; want true, 0", allow, reason)
	}
}

func TestBanGater_UnbanReopensGate(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &banGater{banMgr: bm}

	id := peer.ID("second-chance")
	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")
	if g.InterceptPeerDial(id) {
		t.Fatal("setup: banned peer should be gated")
	}

	bm.Unban(id)
	if !g.InterceptPeerDial(id) {
		t.Error("gate still closed after unban")
	}
}
