package config

import "testing"

func TestForkSchedule_IsActive_ZeroNotScheduled(t *testing.T) {
	fs := ForkSchedule{}
	if fs.IsActive(0, 100) {
		t.Error("fork at height 0 (not scheduled) should not be active")
	}
}

func TestForkSchedule_IsActive_HeightReached(t *testing.T) {
	fs := ForkSchedule{}
	if !fs.IsActive(50, 50) {
		t.Error("fork at height 50 should be active at height 50")
	}
	if !fs.IsActive(50, 100) {
		t.Error("fork at height 50 should be active at height 100")
	}
}

func TestForkSchedule_IsActive_HeightNotReached(t *testing.T) {
	fs := ForkSchedule{}
	if fs.IsActive(50, 49) {
		t.Error("fork at height 50 should not be active at height 49")
	}
}

func TestGenesis_Validate_MainnetValid(t *testing.T) {
	g := MainnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("mainnet genesis should be valid: %v", err)
	}
}

func TestGenesis_Validate_TestnetValid(t *testing.T) {
	g := TestnetGenesis()
	if err := g.Validate(); err != nil {
		t.Errorf("testnet genesis should be valid: %v", err)
	}
}

func TestGenesis_Validate_RequiresAuthorities(t *testing.T) {
	g := MainnetGenesis()
	g.Authorities = nil
	if err := g.Validate(); err == nil {
		t.Error("genesis without authorities should be invalid")
	}
}

func TestGenesis_Validate_RejectsZeroWeight(t *testing.T) {
	g := MainnetGenesis()
	g.Authorities[0].Weight = 0
	if err := g.Validate(); err == nil {
		t.Error("authority with zero weight should be invalid")
	}
}

func TestGenesis_Validate_RejectsDuplicateAuthority(t *testing.T) {
	g := MainnetGenesis()
	g.Authorities = append(g.Authorities, g.Authorities[0])
	if err := g.Validate(); err == nil {
		t.Error("duplicate authority pubkey should be invalid")
	}
}

func TestGenesis_Validate_RejectsBadEpochSeed(t *testing.T) {
	g := MainnetGenesis()
	g.EpochSeed = "abcd"
	if err := g.Validate(); err == nil {
		t.Error("short epoch seed should be invalid")
	}
}

func TestGenesis_Validate_RejectsZeroSlotDuration(t *testing.T) {
	g := MainnetGenesis()
	g.Protocol.Slot.Duration = 0
	if err := g.Validate(); err == nil {
		t.Error("zero slot duration should be invalid")
	}
}

func TestGenesis_Validate_RejectsBadAllocAddress(t *testing.T) {
	g := MainnetGenesis()
	g.Alloc = map[string]uint64{"not-an-address": 1}
	if err := g.Validate(); err == nil {
		t.Error("malformed alloc address should be invalid")
	}
}

func TestGenesis_TotalWeight(t *testing.T) {
	g := MainnetGenesis()
	g.Authorities = []Authority{
		{PubKey: g.Authorities[0].PubKey, Weight: 3},
		{PubKey: TestnetAuthorityPubKey, Weight: 2},
	}
	if got := g.TotalWeight(); got != 5 {
		t.Errorf("TotalWeight() = %d, want 5", got)
	}
}

func TestGenesis_Hash_NetworksDiffer(t *testing.T) {
	mh, err := MainnetGenesis().Hash()
	if err != nil {
		t.Fatalf("mainnet hash: %v", err)
	}
	th, err := TestnetGenesis().Hash()
	if err != nil {
		t.Fatalf("testnet hash: %v", err)
	}
	if mh == th {
		t.Error("mainnet and testnet genesis hashes should differ")
	}
}

func TestGenesis_Hash_Deterministic(t *testing.T) {
	h1, err := MainnetGenesis().Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := MainnetGenesis().Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Error("genesis hash should be deterministic")
	}
}
