package node

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/chain"
	"github.com/andrijdavid/Allfeat/internal/keystore"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/internal/storage"
)

// testConfig returns a testnet config rooted in a fresh temp dir with
// the data directories already laid out.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(config.Testnet)
	cfg.DataDir = t.TempDir()
	if err := config.EnsureDataDirs(cfg); err != nil {
		t.Fatalf("data dirs: %v", err)
	}
	return cfg
}

// sealKeystore writes an encrypted store named name under cfg's keystore
// dir, using cheap KDF parameters so tests stay fast.
func sealKeystore(t *testing.T, cfg *config.Config, name, pass string) {
	t.Helper()
	mnemonic, err := keystore.GenerateMnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	params := keystore.EncryptionParams{Memory: 64, Iterations: 1, Parallelism: 1}
	if err := keystore.Create(keystore.PathFor(cfg.KeystoreDir(), name), mnemonic, []byte(pass), params); err != nil {
		t.Fatalf("seal keystore: %v", err)
	}
}

func TestCreateEngine(t *testing.T) {
	genesis := config.GenesisFor(config.Testnet)
	authorities, engine, err := createEngine(genesis)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if engine == nil {
		t.Fatal("nil engine")
	}
	if authorities.Len() != len(genesis.Authorities) {
		t.Errorf("authority count = %d, want %d", authorities.Len(), len(genesis.Authorities))
	}
}

func TestCreateEngine_BadEpochSeed(t *testing.T) {
	for _, seed := range []string{"", "not-hex", "aabb"} {
		genesis := config.TestnetGenesis()
		genesis.EpochSeed = seed
		if _, _, err := createEngine(genesis); err == nil {
			t.Errorf("seed %q: want an error", seed)
		}
	}
}

func TestShortHex(t *testing.T) {
	long := "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
	if got := shortHex(long); got != long[:16]+"..." {
		t.Errorf("shortHex(long) = %q", got)
	}
	if got := shortHex("abcd"); got != "abcd" {
		t.Errorf("shortHex(short) = %q, want unchanged", got)
	}
	if got := shortHex(""); got != "" {
		t.Errorf("shortHex(empty) = %q", got)
	}
}

func TestLoadRoleKeys(t *testing.T) {
	cfg := testConfig(t)
	sealKeystore(t, cfg, "validator", "test-pass")
	t.Setenv(passphraseEnv, "test-pass")

	cfg.Authoring.Enabled = true
	cfg.Authoring.Key = "validator"
	cfg.Finality.Participate = true
	cfg.Finality.Key = "validator"

	authoring, finality, err := loadRoleKeys(cfg)
	if err != nil {
		t.Fatalf("loadRoleKeys: %v", err)
	}
	if authoring == nil || finality == nil {
		t.Fatal("both role keys should be loaded")
	}
	defer authoring.Zero()
	defer finality.Zero()

	// Roles derive distinct keys from one seed.
	if bytes.Equal(authoring.PublicKey(), finality.PublicKey()) {
		t.Error("authoring and finality keys should differ")
	}
}

func TestLoadRoleKeys_WrongPassphrase(t *testing.T) {
	cfg := testConfig(t)
	sealKeystore(t, cfg, "validator", "test-pass")
	t.Setenv(passphraseEnv, "wrong-pass")

	cfg.Authoring.Enabled = true
	cfg.Authoring.Key = "validator"

	if _, _, err := loadRoleKeys(cfg); err == nil {
		t.Fatal("wrong passphrase: want an error")
	}
}

func TestBuildWarpSnapshot_Empty(t *testing.T) {
	genesis := config.GenesisFor(config.Testnet)
	_, engine, err := createEngine(genesis)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	mem := storage.NewMemory()
	ledger := state.NewStore(storage.NewPrefixDB(mem, []byte("state/")))
	ch, err := chain.New(storage.NewPrefixDB(mem, []byte("chain/")), ledger, engine, genesis)
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}

	snap, err := buildWarpSnapshot(ch, genesis, 0)
	if err != nil {
		t.Fatalf("buildWarpSnapshot: %v", err)
	}
	if snap.Head() != nil {
		t.Errorf("fresh chain should yield an empty snapshot, got head at %d", snap.Head().Header.Height)
	}
}

func TestNode_BootAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("boots a full node")
	}

	cfg := testConfig(t)
	cfg.P2P.Port = 0 // random ports keep parallel runs apart
	cfg.P2P.NoDiscover = true
	cfg.P2P.Seeds = nil
	cfg.RPC.Port = 0

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.Height() != 0 {
		t.Errorf("fresh node height = %d, want 0", n.Height())
	}
	if n.RPCAddr() == "" {
		t.Error("RPCAddr came back empty")
	}

	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.Stop()
}

func TestDefaultConfigFile(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := config.LoadFromFile(tmpDir, config.Testnet)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Network != config.Testnet {
		t.Errorf("network = %s, want testnet", cfg.Network)
	}
	if cfg.DataDir != tmpDir {
		t.Errorf("datadir = %s, want %s", cfg.DataDir, tmpDir)
	}

	// First load writes a starter config file.
	if _, err := os.Stat(filepath.Join(tmpDir, "allfeat.conf")); os.IsNotExist(err) {
		t.Error("starter config file was not written")
	}
}
