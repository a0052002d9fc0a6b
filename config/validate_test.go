package config

import "testing"

func TestValidate_DefaultsValid(t *testing.T) {
	for _, network := range []NetworkType{Mainnet, Testnet} {
		if err := Validate(Default(network)); err != nil {
			t.Errorf("default %s config should be valid: %v", network, err)
		}
	}
}

func TestValidate_RejectsUnknownNetwork(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Network = "devnet"
	if err := Validate(cfg); err == nil {
		t.Error("unknown network should be rejected")
	}
}

func TestValidate_RejectsBadPorts(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.P2P.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Error("p2p port above 65535 should be rejected")
	}

	cfg = DefaultMainnet()
	cfg.RPC.Port = -1
	if err := Validate(cfg); err == nil {
		t.Error("negative rpc port should be rejected")
	}
}

func TestValidate_RejectsUnknownEthBackend(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Eth.Backend = "leveldb"
	if err := Validate(cfg); err == nil {
		t.Error("unknown eth backend should be rejected")
	}
}

func TestValidate_DefaultsEmptyEthBackendToKV(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Eth.Backend = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("empty backend should default, got error: %v", err)
	}
	if cfg.Eth.Backend != EthBackendKV {
		t.Errorf("backend = %q, want %q", cfg.Eth.Backend, EthBackendKV)
	}
}

func TestValidate_SQLBackendNeedsPool(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Eth.Backend = EthBackendSQL
	cfg.Eth.SQL.PoolSize = 0
	if err := Validate(cfg); err == nil {
		t.Error("sql backend with zero pool size should be rejected")
	}
}

func TestValidate_AuthoringNeedsKey(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Authoring.Enabled = true
	cfg.Authoring.Key = ""
	if err := Validate(cfg); err == nil {
		t.Error("authoring without a key should be rejected")
	}
}

func TestValidate_FinalityNeedsKey(t *testing.T) {
	cfg := DefaultMainnet()
	cfg.Finality.Participate = true
	cfg.Finality.Key = ""
	if err := Validate(cfg); err == nil {
		t.Error("finality participation without a key should be rejected")
	}
}

func TestApplyFileConfig_EthKeys(t *testing.T) {
	cfg := DefaultMainnet()
	values := map[string]string{
		"eth.backend":          "sql",
		"eth.sql.dsn":          "postgres://localhost/allfeat",
		"eth.sql.timeout":      "45s",
		"eth.maxpastlogs":      "5000",
		"eth.filterkeep":       "200",
		"finality.participate": "true",
		"finality.key":         "grandpa",
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Eth.Backend != EthBackendSQL {
		t.Errorf("backend = %q, want sql", cfg.Eth.Backend)
	}
	if cfg.Eth.SQL.DSN != "postgres://localhost/allfeat" {
		t.Errorf("dsn = %q", cfg.Eth.SQL.DSN)
	}
	if cfg.Eth.SQL.ReadTimeout.Seconds() != 45 {
		t.Errorf("timeout = %v, want 45s", cfg.Eth.SQL.ReadTimeout)
	}
	if cfg.Eth.MaxPastLogs != 5000 {
		t.Errorf("maxpastlogs = %d, want 5000", cfg.Eth.MaxPastLogs)
	}
	if cfg.Eth.FilterRetention != 200 {
		t.Errorf("filterkeep = %d, want 200", cfg.Eth.FilterRetention)
	}
	if !cfg.Finality.Participate || cfg.Finality.Key != "grandpa" {
		t.Error("finality settings not applied")
	}
}

func TestApplyFileConfig_BadValue(t *testing.T) {
	cfg := DefaultMainnet()
	err := ApplyFileConfig(cfg, map[string]string{"eth.sql.timeout": "not-a-duration"})
	if err == nil {
		t.Error("invalid duration should return an error")
	}
}

func TestDefaults_NetworkPorts(t *testing.T) {
	m := DefaultMainnet()
	if m.P2P.Port != 30333 || m.RPC.Port != 9944 {
		t.Errorf("mainnet ports = %d/%d, want 30333/9944", m.P2P.Port, m.RPC.Port)
	}
	tn := DefaultTestnet()
	if tn.P2P.Port != 30334 || tn.RPC.Port != 9945 {
		t.Errorf("testnet ports = %d/%d, want 30334/9945", tn.P2P.Port, tn.RPC.Port)
	}
}
