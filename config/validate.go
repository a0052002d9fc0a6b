package config

import (
	"fmt"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	if cfg.Eth.Backend == "" {
		cfg.Eth.Backend = EthBackendKV
	}
	switch cfg.Eth.Backend {
	case EthBackendKV, EthBackendSQL:
	default:
		return fmt.Errorf("eth.backend must be %q or %q", EthBackendKV, EthBackendSQL)
	}
	if cfg.Eth.MaxPastLogs <= 0 {
		return fmt.Errorf("eth.maxpastlogs must be positive")
	}
	if cfg.Eth.FeeHistoryLimit <= 0 {
		return fmt.Errorf("eth.feehistory must be positive")
	}
	if cfg.Eth.FilterRetention == 0 {
		return fmt.Errorf("eth.filterkeep must be positive")
	}
	if cfg.Eth.Backend == EthBackendSQL {
		if cfg.Eth.SQL.PoolSize <= 0 {
			return fmt.Errorf("eth.sql.pool must be positive")
		}
		if cfg.Eth.SQL.ThreadCount <= 0 {
			return fmt.Errorf("eth.sql.threads must be positive")
		}
		if cfg.Eth.SQL.ReadTimeout <= 0 {
			return fmt.Errorf("eth.sql.timeout must be positive")
		}
		if cfg.Eth.SQL.BackfillInterval <= 0 {
			return fmt.Errorf("eth.sql.backfill must be positive")
		}
	}

	if cfg.Authoring.Enabled && cfg.Authoring.Key == "" {
		return fmt.Errorf("authoring.enabled requires authoring.key")
	}
	if cfg.Finality.Participate && cfg.Finality.Key == "" {
		return fmt.Errorf("finality.participate requires finality.key")
	}

	return nil
}
