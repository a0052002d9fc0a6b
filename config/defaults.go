package config

import "time"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       30333,
			MaxPeers:   50,
			// Bootnodes are seed nodes that help new peers join the network.
			// Format: multiaddr strings, e.g.:
			//   "/ip4/203.0.113.1/tcp/30333/p2p/12D3KooW..."
			//   "/dns4/seed1.allfeat.network/tcp/30333/p2p/12D3KooW..."
			// Run seed nodes with --dht-server for optimal DHT performance.
			// Real addresses will be filled when seed servers are provisioned.
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       9944,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Eth: EthConfig{
			Backend:                 EthBackendKV,
			MaxPastLogs:             10000,
			FeeHistoryLimit:         2048,
			ExecuteGasLimitMultiple: 10,
			BlockCacheMB:            50,
			StatusCacheMB:           50,
			FilterRetention:         100,
			SQL: SQLConfig{
				PoolSize:         100,
				ReadTimeout:      30 * time.Second,
				BackfillInterval: 60 * time.Second,
				ThreadCount:      4,
				QueryOpLimit:     10_000_000,
				CacheSizeBytes:   209_715_200, // 200 MiB
			},
		},
		Authoring: AuthoringConfig{
			Enabled: false,
		},
		Finality: FinalityConfig{
			Participate: false,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for the
// "melodie" testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.P2P.Port = 30334
	cfg.RPC.Port = 9945
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
