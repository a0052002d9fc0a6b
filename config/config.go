// Package config loads and validates node configuration.
//
// Settings split along one line: protocol rules (slot timing, gas,
// finality thresholds) are part of genesis and identical on every node,
// while everything in this package is node-operational and free to vary
// per machine. The conf tags name each field's key in allfeat.conf.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType selects which chain the node joins.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config is the full set of node-operational settings.
type Config struct {
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	P2P       P2PConfig
	RPC       RPCConfig
	Eth       EthConfig
	Authoring AuthoringConfig
	Finality  FinalityConfig
	Log       LogConfig

	// RebuildIndexes requests a full eth index rebuild at startup. Flag
	// only, never written to the config file.
	RebuildIndexes bool
}

// P2PConfig drives the libp2p stack.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // serve DHT records, for seeds and validators
	ClearBans  bool     // flag only, drops persisted bans at startup
}

// RPCConfig drives the JSON-RPC server.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // "*" allows every origin
}

// EthBackend picks where the Ethereum-compatible index lives.
type EthBackend string

const (
	EthBackendKV  EthBackend = "kv"  // embedded key-value store
	EthBackendSQL EthBackend = "sql" // external database via bun
)

// EthConfig tunes the Ethereum-compatible view: the hash index, log
// filters and fee history.
type EthConfig struct {
	Backend                 EthBackend `conf:"eth.backend"`
	MaxPastLogs             int        `conf:"eth.maxpastlogs"`   // blocks scanned per eth_getLogs
	FeeHistoryLimit         int        `conf:"eth.feehistory"`    // fee history ring, in blocks
	ExecuteGasLimitMultiple uint64     `conf:"eth.gasmultiplier"` // gas cap multiple for eth_call
	BlockCacheMB            int        `conf:"eth.blockcache"`
	StatusCacheMB           int        `conf:"eth.statuscache"`
	FilterRetention         uint64     `conf:"eth.filterkeep"` // blocks a filter lives unpolled
	SQL                     SQLConfig
}

// SQLConfig is read only when Backend is sql.
type SQLConfig struct {
	DSN              string        `conf:"eth.sql.dsn"` // postgres:// URL or sqlite path
	PoolSize         int           `conf:"eth.sql.pool"`
	ReadTimeout      time.Duration `conf:"eth.sql.timeout"`
	BackfillInterval time.Duration `conf:"eth.sql.backfill"`
	ThreadCount      int           `conf:"eth.sql.threads"`   // concurrent backfill workers
	QueryOpLimit     int           `conf:"eth.sql.oplimit"`   // rows per maintenance query
	CacheSizeBytes   int64         `conf:"eth.sql.cachesize"` // driver page cache
}

// AuthoringConfig says whether and with which key this node authors.
// Whether to author is the operator's call; whether a block is valid is
// not, so nothing consensus-relevant lives here.
type AuthoringConfig struct {
	Enabled bool   `conf:"authoring.enabled"`
	Key     string `conf:"authoring.key"` // keystore entry name
}

// FinalityConfig says whether this node votes in finality rounds.
type FinalityConfig struct {
	Participate bool   `conf:"finality.participate"`
	Key         string `conf:"finality.key"` // keystore entry name
}

// LogConfig drives zerolog setup.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir picks the conventional per-platform data directory:
// ~/.allfeat on Linux, Application Support on macOS, APPDATA on
// Windows.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".allfeat"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Allfeat")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Allfeat")
		}
		return filepath.Join(home, "AppData", "Roaming", "Allfeat")
	default:
		return filepath.Join(home, ".allfeat")
	}
}

// ChainDataDir is the per-network root; mainnet and testnet data never
// share a directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// BlocksDir holds the chain database.
func (c *Config) BlocksDir() string {
	return filepath.Join(c.ChainDataDir(), "blocks")
}

// EthDir holds the eth index. The KV backend keeps its database here;
// the SQL backend falls back to a SQLite file here when no DSN is set.
func (c *Config) EthDir() string {
	return filepath.Join(c.ChainDataDir(), "eth")
}

// KeystoreDir holds sealed key files.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.ChainDataDir(), "keystore")
}

// LogsDir holds rotated log files, shared across networks.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile is the path of the node's allfeat.conf.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "allfeat.conf")
}
