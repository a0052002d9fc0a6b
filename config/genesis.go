package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// Everything in this file is protocol: nodes that disagree on any of
// it fork away from each other.

// Denomination. All on-chain amounts are base units; one AFT coin is
// 10^12 of them.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000
	MilliCoin = 1_000_000_000
	MicroCoin = 1_000_000
)

// Hard block limits.
const (
	MaxBlockSize = 2_000_000 // header plus all tx signing bytes
	MaxBlockTxs  = 500
)

// Genesis fixes a chain's identity and protocol rules. Immutable after
// launch short of a hard fork.
type Genesis struct {
	ChainID    string `json:"chain_id"`
	ChainName  string `json:"chain_name"`
	Symbol     string `json:"symbol,omitempty"`
	EvmChainID uint64 `json:"evm_chain_id"` // numeric id for the eth view

	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Alloc seeds balances, address to base units.
	Alloc map[string]uint64 `json:"alloc"`

	// Authorities author blocks and vote on finality. Order is
	// protocol: slot election indexes into this slice.
	Authorities []Authority `json:"authorities"`

	// EpochSeed feeds slot election, 32-byte hex.
	EpochSeed string `json:"epoch_seed"`

	Protocol ProtocolConfig `json:"protocol"`
}

// Authority is one entry in the genesis authority set. Weight counts
// in the finality tally only; slot election treats authorities equally.
type Authority struct {
	PubKey string `json:"pubkey"` // compressed secp256k1, hex
	Weight uint64 `json:"weight"`
}

// ProtocolConfig groups the consensus-critical rules.
type ProtocolConfig struct {
	Slot     SlotRules     `json:"slot"`
	Gas      GasRules      `json:"gas"`
	Finality FinalityRules `json:"finality"`
	Forks    ForkSchedule  `json:"forks,omitempty"`
}

// SlotRules times block production. The slot number of any instant is
// unix seconds divided by Duration.
type SlotRules struct {
	Duration int `json:"duration"` // seconds
}

// GasRules sets the fee market.
type GasRules struct {
	BlockGasLimit  uint64 `json:"block_gas_limit"`
	InitialBaseFee uint64 `json:"initial_base_fee"` // base units per gas at block 1
	MinGasPrice    uint64 `json:"min_gas_price"`
}

// FinalityRules governs how blocks become irreversible.
type FinalityRules struct {
	// JustificationPeriod: every Nth justification is kept forever,
	// the rest may be pruned once superseded.
	JustificationPeriod uint64 `json:"justification_period"`

	// GossipPeriodMs is the vote rebroadcast cadence.
	GossipPeriodMs int `json:"gossip_period_ms"`
}

// ForkSchedule reserves a place for height-gated protocol upgrades.
// Fields arrive with the first scheduled fork.
type ForkSchedule struct{}

// Published throwaway identity for the melodie testnet. The private key
// is deliberately public so anyone can run the testnet authority; never
// fund it on mainnet.
const (
	TestnetAuthorityPubKey  = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"
	TestnetAuthorityPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"

	// TestnetAddress is BLAKE3(pubkey)[:20] for the key above.
	TestnetAddress = "0x8f3a44b8056cafec368dea0cbe0ad1d9bc3f4305"
)

// MainnetGenesis is the Allfeat mainnet.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:    "allfeat-mainnet-1",
		ChainName:  "Allfeat Mainnet",
		Symbol:     "AFT",
		EvmChainID: 440,
		Timestamp:  1769904000, // 2026-02-01
		ExtraData:  "Allfeat Genesis",
		Alloc: map[string]uint64{
			// Treasury.
			"0xe9d69ff8b240f30f2caf5ad76c788b96ef0a7c2d": 100_000 * Coin,
		},
		Authorities: []Authority{
			{PubKey: "03cba4d0ee4c55f5ea620393a6e6e9dafe959bfa6ddff964221126a3e41ad0487d", Weight: 1},
		},
		EpochSeed: "70485a2738d8ccd2fb3100ace3ac8d4644917d7b0470b8d81fe18b6c8adc7647",
		Protocol: ProtocolConfig{
			Slot: SlotRules{Duration: 6},
			Gas: GasRules{
				BlockGasLimit:  15_000_000,
				InitialBaseFee: MicroCoin,
				MinGasPrice:    MicroCoin,
			},
			Finality: FinalityRules{
				JustificationPeriod: 512,
				GossipPeriodMs:      333,
			},
		},
	}
}

// TestnetGenesis is the melodie testnet: mainnet rules with a public
// authority, cheap gas, and its own chain ids.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "allfeat-melodie-1"
	g.ChainName = "Allfeat Melodie"
	g.EvmChainID = 441
	g.ExtraData = "Allfeat Melodie Genesis"
	g.Protocol.Gas.MinGasPrice = 1_000
	g.Alloc = map[string]uint64{
		TestnetAddress: 200_000 * Coin,
	}
	g.Authorities = []Authority{
		{PubKey: TestnetAuthorityPubKey, Weight: 1},
	}
	g.EpochSeed = "de2b7e284bb468b947740f2928db756fc0d130e9faf1bcf78d919519eac621b9"
	return g
}

// GenesisFor maps a network name to its built-in genesis.
func GenesisFor(network NetworkType) *Genesis {
	if network == Testnet {
		return TestnetGenesis()
	}
	return MainnetGenesis()
}

// LoadGenesis reads and validates a genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis: %w", err)
	}
	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("validate genesis: %w", err)
	}
	return &g, nil
}

// Save writes the genesis as indented JSON.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encode genesis: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write genesis: %w", err)
	}
	return nil
}

// Validate rejects a genesis no node could run on.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return errors.New("chain_id is required")
	}
	if g.EvmChainID == 0 {
		return errors.New("evm_chain_id is required")
	}

	if len(g.Authorities) == 0 {
		return errors.New("at least one authority is required")
	}
	seen := make(map[string]struct{}, len(g.Authorities))
	for i, a := range g.Authorities {
		raw, err := hex.DecodeString(a.PubKey)
		if err != nil || len(raw) != 33 {
			return fmt.Errorf("authorities[%d]: pubkey must be 33-byte compressed hex", i)
		}
		if a.Weight == 0 {
			return fmt.Errorf("authorities[%d]: weight must be positive", i)
		}
		if _, ok := seen[a.PubKey]; ok {
			return fmt.Errorf("authorities[%d]: duplicate pubkey", i)
		}
		seen[a.PubKey] = struct{}{}
	}

	if raw, err := hex.DecodeString(g.EpochSeed); err != nil || len(raw) != types.HashSize {
		return errors.New("epoch_seed must be 32-byte hex")
	}

	if g.Protocol.Slot.Duration <= 0 {
		return errors.New("slot duration must be positive")
	}
	if g.Protocol.Gas.BlockGasLimit == 0 {
		return errors.New("block_gas_limit must be positive")
	}
	if g.Protocol.Finality.JustificationPeriod == 0 {
		return errors.New("justification_period must be positive")
	}
	if g.Protocol.Finality.GossipPeriodMs <= 0 {
		return errors.New("gossip_period_ms must be positive")
	}

	for addr := range g.Alloc {
		if _, err := types.ParseAddress(addr); err != nil {
			return fmt.Errorf("alloc address %q: %w", addr, err)
		}
	}
	return nil
}

// TotalWeight sums the authority weights, the denominator of every
// finality threshold check.
func (g *Genesis) TotalWeight() uint64 {
	var sum uint64
	for _, a := range g.Authorities {
		sum += a.Weight
	}
	return sum
}

// Hash digests the whole genesis. Peers compare it during handshakes,
// so nodes with diverging protocol rules split cleanly instead of
// trading invalid blocks.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
