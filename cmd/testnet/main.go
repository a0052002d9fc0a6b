// Command testnet boots a 2-node local network from scratch.
//
// Run with: go run ./cmd/testnet
//
// It loads the well-known testnet authority key, creates a single-authority
// genesis with 1-second slots, boots two in-process nodes (one authoring and
// voting, one follower), authors 10 blocks, gossips blocks, a transfer and
// finality votes via libp2p, and verifies both chains converge on the same
// finalized tip. Ctrl+C for early shutdown.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/author"
	"github.com/andrijdavid/Allfeat/internal/chain"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/importer"
	klog "github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/mempool"
	"github.com/andrijdavid/Allfeat/internal/p2p"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

const numBlocks = 10

// nodeBundle is one in-process node: chain, mempool, import pipeline,
// finality gadget and networking.
type nodeBundle struct {
	name     string
	chain    *chain.Chain
	pool     *mempool.Pool
	pipeline *importer.Pipeline
	gadget   *consensus.Gadget
	builder  *author.Builder // nil for non-authors.
	p2p      *p2p.Node
}

func main() {
	klog.Init("info", false, "")
	logger := klog.WithComponent("testnet")

	logger.Info().Msg("=== Allfeat 2-Node Local Testnet ===")

	// ── Identity and genesis ────────────────────────────────────────────

	keyBytes, err := hex.DecodeString(config.TestnetAuthorityPrivKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("bad testnet key literal")
	}
	authorityKey, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		logger.Fatal().Err(err).Msg("load testnet authority key")
	}
	authorityPub := authorityKey.PublicKey()
	feeAddr := crypto.AddressFromPubKey(authorityPub)

	logger.Info().
		Str("authority_pub", hex.EncodeToString(authorityPub)[:16]+"...").
		Str("fee_addr", feeAddr.String()[:16]+"...").
		Msg("Loaded the published testnet identity")

	gen := config.TestnetGenesis()
	gen.ChainID = "allfeat-local-1"
	gen.ChainName = "Local Testnet"
	gen.Timestamp = uint64(time.Now().Unix())
	gen.Protocol.Slot.Duration = 1 // 1-second slots for a fast run

	logger.Info().Str("chain_id", gen.ChainID).Msg("Genesis document ready")

	// ── Two nodes ───────────────────────────────────────────────────────

	producer, err := buildNode("producer", gen, authorityKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("producer node")
	}
	follower, err := buildNode("follower", gen, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("follower node")
	}

	logger.Info().
		Uint64("producer_height", producer.chain.Height()).
		Uint64("follower_height", follower.chain.Height()).
		Msg("Both nodes at genesis")

	// ── Networking ──────────────────────────────────────────────────────

	for _, n := range []*nodeBundle{producer, follower} {
		if err := n.p2p.Start(); err != nil {
			logger.Fatal().Err(err).Str("node", n.name).Msg("p2p start")
		}
	}
	defer cleanup(producer, follower)

	logger.Info().
		Str("producer_id", producer.p2p.ID().String()[:16]+"...").
		Str("follower_id", follower.p2p.ID().String()[:16]+"...").
		Msg("Hosts listening")

	connectNodes(producer.p2p, follower.p2p)
	time.Sleep(500 * time.Millisecond) // GossipSub mesh stabilization.

	logger.Info().
		Int("producer_peers", producer.p2p.PeerCount()).
		Int("follower_peers", follower.p2p.PeerCount()).
		Msg("Mesh established")

	// ── Signals ─────────────────────────────────────────────────────────

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("Shutdown signal received")
		cancel()
	}()

	// ── Block production ────────────────────────────────────────────────

	logger.Info().
		Int("blocks", numBlocks).
		Int("slot_seconds", gen.Protocol.Slot.Duration).
		Msg("Authoring begins")

	var recipient types.Address
	recipient[19] = 0x42
	const sendAmount = 1_000 * config.Coin

	for i := 0; i < numBlocks; i++ {
		// The genesis account funds a transfer partway through the run,
		// gossiped to both mempools like any user transaction.
		if i == 2 {
			b := tx.NewBuilder().
				Transfer(recipient, sendAmount).
				Nonce(0).
				Gas(0, gen.Protocol.Gas.InitialBaseFee)
			if err := b.Sign(authorityKey); err != nil {
				logger.Fatal().Err(err).Msg("sign transfer")
			}
			transfer := b.Build()
			fee, err := producer.pool.Add(transfer)
			if err != nil {
				logger.Fatal().Err(err).Msg("add transfer to mempool")
			}
			if err := producer.p2p.BroadcastTx(transfer); err != nil {
				logger.Error().Err(err).Msg("broadcast transfer")
			}
			logger.Info().
				Str("tx", transfer.Hash().Short()).
				Uint64("fee", fee).
				Msg("Transfer submitted")
		}

		blk, err := authorNext(ctx, producer)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("Production interrupted")
				break
			}
			logger.Fatal().Err(err).Msg("author block")
		}

		producer.pool.RemoveConfirmed(blk.Transactions)
		if err := producer.p2p.BroadcastBlock(blk, nil); err != nil {
			logger.Error().Err(err).Msg("broadcast block")
		}

		// One vote is a supermajority here, so the frontier follows the tip.
		st := producer.chain.State()
		if err := producer.gadget.CastVote(st.TipHash, st.Height); err != nil {
			logger.Error().Err(err).Msg("cast vote")
		}

		logger.Info().
			Uint64("height", blk.Header.Height).
			Uint64("slot", blk.Header.Slot).
			Str("hash", blk.Hash().Short()).
			Int("txs", len(blk.Transactions)).
			Msg("Block authored")
	}

	// ── Convergence check ───────────────────────────────────────────────

	// Wait for the last block and vote to propagate.
	time.Sleep(2 * time.Second)

	h1, h2 := producer.chain.Height(), follower.chain.Height()
	t1, t2 := producer.chain.TipHash(), follower.chain.TipHash()
	f1, f2 := producer.chain.Finalized(), follower.chain.Finalized()

	logger.Info().
		Uint64("producer_height", h1).
		Uint64("follower_height", h2).
		Str("producer_tip", t1.Short()).
		Str("follower_tip", t2.Short()).
		Uint64("producer_final", f1.Height).
		Uint64("follower_final", f2.Height).
		Msg("Final chain state")

	acct, _ := follower.chain.GetAccount(recipient)

	if h1 == h2 && t1 == t2 && f1.Height > 0 && f2.Height > 0 && acct.Balance == sendAmount {
		logger.Info().Msg("SUCCESS: Both nodes converged on the same finalized chain!")
		fmt.Println()
		fmt.Printf("  Blocks authored:   %d\n", h1)
		fmt.Printf("  Chain tip:         %s\n", t1)
		fmt.Printf("  Finalized height:  %d (round %d)\n", f1.Height, f1.Round)
		fmt.Printf("  Transfer landed:   %d AFT at %s\n", acct.Balance/config.Coin, recipient)
		fmt.Printf("  Decimals:          %d\n", config.Decimals)
		fmt.Println()
	} else {
		logger.Error().Msg("FAILURE: Nodes did not converge!")
		os.Exit(1)
	}
}

// authorNext builds and imports one block, waiting out the parent's slot.
func authorNext(ctx context.Context, n *nodeBundle) (*block.Block, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b, err := n.builder.BuildBlock()
		if err != nil {
			if errors.Is(err, author.ErrParentSlot) {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(150 * time.Millisecond):
				}
				continue
			}
			return nil, err
		}
		out, err := n.pipeline.ImportBlock(ctx, &importer.Incoming{Block: b})
		if err != nil {
			return nil, err
		}
		if out.Kind != importer.KindImported {
			return nil, fmt.Errorf("own block rejected: %s", out.Reason)
		}
		return b, nil
	}
}

// buildNode creates a fully wired node with chain, mempool, import
// pipeline, finality gadget and p2p. signerKey enables authoring and
// voting; nil builds a follower.
func buildNode(name string, gen *config.Genesis, signerKey *crypto.PrivateKey) (*nodeBundle, error) {
	db := storage.NewMemory()
	ledger := state.NewStore(storage.NewPrefixDB(db, []byte("state/")))

	authorities, err := consensus.NewAuthoritySet(gen.Authorities)
	if err != nil {
		return nil, fmt.Errorf("authority set: %w", err)
	}
	seedBytes, err := hex.DecodeString(gen.EpochSeed)
	if err != nil || len(seedBytes) != types.HashSize {
		return nil, fmt.Errorf("invalid epoch seed %q", gen.EpochSeed)
	}
	var seed types.Hash
	copy(seed[:], seedBytes)

	engine, err := consensus.NewSlotEngine(authorities, seed,
		time.Duration(gen.Protocol.Slot.Duration)*time.Second)
	if err != nil {
		return nil, fmt.Errorf("slot engine: %w", err)
	}
	if signerKey != nil {
		if err := engine.SetSigner(signerKey); err != nil {
			return nil, fmt.Errorf("authoring signer: %w", err)
		}
	}

	ch, err := chain.New(storage.NewPrefixDB(db, []byte("chain/")), ledger, engine, gen)
	if err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}

	pool := mempool.New(ch, 5000)
	pool.SetMinGasPrice(gen.Protocol.Gas.MinGasPrice)

	pipeline := importer.New(ch, engine)

	gadget := consensus.NewGadget(authorities, ch.FinalizedCell(), time.Second)
	gadget.SetCommitter(ch.Finalize)
	pipeline.SetJustificationSink(gadget)
	if signerKey != nil {
		if err := gadget.SetSigner(signerKey); err != nil {
			return nil, fmt.Errorf("voting signer: %w", err)
		}
	}

	p2pNode := p2p.New(p2p.Config{
		ListenAddr: "127.0.0.1",
		Port:       0, // Random port.
		NoDiscover: true,
		NetworkID:  gen.ChainID,
	})

	// Peers must present this genesis hash during the handshake.
	genesisHash, _ := gen.Hash()
	p2pNode.SetGenesisHash(genesisHash)
	p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

	nodeLogger := klog.WithComponent(name)

	// Incoming gossip → import pipeline → mempool cleanup.
	p2pNode.SetBlockHandler(func(_ libp2ppeer.ID, data []byte) {
		var ann p2p.BlockAnnounce
		if err := json.Unmarshal(data, &ann); err != nil || ann.Block == nil {
			nodeLogger.Error().Err(err).Msg("unmarshal block announce")
			return
		}
		out, err := pipeline.ImportBlock(context.Background(), &importer.Incoming{
			Block:         ann.Block,
			Justification: ann.Justification,
		})
		if err != nil {
			nodeLogger.Error().Err(err).Uint64("height", ann.Block.Header.Height).Msg("import block")
			return
		}
		if out.Kind != importer.KindImported {
			return
		}
		pool.RemoveConfirmed(ann.Block.Transactions)
		nodeLogger.Info().
			Uint64("height", ann.Block.Header.Height).
			Str("hash", ann.Block.Hash().Short()).
			Msg("Block received and applied")
	})

	p2pNode.SetTxHandler(func(_ libp2ppeer.ID, data []byte) {
		var t tx.Transaction
		if err := json.Unmarshal(data, &t); err != nil {
			nodeLogger.Error().Err(err).Msg("unmarshal transaction")
			return
		}
		if _, err := pool.Add(&t); err != nil {
			nodeLogger.Warn().Err(err).Msg("reject transaction")
		}
	})

	p2pNode.SetVoteHandler(func(_ libp2ppeer.ID, data []byte) {
		var v consensus.Vote
		if err := json.Unmarshal(data, &v); err != nil {
			nodeLogger.Error().Err(err).Msg("unmarshal vote")
			return
		}
		if err := gadget.HandleVote(&v); err != nil && !errors.Is(err, consensus.ErrStaleRound) {
			nodeLogger.Warn().Err(err).Uint64("round", v.Round).Msg("reject vote")
		}
	})

	// Local votes ride the gossip topic like everyone else's.
	gadget.SetBroadcaster(func(v *consensus.Vote) {
		if err := p2pNode.BroadcastVote(v); err != nil {
			nodeLogger.Error().Err(err).Msg("broadcast vote")
		}
	})

	var builder *author.Builder
	if signerKey != nil {
		builder = author.New(ch, engine, pool)
	}

	return &nodeBundle{
		name:     name,
		chain:    ch,
		pool:     pool,
		pipeline: pipeline,
		gadget:   gadget,
		builder:  builder,
		p2p:      p2pNode,
	}, nil
}

// connectNodes dials b into a over the loopback transport.
func connectNodes(a, b *p2p.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.Host().Connect(ctx, libp2ppeer.AddrInfo{ID: a.Host().ID(), Addrs: a.Host().Addrs()})
}

// cleanup tears the hosts down.
func cleanup(nodes ...*nodeBundle) {
	for _, n := range nodes {
		n.p2p.Stop()
	}
}
