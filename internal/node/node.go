// Package node assembles the services that make up a running Allfeat node
// and manages their lifecycle. It can be embedded in any binary; the daemon
// in cmd/allfeatd is a thin wrapper around it.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/author"
	"github.com/andrijdavid/Allfeat/internal/chain"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/evm"
	"github.com/andrijdavid/Allfeat/internal/importer"
	"github.com/andrijdavid/Allfeat/internal/keystore"
	klog "github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/mempool"
	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/internal/p2p"
	"github.com/andrijdavid/Allfeat/internal/rpc"
	"github.com/andrijdavid/Allfeat/internal/state"
	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/internal/task"
	"github.com/andrijdavid/Allfeat/pkg/block"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// passphraseEnv names the environment variable consulted for the keystore
// passphrase before falling back to an interactive prompt.
const passphraseEnv = "ALLFEAT_PASSPHRASE"

// mempoolSize caps the number of pending transactions held in memory.
const mempoolSize = 5000

// heartbeatInterval is how often an authoring node signs a liveness
// heartbeat; trackerWindow is how long any sign of life keeps an authority
// counted as active. The window covers several heartbeats so one dropped
// gossip message does not flip an authority to inactive.
const (
	heartbeatInterval = 30 * time.Second
	trackerWindow     = 2 * time.Minute
)

// Node is a fully-initialized Allfeat node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db          storage.DB
	authorities *consensus.AuthoritySet
	engine      *consensus.SlotEngine
	ch          *chain.Chain
	pool        *mempool.Pool
	pipeline    *importer.Pipeline
	gadget      *consensus.Gadget
	tracker     *consensus.AuthorityTracker

	// Signing keys (nil unless the matching role is enabled)
	authoringKey *crypto.PrivateKey
	finalityKey  *crypto.PrivateKey

	// Ethereum-compatible view
	evmBackend   evm.Backend
	streamWorker *evm.StreamWorker // kv backend only
	batchWorker  *evm.BatchWorker  // sql backend only
	readCache    *evm.ReadCache
	statuses     *evm.StatusCache
	filters      *evm.FilterPool
	fees         *evm.FeeCache

	// Networking
	p2pNode *p2p.Node
	syncer  *p2p.Syncer

	// Pending warp checkpoints, applied as the matching blocks arrive.
	warpMu   sync.Mutex
	warpSnap *p2p.WarpSnapshot

	// RPC
	rpcServer *rpc.Server

	// Observability
	metrics *metrics.Set

	// Lifecycle
	tasks  *task.Supervisor
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires every service of a node, from storage up to the RPC server,
// without starting any background task. The setup order matters: each
// step may depend on the previous ones, and on failure everything built
// so far is released in reverse. Call Start to bring the node to life.
func New(cfg *config.Config) (*Node, error) {
	// Resources acquired so far, released in reverse when a later step
	// fails.
	var undo []func()
	fail := func(err error) (*Node, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return nil, err
	}
	zero := func(k *crypto.PrivateKey) {
		if k != nil {
			k.Zero()
		}
	}

	// ── Logging ─────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return nil, fmt.Errorf("log directory: %w", err)
		}
		logFile = logsDir + "/allfeatd.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── Genesis ─────────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("slot_seconds", genesis.Protocol.Slot.Duration).
		Int("authorities", len(genesis.Authorities)).
		Msg("Starting Allfeat Node")

	// ── Storage ─────────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		return nil, fmt.Errorf("chain database at %s: %w", cfg.ChainDataDir(), err)
	}
	undo = append(undo, func() { db.Close() })
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Chain database ready")

	// ── Consensus engine ────────────────────────────────────────────
	authorities, engine, err := createEngine(genesis)
	if err != nil {
		return fail(fmt.Errorf("consensus engine: %w", err))
	}

	// ── Chain ───────────────────────────────────────────────────────
	ledger := state.NewStore(storage.NewPrefixDB(db, []byte("state/")))
	ch, err := chain.New(storage.NewPrefixDB(db, []byte("chain/")), ledger, engine, genesis)
	if err != nil {
		return fail(fmt.Errorf("chain: %w", err))
	}
	if ch.Height() == 0 {
		logger.Info().Msg("Built chain from genesis block")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().Short()).
			Msg("Resumed existing chain")
	}

	if cfg.RebuildIndexes {
		logger.Info().Msg("Rebuilding account ledger from canonical blocks")
		if err := ch.RebuildLedger(); err != nil {
			return fail(fmt.Errorf("rebuild ledger: %w", err))
		}
	}

	// ── Signing keys ────────────────────────────────────────────────
	var authoringKey, finalityKey *crypto.PrivateKey
	if cfg.Authoring.Enabled || cfg.Finality.Participate {
		authoringKey, finalityKey, err = loadRoleKeys(cfg)
		if err != nil {
			return fail(err)
		}
		undo = append(undo, func() {
			zero(authoringKey)
			zero(finalityKey)
		})
	}
	if cfg.Authoring.Enabled {
		if err := engine.SetSigner(authoringKey); err != nil {
			return fail(fmt.Errorf("authoring key: %w", err))
		}
		logger.Info().
			Str("pubkey", hex.EncodeToString(authoringKey.PublicKey())[:16]+"...").
			Msg("Authoring key loaded")
	}

	// ── Mempool ─────────────────────────────────────────────────────
	pool := mempool.New(ch, mempoolSize)
	pool.SetMinGasPrice(genesis.Protocol.Gas.MinGasPrice)
	logger.Info().
		Uint64("min_gas_price", genesis.Protocol.Gas.MinGasPrice).
		Msg("Transaction pool ready")

	ch.SetRevertedTxHandler(func(txs []*tx.Transaction) {
		requeued := pool.Reinject(txs)
		if requeued > 0 {
			logger.Info().
				Int("reverted", len(txs)).
				Int("requeued", requeued).
				Msg("Requeued transactions from abandoned branch")
		}
	})

	// ── Import pipeline and finality gadget ─────────────────────────
	m := metrics.New()
	tracker := consensus.NewAuthorityTracker(trackerWindow)

	pipeline := importer.New(ch, engine)
	pipeline.SetMetrics(m)
	pool.SetMetrics(m)

	gossipPeriod := time.Duration(genesis.Protocol.Finality.GossipPeriodMs) * time.Millisecond
	if gossipPeriod <= 0 {
		gossipPeriod = 333 * time.Millisecond
	}
	// A round survives a few gossip rounds before voters re-vote.
	gadget := consensus.NewGadget(authorities, ch.FinalizedCell(), 3*gossipPeriod)
	gadget.SetCommitter(func(j *consensus.Justification) error {
		if err := ch.Finalize(j); err != nil {
			return err
		}
		m.FinalizedHeight.Set(float64(j.Height))
		return nil
	})
	pipeline.SetJustificationSink(gadget)

	if cfg.Finality.Participate {
		if err := gadget.SetSigner(finalityKey); err != nil {
			return fail(fmt.Errorf("finality key: %w", err))
		}
		logger.Info().
			Str("pubkey", hex.EncodeToString(finalityKey.PublicKey())[:16]+"...").
			Msg("Finality voter key loaded")
	}

	m.ChainHeight.Set(float64(ch.Height()))
	m.FinalizedHeight.Set(float64(ch.Finalized().Height))

	// ── Ethereum-compatible view ────────────────────────────────────
	var evmBackend evm.Backend
	var streamWorker *evm.StreamWorker
	var batchWorker *evm.BatchWorker
	switch cfg.Eth.Backend {
	case config.EthBackendSQL:
		sqlBackend, sqlErr := evm.NewSQL(context.Background(), cfg.EthDir(), cfg.Eth.SQL)
		if sqlErr != nil {
			return fail(fmt.Errorf("open sql index backend: %w", sqlErr))
		}
		evmBackend = sqlBackend
		batchWorker = evm.NewBatchWorker(evmBackend, ch, pipeline, cfg.Eth.SQL)
		batchWorker.SetMetrics(m)
	default:
		evmDB := storage.NewPrefixDB(db, []byte("evm/"))
		if cfg.RebuildIndexes {
			cleared, clearErr := evmDB.DeleteAll()
			if clearErr != nil {
				return fail(fmt.Errorf("clear index: %w", clearErr))
			}
			logger.Info().Int("keys", cleared).Msg("Ethereum-compatible index cleared for rebuild")
		}
		evmBackend = evm.NewKV(evmDB)
		streamWorker = evm.NewStreamWorker(evmBackend, ch, pipeline)
		streamWorker.SetMetrics(m)
	}
	undo = append(undo, func() { evmBackend.Close() })
	if cfg.RebuildIndexes && cfg.Eth.Backend == config.EthBackendSQL {
		logger.Warn().Msg("--reindex with the sql backend re-derives missing heights only")
	}

	readCache := evm.NewReadCache(evmBackend, cfg.Eth.BlockCacheMB)
	statuses := evm.NewStatusCache(cfg.Eth.StatusCacheMB)
	filters := evm.NewFilterPool(evmBackend, ch, cfg.Eth.FilterRetention, cfg.Eth.MaxPastLogs)
	filters.SetMetrics(m)
	fees := evm.NewFeeCache(ch, pipeline, cfg.Eth.FeeHistoryLimit)
	fees.SetMetrics(m)
	logger.Info().
		Str("backend", string(cfg.Eth.Backend)).
		Uint64("filter_retention", cfg.Eth.FilterRetention).
		Int("fee_history", cfg.Eth.FeeHistoryLimit).
		Msg("Ethereum-compatible view ready")

	ctx, cancel := context.WithCancel(context.Background())
	undo = append(undo, cancel)

	// ── Gossip network ──────────────────────────────────────────────
	var p2pNode *p2p.Node
	var syncer *p2p.Syncer
	var nodeRef *Node // set after Node is constructed; used by handler closures
	if cfg.P2P.Enabled {
		p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})

		genesisHash, _ := genesis.Hash()
		p2pNode.SetGenesisHash(genesisHash)
		p2pNode.SetHeightFn(func() uint64 { return ch.Height() })

		// Block handler with sync trigger for unknown parents.
		var rootSyncing atomic.Bool
		p2pNode.SetBlockHandler(func(from peer.ID, data []byte) {
			var ann p2p.BlockAnnounce
			if err := json.Unmarshal(data, &ann); err != nil || ann.Block == nil {
				logger.Debug().Err(err).Msg("Undecodable block announce")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "unmarshal block announce")
				return
			}
			out, err := pipeline.ImportBlock(ctx, &importer.Incoming{
				Block:         ann.Block,
				Justification: ann.Justification,
			})
			if err != nil {
				if errors.Is(err, importer.ErrMissingParent) && rootSyncing.CompareAndSwap(false, true) {
					go func() {
						defer rootSyncing.Store(false)
						if nodeRef != nil {
							nodeRef.catchUp()
						}
					}()
				}
				logger.Debug().Err(err).Uint64("height", ann.Block.Header.Height).Msg("Block import failed")
				return
			}
			switch out.Kind {
			case importer.KindImported:
				pool.RemoveConfirmed(ann.Block.Transactions)
				if signer := engine.IdentifySigner(ann.Block.Header); signer != nil {
					tracker.RecordBlock(signer)
				}
				logger.Info().
					Uint64("height", ann.Block.Header.Height).
					Str("hash", ann.Block.Hash().Short()).
					Int("txs", len(ann.Block.Transactions)).
					Bool("best", out.ExtendsBest).
					Msg("Block received and imported")
			case importer.KindInvalid:
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, out.Reason)
				logger.Debug().
					Str("reason", out.Reason).
					Uint64("height", ann.Block.Header.Height).
					Msg("Invalid block rejected")
			case importer.KindKnownBad:
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidBlock, "known bad block")
			}
		})

		// Tx handler.
		p2pNode.SetTxHandler(func(from peer.ID, data []byte) {
			var t tx.Transaction
			if err := json.Unmarshal(data, &t); err != nil {
				logger.Debug().Err(err).Msg("Undecodable gossiped transaction")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, "unmarshal: "+err.Error())
				return
			}
			fee, err := pool.Add(&t)
			if err != nil {
				logger.Debug().Err(err).Msg("Pool rejected gossiped transaction")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidTx, err.Error())
				return
			}
			logger.Debug().
				Str("tx", t.Hash().Short()).
				Uint64("fee", fee).
				Msg("Gossiped transaction accepted")
		})

		// Vote handler.
		p2pNode.SetVoteHandler(func(from peer.ID, data []byte) {
			var v consensus.Vote
			if err := json.Unmarshal(data, &v); err != nil {
				logger.Debug().Err(err).Msg("Undecodable finality vote")
				p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidVote, "unmarshal: "+err.Error())
				return
			}
			if err := gadget.HandleVote(&v); err != nil {
				if errors.Is(err, consensus.ErrNotVoter) || errors.Is(err, consensus.ErrBadVoteSig) {
					p2pNode.BanManager.RecordOffense(from, p2p.PenaltyInvalidVote, err.Error())
				}
				// Stale rounds are routine on a live network.
				if !errors.Is(err, consensus.ErrStaleRound) {
					logger.Debug().Err(err).Uint64("round", v.Round).Msg("Vote rejected")
				}
				return
			}
			tracker.RecordVote(v.Voter)
		})

		// Gossip does not loop back, so count our own votes here too.
		gadget.SetBroadcaster(func(v *consensus.Vote) {
			if err := p2pNode.BroadcastVote(v); err != nil {
				logger.Debug().Err(err).Msg("Vote broadcast failed")
			}
			tracker.RecordVote(v.Voter)
		})

		if err := p2pNode.Start(); err != nil {
			return fail(fmt.Errorf("p2p start: %w", err))
		}
		undo = append(undo, func() { p2pNode.Stop() })

		logger.Info().
			Str("id", p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("Gossip network up")

		if cfg.P2P.ClearBans && p2pNode.BanManager != nil {
			cleared := 0
			for _, rec := range p2pNode.BanManager.BanList() {
				if id, decErr := peer.Decode(rec.ID); decErr == nil {
					p2pNode.BanManager.Unban(id)
					cleared++
				}
			}
			logger.Info().Int("count", cleared).Msg("Peer bans cleared")
		}

		p2pNode.SetPeerConnectedHandler(func() {
			m.Peers.Set(float64(p2pNode.PeerCount()))
		})

		// Heartbeat topic: authorities advertise liveness between blocks.
		if err := p2pNode.JoinHeartbeat(); err != nil {
			logger.Warn().Err(err).Msg("Heartbeat topic join failed")
		} else {
			p2pNode.SetHeartbeatHandler(func(msg *p2p.HeartbeatMessage) {
				if !authorities.Contains(msg.PubKey) || !p2p.VerifyHeartbeat(msg) {
					return
				}
				tracker.RecordHeartbeat(msg.PubKey)
			})
			logger.Info().Msg("Heartbeat channel open")
		}

		// Sync protocol: serve blocks with any stored finality proofs.
		syncer = p2p.NewSyncer(p2pNode)
		syncer.RegisterHandler(func(fromHeight uint64, max uint32) []p2p.SyncItem {
			var items []p2p.SyncItem
			for h := fromHeight; h < fromHeight+uint64(max); h++ {
				blk, berr := ch.GetBlockByHeight(h)
				if berr != nil {
					break
				}
				item := p2p.SyncItem{Block: blk}
				if j, jerr := ch.GetJustification(h); jerr == nil && j != nil {
					item.Justification = j
				}
				items = append(items, item)
			}
			return items
		})
		syncer.RegisterHeightHandler(func() (uint64, string) {
			return ch.Height(), ch.TipHash().String()
		})
		syncer.RegisterWarpHandler(func(sinceHeight uint64) (*p2p.WarpSnapshot, error) {
			return buildWarpSnapshot(ch, genesis, sinceHeight)
		})
		logger.Info().Msg("Serving block sync requests")
	} else {
		logger.Warn().Msg("Networking disabled; running offline")
	}

	// ── RPC server ──────────────────────────────────────────────────
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer = rpc.New(rpcAddr, ch, pool, p2pNode, genesis, cfg.RPC)
		rpcServer.SetEthView(&rpc.EthView{
			Backend:        evmBackend,
			Index:          readCache,
			Filters:        filters,
			Fees:           fees,
			Statuses:       statuses,
			MaxPastLogs:    cfg.Eth.MaxPastLogs,
			GasCapMultiple: cfg.Eth.ExecuteGasLimitMultiple,
		})
		rpcServer.SetAuthorityTracker(tracker)
		rpcServer.SetMetrics(m)
		if p2pNode != nil {
			rpcServer.SetBanManager(p2pNode.BanManager)
		}
		if err := rpcServer.Start(); err != nil {
			return fail(fmt.Errorf("rpc listen on %s: %w", rpcAddr, err))
		}
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC listening")
	} else {
		logger.Warn().Msg("RPC server disabled")
	}

	// ── Supervisor and assembly ─────────────────────────────────────
	tasks := task.New()
	tasks.SetMetrics(m)

	n := &Node{
		cfg:          cfg,
		genesis:      genesis,
		logger:       logger,
		db:           db,
		authorities:  authorities,
		engine:       engine,
		ch:           ch,
		pool:         pool,
		pipeline:     pipeline,
		gadget:       gadget,
		tracker:      tracker,
		authoringKey: authoringKey,
		finalityKey:  finalityKey,
		evmBackend:   evmBackend,
		streamWorker: streamWorker,
		batchWorker:  batchWorker,
		readCache:    readCache,
		statuses:     statuses,
		filters:      filters,
		fees:         fees,
		p2pNode:      p2pNode,
		syncer:       syncer,
		rpcServer:    rpcServer,
		metrics:      m,
		tasks:        tasks,
		ctx:          ctx,
		cancel:       cancel,
	}

	// Wire nodeRef for the block handler sync trigger.
	nodeRef = n

	return n, nil
}

// Start launches background tasks: index workers, caches, sync, authoring,
// finality voting. It returns once the initial sync attempt has finished.
func (n *Node) Start() error {
	// Close any index gap left by a previous run before live
	// notifications start, then seed the fee cache from storage.
	n.catchupEthIndex(n.ctx)
	n.warmFeeHistory()

	if n.streamWorker != nil {
		n.tasks.Spawn("evm-index-worker", true, n.streamWorker.Run)
	}
	if n.batchWorker != nil {
		n.tasks.Spawn("evm-index-worker", true, n.batchWorker.Run)
	}
	n.tasks.Spawn("fee-history", true, n.fees.Run)
	n.tasks.Spawn("filter-pool", false, n.filters.Run)

	// Sync before authoring so a rejoining author builds on the real tip.
	if n.p2pNode != nil && n.syncer != nil {
		n.runWarpSync()
		n.catchUp()
		n.tasks.Spawn("sync-loop", false, n.runSyncLoop)
	}

	if n.cfg.Authoring.Enabled {
		builder := author.New(n.ch, n.engine, n.pool)
		loop := author.NewLoop(builder, n.engine, n.pipeline)
		loop.SetBroadcaster(func(blk *block.Block) {
			if signer := n.engine.IdentifySigner(blk.Header); signer != nil {
				n.tracker.RecordBlock(signer)
			}
			if n.p2pNode != nil {
				if err := n.p2pNode.BroadcastBlock(blk, nil); err != nil {
					n.logger.Error().Err(err).Msg("Block broadcast failed")
				}
			}
		})
		n.tasks.Spawn("slot-author", true, loop.Run)

		if n.p2pNode != nil {
			n.tasks.Spawn("heartbeat", false, n.runHeartbeat)
		}
	}

	if n.cfg.Finality.Participate {
		n.tasks.Spawn("finality-voter", true, n.runVoteLoop)
	}

	n.tasks.Spawn("slot-observer", false, n.runSlotObserver)

	if n.p2pNode != nil && n.p2pNode.BanManager != nil {
		bm := n.p2pNode.BanManager
		n.tasks.Spawn("ban-prune", false, func(ctx context.Context) error {
			bm.RunPruneLoop(ctx.Done())
			return nil
		})
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().Short()).
		Bool("authoring", n.cfg.Authoring.Enabled).
		Bool("voting", n.cfg.Finality.Participate).
		Msg("Node up")

	return nil
}

// Stop shuts the services down in reverse start order.
func (n *Node) Stop() {
	n.cancel()
	n.tasks.Shutdown()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	n.pipeline.Close()
	if n.evmBackend != nil {
		n.evmBackend.Close()
	}
	if n.authoringKey != nil {
		n.authoringKey.Zero()
	}
	if n.finalityKey != nil {
		n.finalityKey.Zero()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Shutdown complete")
}

// Fatal reports the first essential-task failure. The daemon treats a
// receive on this channel like a shutdown signal.
func (n *Node) Fatal() <-chan error {
	return n.tasks.Fatal()
}

// RPCAddr reports the bound RPC listen address, empty when RPC is off.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height is the current best-chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// ── Finality voting ─────────────────────────────────────────────────

// runVoteLoop casts a finality vote for the current best block on every
// gossip tick. The gadget de-duplicates within a round, so most ticks
// re-broadcast the same vote to keep slow peers supplied.
func (n *Node) runVoteLoop(ctx context.Context) error {
	period := time.Duration(n.genesis.Protocol.Finality.GossipPeriodMs) * time.Millisecond
	if period <= 0 {
		period = 333 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	n.logger.Info().Dur("period", period).Msg("Finality voting started")

	var lastCounted uint64 = ^uint64(0)
	for {
		select {
		case <-ctx.Done():
			n.logger.Info().Msg("Finality voting stopped")
			return ctx.Err()
		case <-ticker.C:
			st := n.ch.State()
			final := n.ch.Finalized()
			if st.Height <= final.Height {
				continue
			}
			if err := n.gadget.CastVote(st.TipHash, st.Height); err != nil {
				n.logger.Debug().Err(err).Msg("Vote not cast")
				continue
			}
			if r := n.gadget.Round(); r != lastCounted {
				n.metrics.VotesCast.Inc()
				lastCounted = r
			}
		}
	}
}

// ── Heartbeat ───────────────────────────────────────────────────────

func (n *Node) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	pubKey := n.authoringKey.PublicKey()
	n.logger.Info().Dur("interval", heartbeatInterval).Msg("Heartbeat loop started")

	n.sendHeartbeat(pubKey)

	for {
		select {
		case <-ctx.Done():
			n.logger.Info().Msg("Heartbeat loop stopped")
			return ctx.Err()
		case <-ticker.C:
			n.sendHeartbeat(pubKey)
		}
	}
}

func (n *Node) sendHeartbeat(pubKey []byte) {
	ts := time.Now().Unix()
	height := n.ch.Height()

	data := p2p.HeartbeatSigningBytes(pubKey, height, ts)
	hash := crypto.Hash(data)
	sig, err := n.authoringKey.Sign(hash[:])
	if err != nil {
		n.logger.Error().Err(err).Msg("Heartbeat signing failed")
		return
	}

	msg := &p2p.HeartbeatMessage{
		PubKey:    pubKey,
		Height:    height,
		Timestamp: ts,
		Signature: sig,
	}

	if err := n.p2pNode.BroadcastHeartbeat(msg); err != nil {
		n.logger.Debug().Err(err).Msg("Heartbeat broadcast failed")
	}
	// Gossip does not loop back, so record our own liveness directly.
	n.tracker.RecordHeartbeat(pubKey)
}

// ── Slot observation ────────────────────────────────────────────────

// runSlotObserver attributes empty slots to the authority that owned them.
// A slot is judged one full slot after it ends, so a block straggling in
// from the network does not count as a miss; slots far behind the current
// one are skipped, since there the gap means we were syncing, not that the
// author was silent.
func (n *Node) runSlotObserver(ctx context.Context) error {
	ticker := time.NewTicker(n.engine.SlotDuration())
	defer ticker.Stop()

	judged := n.engine.CurrentSlot()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cur := n.engine.CurrentSlot()
			st := n.ch.State()
			for s := judged + 1; s+1 < cur; s++ {
				if s <= st.TipSlot || cur-s > 4 {
					continue
				}
				if pub := n.engine.AuthorFor(s); pub != nil {
					n.tracker.RecordMissedSlot(pub)
				}
			}
			if cur >= 2 && cur-2 > judged {
				judged = cur - 2
			}
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────────────

// createEngine builds the authority set and slot engine from genesis.
func createEngine(genesis *config.Genesis) (*consensus.AuthoritySet, *consensus.SlotEngine, error) {
	authorities, err := consensus.NewAuthoritySet(genesis.Authorities)
	if err != nil {
		return nil, nil, err
	}

	seedBytes, err := hex.DecodeString(genesis.EpochSeed)
	if err != nil || len(seedBytes) != types.HashSize {
		return nil, nil, fmt.Errorf("invalid epoch seed %q", genesis.EpochSeed)
	}
	var seed types.Hash
	copy(seed[:], seedBytes)

	engine, err := consensus.NewSlotEngine(authorities, seed,
		time.Duration(genesis.Protocol.Slot.Duration)*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return authorities, engine, nil
}

// loadRoleKeys opens the configured keystore file(s) and extracts the keys
// for the enabled roles. Authoring and finality may name the same file, in
// which case the passphrase is asked for once.
func loadRoleKeys(cfg *config.Config) (authoring, finality *crypto.PrivateKey, err error) {
	ksDir := cfg.KeystoreDir()
	opened := make(map[string]*keystore.Keystore)

	openStore := func(name string) (*keystore.Keystore, error) {
		path := keystore.PathFor(ksDir, name)
		if ks, ok := opened[path]; ok {
			return ks, nil
		}
		pass, perr := keystore.ResolvePassphrase("", passphraseEnv)
		if perr != nil {
			return nil, perr
		}
		ks, oerr := keystore.Open(path, pass)
		for i := range pass {
			pass[i] = 0
		}
		if oerr != nil {
			return nil, fmt.Errorf("open keystore %s: %w", path, oerr)
		}
		opened[path] = ks
		return ks, nil
	}

	if cfg.Authoring.Enabled {
		ks, oerr := openStore(cfg.Authoring.Key)
		if oerr != nil {
			return nil, nil, oerr
		}
		authoring, err = ks.Key(keystore.RoleAuthoring)
		if err != nil {
			return nil, nil, err
		}
	}
	if cfg.Finality.Participate {
		ks, oerr := openStore(cfg.Finality.Key)
		if oerr != nil {
			if authoring != nil {
				authoring.Zero()
			}
			return nil, nil, oerr
		}
		finality, err = ks.Key(keystore.RoleFinality)
		if err != nil {
			if authoring != nil {
				authoring.Zero()
			}
			return nil, nil, err
		}
	}
	return authoring, finality, nil
}
