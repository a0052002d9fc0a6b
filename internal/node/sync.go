package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/chain"
	"github.com/andrijdavid/Allfeat/internal/evm"
	"github.com/andrijdavid/Allfeat/internal/importer"
	"github.com/andrijdavid/Allfeat/internal/p2p"
	"github.com/andrijdavid/Allfeat/pkg/block"
)

// ── Block download ──────────────────────────────────────────────────

const (
	syncProbeEvery = 10 * time.Second
	syncBatch      = 500
)

// runSyncLoop drives periodic catch-up: each tick refreshes the peer
// gauge and, when anyone is reachable, compares chains with them.
func (n *Node) runSyncLoop(ctx context.Context) error {
	ticker := time.NewTicker(syncProbeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			count := n.p2pNode.PeerCount()
			n.metrics.Peers.Set(float64(count))
			if count > 0 {
				n.catchUp()
			}
		}
	}
}

// probeBestPeer asks up to three peers for their height and picks the
// one most worth following. At equal heights a tip that disagrees with
// ours wins, so same-height forks get inspected instead of ignored.
func (n *Node) probeBestPeer() (best peer.ID, height uint64, tip string) {
	peers := n.p2pNode.PeerList()
	ourTip := n.ch.TipHash().String()
	for _, p := range peers[:min(3, len(peers))] {
		ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		resp, err := n.syncer.RequestHeight(ctx, p.ID)
		cancel()
		if err != nil {
			continue
		}
		switch {
		case resp.Height > height:
			best, height, tip = p.ID, resp.Height, resp.TipHash
		case resp.Height == height && resp.TipHash != tip && resp.TipHash != ourTip:
			best, tip = p.ID, resp.TipHash
		}
	}
	return best, height, tip
}

// requestRange fetches one window of blocks starting at from, sized so
// the last window stops exactly at tip.
func (n *Node) requestRange(peerID peer.ID, from, tip uint64) ([]p2p.SyncItem, error) {
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	return n.syncer.RequestBlocks(ctx, peerID, from, batchSpan(from, tip))
}

func batchSpan(from, tip uint64) uint32 {
	if from+syncBatch-1 > tip {
		return uint32(tip - from + 1)
	}
	return syncBatch
}

func (n *Node) catchUp() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	if n.p2pNode.PeerCount() == 0 {
		n.logger.Info().Msg("Sync skipped, no peers yet")
		return
	}

	bestPeer, bestHeight, bestTip := n.probeBestPeer()
	ourHeight := n.ch.Height()
	ourTip := n.ch.TipHash().String()

	// Matching heights with different tips means a live fork.
	if bestHeight == ourHeight && bestHeight > 0 {
		if bestTip != "" && bestTip != ourTip {
			n.logger.Info().
				Uint64("height", ourHeight).
				Str("local_tip", shortHex(ourTip)).
				Str("peer_tip", shortHex(bestTip)).
				Msg("Tip mismatch at equal height, resolving fork")
			n.resolveFork(bestPeer, ourHeight, bestHeight)
		}
		return
	}

	if bestHeight <= ourHeight {
		n.logger.Info().Uint64("height", ourHeight).Msg("Already at best known height")
		return
	}

	total := bestHeight - ourHeight
	n.logger.Info().
		Uint64("local", ourHeight).
		Uint64("remote", bestHeight).
		Uint64("behind", total).
		Msg("Catching up to network")

	start := time.Now()

	for from := ourHeight + 1; from <= bestHeight; from += syncBatch {
		items, err := n.requestRange(bestPeer, from, bestHeight)
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Block range request failed")
			break
		}

		for _, item := range items {
			if item.Block == nil {
				n.logger.Warn().Uint64("from", from).Msg("Empty item in sync response")
				return
			}
			out, ierr := n.pipeline.ImportBlock(n.ctx, &importer.Incoming{
				Block:         item.Block,
				Justification: item.Justification,
			})
			if ierr != nil {
				if errors.Is(ierr, importer.ErrMissingParent) {
					n.logger.Info().
						Uint64("height", item.Block.Header.Height).
						Msg("Parent missing mid-download, resolving fork")
					n.resolveFork(bestPeer, item.Block.Header.Height, bestHeight)
					return
				}
				n.logger.Warn().Err(ierr).Uint64("height", item.Block.Header.Height).Msg("Import failed during sync")
				return
			}
			switch out.Kind {
			case importer.KindAlreadyInChain:
				continue
			case importer.KindInvalid:
				n.logger.Warn().
					Str("reason", out.Reason).
					Uint64("height", item.Block.Header.Height).
					Msg("Invalid block during sync")
				return
			case importer.KindKnownBad:
				n.logger.Warn().Uint64("height", item.Block.Header.Height).Msg("Known bad block during sync")
				return
			}
			n.pool.RemoveConfirmed(item.Block.Transactions)
		}

		n.applyWarpCheckpoints()

		synced := n.ch.Height() - ourHeight
		rate := float64(synced) / max(time.Since(start).Seconds(), 0.001)
		eta := ""
		if rate > 0 {
			eta = fmt.Sprintf("%.0fs", float64(total-synced)/rate)
		}
		n.logger.Info().
			Uint64("height", n.ch.Height()).
			Uint64("target", bestHeight).
			Str("done", fmt.Sprintf("%.1f%%", float64(synced)/float64(total)*100)).
			Str("rate", fmt.Sprintf("%.0f blk/s", rate)).
			Str("eta", eta).
			Msg("Downloading blocks")
	}

	n.applyWarpCheckpoints()

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Dur("took", time.Since(start)).
		Msg("Caught up with network")
}

// fetchPeerBlock pulls the single block at the given height from a
// peer, or nil when the peer cannot serve it.
func (n *Node) fetchPeerBlock(peerID peer.ID, height uint64) *block.Block {
	ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
	defer cancel()
	items, err := n.syncer.RequestBlocks(ctx, peerID, height, 1)
	if err != nil || len(items) == 0 {
		return nil
	}
	return items[0].Block
}

// resolveFork walks backwards from the failed height until it reaches a
// block both sides agree on, then feeds the peer's branch through the
// import pipeline, which switches tips once the branch wins. The walk
// stops at the finalized frontier: that part of history cannot be
// rewritten, so a peer disputing it has no branch we could adopt.
func (n *Node) resolveFork(peerID peer.ID, stuckHeight, remoteTip uint64) {
	final := n.ch.Finalized()
	upper := min(stuckHeight-1, n.ch.Height())

	ancestor, found := uint64(0), false
	for h := upper; ; h-- {
		if remote := n.fetchPeerBlock(peerID, h); remote != nil {
			local, err := n.ch.GetBlockByHeight(h)
			if err == nil && remote.Hash() == local.Hash() {
				ancestor, found = h, true
				break
			}
		}
		if h <= final.Height {
			break
		}
	}

	if !found {
		n.logger.Warn().
			Uint64("from", upper).
			Uint64("finalized", final.Height).
			Msg("No shared block above the finalized floor, keeping our branch")
		return
	}

	n.logger.Info().
		Uint64("ancestor", ancestor).
		Uint64("peer_tip", remoteTip).
		Uint64("blocks", remoteTip-ancestor).
		Msg("Shared ancestor located, fetching peer branch")

	for from := ancestor + 1; from <= remoteTip; from += syncBatch {
		items, err := n.requestRange(peerID, from, remoteTip)
		if err != nil {
			n.logger.Warn().Err(err).Uint64("from", from).Msg("Branch request failed")
			return
		}

		for _, item := range items {
			if item.Block == nil {
				return
			}
			out, ierr := n.pipeline.ImportBlock(n.ctx, &importer.Incoming{
				Block:         item.Block,
				Justification: item.Justification,
			})
			if ierr != nil {
				n.logger.Warn().Err(ierr).
					Uint64("height", item.Block.Header.Height).
					Msg("Branch import failed")
				return
			}
			switch out.Kind {
			case importer.KindAlreadyInChain:
				continue
			case importer.KindInvalid, importer.KindKnownBad:
				n.logger.Warn().
					Str("reason", out.Reason).
					Uint64("height", item.Block.Header.Height).
					Msg("Invalid block in fork branch")
				return
			}
			n.pool.RemoveConfirmed(item.Block.Transactions)
		}
	}

	n.applyWarpCheckpoints()

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", shortHex(n.ch.TipHash().String())).
		Msg("Fork resolution finished")
}

// ── Warp finality ───────────────────────────────────────────────────

// runWarpSync fetches a finality snapshot when joining with no finalized
// history, so the frontier can snap forward during sync instead of
// waiting for live vote rounds to reach the tip.
func (n *Node) runWarpSync() {
	if n.p2pNode == nil || n.syncer == nil {
		return
	}
	final := n.ch.Finalized()
	if final.Height > 0 {
		return
	}
	peers := n.p2pNode.PeerList()
	if len(peers) == 0 {
		return
	}

	var best *p2p.WarpSnapshot
	for _, p := range peers[:min(3, len(peers))] {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		snap, err := n.syncer.RequestWarp(ctx, p.ID, final.Height)
		cancel()
		if err != nil || snap == nil || snap.Head() == nil {
			continue
		}
		if verr := snap.Verify(n.authorities, final.Height); verr != nil {
			n.logger.Warn().Err(verr).Str("peer", p.ID.String()).Msg("Invalid warp snapshot")
			n.p2pNode.BanManager.RecordOffense(p.ID, p2p.PenaltyInvalidBlock, "warp: "+verr.Error())
			continue
		}
		if best == nil || snap.Head().Header.Height > best.Head().Header.Height {
			best = snap
		}
	}
	if best == nil {
		return
	}

	n.warpMu.Lock()
	n.warpSnap = best
	n.warpMu.Unlock()

	n.logger.Info().
		Int("checkpoints", len(best.Checkpoints)).
		Uint64("head", best.Head().Header.Height).
		Msg("Warp snapshot verified")
}

// applyWarpCheckpoints applies the justifications whose blocks have
// arrived and keeps the rest for the next sync batch. A checkpoint the
// frontier has already passed applies as a no-op.
func (n *Node) applyWarpCheckpoints() {
	n.warpMu.Lock()
	defer n.warpMu.Unlock()
	if n.warpSnap == nil {
		return
	}

	ourHeight := n.ch.Height()
	var pending []p2p.Checkpoint
	applied := 0
	for _, cp := range n.warpSnap.Checkpoints {
		if cp.Header.Height > ourHeight {
			pending = append(pending, cp)
			continue
		}
		if err := n.gadget.ApplyJustification(cp.Justification); err != nil {
			n.logger.Debug().Err(err).Uint64("height", cp.Header.Height).Msg("Warp checkpoint not applied")
			pending = append(pending, cp)
			continue
		}
		applied++
	}

	if applied > 0 {
		n.logger.Info().
			Int("checkpoints", applied).
			Uint64("finalized", n.ch.Finalized().Height).
			Msg("Finalized frontier snapped forward")
	}
	if len(pending) == 0 {
		n.warpSnap = nil
	} else {
		n.warpSnap.Checkpoints = pending
	}
}

// buildWarpSnapshot assembles the checkpoints retained above since:
// every justification on a checkpoint boundary plus the finalized head.
// An empty snapshot is valid; the requester just ignores it.
func buildWarpSnapshot(ch *chain.Chain, genesis *config.Genesis, since uint64) (*p2p.WarpSnapshot, error) {
	period := genesis.Protocol.Finality.JustificationPeriod
	if period == 0 {
		period = 512
	}
	final := ch.Finalized()

	snap := &p2p.WarpSnapshot{}
	appendCheckpoint := func(height uint64) {
		j, err := ch.GetJustification(height)
		if err != nil || j == nil {
			return
		}
		blk, err := ch.GetBlock(j.Hash)
		if err != nil {
			return
		}
		snap.Checkpoints = append(snap.Checkpoints, p2p.Checkpoint{
			Header:        blk.Header,
			Justification: j,
		})
	}

	last := uint64(0)
	for h := since - since%period + period; h <= final.Height; h += period {
		appendCheckpoint(h)
		last = h
	}
	if final.Height > last && final.Height > since {
		appendCheckpoint(final.Height)
	}
	return snap, nil
}

// ── Index backfill ──────────────────────────────────────────────────

// catchupEthIndex closes any index gap left by a previous run before live
// notifications start. Only the streaming backend needs this; the batched
// backend runs its own hole scan.
func (n *Node) catchupEthIndex(ctx context.Context) {
	if n.streamWorker == nil {
		return
	}
	tip := n.ch.Height()
	if tip == 0 {
		return
	}

	missing, err := n.evmBackend.MissingHeights(ctx, 1, tip)
	if err != nil {
		n.logger.Warn().Err(err).Msg("Index gap scan failed")
		return
	}
	if len(missing) == 0 {
		return
	}

	n.logger.Info().Int("blocks", len(missing)).Msg("Backfilling Ethereum-compatible index")
	indexed := 0
	for _, h := range missing {
		blk, berr := n.ch.GetBlockByHeight(h)
		if berr != nil {
			n.logger.Warn().Err(berr).Uint64("height", h).Msg("Backfill block missing")
			continue
		}
		e, derr := evm.DeriveEntry(blk)
		if derr != nil {
			n.logger.Warn().Err(derr).Uint64("height", h).Msg("Backfill derive failed")
			continue
		}
		if perr := n.evmBackend.PutEntries(ctx, []*evm.Entry{e}); perr != nil {
			n.logger.Warn().Err(perr).Uint64("height", h).Msg("Backfill write failed")
			return
		}
		indexed++
	}
	n.logger.Info().Int("blocks", indexed).Msg("Index backfill complete")
}

// warmFeeHistory seeds the fee cache from stored blocks so eth_feeHistory
// has full coverage right after a restart instead of only fresh imports.
func (n *Node) warmFeeHistory() {
	tip := n.ch.Height()
	if tip == 0 {
		return
	}

	limit := n.cfg.Eth.FeeHistoryLimit
	if limit <= 0 {
		limit = evm.DefaultFeeHistoryLimit
	}
	from := uint64(1)
	if tip > uint64(limit) {
		from = tip - uint64(limit) + 1
	}

	warmed := 0
	for h := from; h <= tip; h++ {
		blk, err := n.ch.GetBlockByHeight(h)
		if err != nil {
			continue
		}
		n.fees.Insert(blk)
		warmed++
	}
	n.logger.Info().Int("blocks", warmed).Msg("Fee history warmed")
}

func shortHex(s string) string {
	if len(s) <= 16 {
		return s
	}
	return s[:16] + "..."
}
