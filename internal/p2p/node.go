// Package p2p moves blocks, votes and transactions between nodes. It
// wraps a libp2p host with GossipSub topics, DHT and mDNS discovery,
// persistent peer records, and score-based banning.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/storage"
	"github.com/andrijdavid/Allfeat/pkg/types"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	// defaultNamespace scopes discovery when no NetworkID is configured.
	defaultNamespace = "allfeat"

	// discoverEvery paces the DHT FindPeers sweep.
	discoverEvery = 30 * time.Second

	// findTimeout caps a single DHT peer search.
	findTimeout = 20 * time.Second

	// dialTimeout bounds one outbound attempt to a discovered or
	// persisted peer.
	dialTimeout = 5 * time.Second

	// seedDialTimeout is more generous than dialTimeout: seeds are few
	// and a slow first dial beats none at all.
	seedDialTimeout = 10 * time.Second

	// seedRetryEvery is how long the node waits before re-dialing seeds
	// when it still has no peers.
	seedRetryEvery = 10 * time.Second
)

// Config carries the network settings for one node.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // backs ban and peer records; nil keeps bans in memory and skips persistence
	DHTServer  bool       // answer DHT queries rather than only issuing them
	NetworkID  string     // keeps distinct networks from discovering each other
	DataDir    string     // holds the host identity key; empty means a fresh key per run
}

// Node is the gossip endpoint of one chain node: a libp2p host, the
// pubsub topics for blocks, votes and transactions, and the peer
// bookkeeping (bans, persistence, discovery) around it.
type Node struct {
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	host   host.Host
	pubsub *pubsub.PubSub

	topicTx    *pubsub.Topic
	topicBlock *pubsub.Topic
	topicVote  *pubsub.Topic
	subTx      *pubsub.Subscription
	subBlock   *pubsub.Subscription
	subVote    *pubsub.Subscription

	txHandler    func(peer.ID, []byte)
	blockHandler func(peer.ID, []byte)
	voteHandler  func(peer.ID, []byte)

	// Authority liveness rides its own topic, joined on demand.
	topicHeartbeat   *pubsub.Topic
	subHeartbeat     *pubsub.Subscription
	heartbeatHandler func(*HeartbeatMessage)

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager      *BanManager  // built by Start; persistent when Config.DB is set
	peerStore       *PeerStore   // nil without Config.DB
	dht             *dht.IpfsDHT // nil when NoDiscover is set
	connNotify      *connNotifier
	onPeerConnected func()

	// Handshake state, active once a genesis hash is set.
	genesisHash      types.Hash
	handshakeEnabled bool
	heightFn         func() uint64
}

// New builds a node from cfg. Nothing touches the network until Start.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
	}
	return n
}

// namespace scopes DHT advertisements and mDNS service names so nodes
// on different networks never pair up.
func (n *Node) namespace() string {
	if id := n.config.NetworkID; id != "" {
		return "allfeat/" + id
	}
	return defaultNamespace
}

// hostOptions assembles the libp2p options: listen address, the ban
// gater, and a persistent identity when a data directory is set.
func (n *Node) hostOptions() ([]libp2p.Option, error) {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager}),
	}
	if n.config.DataDir == "" {
		return opts, nil
	}
	// A stable identity keeps the peer ID constant across restarts,
	// which is what lets persisted peers redial us.
	key, err := nodeIdentity(n.config.DataDir)
	if err != nil {
		return nil, err
	}
	return append(opts, libp2p.Identity(key)), nil
}

// Start brings up the libp2p host, joins the gossip topics, and kicks
// off discovery, seed dialing and peer persistence.
func (n *Node) Start() error {
	// The gater consults the ban manager on every inbound connection,
	// so bans must exist before the host does.
	if n.config.DB != nil {
		n.BanManager = NewBanManager(NewBanStore(n.config.DB), n)
		n.BanManager.LoadBans()
	} else {
		n.BanManager = NewBanManager(nil, n)
	}

	opts, err := n.hostOptions()
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	// DHT first: GossipSub can then use it as a peer source.
	if !n.config.NoDiscover {
		if err := n.openDHT(); err != nil {
			h.Close()
			return err
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h,
		pubsub.WithMaxMessageSize(config.MaxBlockSize+64*1024),
	)
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("gossipsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}

	go n.pump(n.subTx, &n.txHandler)
	go n.pump(n.subBlock, &n.blockHandler)
	go n.pump(n.subVote, &n.voteHandler)

	go n.restorePeers()

	// Seeds get one blocking attempt so the caller sees connectivity
	// immediately when a seed is up; retries move to the background.
	if len(n.config.Seeds) > 0 {
		log.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
	}
	n.dialSeeds()
	go n.keepSeedsAlive()

	if !n.config.NoDiscover {
		n.startMDNS()
		go n.discoverLoop()
	}

	if n.peerStore != nil {
		go n.persistLoop()
	}

	return nil
}

// Stop flushes peer records and tears the host down.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	for _, sub := range []*pubsub.Subscription{n.subTx, n.subBlock, n.subVote, n.subHeartbeat} {
		if sub != nil {
			sub.Cancel()
		}
	}
	if n.topicHeartbeat != nil {
		n.topicHeartbeat.Close()
	}

	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host exposes the raw libp2p host so callers can register extra
// stream protocols. Nil until Start.
func (n *Node) Host() host.Host {
	return n.host
}

// SetPeerConnectedHandler registers fn to run each time a new peer
// connection is tracked.
func (n *Node) SetPeerConnectedHandler(fn func()) {
	n.onPeerConnected = fn
}

// SetGenesisHash enables the handshake protocol: peers whose genesis
// differs from h are dropped after the hello exchange.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = h != (types.Hash{})
}

// SetHeightFn supplies the best-height getter quoted to peers during
// the hello exchange.
func (n *Node) SetHeightFn(fn func() uint64) {
	n.heightFn = fn
}

// DisconnectPeer drops every connection to id and forgets it.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return fmt.Errorf("host not running")
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID is this node's peer ID, empty before Start.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the listen addresses as full multiaddrs, suitable for
// handing to another node as a seed.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var out []string
	for _, a := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return out
}

// SetTxHandler registers the sink for gossiped transactions.
func (n *Node) SetTxHandler(fn func(from peer.ID, data []byte)) {
	n.txHandler = fn
}

// SetBlockHandler registers the sink for gossiped block announces.
func (n *Node) SetBlockHandler(fn func(from peer.ID, data []byte)) {
	n.blockHandler = fn
}

// SetVoteHandler registers the sink for gossiped finality votes.
func (n *Node) SetVoteHandler(fn func(from peer.ID, data []byte)) {
	n.voteHandler = fn
}

// PeerCount reports how many peers the node currently tracks.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList snapshots the tracked peer set in no particular order.
func (n *Node) PeerList() []*Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Collect(maps.Values(n.peers))
}

func (n *Node) addPeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, seen := n.peers[id]; !seen {
		n.peers[id] = &Peer{ID: id, ConnectedAt: time.Now()}
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

func (n *Node) joinTopics() error {
	join := func(name string, topic **pubsub.Topic, sub **pubsub.Subscription) error {
		t, err := n.pubsub.Join(name)
		if err != nil {
			return fmt.Errorf("join %s: %w", name, err)
		}
		s, err := t.Subscribe()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		*topic, *sub = t, s
		return nil
	}
	if err := join(TopicTransactions, &n.topicTx, &n.subTx); err != nil {
		return err
	}
	if err := join(TopicBlocks, &n.topicBlock, &n.subBlock); err != nil {
		return err
	}
	return join(TopicVotes, &n.topicVote, &n.subVote)
}

// pump drains one subscription into its handler. The handler pointer is
// read per message so handlers registered after Start still take effect.
// A panicking handler kills the message, not the loop.
func (n *Node) pump(sub *pubsub.Subscription, handler *func(peer.ID, []byte)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // shutdown
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.addPeer(msg.ReceivedFrom)
		if fn := *handler; fn != nil {
			func() {
				defer func() { recover() }()
				fn(msg.ReceivedFrom, msg.Data)
			}()
		}
	}
}

func (n *Node) startMDNS() {
	// LAN-only convenience; a failure here costs nothing but local discovery.
	if err := mdns.NewMdnsService(n.host, n.namespace(), &discoveryNotifee{node: n}).Start(); err != nil {
		log.P2P.Debug().Err(err).Msg("mDNS unavailable")
	}
}

// dialSeeds attempts every configured seed once, returning whether any
// connection succeeded.
func (n *Node) dialSeeds() bool {
	ok := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			log.P2P.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, seedDialTimeout)
		err = n.host.Connect(ctx, *info)
		cancel()
		if err != nil {
			log.P2P.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		n.addPeer(info.ID)
		log.P2P.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		ok = true
	}
	return ok
}

// keepSeedsAlive re-dials the seeds whenever the node finds itself with
// no peers at all. It never gives up; an isolated node keeps probing.
func (n *Node) keepSeedsAlive() {
	if len(n.config.Seeds) == 0 {
		return
	}
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(seedRetryEvery):
			if n.PeerCount() == 0 {
				log.P2P.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.dialSeeds()
			}
		}
	}
}

// --- Discovery ---

func (n *Node) openDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("dht: %w", err)
	}
	if err := kad.Bootstrap(n.ctx); err != nil {
		kad.Close()
		return fmt.Errorf("dht bootstrap: %w", err)
	}
	n.dht = kad
	return nil
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

// discoverLoop advertises our namespace and periodically asks the DHT
// for other nodes advertising the same one.
func (n *Node) discoverLoop() {
	if n.dht == nil {
		return
	}

	routing := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, routing, n.namespace())

	ticker := time.NewTicker(discoverEvery)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findPeersOnce(routing)
		}
	}
}

func (n *Node) findPeersOnce(routing *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, findTimeout)
	defer cancel()

	found, err := routing.FindPeers(ctx, n.namespace())
	if err != nil {
		return
	}

	for pi := range found {
		if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
			continue
		}
		if n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers {
			return
		}

		dialCtx, dialCancel := context.WithTimeout(n.ctx, dialTimeout)
		err := n.host.Connect(dialCtx, pi)
		dialCancel()
		if err != nil {
			continue
		}
		n.mu.Lock()
		if p, ok := n.peers[pi.ID]; ok && p.Source == "" {
			p.Source = "dht"
		}
		n.mu.Unlock()
	}
}

// --- Peer persistence ---

// persistPeers writes the current peer set to the peer store so a
// restarted node can rejoin the network without seeds.
func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}

	n.mu.RLock()
	sources := make(map[peer.ID]string, len(n.peers))
	for id, p := range n.peers {
		sources[id] = p.Source
	}
	n.mu.RUnlock()

	seen := time.Now().Unix()
	for id, source := range sources {
		rec := PeerRecord{ID: id.String(), LastSeen: seen, Source: source}
		for _, a := range n.host.Peerstore().Addrs(id) {
			rec.Addrs = append(rec.Addrs, a.String())
		}
		// A dropped record costs one redial on the next boot.
		n.peerStore.Save(rec)
	}
}

// restorePeers redials every peer persisted by a previous run.
func (n *Node) restorePeers() {
	if n.peerStore == nil {
		return
	}

	n.peerStore.PruneStale(stalePeerAge)

	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}

	for _, rec := range records {
		id, err := peer.Decode(rec.ID)
		if err != nil || id == n.host.ID() {
			continue
		}

		info := peer.AddrInfo{ID: id}
		for _, s := range rec.Addrs {
			if a, err := ma.NewMultiaddr(s); err == nil {
				info.Addrs = append(info.Addrs, a)
			}
		}
		if len(info.Addrs) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		n.host.Connect(ctx, info) // best-effort
		cancel()
	}
}

func (n *Node) persistLoop() {
	ticker := time.NewTicker(persistEvery)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(stalePeerAge)
		}
	}
}

// nodeIdentity loads the host's Ed25519 key from dataDir, minting and
// persisting a fresh one on first run.
func nodeIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	if enc, err := os.ReadFile(keyPath); err == nil {
		raw, err := hex.DecodeString(strings.TrimSpace(string(enc)))
		if err != nil {
			return nil, fmt.Errorf("corrupt key file %s: %w", keyPath, err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(raw)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0o600); err != nil {
		return nil, fmt.Errorf("persist key file: %w", err)
	}
	return priv, nil
}
