// Package rpc serves the node's JSON-RPC 2.0 API over HTTP.
//
// Two method families share one endpoint: the native chain_/txpool_/net_
// methods using named params, and the eth_ methods using positional
// params the way Ethereum tooling sends them. The eth_ family answers
// from the derived index and is disabled until SetEthView wires it.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/rs/zerolog"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/chain"
	"github.com/andrijdavid/Allfeat/internal/consensus"
	"github.com/andrijdavid/Allfeat/internal/evm"
	"github.com/andrijdavid/Allfeat/internal/log"
	"github.com/andrijdavid/Allfeat/internal/mempool"
	"github.com/andrijdavid/Allfeat/internal/metrics"
	"github.com/andrijdavid/Allfeat/internal/p2p"
)

const (
	// maxBodySize caps a single request body at 1 MB.
	maxBodySize = 1 << 20

	readTimeout   = 30 * time.Second
	writeTimeout  = 2 * time.Minute
	shutdownGrace = 5 * time.Second
)

// EthView bundles the components serving the Ethereum-compatible
// methods. Backend answers height-ordered queries, Index caches hash
// lookups, Filters and Fees serve the log and fee-history methods, and
// Statuses short-circuits repeated receipt polls.
type EthView struct {
	Backend  evm.Backend
	Index    *evm.ReadCache
	Filters  *evm.FilterPool
	Fees     *evm.FeeCache
	Statuses *evm.StatusCache

	// MaxPastLogs caps the block span one eth_getLogs call may scan.
	MaxPastLogs int
	// GasCapMultiple scales the block gas limit into the gas allowance
	// for eth_call and eth_estimateGas.
	GasCapMultiple uint64
}

// Server owns the HTTP listener and the state every handler reads.
type Server struct {
	addr    string
	chain   *chain.Chain
	pool    *mempool.Pool
	p2pNode *p2p.Node
	genesis *config.Genesis

	eth        *EthView                    // nil = eth_* methods disabled
	tracker    *consensus.AuthorityTracker // nil = authority_getStatus disabled
	banManager *p2p.BanManager             // nil = net_getBanList returns empty
	metrics    *metrics.Set                // nil = /metrics returns 404

	server    *http.Server
	logger    zerolog.Logger
	ln        net.Listener
	allowNets []netip.Prefix // empty allows every source address
	cors      []string       // origins mirrored back; empty disables CORS
}

// New creates the server without binding it. The optional rpcCfg
// controls source-IP filtering and CORS; omitting it (or passing a zero
// value) serves every caller with no CORS headers.
func New(addr string, ch *chain.Chain, pool *mempool.Pool, p2pNode *p2p.Node,
	genesis *config.Genesis, rpcCfg ...config.RPCConfig) *Server {

	s := &Server{
		addr:    addr,
		chain:   ch,
		pool:    pool,
		p2pNode: p2pNode,
		genesis: genesis,
		logger:  log.WithComponent("rpc"),
	}

	if len(rpcCfg) > 0 {
		s.allowNets = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.cors = rpcCfg[0].CORSOrigins
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	mux.HandleFunc("/metrics", s.handleMetrics)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return s
}

// parseAllowedIPs turns allow-list entries into prefixes. Entries are
// CIDR blocks or bare addresses; a bare address becomes a single-host
// prefix. Unparseable entries are skipped rather than locking the
// operator out of their own node.
func parseAllowedIPs(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		if p, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// Start binds the listener and serves in the background, returning once
// the port is held. Callers that bind to :0 can read the real address
// from Addr.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("RPC serve failed")
		}
	}()

	return nil
}

// Addr reports the bound listener address, or the configured one before
// Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// SetEthView wires the Ethereum-compatible view.
func (s *Server) SetEthView(v *EthView) {
	s.eth = v
}

// SetAuthorityTracker sets the authority liveness tracker.
func (s *Server) SetAuthorityTracker(t *consensus.AuthorityTracker) {
	s.tracker = t
}

// SetBanManager exposes the ban table through net_getBanList.
func (s *Server) SetBanManager(bm *p2p.BanManager) {
	s.banManager = bm
}

// SetMetrics exposes the given registry at /metrics.
func (s *Server) SetMetrics(m *metrics.Set) {
	s.metrics = m
}

// handleRequest serves one JSON-RPC call end to end: filter, decode,
// dispatch, encode.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if !s.remoteAllowed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	s.applyCORS(w, r)
	if r.Method == http.MethodOptions { // CORS preflight
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := Response{JSONRPC: "2.0"}
	if r.Method != http.MethodPost {
		resp.Error = &Error{Code: CodeInvalidRequest, Message: "only POST method is allowed"}
	} else if req, decErr := decodeRequest(r); decErr != nil {
		if req != nil {
			resp.ID = req.ID
		}
		resp.Error = decErr
	} else {
		resp.ID = req.ID
		result, rpcErr := s.dispatch(r.Context(), req)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// decodeRequest reads the body and validates the envelope. When the
// envelope decoded far enough to carry an ID, the request is returned
// alongside the error so the response can echo it.
func decodeRequest(r *http.Request) (*Request, *Error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, &Error{Code: CodeParseError, Message: "failed to read request body"}
	}
	if len(body) > maxBodySize {
		return nil, &Error{Code: CodeInvalidRequest, Message: "request body too large"}
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &Error{Code: CodeParseError, Message: "invalid JSON"}
	}
	if req.JSONRPC != "2.0" {
		return &req, &Error{Code: CodeInvalidRequest, Message: `jsonrpc must be "2.0"`}
	}
	return &req, nil
}

// handleMetrics serves the prometheus registry, honoring the same IP
// filter as the RPC endpoint.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.remoteAllowed(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if s.metrics == nil {
		http.NotFound(w, r)
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

// dispatch routes a request to its handler.
func (s *Server) dispatch(ctx context.Context, req *Request) (any, *Error) {
	switch req.Method {
	// Native chain queries.
	case "chain_head":
		return s.handleChainHead(req)
	case "chain_getBlock":
		return s.handleChainGetBlock(req)
	case "chain_getTransaction":
		return s.handleChainGetTransaction(req)
	case "chain_getAccount":
		return s.handleChainGetAccount(req)
	case "chain_getFinalized":
		return s.handleChainGetFinalized(req)

	// Transaction pool.
	case "txpool_submit":
		return s.handleTxPoolSubmit(req)
	case "txpool_status":
		return s.handleTxPoolStatus(req)
	case "txpool_content":
		return s.handleTxPoolContent(req)

	// Network introspection.
	case "net_getPeerInfo":
		return s.handleNetGetPeerInfo(req)
	case "net_getNodeInfo":
		return s.handleNetGetNodeInfo(req)
	case "net_getBanList":
		return s.handleNetGetBanList(req)

	// Operator views.
	case "authority_getStatus":
		return s.handleAuthorityGetStatus(req)
	case "node_status":
		return s.handleNodeStatus(req)

	// Ethereum compatibility, answered from the derived index.
	case "eth_chainId":
		return s.handleEthChainID(req)
	case "eth_blockNumber":
		return s.handleEthBlockNumber(ctx, req)
	case "eth_getBalance":
		return s.handleEthGetBalance(ctx, req)
	case "eth_getTransactionCount":
		return s.handleEthGetTransactionCount(ctx, req)
	case "eth_getBlockByHash":
		return s.handleEthGetBlockByHash(ctx, req)
	case "eth_getBlockByNumber":
		return s.handleEthGetBlockByNumber(ctx, req)
	case "eth_getTransactionReceipt":
		return s.handleEthGetTransactionReceipt(ctx, req)
	case "eth_getLogs":
		return s.handleEthGetLogs(ctx, req)
	case "eth_newFilter":
		return s.handleEthNewFilter(ctx, req)
	case "eth_getFilterChanges":
		return s.handleEthGetFilterChanges(ctx, req)
	case "eth_uninstallFilter":
		return s.handleEthUninstallFilter(req)
	case "eth_feeHistory":
		return s.handleEthFeeHistory(ctx, req)
	case "eth_gasPrice":
		return s.handleEthGasPrice(req)
	case "eth_call":
		return s.handleEthCall(req)
	case "eth_estimateGas":
		return s.handleEthEstimateGas(req)

	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

// remoteAllowed applies the source allow-list. Dual-stack listeners
// report IPv4 callers as mapped IPv6, so the address is unmapped before
// matching.
func (s *Server) remoteAllowed(r *http.Request) bool {
	if len(s.allowNets) == 0 {
		return true
	}
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip := ap.Addr().Unmap()
	for _, p := range s.allowNets {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// applyCORS mirrors the Origin header back when it matches a configured
// origin. A configured "*" allows every origin.
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cors) == 0 {
		return
	}
	for _, o := range s.cors {
		if o != "*" && o != origin {
			continue
		}
		allow := origin
		if o == "*" {
			allow = "*"
		}
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allow)
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		return
	}
}

// parseParams decodes named params into target. The chain_ family
// treats absent params as an error; handlers with optional params check
// req.Params themselves.
func parseParams(req *Request, target any) *Error {
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return &Error{Code: CodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(req.Params, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("malformed params: %v", err)}
	}
	return nil
}

// requireEthView guards the eth_ methods behind SetEthView.
func (s *Server) requireEthView() *Error {
	if s.eth == nil || s.eth.Backend == nil {
		return &Error{Code: CodeInternalError, Message: "eth view not available"}
	}
	return nil
}
