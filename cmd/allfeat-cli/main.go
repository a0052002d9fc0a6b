// allfeat-cli is a command-line client for interacting with an allfeatd node.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/keystore"
	"github.com/andrijdavid/Allfeat/internal/rpc"
	"github.com/andrijdavid/Allfeat/internal/rpcclient"
	"github.com/andrijdavid/Allfeat/pkg/crypto"
	"github.com/andrijdavid/Allfeat/pkg/tx"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

// passphraseEnv is the environment variable consulted before prompting.
const passphraseEnv = "ALLFEAT_PASSPHRASE"

// keystoreDir mirrors the daemon's on-disk layout so both binaries find
// the same keys: <datadir>/<network>/keystore.
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := ""
	dataDir := config.DefaultDataDir()
	network := "mainnet"

	// Global flags precede the subcommand and accept both
	// "--flag value" and "--flag=value" spellings.
	args := os.Args[1:]
	take := func(name string, dst *string) bool {
		switch {
		case args[0] == name && len(args) > 1:
			*dst = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], name+"="):
			*dst = args[0][len(name)+1:]
			args = args[1:]
		default:
			return false
		}
		return true
	}
	for len(args) > 0 {
		if !take("--rpc", &rpcURL) && !take("--datadir", &dataDir) && !take("--network", &network) {
			break
		}
	}

	if rpcURL == "" {
		port := 9944
		if network == "testnet" {
			port = 9945
		}
		rpcURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "block":
		cmdBlock(client, cmdArgs)
	case "tx":
		cmdTx(client, cmdArgs)
	case "account", "balance":
		cmdAccount(client, cmdArgs)
	case "send":
		cmdSend(cmdArgs, ksDir, rpcURL)
	case "txpool":
		cmdTxPool(client)
	case "fees":
		cmdFees(client, cmdArgs)
	case "peers":
		cmdPeers(client)
	case "bans":
		cmdBans(client)
	case "authorities":
		cmdAuthorities(client, cmdArgs)
	case "keys":
		cmdKeys(cmdArgs, ksDir)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: allfeat-cli [global flags] <command> [flags]

Global flags (before the command):
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:9944,
                      testnet: http://127.0.0.1:9945)
  --datadir <path>    Data directory (default: ~/.allfeat)
  --network <name>    mainnet (default) or testnet

Commands:
  status                          Show node status
  block <hash|height>             Inspect one block
  tx <hash>                       Inspect one transaction
  account <address>               Show account balance and nonce
  send --to <addr> --amount <amt> [--keystore <name>]
                                  Send from the authoring account
  txpool                          Show pending transactions
  fees [--blocks <n>]             Show gas price and recent base fees
  peers                           List connected peers
  bans                            List banned peers
  authorities [pubkey]            Show authority liveness

  keys init [--keystore <name>]   Create a new keystore
  keys import --mnemonic "..."    Restore a keystore from a mnemonic
  keys show [--keystore <name>]   Show keystore public keys and addresses
  keys list                       List keystores

The passphrase for send and keys commands is read from --passphrase, the
%s environment variable, or an interactive prompt.
`, passphraseEnv)
}

// ── node status ─────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	var st rpc.NodeStatusResult
	if err := client.Call("node_status", nil, &st); err != nil {
		fatal("node_status: %v", err)
	}

	fmt.Printf("Chain:      %s (%s, evm chain id %d)\n", st.ChainID, st.ChainName, st.EvmChainID)
	fmt.Printf("Height:     %d\n", st.Height)
	fmt.Printf("Tip:        %s\n", st.TipHash)
	fmt.Printf("Finalized:  %d (round %d)\n", st.FinalizedHeight, st.Round)
	fmt.Printf("            %s\n", st.FinalizedHash)
	fmt.Printf("Peers:      %d\n", st.PeerCount)
	fmt.Printf("TxPool:     %d\n", st.TxPoolCount)
	if st.IndexBacklog > 0 {
		fmt.Printf("Indexed:    %d (%d behind)\n", st.IndexedHeight, st.IndexBacklog)
	} else {
		fmt.Printf("Indexed:    %d\n", st.IndexedHeight)
	}
	if st.NodeID != "" {
		fmt.Printf("Node ID:    %s\n", st.NodeID)
	}
}

// ── block lookup ────────────────────────────────────────────────────────

func cmdBlock(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: allfeat-cli block <hash|height>")
	}

	// A pure number is a height, anything else a hash.
	var param rpc.BlockParam
	if height, err := strconv.ParseUint(args[0], 10, 64); err == nil {
		param.Height = &height
	} else {
		param.Hash = args[0]
	}

	var blk rpc.BlockResult
	if err := client.Call("chain_getBlock", param, &blk); err != nil {
		fatal("chain_getBlock: %v", err)
	}

	h := blk.Header
	fmt.Printf("Height:       %d\n", h.Height)
	fmt.Printf("Hash:         %s\n", blk.Hash)
	fmt.Printf("Parent:       %s\n", h.ParentHash)
	fmt.Printf("Slot:         %d\n", h.Slot)
	ts := time.Unix(int64(h.Time), 0).UTC()
	fmt.Printf("Time:         %s\n", ts.Format("2006-01-02 15:04:05 UTC"))
	fmt.Printf("Base Fee:     %d\n", h.BaseFee)
	fmt.Printf("Gas Used:     %d / %d\n", h.GasUsed, h.GasLimit)
	fmt.Printf("Transactions: %d\n", len(blk.Transactions))
	for i, t := range blk.Transactions {
		fmt.Printf("  [%d] %s  %s -> %s  %s AFT\n", i, t.Hash, t.From, t.To, formatAmount(t.Value))
	}
}

// ── tx lookup ───────────────────────────────────────────────────────────

func cmdTx(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: allfeat-cli tx <hash>")
	}

	var result rpc.TxLookupResult
	if err := client.Call("chain_getTransaction", rpc.HashParam{Hash: args[0]}, &result); err != nil {
		fatal("chain_getTransaction: %v", err)
	}

	t := result.Transaction
	fmt.Printf("Hash:      %s\n", t.Hash)
	fmt.Printf("From:      %s\n", t.From)
	fmt.Printf("To:        %s\n", t.To)
	fmt.Printf("Value:     %s AFT\n", formatAmount(t.Value))
	fmt.Printf("Nonce:     %d\n", t.Nonce)
	fmt.Printf("Gas:       %d @ %d\n", t.GasLimit, t.GasPrice)

	if result.Pending {
		fmt.Printf("Status:    pending\n")
		return
	}

	fmt.Printf("Block:     %s (height %d)\n", result.BlockHash, result.Height)
	if result.Receipt != nil {
		status := "failed"
		if result.Receipt.Status == tx.StatusSuccess {
			status = "success"
		}
		fmt.Printf("Status:    %s (gas used %d)\n", status, result.Receipt.GasUsed)
	}
	fmt.Printf("Finalized: %v\n", result.Finalized)
}

// ── accounts ────────────────────────────────────────────────────────────

func cmdAccount(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: allfeat-cli account <address>")
	}

	var result rpc.AccountResult
	if err := client.Call("chain_getAccount", rpc.AddressParam{Address: args[0]}, &result); err != nil {
		fatal("chain_getAccount: %v", err)
	}

	fmt.Printf("Address:  %s\n", result.Address)
	fmt.Printf("Balance:  %s AFT\n", formatAmount(result.Balance))
	fmt.Printf("Nonce:    %d\n", result.Nonce)
}

// ── transfers ───────────────────────────────────────────────────────────

func cmdSend(args []string, ksDir, rpcURL string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	name := fs.String("keystore", keystore.DefaultName, "Keystore name")
	toAddr := fs.String("to", "", "Recipient address")
	amountStr := fs.String("amount", "", "Amount to send (e.g. 1.5)")
	gasPriceStr := fs.String("gas-price", "", "Gas price in base units (default: suggested)")
	nonceStr := fs.String("nonce", "", "Nonce override (default: pending account nonce)")
	passphrase := fs.String("passphrase", "", "Keystore passphrase")
	fs.Parse(args)

	if *toAddr == "" || *amountStr == "" {
		fatal("Usage: allfeat-cli send --to <addr> --amount <amt> [--keystore <name>]")
	}

	amount, err := parseAmount(*amountStr)
	if err != nil {
		fatal("invalid amount: %v", err)
	}
	recipient, err := types.ParseAddress(*toAddr)
	if err != nil {
		fatal("invalid recipient address: %v", err)
	}

	pass, err := keystore.ResolvePassphrase(*passphrase, passphraseEnv)
	if err != nil {
		fatal("%v", err)
	}
	ks, err := keystore.Open(keystore.PathFor(ksDir, *name), pass)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	defer ks.Close()

	key, err := ks.Key(keystore.RoleAuthoring)
	if err != nil {
		fatal("authoring key: %v", err)
	}
	from := crypto.AddressFromPubKey(key.PublicKey())

	client := rpcclient.New(rpcURL)

	// Pending nonce keeps sequential sends from colliding in the pool.
	var nonce uint64
	if *nonceStr != "" {
		nonce, err = strconv.ParseUint(*nonceStr, 10, 64)
		if err != nil {
			fatal("invalid nonce: %v", err)
		}
	} else {
		var hexNonce string
		if err := client.Call("eth_getTransactionCount", []any{from.String(), "pending"}, &hexNonce); err != nil {
			fatal("eth_getTransactionCount: %v", err)
		}
		nonce, err = parseQuantity(hexNonce)
		if err != nil {
			fatal("decode nonce: %v", err)
		}
	}

	var gasPrice uint64
	if *gasPriceStr != "" {
		gasPrice, err = strconv.ParseUint(*gasPriceStr, 10, 64)
		if err != nil {
			fatal("invalid gas price: %v", err)
		}
	} else {
		var hexPrice string
		if err := client.Call("eth_gasPrice", nil, &hexPrice); err != nil {
			fatal("eth_gasPrice: %v", err)
		}
		gasPrice, err = parseQuantity(hexPrice)
		if err != nil {
			fatal("decode gas price: %v", err)
		}
	}

	b := tx.NewBuilder().Transfer(recipient, amount).Nonce(nonce).Gas(tx.GasTxBase, gasPrice)
	if err := b.Sign(key); err != nil {
		fatal("sign: %v", err)
	}
	txn := b.Build()

	var result rpc.TxSubmitResult
	if err := client.Call("txpool_submit", rpc.TxSubmitParam{Transaction: txn}, &result); err != nil {
		fatal("txpool_submit: %v", err)
	}

	fmt.Printf("Tx accepted: %s\n", result.TxHash)
	fmt.Printf("  From:   %s\n", from)
	fmt.Printf("  To:     %s\n", recipient)
	fmt.Printf("  Amount: %s AFT\n", formatAmount(amount))
	fmt.Printf("  Fee:    up to %s AFT\n", formatAmount(tx.Fee(tx.GasTxBase, gasPrice)))
}

// ── pool inspection ─────────────────────────────────────────────────────

func cmdTxPool(client *rpcclient.Client) {
	var st rpc.TxPoolStatusResult
	if err := client.Call("txpool_status", nil, &st); err != nil {
		fatal("txpool_status: %v", err)
	}

	fmt.Printf("Pending:       %d\n", st.Count)
	fmt.Printf("Min Gas Price: %d\n", st.MinGasPrice)

	if st.Count > 0 {
		var content rpc.TxPoolContentResult
		if err := client.Call("txpool_content", nil, &content); err != nil {
			fatal("txpool_content: %v", err)
		}
		fmt.Println("Transactions:")
		for _, h := range content.Hashes {
			fmt.Printf("  %s\n", h)
		}
	}
}

// ── fee inspection ──────────────────────────────────────────────────────

func cmdFees(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("fees", flag.ExitOnError)
	blocks := fs.Uint64("blocks", 5, "Number of recent blocks")
	fs.Parse(args)

	var hexPrice string
	if err := client.Call("eth_gasPrice", nil, &hexPrice); err != nil {
		fatal("eth_gasPrice: %v", err)
	}
	gasPrice, err := parseQuantity(hexPrice)
	if err != nil {
		fatal("decode gas price: %v", err)
	}
	fmt.Printf("Suggested gas price: %d\n", gasPrice)

	var hist rpc.FeeHistoryResult
	params := []any{fmt.Sprintf("0x%x", *blocks), "latest", []float64{50}}
	if err := client.Call("eth_feeHistory", params, &hist); err != nil {
		fatal("eth_feeHistory: %v", err)
	}

	oldest, err := parseQuantity(hist.OldestBlock)
	if err != nil {
		fatal("decode oldest block: %v", err)
	}

	fmt.Println("Recent blocks:")
	for i, hexFee := range hist.BaseFeePerGas {
		baseFee, _ := parseQuantity(hexFee)
		line := fmt.Sprintf("  %d: base fee %d, used %.1f%%", oldest+uint64(i), baseFee, hist.GasUsedRatio[i]*100)
		if i < len(hist.Reward) && len(hist.Reward[i]) > 0 {
			tip, _ := parseQuantity(hist.Reward[i][0])
			line += fmt.Sprintf(", median tip %d", tip)
		}
		fmt.Println(line)
	}
}

// ── peer table ──────────────────────────────────────────────────────────

func cmdPeers(client *rpcclient.Client) {
	var node rpc.NodeInfoResult
	if err := client.Call("net_getNodeInfo", nil, &node); err != nil {
		fatal("net_getNodeInfo: %v", err)
	}

	fmt.Printf("Local peer: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  listening on %s\n", a)
	}

	var peers rpc.PeerInfoResult
	if err := client.Call("net_getPeerInfo", nil, &peers); err != nil {
		fatal("net_getPeerInfo: %v", err)
	}

	fmt.Printf("Connected:  %d\n", peers.Count)
	for _, p := range peers.Peers {
		fmt.Printf("  %s (since %s)\n", p.ID, p.ConnectedAt)
	}
}

// ── ban table ───────────────────────────────────────────────────────────

func cmdBans(client *rpcclient.Client) {
	var result rpc.BanListResult
	if err := client.Call("net_getBanList", nil, &result); err != nil {
		fatal("net_getBanList: %v", err)
	}

	fmt.Printf("Banned peers: %d\n", result.Count)
	for _, b := range result.Bans {
		until := time.Unix(b.ExpiresAt, 0).UTC().Format("2006-01-02 15:04:05 UTC")
		fmt.Printf("  %s\n", b.ID)
		fmt.Printf("    score=%d reason=%q until %s\n", b.Score, b.Reason, until)
	}
}

// ── authority liveness ──────────────────────────────────────────────────

func cmdAuthorities(client *rpcclient.Client, args []string) {
	var params any
	if len(args) > 0 {
		params = rpc.PubKeyParam{PubKey: args[0]}
	}

	var result rpc.AuthorityStatusListResult
	if err := client.Call("authority_getStatus", params, &result); err != nil {
		fatal("authority_getStatus: %v", err)
	}

	fmt.Printf("Authorities: %d\n\n", len(result.Authorities))
	for i, a := range result.Authorities {
		state := "inactive"
		if a.Active {
			state = "active"
		}
		fmt.Printf("  [%d] %s (%s)\n", i, a.PubKey, state)
		fmt.Printf("      weight=%d blocks=%d votes=%d missed=%d\n", a.Weight, a.BlockCount, a.VoteCount, a.MissedSlots)
		if a.LastBlock > 0 {
			fmt.Printf("      last block: %s\n", formatUnix(a.LastBlock))
		}
		if a.LastVote > 0 {
			fmt.Printf("      last vote:  %s\n", formatUnix(a.LastVote))
		}
	}
}

// ── key management ──────────────────────────────────────────────────────

func cmdKeys(args []string, ksDir string) {
	if len(args) < 1 {
		fatal("Usage: allfeat-cli keys <init|import|show|list> [flags]")
	}

	switch args[0] {
	case "init":
		cmdKeysInit(args[1:], ksDir)
	case "import":
		cmdKeysImport(args[1:], ksDir)
	case "show":
		cmdKeysShow(args[1:], ksDir)
	case "list":
		cmdKeysList(ksDir)
	default:
		fatal("Unknown keys command: %s\nUsage: allfeat-cli keys <init|import|show|list> [flags]", args[0])
	}
}

func cmdKeysInit(args []string, ksDir string) {
	fs := flag.NewFlagSet("keys init", flag.ExitOnError)
	name := fs.String("keystore", keystore.DefaultName, "Keystore name")
	passphrase := fs.String("passphrase", "", "Keystore passphrase")
	fs.Parse(args)

	mnemonic, err := keystore.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}

	fmt.Println("Recovery mnemonic (store it safely, it is shown once):")
	fmt.Printf("  %s\n\n", mnemonic)

	pass, err := keystore.ResolveNewPassphrase(*passphrase, passphraseEnv)
	if err != nil {
		fatal("%v", err)
	}

	path := keystore.PathFor(ksDir, *name)
	if err := keystore.Create(path, mnemonic, pass, keystore.DefaultParams()); err != nil {
		fatal("create keystore: %v", err)
	}

	fmt.Printf("Keystore created: %s\n", path)
	printKeystoreInfo(path)
}

func cmdKeysImport(args []string, ksDir string) {
	fs := flag.NewFlagSet("keys import", flag.ExitOnError)
	name := fs.String("keystore", keystore.DefaultName, "Keystore name")
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic (24 words)")
	passphrase := fs.String("passphrase", "", "Keystore passphrase")
	fs.Parse(args)

	if *mnemonic == "" {
		fatal("Usage: allfeat-cli keys import --mnemonic \"word1 word2 ...\"")
	}
	if !keystore.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}

	pass, err := keystore.ResolveNewPassphrase(*passphrase, passphraseEnv)
	if err != nil {
		fatal("%v", err)
	}

	path := keystore.PathFor(ksDir, *name)
	if err := keystore.Create(path, *mnemonic, pass, keystore.DefaultParams()); err != nil {
		fatal("create keystore: %v", err)
	}

	fmt.Printf("Keystore restored: %s\n", path)
	printKeystoreInfo(path)
}

func cmdKeysShow(args []string, ksDir string) {
	fs := flag.NewFlagSet("keys show", flag.ExitOnError)
	name := fs.String("keystore", keystore.DefaultName, "Keystore name")
	fs.Parse(args)

	path := keystore.PathFor(ksDir, *name)
	info, err := keystore.Inspect(path)
	if err != nil {
		fatal("inspect keystore: %v", err)
	}

	fmt.Printf("Keystore: %s\n", path)
	fmt.Printf("Created:  %s\n", info.CreatedAt.Format("2006-01-02 15:04:05 UTC"))
	printKeystoreInfo(path)
}

func cmdKeysList(ksDir string) {
	names, err := keystore.List(ksDir)
	if err != nil {
		fatal("list keystores: %v", err)
	}
	if len(names) == 0 {
		fmt.Println("No keystores found. Create one with: allfeat-cli keys init")
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
}

func printKeystoreInfo(path string) {
	info, err := keystore.Inspect(path)
	if err != nil {
		fatal("inspect keystore: %v", err)
	}
	for _, role := range keystore.Roles() {
		fmt.Printf("\n%s:\n", role)
		fmt.Printf("  Public Key: %s\n", info.PublicKeys[role])
		fmt.Printf("  Address:    %s\n", info.Addresses[role])
	}
}

// ── amount parsing ──────────────────────────────────────────────────────

func formatAmount(units uint64) string {
	whole := units / config.Coin
	frac := units % config.Coin
	return fmt.Sprintf("%d.%012d", whole, frac)
}

// parseAmount converts a decimal coin string like "1.5" to base units.
func parseAmount(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount")
	}

	wholeStr, fracStr, hasFrac := strings.Cut(s, ".")
	whole, err := strconv.ParseUint(wholeStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("whole part: %w", err)
	}

	var frac uint64
	if hasFrac {
		if len(fracStr) > config.Decimals {
			return 0, fmt.Errorf("at most %d decimal places", config.Decimals)
		}
		// Right-pad so "5" after the point means 5 tenths, not 5 units.
		frac, err = strconv.ParseUint(fracStr+strings.Repeat("0", config.Decimals-len(fracStr)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("fractional part: %w", err)
		}
	}

	if whole > math.MaxUint64/config.Coin {
		return 0, fmt.Errorf("amount overflows")
	}
	units := whole * config.Coin
	if units > math.MaxUint64-frac {
		return 0, fmt.Errorf("amount overflows")
	}
	return units + frac, nil
}

// parseQuantity decodes a 0x-prefixed hex quantity from an eth_ response.
func parseQuantity(s string) (uint64, error) {
	if !strings.HasPrefix(s, "0x") || len(s) <= 2 {
		return 0, fmt.Errorf("invalid quantity %q", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}

func formatUnix(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

// ── exit helper ─────────────────────────────────────────────────────────

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
