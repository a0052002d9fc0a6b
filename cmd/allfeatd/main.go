// Allfeat full node daemon.
//
// Usage:
//
//	allfeatd [--author --vote --author-key=...] Run node
//	allfeatd --help                             Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/internal/node"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case err := <-n.Fatal():
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	n.Stop()
}
