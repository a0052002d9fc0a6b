package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"
)

// ResolvePassphrase returns the keystore passphrase from the first available
// source: the explicit value (a --passphrase flag), the named environment
// variable, then an interactive prompt when stdin is a terminal.
func ResolvePassphrase(explicit, envVar string) ([]byte, error) {
	if explicit != "" {
		return []byte(explicit), nil
	}
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return []byte(v), nil
		}
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("passphrase required: set %s or run interactively", envVar)
	}
	return readPassphrase("Keystore passphrase: ")
}

// ResolveNewPassphrase is ResolvePassphrase with a confirmation prompt, for
// freshly created keystores.
func ResolveNewPassphrase(explicit, envVar string) ([]byte, error) {
	if explicit != "" {
		return []byte(explicit), nil
	}
	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return []byte(v), nil
		}
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("passphrase required: set %s or run interactively", envVar)
	}
	first, err := readPassphrase("New keystore passphrase: ")
	if err != nil {
		return nil, err
	}
	second, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(first, second) {
		return nil, errors.New("passphrases do not match")
	}
	zero(second)
	return first, nil
}

func readPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return passphrase, nil
}
