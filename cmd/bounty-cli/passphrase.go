package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const passphraseEnv = "ALGOBOUNTY_KEYSTORE_PASSPHRASE"

var (
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	readPassword    = func() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }
)

// resolvePassphrase returns the --passphrase value, then the environment
// variable, and finally prompts on stderr when stdin is a terminal.
func resolvePassphrase(flagValue string, stderr io.Writer) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if value := os.Getenv(passphraseEnv); value != "" {
		return value, nil
	}
	if !stdinIsTerminal() {
		return "", fmt.Errorf("a keystore passphrase is required; pass --passphrase or set %s", passphraseEnv)
	}
	fmt.Fprint(stderr, "Enter keystore passphrase: ")
	raw, err := readPassword()
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase := string(raw)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return passphrase, nil
}
