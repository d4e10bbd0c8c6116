package cmd

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"
	"golang.org/x/term"

	"southwinds.dev/strongroom"
)

// keyringService is the OS keyring service under which store passphrases
// are filed. The account is the store DSN, so each store keeps its own.
const keyringService = "strongroom"

var passphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Manage the store passphrase in the OS keyring",
	Long: `Store, remove and inspect the snapshot passphrase kept in the OS keyring.
Entries are filed per store DSN.

Resolution order when a command needs the passphrase:
  1. --passphrase flag
  2. SROOM_STORE_PASSPHRASE environment variable
  3. OS keyring entry for the store DSN
  4. interactive prompt`,
}

var passphraseSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store the passphrase in the OS keyring",
	Args:  cobra.NoArgs,
	RunE:  runPassphraseSet,
}

var passphraseClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the passphrase from the OS keyring",
	Args:  cobra.NoArgs,
	RunE:  runPassphraseClear,
}

var passphraseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a passphrase is stored for the configured store",
	Args:  cobra.NoArgs,
	RunE:  runPassphraseStatus,
}

func init() {
	rootCmd.AddCommand(passphraseCmd)

	passphraseCmd.AddCommand(passphraseSetCmd)
	passphraseCmd.AddCommand(passphraseClearCmd)
	passphraseCmd.AddCommand(passphraseStatusCmd)
}

func runPassphraseSet(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	dsn, err := requireStoreDSN()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	pass, err := promptPassphraseConfirm()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}
	defer memguard.WipeBytes(pass)

	if err = strongroom.ValidatePassphrase(string(pass)); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err = keyring.Set(keyringService, dsn, string(pass)); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to store passphrase in keyring: %w", err), started)
	}

	fmt.Printf("Passphrase stored for %s\n", dsn)
	return auditCmdComplete(cmd, nil, started)
}

func runPassphraseClear(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	dsn, err := requireStoreDSN()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err = keyring.Delete(keyringService, dsn); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			fmt.Printf("No passphrase stored for %s\n", dsn)
			return auditCmdComplete(cmd, nil, started)
		}
		return auditCmdComplete(cmd, fmt.Errorf("failed to remove passphrase from keyring: %w", err), started)
	}

	fmt.Printf("Passphrase removed for %s\n", dsn)
	return auditCmdComplete(cmd, nil, started)
}

func runPassphraseStatus(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	dsn, err := requireStoreDSN()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if keyringHasPassphrase(dsn) {
		fmt.Printf("Passphrase stored for %s\n", dsn)
	} else {
		fmt.Printf("No passphrase stored for %s\n", dsn)
	}
	return auditCmdComplete(cmd, nil, started)
}

// requireStoreDSN returns the configured store DSN. Keyring entries are
// keyed by DSN, so passphrase commands need one even though they never
// open the store.
func requireStoreDSN() (string, error) {
	dsn := viper.GetString("store.dsn")
	if dsn == "" {
		return "", errors.New("no store configured. Use --store flag or SROOM_STORE_DSN environment variable")
	}
	return dsn, nil
}

func keyringPassphrase(dsn string) (string, error) {
	return keyring.Get(keyringService, dsn)
}

func keyringHasPassphrase(dsn string) bool {
	_, err := keyring.Get(keyringService, dsn)
	return err == nil
}

// passphraseStatusText reports where the store passphrase would come
// from, without revealing it.
func passphraseStatusText() string {
	if viper.GetString("store.passphrase") != "" {
		return "***SET***"
	}
	if keyringHasPassphrase(viper.GetString("store.dsn")) {
		return "***IN KEYRING***"
	}
	return "***NOT SET***"
}

// readPassphrase prompts on stderr and reads without echo, keeping the
// passphrase out of shell history and process listings.
func readPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase: %w", err)
	}
	return pass, nil
}

// promptPassphraseConfirm reads the passphrase twice and checks both
// entries match. The rejected copy is wiped before returning.
func promptPassphraseConfirm() ([]byte, error) {
	pass, err := readPassphrase("Enter passphrase: ")
	if err != nil {
		return nil, err
	}

	confirm, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		memguard.WipeBytes(pass)
		return nil, err
	}
	defer memguard.WipeBytes(confirm)

	if subtle.ConstantTimeCompare(pass, confirm) != 1 {
		memguard.WipeBytes(pass)
		return nil, errors.New("passphrases do not match")
	}
	return pass, nil
}

// resolveCLIPassphrase picks the store passphrase for this invocation:
// the --passphrase flag wins, then SROOM_STORE_PASSPHRASE, then the OS
// keyring entry for the store DSN, then an interactive prompt when stdin
// is a terminal.
func resolveCLIPassphrase() (string, error) {
	pass := viper.GetString("store.passphrase")

	if pass == "" {
		if stored, err := keyringPassphrase(viper.GetString("store.dsn")); err == nil {
			pass = stored
		}
	}

	if pass == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		entered, err := readPassphrase("Store passphrase: ")
		if err != nil {
			return "", err
		}
		pass = string(entered)
		memguard.WipeBytes(entered)
	}

	if pass == "" {
		return "", errors.New("store passphrase is required. Use --passphrase, SROOM_STORE_PASSPHRASE or 'strongroom passphrase set'")
	}

	if err := strongroom.ValidatePassphrase(pass); err != nil {
		return "", err
	}
	return pass, nil
}
