package cmd

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/strongroom"
	"southwinds.dev/strongroom/crypt"
)

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Manage record chains",
	Long:  "Create, list, rekey and delete record chains. Every chain seals its records under its own key held in guarded memory.",
}

var chainCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new chain",
	Long: `Create a new record chain. The chain key is generated from the system
CSPRNG unless --key-file supplies the key material directly.`,
	Args: cobra.NoArgs,
	RunE: runChainCreate,
}

var chainListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chains",
	Long:  "List every chain with its live record count and the hint of its head record.",
	Args:  cobra.NoArgs,
	RunE:  runChainList,
}

var chainDeleteCmd = &cobra.Command{
	Use:   "delete [chain-id]",
	Short: "Delete a chain",
	Long:  "Destroy the chain key and drop the chain with all its records. Only a prior snapshot can bring it back.",
	Args:  cobra.ExactArgs(1),
	RunE:  runChainDelete,
}

var chainRekeyCmd = &cobra.Command{
	Use:   "rekey [chain-id]",
	Short: "Re-encrypt a chain under a new key",
	Long: `Generate a new chain key, re-seal every live payload under it and destroy
the old key. Record identifiers and counters are unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: runChainRekey,
}

var (
	chainKeyFile string
	chainJSON    bool
)

func init() {
	rootCmd.AddCommand(chainCmd)

	chainCmd.AddCommand(chainCreateCmd)
	chainCmd.AddCommand(chainListCmd)
	chainCmd.AddCommand(chainDeleteCmd)
	chainCmd.AddCommand(chainRekeyCmd)

	// Create and rekey flags
	chainCreateCmd.Flags().StringVar(&chainKeyFile, "key-file", "", "read the raw chain key from file (use '-' for stdin)")
	chainRekeyCmd.Flags().StringVar(&chainKeyFile, "key-file", "", "read the raw chain key from file (use '-' for stdin)")

	// List flags
	chainListCmd.Flags().BoolVar(&chainJSON, "json", false, "output in JSON format")
}

func runChainCreate(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	secret, err := chainKeyMaterial()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	chainID, err := store.CreateChain(secret)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to create chain: %w", err), started)
	}

	if err = saveWorkspace(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Chain %s created\n", chainID)
	return auditCmdComplete(cmd, nil, started)
}

func runChainList(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	chains, err := store.Chains()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list chains: %w", err), started)
	}

	if chainJSON {
		jsonData, err := json.MarshalIndent(chains, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to marshal JSON: %w", err), started)
		}
		fmt.Println(string(jsonData))
		return auditCmdComplete(cmd, nil, started)
	}

	if len(chains) == 0 {
		fmt.Println("No chains found")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHAIN ID\tLIVE RECORDS\tHEAD HINT")

	for _, chainID := range chains {
		entries, err := store.ListRecords(chainID)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to list records for chain %s: %w", chainID, err), started)
		}

		headHint := "-"
		if len(entries) > 0 {
			// Listings are oldest first; the head is the newest live record.
			headHint = entries[len(entries)-1].Hint.String()
		}

		fmt.Fprintf(w, "%s\t%d\t%s\n", chainID, len(entries), headHint)
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runChainDelete(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	chainID, err := strongroom.DecodeChainID(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("This destroys the chain key and every record of chain %s.\n", chainID)
	if !promptConfirmation("Continue?") {
		fmt.Println("Delete cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	if err = store.DeleteChain(chainID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete chain: %w", err), started)
	}

	if err = saveWorkspace(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Chain %s deleted\n", chainID)
	return auditCmdComplete(cmd, nil, started)
}

func runChainRekey(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	chainID, err := strongroom.DecodeChainID(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Rekeying chain %s\n", chainID)
	if !promptConfirmation("This generates a new chain key and re-encrypts every record. Continue?") {
		fmt.Println("Rekey cancelled.")
		return auditCmdComplete(cmd, nil, started)
	}

	secret, err := chainKeyMaterial()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err = store.RekeyChain(chainID, secret); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to rekey chain: %w", err), started)
	}

	if err = saveWorkspace(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Println("Rekey completed successfully")
	return auditCmdComplete(cmd, nil, started)
}

// chainKeyMaterial returns the key bytes for create and rekey: the
// --key-file contents when given, fresh CSPRNG output otherwise. The
// store consumes and wipes whatever slice it is handed.
func chainKeyMaterial() ([]byte, error) {
	if chainKeyFile != "" {
		var data []byte
		var err error
		if chainKeyFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(chainKeyFile)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		return data, nil
	}

	// Generate a key sized for the cipher the store was opened with.
	provider, err := crypt.NewProvider(viper.GetString("store.cipher"))
	if err != nil {
		return nil, err
	}
	secret := make([]byte, provider.KeySize())
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate chain key: %w", err)
	}
	return secret, nil
}
