package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"southwinds.dev/strongroom"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Manage records in a chain",
	Long:  "Write, read, list and revoke records. Payloads are sealed on write and only ever decrypted into guarded memory.",
}

var recordWriteCmd = &cobra.Command{
	Use:   "write [chain-id]",
	Short: "Write a new record",
	Long:  "Append a data record to a chain. Data can be provided via stdin, file, or inline.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordWrite,
}

var recordReadCmd = &cobra.Command{
	Use:   "read [chain-id] [record-id]",
	Short: "Read a record payload",
	Long:  "Decrypt a record payload and print it. Without a record ID the head (newest live record) is read.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runRecordRead,
}

var recordListCmd = &cobra.Command{
	Use:   "list [chain-id]",
	Short: "List live records",
	Long:  "List the live data records of a chain, oldest first, with their hints. Payloads are never opened.",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordList,
}

var recordRevokeCmd = &cobra.Command{
	Use:   "revoke [chain-id] [record-id]",
	Short: "Revoke a record",
	Long:  "Append a revocation record marking the target dead. The sealed payload stays in the chain until garbage collection.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordRevoke,
}

var (
	recordHint string
	recordFile string
	recordData string
	recordJSON bool
)

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.AddCommand(recordWriteCmd)
	recordCmd.AddCommand(recordReadCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordRevokeCmd)

	// Write command flags
	recordWriteCmd.Flags().StringVarP(&recordHint, "hint", "H", "", "non-sensitive label shown in listings (max 24 bytes)")
	recordWriteCmd.Flags().StringVarP(&recordFile, "file", "f", "", "read record data from file (use '-' for stdin)")
	recordWriteCmd.Flags().StringVarP(&recordData, "data", "d", "", "record data as string")

	// List command flags
	recordListCmd.Flags().BoolVar(&recordJSON, "json", false, "output in JSON format")
}

func runRecordWrite(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	chainID, err := strongroom.DecodeChainID(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	hint, err := strongroom.NewRecordHint(recordHint)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	data, err := readRecordData()
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read record data: %w", err), started)
	}

	recordID, err := store.WriteRecord(chainID, data, hint)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to write record: %w", err), started)
	}

	if err = saveWorkspace(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Record %s written\n", recordID)
	return auditCmdComplete(cmd, nil, started)
}

func runRecordRead(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	chainID, err := strongroom.DecodeChainID(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	var recordID strongroom.RecordID
	if len(args) == 2 {
		recordID, err = strongroom.DecodeRecordID(args[1])
		if err != nil {
			return auditCmdComplete(cmd, err, started)
		}
	} else {
		recordID, err = store.Head(chainID)
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to resolve head record: %w", err), started)
		}
	}

	err = store.UseRecordWithContext(cmd.Context(), chainID, recordID, func(plaintext []byte) error {
		fmt.Print(string(plaintext))
		if len(plaintext) == 0 || plaintext[len(plaintext)-1] != '\n' {
			fmt.Println()
		}
		return nil
	})
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to read record: %w", err), started)
	}

	return auditCmdComplete(cmd, nil, started)
}

func runRecordList(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	chainID, err := strongroom.DecodeChainID(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	entries, err := store.ListRecords(chainID)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list records: %w", err), started)
	}

	if recordJSON {
		jsonData, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to marshal JSON: %w", err), started)
		}
		fmt.Println(string(jsonData))
		return auditCmdComplete(cmd, nil, started)
	}

	if len(entries) == 0 {
		fmt.Println("No live records found")
		return auditCmdComplete(cmd, nil, started)
	}

	head, err := store.Head(chainID)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD ID\tHINT\tHEAD")

	for _, entry := range entries {
		marker := ""
		if entry.ID == head {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", entry.ID, entry.Hint, marker)
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runRecordRevoke(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	chainID, err := strongroom.DecodeChainID(args[0])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	recordID, err := strongroom.DecodeRecordID(args[1])
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if err = store.RevokeRecord(chainID, recordID); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to revoke record: %w", err), started)
	}

	if err = saveWorkspace(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Record %s revoked. Run 'strongroom gc %s' to reclaim it.\n", recordID, chainID)
	return auditCmdComplete(cmd, nil, started)
}

func readRecordData() ([]byte, error) {
	if recordData != "" {
		return []byte(recordData), nil
	}

	if recordFile != "" {
		if recordFile == "-" {
			return io.ReadAll(os.Stdin)
		}
		return os.ReadFile(recordFile)
	}

	// If neither data nor file specified, read from stdin
	return io.ReadAll(os.Stdin)
}
