package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage sealed store snapshots",
	Long: `Save, restore, list and delete sealed snapshots of the whole store.
Snapshots are encrypted with a key derived from the store passphrase and
carry every chain, including chain keys, so treat them as secret material.

The CLI keeps its working state in a snapshot named after the workspace
(default "current"); named snapshots taken here are additional restore
points on top of that.`,
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save [name]",
	Short: "Save a sealed snapshot",
	Long:  "Seal the current store state into a named snapshot. Without a name the workspace snapshot is written.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSnapshotSave,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore [name]",
	Short: "Restore the store from a snapshot",
	Long: `Replace the entire store state with the contents of a snapshot.
Existing chains are destroyed. The restored state becomes the new
workspace state.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotRestore,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var snapshotJSON bool

func init() {
	rootCmd.AddCommand(snapshotCmd)

	snapshotCmd.AddCommand(snapshotSaveCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)

	// List command flags
	snapshotListCmd.Flags().BoolVar(&snapshotJSON, "json", false, "output in JSON format")
}

func runSnapshotSave(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	name := workspaceName
	if len(args) == 1 {
		name = args[0]
	}

	info, err := store.Snapshot(cmd.Context(), name, passphrase)
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to save snapshot: %w", err), started)
	}

	fmt.Printf("Snapshot %s saved (%s)\n", info.Name, humanSize(info.Size))
	return auditCmdComplete(cmd, nil, started)
}

func runSnapshotRestore(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	name := args[0]

	fmt.Printf("This replaces every chain in the store with the contents of snapshot %q.\n", name)
	fmt.Print("Type 'yes' to continue: ")
	var response string
	fmt.Scanln(&response)
	if strings.ToLower(strings.TrimSpace(response)) != "yes" {
		fmt.Println("Restore cancelled")
		return auditCmdComplete(cmd, nil, started)
	}

	if err = store.Restore(cmd.Context(), name, passphrase); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to restore snapshot: %w", err), started)
	}

	if err = saveWorkspace(cmd.Context()); err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	fmt.Printf("Snapshot %s restored\n", name)
	return auditCmdComplete(cmd, nil, started)
}

func runSnapshotList(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	snapshots, err := store.ListSnapshots(cmd.Context())
	if err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to list snapshots: %w", err), started)
	}

	if snapshotJSON {
		jsonData, err := json.MarshalIndent(snapshots, "", "  ")
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to marshal JSON: %w", err), started)
		}
		fmt.Println(string(jsonData))
		return auditCmdComplete(cmd, nil, started)
	}

	if len(snapshots) == 0 {
		fmt.Println("No snapshots found")
		return auditCmdComplete(cmd, nil, started)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED\tSIZE")

	for _, snap := range snapshots {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			snap.Name,
			snap.CreatedAt.Format("2006-01-02 15:04:05"),
			humanSize(snap.Size))
	}
	w.Flush()

	return auditCmdComplete(cmd, nil, started)
}

func runSnapshotDelete(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	name := args[0]
	if name == workspaceName {
		fmt.Printf("Warning: %q is the active workspace snapshot; deleting it discards the stored workspace state.\n", name)
	}

	fmt.Printf("Delete snapshot %q? This cannot be undone.\n", name)
	if !promptConfirmation("Continue?") {
		fmt.Println("Delete cancelled")
		return auditCmdComplete(cmd, nil, started)
	}

	if err = store.DeleteSnapshot(cmd.Context(), name); err != nil {
		return auditCmdComplete(cmd, fmt.Errorf("failed to delete snapshot: %w", err), started)
	}

	fmt.Printf("Snapshot %s deleted\n", name)
	return auditCmdComplete(cmd, nil, started)
}

func humanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
