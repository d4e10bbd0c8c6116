package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"southwinds.dev/strongroom"
)

var gcCmd = &cobra.Command{
	Use:   "gc [chain-id]",
	Short: "Garbage collect revoked records",
	Long: `Rebuild a chain without its revoked data records and their revocation
markers. The chain is replaced atomically; on any error it is left untouched.

Examples:
  # Collect a single chain
  strongroom gc 8Yt3xQ... --store file:///var/lib/strongroom

  # Collect every chain in the store
  strongroom gc --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGC,
}

var gcAll bool

func init() {
	rootCmd.AddCommand(gcCmd)

	gcCmd.Flags().BoolVar(&gcAll, "all", false, "collect every chain in the store")
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	if gcAll == (len(args) == 1) {
		return auditCmdComplete(cmd, fmt.Errorf("provide either a chain ID or --all"), started)
	}

	var chainIDs []strongroom.ChainID
	if gcAll {
		chainIDs, err = store.Chains()
		if err != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to list chains: %w", err), started)
		}
		if len(chainIDs) == 0 {
			fmt.Println("No chains found")
			return auditCmdComplete(cmd, nil, started)
		}
	} else {
		chainID, derr := strongroom.DecodeChainID(args[0])
		if derr != nil {
			return auditCmdComplete(cmd, derr, started)
		}
		chainIDs = append(chainIDs, chainID)
	}

	total := 0
	for _, chainID := range chainIDs {
		removed, gcErr := store.GarbageCollect(chainID)
		if gcErr != nil {
			return auditCmdComplete(cmd, fmt.Errorf("failed to collect chain %s: %w", chainID, gcErr), started)
		}
		total += removed
		fmt.Printf("Chain %s: %d record(s) removed\n", chainID, removed)
	}

	if total > 0 {
		if err = saveWorkspace(cmd.Context()); err != nil {
			return auditCmdComplete(cmd, err, started)
		}
	}

	return auditCmdComplete(cmd, nil, started)
}
