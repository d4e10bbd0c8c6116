package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/strongroom"
	"southwinds.dev/strongroom/audit"
)

var (
	auditJsonOutput    bool
	auditSince         string
	auditUntil         string
	auditAction        string
	auditSuccessFilter string
	auditChainID       string
	auditRecordID      string
	auditLimit         int
	auditOffset        int
	auditSnapshotsOnly bool
	auditFailuresOnly  bool
	auditDetails       bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and analyze the audit trail",
	Long: `Query and analyze the audit trail of the configured store.

Provides audit trail analysis including:
- Event filtering by time, action, success/failure
- Chain, record and snapshot scoped queries
- Summary statistics and detailed event listings
- Export for compliance reporting

Audit commands read the configured audit backend directly and never open
the store itself.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # Query all recent events
  strongroom audit query

  # Query failed events in the last 24 hours
  strongroom audit query --failures-only --since "$(date -d '24 hours ago' -Iseconds)"

  # Query everything that touched one chain
  strongroom audit query --chain "8Yt3xQ..."

  # Query with custom time range
  strongroom audit query --since "2026-01-01T00:00:00Z" --until "2026-01-31T23:59:59Z"`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

var auditFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show failed operations",
	Long: `Show failed operations for security monitoring.

Examples:
  # Recent failures
  strongroom audit failures

  # Failures in the last week
  strongroom audit failures --since "$(date -d '7 days ago' -Iseconds)"`,
	Args: cobra.NoArgs,
	RunE: runAuditFailures,
}

var auditChainsCmd = &cobra.Command{
	Use:   "chains [chain-id]",
	Short: "Show chain lifecycle events",
	Long: `Show audit events for chain operations. Without a chain ID, lifecycle
events (create, delete, rekey, collect, export, import) across the whole
store. With a chain ID, every event that touched that chain, record
access included.

Examples:
  # Chain lifecycle across the store
  strongroom audit chains

  # Everything that happened to one chain
  strongroom audit chains "8Yt3xQ..."`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAuditChains,
}

var auditRecordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Show record access events",
	Long: `Show audit events for record operations (write, read, revoke).

Examples:
  # All record access
  strongroom audit records

  # Access to a specific record
  strongroom audit records --record "nJ2fJq..."`,
	Args: cobra.NoArgs,
	RunE: runAuditRecords,
}

var auditSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Show snapshot events",
	Long: `Show audit events for snapshot operations (save, restore, delete).

Examples:
  # Recent snapshot activity
  strongroom audit snapshots

  # Snapshot activity in the last hour
  strongroom audit snapshots --since "$(date -d '1 hour ago' -Iseconds)"`,
	Args: cobra.NoArgs,
	RunE: runAuditSnapshots,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events for compliance",
	Long: `Export audit events as JSON for compliance reporting.

Examples:
  # Export all events
  strongroom audit export > audit-report.json

  # Export a specific time range
  strongroom audit export --since "2026-01-01T00:00:00Z" --until "2026-01-31T23:59:59Z"`,
	Args: cobra.NoArgs,
	RunE: runAuditExport,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show detailed audit statistics",
	Long: `Show detailed audit statistics and analytics.

Examples:
  # Stats over the whole trail
  strongroom audit stats

  # Stats since a specific time
  strongroom audit stats --since "2026-01-01T00:00:00Z"`,
	Args: cobra.NoArgs,
	RunE: runAuditStats,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditFailuresCmd)
	auditCmd.AddCommand(auditChainsCmd)
	auditCmd.AddCommand(auditRecordsCmd)
	auditCmd.AddCommand(auditSnapshotsCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditCmd.AddCommand(auditStatsCmd)

	// Global audit flags
	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")
	auditCmd.PersistentFlags().BoolVar(&auditDetails, "details", false, "Show detailed event information")

	// Query-specific flags
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by specific action")
	auditQueryCmd.Flags().StringVar(&auditSuccessFilter, "success", "", "Filter by success status (true/false)")
	auditQueryCmd.Flags().StringVar(&auditChainID, "chain", "", "Filter by chain ID")
	auditQueryCmd.Flags().StringVar(&auditRecordID, "record", "", "Filter by record ID")
	auditQueryCmd.Flags().BoolVar(&auditSnapshotsOnly, "snapshots-only", false, "Show only snapshot-related events")
	auditQueryCmd.Flags().BoolVar(&auditFailuresOnly, "failures-only", false, "Show only failed events")

	// Records flags
	auditRecordsCmd.Flags().StringVar(&auditRecordID, "record", "", "Filter by specific record ID")
}

func runAuditQuery(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	result, err := queryAuditTrail(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if auditJsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(result), started)
	}

	if err = displayAuditEvents(result.Events); err == nil && result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events. Use --offset and --limit to page.\n",
			len(result.Events), result.Filtered)
	}
	return auditCmdComplete(cmd, err, started)
}

func runAuditFailures(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	// Force failures-only
	falseVal := false
	options.Success = &falseVal

	result, err := queryAuditTrail(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if auditJsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(result.Events), started)
	}

	fmt.Printf("Failed Operations\n")
	fmt.Printf("═══════════════════════════════════════\n")
	return auditCmdComplete(cmd, displayAuditEvents(result.Events), started)
}

func runAuditChains(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	scoped := len(args) == 1
	if scoped {
		if _, err = strongroom.DecodeChainID(args[0]); err != nil {
			return auditCmdComplete(cmd, err, started)
		}
		options.ChainID = args[0]
	}

	result, err := queryAuditTrail(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	events := result.Events
	if !scoped {
		// Lifecycle events only; record access is a separate view.
		var filtered []audit.Event
		for _, event := range events {
			if isChainAction(event.Action) {
				filtered = append(filtered, event)
			}
		}
		events = filtered
	}

	if auditJsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(events), started)
	}

	if scoped {
		fmt.Printf("Events for Chain: %s\n", args[0])
	} else {
		fmt.Printf("Chain Lifecycle Events\n")
	}
	fmt.Printf("═══════════════════════════════════════\n")
	return auditCmdComplete(cmd, displayAuditEvents(events), started)
}

func runAuditRecords(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	result, err := queryAuditTrail(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	// Filter for record-related events
	var recordEvents []audit.Event
	for _, event := range result.Events {
		if event.RecordID != "" || isRecordAction(event.Action) {
			recordEvents = append(recordEvents, event)
		}
	}

	if auditJsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(recordEvents), started)
	}

	fmt.Printf("Record Access\n")
	fmt.Printf("═══════════════════════════════════════\n")
	return auditCmdComplete(cmd, displayAuditEvents(recordEvents), started)
}

func runAuditSnapshots(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	// Force snapshot-only
	options.SnapshotAccess = true

	result, err := queryAuditTrail(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	if auditJsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(result.Events), started)
	}

	fmt.Printf("Snapshot Events\n")
	fmt.Printf("═══════════════════════════════════════\n")
	return auditCmdComplete(cmd, displayAuditEvents(result.Events), started)
}

func runAuditExport(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	options, err := buildQueryOptions()
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	result, err := queryAuditTrail(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	exportData := map[string]interface{}{
		"export_timestamp": time.Now().UTC(),
		"store":            viper.GetString("store.dsn"),
		"query_options":    options,
		"event_count":      len(result.Events),
		"events":           result.Events,
	}

	return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(exportData), started)
}

func runAuditStats(cmd *cobra.Command, args []string) (err error) {
	started := auditCmdStart(cmd, args)

	var since *time.Time
	if auditSince != "" {
		parsedTime, perr := time.Parse(time.RFC3339, auditSince)
		if perr != nil {
			return auditCmdComplete(cmd, fmt.Errorf("invalid since time format: %w", perr), started)
		}
		since = &parsedTime
	}

	options := audit.QueryOptions{
		Since: since,
		Limit: 10000, // Get more events for stats
	}

	result, err := queryAuditTrail(options)
	if err != nil {
		return auditCmdComplete(cmd, err, started)
	}

	stats := calculateAuditStats(result.Events)

	if auditJsonOutput {
		return auditCmdComplete(cmd, json.NewEncoder(os.Stdout).Encode(stats), started)
	}

	return auditCmdComplete(cmd, displayAuditStats(stats), started)
}

// Helper functions

// openAuditLogger builds a logger over the configured audit backend for
// querying. Audit commands never open the store, so they cannot reuse the
// logger the store owns.
func openAuditLogger() (audit.Logger, error) {
	if !viper.GetBool("audit.enabled") {
		return nil, errors.New("audit logging is not enabled. Set audit.enabled in the config or pass --audit")
	}
	deriveAuditFilePath()
	return createAuditLogger()
}

func queryAuditTrail(options audit.QueryOptions) (audit.QueryResult, error) {
	logger, err := openAuditLogger()
	if err != nil {
		return audit.QueryResult{}, err
	}
	defer logger.Close()

	result, err := logger.Query(options)
	if err != nil {
		return audit.QueryResult{}, fmt.Errorf("failed to query audit trail: %w", err)
	}
	return result, nil
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		Limit:          auditLimit,
		Offset:         auditOffset,
		SnapshotAccess: auditSnapshotsOnly,
	}

	// Parse time filters
	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	// Parse success filter
	if auditSuccessFilter != "" {
		success, err := strconv.ParseBool(auditSuccessFilter)
		if err != nil {
			return options, fmt.Errorf("invalid success filter format: %w", err)
		}
		options.Success = &success
	}

	// Handle failures-only flag
	if auditFailuresOnly {
		falseVal := false
		options.Success = &falseVal
	}

	// Set other filters
	options.Action = auditAction
	options.ChainID = auditChainID
	options.RecordID = auditRecordID

	return options, nil
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		// Detailed view
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format("2006-01-02 15:04:05"))
			fmt.Fprintf(w, "Action:\t%s\n", event.Action)

			status := "SUCCESS"
			if !event.Success {
				status = "FAILED"
			}
			fmt.Fprintf(w, "Status:\t%s\n", status)

			if event.Error != "" {
				fmt.Fprintf(w, "Error:\t%s\n", event.Error)
			}
			if event.ChainID != "" {
				fmt.Fprintf(w, "Chain ID:\t%s\n", event.ChainID)
			}
			if event.RecordID != "" {
				fmt.Fprintf(w, "Record ID:\t%s\n", event.RecordID)
			}
			if event.SnapshotName != "" {
				fmt.Fprintf(w, "Snapshot:\t%s\n", event.SnapshotName)
			}
			if event.UserID != "" {
				fmt.Fprintf(w, "User ID:\t%s\n", event.UserID)
			}
			if event.Source != "" {
				fmt.Fprintf(w, "Source:\t%s\n", event.Source)
			}
			if event.Duration > 0 {
				fmt.Fprintf(w, "Duration:\t%dms\n", event.Duration)
			}

			if len(event.Metadata) > 0 {
				fmt.Fprintf(w, "Metadata:\t")
				for k, v := range event.Metadata {
					fmt.Fprintf(w, "%s=%v ", k, v)
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
	} else {
		// Compact table view
		fmt.Fprintf(w, "TIMESTAMP\tACTION\tSTATUS\tCHAIN\tRECORD\tERROR\n")

		for _, event := range events {
			timestamp := event.Timestamp.Format("2006-01-02 15:04:05")

			status := "SUCCESS"
			if !event.Success {
				status = "FAILED"
			}

			chainID := event.ChainID
			if len(chainID) > 12 {
				chainID = chainID[:12] + "..."
			}

			recordID := event.RecordID
			if len(recordID) > 12 {
				recordID = recordID[:12] + "..."
			}

			errorMsg := event.Error
			if len(errorMsg) > 30 {
				errorMsg = errorMsg[:30] + "..."
			}

			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				timestamp, event.Action, status, chainID, recordID, errorMsg)
		}
	}

	return w.Flush()
}

// AuditStats represents audit statistics over the queried window
type AuditStats struct {
	GeneratedAt        time.Time      `json:"generated_at"`
	TimeRange          string         `json:"time_range"`
	TotalEvents        int            `json:"total_events"`
	SuccessfulEvents   int            `json:"successful_events"`
	FailedEvents       int            `json:"failed_events"`
	SuccessRate        float64        `json:"success_rate"`
	ActionBreakdown    map[string]int `json:"action_breakdown"`
	DailyDistribution  map[string]int `json:"daily_distribution"`
	TopFailedActions   []ActionCount  `json:"top_failed_actions"`
	TopChains          []ChainCount   `json:"top_chains"`
	FirstEvent         *time.Time     `json:"first_event,omitempty"`
	LastEvent          *time.Time     `json:"last_event,omitempty"`
	ChainOperations    int            `json:"chain_operations"`
	RecordOperations   int            `json:"record_operations"`
	SnapshotOperations int            `json:"snapshot_operations"`
}

type ActionCount struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

type ChainCount struct {
	ChainID string `json:"chain_id"`
	Count   int    `json:"count"`
}

func calculateAuditStats(events []audit.Event) AuditStats {
	stats := AuditStats{
		GeneratedAt:       time.Now().UTC(),
		ActionBreakdown:   make(map[string]int),
		DailyDistribution: make(map[string]int),
	}

	if len(events) == 0 {
		return stats
	}

	stats.TotalEvents = len(events)

	failedActions := make(map[string]int)
	chainCounts := make(map[string]int)

	for _, event := range events {
		// Success/failure counts
		if event.Success {
			stats.SuccessfulEvents++
		} else {
			stats.FailedEvents++
			failedActions[event.Action]++
		}

		// Action breakdown
		stats.ActionBreakdown[event.Action]++

		// Time distribution
		day := event.Timestamp.Format("2006-01-02")
		stats.DailyDistribution[day]++

		// Chain activity
		if event.ChainID != "" {
			chainCounts[event.ChainID]++
		}

		// Operation type counts
		switch {
		case isChainAction(event.Action):
			stats.ChainOperations++
		case isRecordAction(event.Action):
			stats.RecordOperations++
		case isSnapshotAction(event.Action):
			stats.SnapshotOperations++
		}

		// Time range
		if stats.FirstEvent == nil || event.Timestamp.Before(*stats.FirstEvent) {
			stats.FirstEvent = &event.Timestamp
		}
		if stats.LastEvent == nil || event.Timestamp.After(*stats.LastEvent) {
			stats.LastEvent = &event.Timestamp
		}
	}

	// Calculate success rate
	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.SuccessfulEvents) / float64(stats.TotalEvents) * 100
	}

	stats.TopFailedActions = getTopActions(failedActions, 5)
	stats.TopChains = getTopChains(chainCounts, 10)

	// Time range description
	if stats.FirstEvent != nil && stats.LastEvent != nil {
		duration := stats.LastEvent.Sub(*stats.FirstEvent)
		stats.TimeRange = fmt.Sprintf("%s (%.1f hours)",
			duration.String(), duration.Hours())
	}

	return stats
}

func displayAuditStats(stats AuditStats) error {
	fmt.Printf("Audit Statistics\n")
	fmt.Printf("Generated at: %s\n", stats.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("═══════════════════════════════════════\n\n")

	// Summary
	fmt.Printf("SUMMARY\n")
	fmt.Printf("───────\n")
	fmt.Printf("Total Events: %d\n", stats.TotalEvents)
	fmt.Printf("Successful: %d (%.1f%%)\n", stats.SuccessfulEvents, stats.SuccessRate)
	fmt.Printf("Failed: %d (%.1f%%)\n", stats.FailedEvents, 100-stats.SuccessRate)

	if stats.TimeRange != "" {
		fmt.Printf("Time Range: %s\n", stats.TimeRange)
	}

	// Operation breakdown
	fmt.Printf("\nOPERATION BREAKDOWN\n")
	fmt.Printf("──────────────────\n")
	fmt.Printf("Chain Operations: %d\n", stats.ChainOperations)
	fmt.Printf("Record Operations: %d\n", stats.RecordOperations)
	fmt.Printf("Snapshot Operations: %d\n", stats.SnapshotOperations)

	// Top actions
	if len(stats.ActionBreakdown) > 0 {
		fmt.Printf("\nTOP ACTIONS\n")
		fmt.Printf("───────────\n")

		type actionStat struct {
			action string
			count  int
		}

		var actions []actionStat
		for action, count := range stats.ActionBreakdown {
			actions = append(actions, actionStat{action, count})
		}

		sort.Slice(actions, func(i, j int) bool {
			return actions[i].count > actions[j].count
		})

		for i, action := range actions {
			if i >= 10 { // Top 10
				break
			}
			fmt.Printf("  %s: %d\n", action.action, action.count)
		}
	}

	// Failed actions
	if len(stats.TopFailedActions) > 0 {
		fmt.Printf("\nTOP FAILED ACTIONS\n")
		fmt.Printf("─────────────────\n")
		for _, action := range stats.TopFailedActions {
			fmt.Printf("  %s: %d failures\n", action.Action, action.Count)
		}
	}

	// Most active chains
	if len(stats.TopChains) > 0 {
		fmt.Printf("\nMOST ACTIVE CHAINS\n")
		fmt.Printf("─────────────────\n")
		for i, chain := range stats.TopChains {
			if i >= 5 { // Top 5
				break
			}
			chainID := chain.ChainID
			if len(chainID) > 30 {
				chainID = chainID[:30] + "..."
			}
			fmt.Printf("  %s: %d events\n", chainID, chain.Count)
		}
	}

	return nil
}

func getTopActions(actionCounts map[string]int, limit int) []ActionCount {
	var actions []ActionCount
	for action, count := range actionCounts {
		actions = append(actions, ActionCount{Action: action, Count: count})
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].Count > actions[j].Count
	})

	if len(actions) > limit {
		actions = actions[:limit]
	}

	return actions
}

func getTopChains(chainCounts map[string]int, limit int) []ChainCount {
	var chains []ChainCount
	for chainID, count := range chainCounts {
		chains = append(chains, ChainCount{ChainID: chainID, Count: count})
	}

	sort.Slice(chains, func(i, j int) bool {
		return chains[i].Count > chains[j].Count
	})

	if len(chains) > limit {
		chains = chains[:limit]
	}

	return chains
}

func isChainAction(action string) bool {
	return strings.HasPrefix(action, "CHAIN_")
}

func isRecordAction(action string) bool {
	return strings.HasPrefix(action, "RECORD_")
}

func isSnapshotAction(action string) bool {
	return strings.HasPrefix(action, "SNAPSHOT_")
}
