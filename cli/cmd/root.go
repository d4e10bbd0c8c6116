package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/strongroom"
	"southwinds.dev/strongroom/audit"
	"southwinds.dev/strongroom/crypt"
	"southwinds.dev/strongroom/persist"
)

var (
	cfgFile       string
	storeDSN      string
	passphrase    string
	workspaceName string
	store         *strongroom.Store
	storeBackend  persist.Store
	auditLogger   audit.Logger
	cliContext    *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strongroom",
	Short: "A secret-isolation engine with guarded memory and append-only record chains",
	Long: `Strongroom keeps secrets in guard-page protected memory and organizes them
as append-only record chains sealed with XChaCha20-Poly1305. Between
invocations the CLI state lives in an encrypted snapshot (the workspace)
in the configured backend: every command loads the workspace first, and
mutating commands write it back when they succeed.`,
	PersistentPreRunE: initializeStore,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if store != nil {
			return store.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		memguard.SafeExit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.strongroom.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storeDSN, "store", "s", "", "snapshot backend DSN: file://dir, bbolt://file.db or s3://endpoint/bucket")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "snapshot passphrase (or use SROOM_STORE_PASSPHRASE env var)")
	rootCmd.PersistentFlags().StringVarP(&workspaceName, "workspace", "w", "", "snapshot the CLI loads on start and saves after mutations")
	rootCmd.PersistentFlags().Bool("memlock", true, "lock process memory so secrets cannot reach swap")

	// Bind flags to viper
	bindFlagOrPanic("store.dsn", "store")
	bindFlagOrPanic("store.passphrase", "passphrase")
	bindFlagOrPanic("store.workspace", "workspace")
	bindFlagOrPanic("store.memlock", "memlock")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, sqlite, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")
	rootCmd.PersistentFlags().String("audit-db", "", "audit SQLite database path")

	// Bind audit flags
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
	bindFlagOrPanic("audit.options.db_path", "audit-db")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/strongroom")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".strongroom")
	}

	viper.SetEnvPrefix("SROOM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine; defaults and environment variables
	// carry the configuration.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		return
	}
	if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	// Store defaults
	viper.SetDefault("store.workspace", "current")
	viper.SetDefault("store.memlock", true)

	// Audit defaults
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// Audit file path is set relative to a filesystem store in
	// initializeStore unless overridden.
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeStore(cmd *cobra.Command, args []string) error {
	if !commandNeedsStore(cmd) {
		return nil
	}

	storeDSN = viper.GetString("store.dsn")
	if storeDSN == "" {
		return fmt.Errorf("no store configured. Use --store flag or SROOM_STORE_DSN environment variable")
	}
	workspaceName = viper.GetString("store.workspace")

	deriveAuditFilePath()

	var err error
	passphrase, err = resolveCLIPassphrase()
	if err != nil {
		return err
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	storeBackend, err = persist.NewStore(storeDSN)
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}

	// The cipher name in the config must match the one recorded in the
	// workspace snapshots this store will open.
	cipher, err := crypt.NewProvider(viper.GetString("store.cipher"))
	if err != nil {
		return err
	}

	options := strongroom.Options{
		Cipher:             cipher,
		EnableMemoryLock:   viper.GetBool("store.memlock"),
		SnapshotPassphrase: passphrase,
		UserID:             cliContext.UserID,
	}

	store, err = strongroom.NewWithStore(options, storeBackend, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	return loadWorkspace(cmd.Context())
}

// commandNeedsStore reports whether a command operates on the record
// store. Passphrase, audit and config commands run against configuration
// alone and skip store initialization entirely.
func commandNeedsStore(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion", "__complete", "debug-config":
		return false
	}
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "audit", "passphrase", "config":
			return false
		}
	}
	return true
}

// fileStoreDir extracts the directory of a filesystem DSN, or "" for
// remote and single-file backends.
func fileStoreDir(dsn string) string {
	if strings.HasPrefix(dsn, "file://") {
		return strings.TrimPrefix(dsn, "file://")
	}
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	return ""
}

// loadWorkspace restores the CLI state snapshot. A missing workspace is
// a fresh start, not an error.
func loadWorkspace(ctx context.Context) error {
	exists, err := storeBackend.SnapshotExists(ctx, workspaceName)
	if err != nil {
		return fmt.Errorf("failed to probe workspace snapshot %q: %w", workspaceName, err)
	}
	if !exists {
		return nil
	}
	if err := store.Restore(ctx, workspaceName, passphrase); err != nil {
		return fmt.Errorf("failed to load workspace snapshot %q: %w", workspaceName, err)
	}
	return nil
}

// saveWorkspace writes the in-memory state back to the workspace
// snapshot. Mutating commands call it as their final step so a failed
// command never persists partial state.
func saveWorkspace(ctx context.Context) error {
	if _, err := store.Snapshot(ctx, workspaceName, passphrase); err != nil {
		return fmt.Errorf("failed to save workspace snapshot %q: %w", workspaceName, err)
	}
	return nil
}

// deriveAuditFilePath keeps the audit trail next to a filesystem store
// unless the path was set explicitly.
func deriveAuditFilePath() {
	if dir := fileStoreDir(viper.GetString("store.dsn")); dir != "" && viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(dir, "audit.log"))
	}
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
			"db_path":     viper.GetString("audit.options.db_path"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

// isSensitiveFlag reports whether a flag or variable name looks like it
// carries secret material and must be redacted in output.
func isSensitiveFlag(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range []string{"passphrase", "password", "secret", "key", "token"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		// Restricted environments (scratch containers without /etc/passwd)
		// end up here; fall back to the environment.
		envUser := os.Getenv("USER")
		if envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

// generateSessionID creates a new unique session identifier.
// Uses UUID v4.
func generateSessionID() string {
	id := uuid.New()
	return id.String()
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n==============================\n\n")

		configFile := viper.ConfigFileUsed()
		if configFile == "" {
			configFile = "none found"
		}
		fmt.Printf("Config file: %s\n", configFile)

		fmt.Printf("\nEnvironment Variables (SROOM_* prefix):\n")
		for _, env := range os.Environ() {
			if !strings.HasPrefix(env, "SROOM_") {
				continue
			}
			name, value, ok := strings.Cut(env, "=")
			if !ok {
				continue
			}
			if isSensitiveFlag(name) {
				value = "***REDACTED***"
			}
			fmt.Printf("  %s=%s\n", name, value)
		}

		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  Store DSN: %s\n", viper.GetString("store.dsn"))
		fmt.Printf("  Workspace: %s\n", viper.GetString("store.workspace"))
		fmt.Printf("  Cipher: %s\n", viper.GetString("store.cipher"))
		fmt.Printf("  Memory Lock: %v\n", viper.GetBool("store.memlock"))
		fmt.Printf("  Passphrase: %s\n", passphraseStatusText())

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))
		fmt.Printf("  DB Path: %s\n", viper.GetString("audit.options.db_path"))

		return nil
	},
}

func init() {
	rootCmd.AddCommand(debugConfigCmd)
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	// Commands that skip store initialization have no logger or context.
	if auditLogger == nil {
		return now
	}
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

// auditCmdComplete records the command outcome and passes err through, so
// command handlers can finish with "return auditCmdComplete(cmd, err, started)".
func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger == nil {
		return err
	}
	auditLogger.Log("command_complete", err == nil, map[string]interface{}{
		"command":     cmd.CommandPath(),
		"duration_ms": time.Since(startedTime).Milliseconds(),
		"success":     err == nil,
		"error":       formatError(err),
		"user_id":     cliContext.UserID,
		"session_id":  cliContext.SessionID,
	})
	return err
}

// formatError renders an error chain for the audit trail, flattening
// wrapped causes into a "caused by" suffix with duplicates dropped.
func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	seen := make(map[string]bool)
	for e := err; e != nil; e = errors.Unwrap(e) {
		if msg := e.Error(); !seen[msg] {
			messages = append(messages, msg)
			seen[msg] = true
		}
	}

	head := messages[0]
	if head != "" {
		if first := strings.ToUpper(head[:1]); first != head[:1] {
			head = first + head[1:]
		}
	}

	if len(messages) > 1 {
		return fmt.Sprintf("Error: %s (caused by: %s)", head, strings.Join(messages[1:], " -> "))
	}
	return fmt.Sprintf("Error: %s", head)
}

// sanitizeFlags captures the flags set on this invocation, redacting the
// ones that may carry secret material.
func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		value := flag.Value.String()
		if isSensitiveFlag(flag.Name) {
			value = "[REDACTED]"
		}
		flags[flag.Name] = value
	})
	return flags
}

func sanitizeArgs(args []string) []string {
	// Chain and record identifiers are not sensitive; only flag values
	// can carry secret material and those are redacted in sanitizeFlags.
	sanitized := make([]string, len(args))
	copy(sanitized, args)
	return sanitized
}
