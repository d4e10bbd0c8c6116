package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"southwinds.dev/strongroom/crypt"
)

func getConfigFilePath(global bool) string {
	if global {
		// Matches the /etc search path in initConfig.
		return "/etc/strongroom/.strongroom.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	// User config
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".strongroom.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	validKeys := []string{
		"store.dsn",
		"store.passphrase",
		"store.workspace",
		"store.memlock",
		"store.cipher",
		"audit.enabled",
		"audit.type",
		"audit.log_level",
		"audit.options.file_path",
		"audit.options.db_path",
		"audit.options.max_size",
		"audit.options.max_backups",
	}

	for _, validKey := range validKeys {
		if key == validKey {
			return true
		}
	}
	return false
}

// convertStringValue guesses the natural type of a flag-style value so
// booleans and numbers land in the config file untyped-as-strings.
func convertStringValue(value string) (interface{}, error) {
	if value == "true" || value == "false" {
		return value == "true", nil
	}
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f, nil
		}
	} else if i, err := strconv.Atoi(value); err == nil {
		return i, nil
	}
	return value, nil
}

func unsetNestedKey(config map[string]interface{}, key string) error {
	parts := strings.Split(key, ".")

	// Navigate to parent
	current := config
	for i, part := range parts[:len(parts)-1] {
		if next, ok := current[part].(map[string]interface{}); ok {
			current = next
		} else {
			return fmt.Errorf("key path not found at %s", strings.Join(parts[:i+1], "."))
		}
	}

	// Delete the final key
	delete(current, parts[len(parts)-1])
	return nil
}

func getConfigTemplate(template string) map[string]interface{} {
	switch template {
	case "minimal":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"dsn": "file://.strongroom",
			},
		}
	case "full":
		return map[string]interface{}{
			"store": map[string]interface{}{
				"dsn":       "file://.strongroom",
				"workspace": "current",
				"memlock":   true,
				"cipher":    "xchacha20poly1305",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path":   "audit.log",
					"max_size":    100,
					"max_backups": 5,
					"db_path":     "audit.db",
				},
				"log_level": "info",
			},
		}
	default: // "default"
		return map[string]interface{}{
			"store": map[string]interface{}{
				"dsn":       "file://.strongroom",
				"workspace": "current",
				"memlock":   true,
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": "audit.log",
				},
			},
		}
	}
}

func validateConfiguration() []string {
	var errs []string

	// Validate store DSN
	dsn := viper.GetString("store.dsn")
	if dsn == "" {
		errs = append(errs, "store DSN is not set (store.dsn)")
	} else if !validStoreDSN(dsn) {
		errs = append(errs, fmt.Sprintf("unsupported store DSN: %s (expected file://, bbolt://, s3:// or a bare path)", dsn))
	}

	if workspace := viper.GetString("store.workspace"); workspace == "" {
		errs = append(errs, "workspace name is empty (store.workspace)")
	}

	if cipherName := viper.GetString("store.cipher"); cipherName != "" {
		if _, err := crypt.NewProvider(cipherName); err != nil {
			errs = append(errs, err.Error())
		}
	}

	// Validate audit configuration
	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		validAuditTypes := []string{"file", "sqlite", "syslog"}
		if !slices.Contains(validAuditTypes, auditType) {
			errs = append(errs, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		switch auditType {
		case "file":
			if filePath := viper.GetString("audit.options.file_path"); filePath == "" {
				errs = append(errs, "audit file path is required when using file audit")
			}
		case "sqlite":
			if dbPath := viper.GetString("audit.options.db_path"); dbPath == "" {
				errs = append(errs, "audit database path is required when using sqlite audit")
			}
		}
	}

	return errs
}

// validStoreDSN checks the DSN against the schemes the snapshot backend
// factory accepts.
func validStoreDSN(dsn string) bool {
	if !strings.Contains(dsn, "://") {
		return true // bare filesystem path
	}
	for _, scheme := range []string{"file://", "bbolt://", "s3://"} {
		if strings.HasPrefix(dsn, scheme) {
			return true
		}
	}
	return false
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"store.dsn":                 "Snapshot backend DSN (file://dir, bbolt://file.db, s3://endpoint/bucket)",
		"store.passphrase":          "Store passphrase (prefer the keyring or SROOM_STORE_PASSPHRASE)",
		"store.workspace":           "Snapshot the CLI loads on start and saves after mutations",
		"store.memlock":             "Lock process memory so secrets cannot reach swap",
		"store.cipher":              "Payload cipher name as recorded in snapshots (default xchacha20poly1305)",
		"audit.enabled":             "Enable audit logging",
		"audit.type":                "Audit logger type (file, sqlite, syslog)",
		"audit.log_level":           "Audit logger verbosity",
		"audit.options.file_path":   "Audit log file path",
		"audit.options.db_path":     "Audit SQLite database path",
		"audit.options.max_size":    "Audit log rotation threshold in megabytes",
		"audit.options.max_backups": "Rotated audit log files to keep",
	}
}

// printConfigTable lists every effective setting with the source it was
// resolved from (config file, environment, or default).
func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	keys := flattenKeys(viper.AllSettings(), "")
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, configValueSource(key))
	}
	return nil
}

// configValueSource names where a key's effective value came from. Viper
// does not expose this directly, so environment wins if the matching
// SROOM_ variable is set, then the config file, then defaults.
func configValueSource(key string) string {
	envKey := "SROOM_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if os.Getenv(envKey) != "" {
		return "environment"
	}
	if viper.ConfigFileUsed() != "" {
		return filepath.Base(viper.ConfigFileUsed())
	}
	return "default"
}

// redactedSettings returns the merged settings with secrets masked, for
// the machine-readable view formats.
func redactedSettings() map[string]interface{} {
	settings := viper.AllSettings()
	maskSensitiveValues(settings)
	return settings
}

func printConfigJSON() error {
	data, err := json.MarshalIndent(redactedSettings(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	data, err := yaml.Marshal(redactedSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sortedKeys := make([]string, 0, len(keys))
	for key := range keys {
		sortedKeys = append(sortedKeys, key)
	}
	sort.Strings(sortedKeys)

	for _, key := range sortedKeys {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysJSON(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// flattenKeys turns nested setting maps into dot-notation keys.
func flattenKeys(m map[string]interface{}, prefix string) []string {
	var keys []string
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			keys = append(keys, flattenKeys(nested, key)...)
		} else {
			keys = append(keys, key)
		}
	}
	return keys
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "key", "token", "auth"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// validateConfigValue validates a configuration value based on its key
func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "store.dsn":
		if str, ok := value.(string); ok {
			if !validStoreDSN(str) {
				return fmt.Errorf("unsupported store DSN: %s (expected file://, bbolt://, s3:// or a bare path)", str)
			}
		}
	case "store.cipher":
		if str, ok := value.(string); ok {
			if _, err := crypt.NewProvider(str); err != nil {
				return err
			}
		}
	case "audit.type":
		validTypes := []string{"file", "sqlite", "syslog"}
		if str, ok := value.(string); ok {
			if !slices.Contains(validTypes, str) {
				return fmt.Errorf("invalid audit type: %s (valid: %s)", str, strings.Join(validTypes, ", "))
			}
		}
	case "audit.options.max_size", "audit.options.max_backups":
		if num, ok := value.(int); ok && num <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}

// getDefaultEditor returns the default text editor for the current platform
func getDefaultEditor() string {
	// First check EDITOR environment variable
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}

	// Check VISUAL environment variable
	if visual := os.Getenv("VISUAL"); visual != "" {
		return visual
	}

	// Platform-specific defaults
	switch runtime.GOOS {
	case "windows":
		editors := []string{"notepad++.exe", "notepad.exe", "code.exe"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "notepad.exe"
	case "darwin":
		editors := []string{"code", "nano", "vim", "vi"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "nano"
	default:
		editors := []string{"nano", "vim", "vi", "emacs", "code"}
		for _, editor := range editors {
			if _, err := exec.LookPath(editor); err == nil {
				return editor
			}
		}
		return "vi" // ultimate fallback
	}
}

// executeEditor launches the specified editor with the given file
func executeEditor(editor, file string) error {
	// Handle special cases for some editors
	var cmd *exec.Cmd

	switch {
	case strings.Contains(editor, "code"):
		// VS Code - wait for the window to be closed
		cmd = exec.Command(editor, "--wait", file)
	case strings.Contains(editor, "notepad++"):
		// Notepad++ - multiInstances and wait
		cmd = exec.Command(editor, "-multiInst", "-notabbar", file)
	default:
		// Default behavior for most editors
		cmd = exec.Command(editor, file)
	}

	// Connect to current terminal
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
