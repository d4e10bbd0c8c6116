package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long: `Inspect and edit the CLI configuration file.

Values are resolved in precedence order: flags, then SROOM_* environment
variables, then the config file, then built-in defaults. Keys use dot
notation, for example store.dsn or audit.enabled. Run "config list" for
the full key reference.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the effective configuration",
	Long:  "Show the merged configuration from every source. Sensitive values are redacted.",
	Args:  cobra.NoArgs,
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Write a configuration value to the config file.

Examples:
  strongroom config set store.dsn file:///var/lib/strongroom
  strongroom config set audit.enabled true
  strongroom config set store.cipher xchacha20poly1305`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Read a single configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset [key]",
	Short: "Remove a value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file",
	Long: `Write a fresh configuration file.

The --template flag picks the starting point: "default" covers the common
settings, "minimal" only the store DSN, "full" every known key with its
default value spelled out.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for problems",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every configuration key",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the config file to defaults",
	Args:  cobra.NoArgs,
	RunE:  runConfigReset,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open the config file in $EDITOR",
	Args:  cobra.NoArgs,
	RunE:  runConfigEdit,
}

var (
	configForce    bool
	configGlobal   bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configGetCmd,
		configUnsetCmd, configInitCmd, configValidateCmd, configListCmd,
		configResetCmd, configEditCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configViewCmd.Flags().BoolVar(&configGlobal, "global", false, "show global configuration")

	configSetCmd.Flags().BoolVar(&configForce, "force", false, "force set value even if key doesn't exist")
	configSetCmd.Flags().BoolVar(&configGlobal, "global", false, "set in global configuration")

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")

	configResetCmd.Flags().BoolVar(&configForce, "force", false, "force reset without confirmation")

	configListCmd.Flags().StringVarP(&configFormat, "format", "f", "table", "output format (table, yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "json":
		return printConfigJSON()
	case "yaml":
		return printConfigYAML()
	case "table":
		return printConfigTable()
	}
	return fmt.Errorf("unsupported format: %s", configFormat)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}

	value, err := convertStringValue(raw)
	if err != nil {
		return fmt.Errorf("failed to convert value: %w", err)
	}
	if err = validateConfigValue(key, value); err != nil {
		return err
	}

	viper.Set(key, value)

	configFile, err := persistViperConfig()
	if err != nil {
		return err
	}

	shown := value
	if isSensitiveConfigKey(key) {
		shown = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, shown)
	fmt.Printf("Saved to %s\n", configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, value)

	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Printf("Source: %s\n", configFile)
	} else {
		fmt.Println("Source: defaults/environment/flags")
	}
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	key := args[0]

	settings := viper.AllSettings()
	if err := unsetNestedKey(settings, key); err != nil {
		return fmt.Errorf("failed to unset key %s: %w", key, err)
	}

	// Rebuild viper from defaults plus the pruned settings, then persist.
	viper.Reset()
	initConfig()
	if err := viper.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	if _, err := persistViperConfig(); err != nil {
		return err
	}

	fmt.Printf("Removed configuration key: %s\n", key)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath(configGlobal)
	if fileExists(configFile) && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	if err := writeConfigTemplate(configFile, configTemplate); err != nil {
		return err
	}

	fmt.Printf("Configuration file created: %s\n", configFile)
	fmt.Printf("Template used: %s\n", configTemplate)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	errs := validateConfiguration()
	if len(errs) == 0 {
		fmt.Println("✓ Configuration is valid")
		return nil
	}

	fmt.Println("✗ Configuration validation failed:")
	for _, msg := range errs {
		fmt.Printf("  - %s\n", msg)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(errs))
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := getConfigKeyDescriptions()
	switch configFormat {
	case "table":
		return printConfigKeysTable(keys)
	case "yaml":
		return printConfigKeysYAML(keys)
	case "json":
		return printConfigKeysJSON(keys)
	}
	return fmt.Errorf("unsupported format: %s", configFormat)
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	if !configForce && !promptConfirmation("This will reset your configuration to defaults. Continue?") {
		fmt.Println("Reset cancelled")
		return nil
	}

	configFile := getConfigFilePath(configGlobal)
	if err := writeConfigTemplate(configFile, "default"); err != nil {
		return err
	}

	fmt.Printf("Configuration reset to defaults: %s\n", configFile)
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath(configGlobal)

	if !fileExists(configFile) {
		if err := writeConfigTemplate(configFile, "default"); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = getDefaultEditor()
	}

	fmt.Printf("Opening %s with %s...\n", configFile, editor)
	return executeEditor(editor, configFile)
}

// persistViperConfig writes the current viper state to the active config
// file, creating the directory if needed, and returns the path written.
func persistViperConfig() (string, error) {
	configFile := getConfigFilePath(configGlobal)
	if err := ensureConfigDir(configFile); err != nil {
		return "", fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}

// writeConfigTemplate renders a named template and writes it out 0600.
func writeConfigTemplate(configFile, template string) error {
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(getConfigTemplate(template))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
