package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kdimtricp/callpilot/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect server configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Prints the configuration serve would run with: built-in defaults, then the
--config file, then CALLPILOT_* environment variables. The output can be
saved and used as a config file.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration without starting the server",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	_, v, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	settings := v.AllSettings()
	redact(settings, "ocr", "google_api_key", "openai_api_key")
	if IsJSONOutput() {
		return printJSON(settings)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  websocket:  %s\n", cfg.Server.WSAddr)
	fmt.Printf("  api:        %s\n", cfg.Server.HTTPAddr)
	fmt.Printf("  strategy:   %s\n", cfg.Strategy.Initial)
	fmt.Printf("  ocr:        %s\n", cfg.OCR.Provider)
	fmt.Printf("  events:     %s\n", cfg.Events.Kind)
	fmt.Printf("  channels:   %d extra\n", len(cfg.Dispatch.Channels))
	if cfg.Journal.Path != "" {
		fmt.Printf("  journal:    %s\n", cfg.Journal.Path)
	}
	if cfg.Snapshots.Dir != "" {
		fmt.Printf("  snapshots:  %s\n", cfg.Snapshots.Dir)
	}
	return nil
}

func redact(settings map[string]any, section string, keys ...string) {
	m, ok := settings[section].(map[string]any)
	if !ok {
		return
	}
	for _, k := range keys {
		if s, _ := m[k].(string); s != "" {
			m[k] = "<redacted>"
		}
	}
}
