package cli

import (
	"fmt"

	"github.com/harun/tenantlink/internal/config"
	"github.com/spf13/cobra"
)

var configureDryRun bool

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to set up tenantlink.
It asks for the API port, admin key, bridge sidecar URL, tenant store and log
level, starting from the current config file when one exists.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().BoolVar(&configureDryRun, "dry-run", false, "print the resulting configuration instead of saving it")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	current, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run(current)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if configureDryRun {
		cmd.Printf("\n%s\n", cfg.String())
		return nil
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("\nConfiguration saved to: %s\n", loader.GetConfigPath())
	cmd.Println("Start the daemon with: tenantlink serve")
	return nil
}
