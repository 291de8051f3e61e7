package cli

import (
	"fmt"

	"github.com/harun/tenantlink/internal/daemon"
	"github.com/harun/tenantlink/internal/logger"
	"github.com/spf13/cobra"
)

var prettyLogs bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tenantlink daemon in the foreground",
	Long: `Run the tenantlink daemon in the foreground.
The daemon serves the HTTP API and push WebSocket, recovers persisted sessions
and stops gracefully on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&prettyLogs, "pretty", false, "human-readable console logs")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if pid, err := daemon.ReadPIDFile(cfg.Server.PIDFile); err == nil && daemon.ProcessRunning(pid) {
		return fmt.Errorf("daemon is already running (PID %d, PID file: %s)", pid, cfg.Server.PIDFile)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    prettyLogs || cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,

		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	log.Info().Str("config", cfg.String()).Msg("Configuration loaded")

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	d.Wait()
	return nil
}
