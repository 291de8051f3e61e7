package cli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/harun/tenantlink/internal/config"
	"github.com/harun/tenantlink/internal/daemon"
	"github.com/harun/tenantlink/pkg/session"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the tenantlink daemon and its sessions.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return printStatus(cmd.OutOrStdout(), cfg)
}

type healthResponse struct {
	Status      string `json:"status"`
	Sessions    int    `json:"sessions"`
	Subscribers int    `json:"subscribers"`
}

type sessionsResponse struct {
	Sessions []session.SessionInfo `json:"sessions"`
}

func printStatus(out io.Writer, cfg *config.Config) error {
	pid, err := daemon.ReadPIDFile(cfg.Server.PIDFile)
	if err != nil || !daemon.ProcessRunning(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintf(out, "Status: running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)

	// PID file modification time approximates uptime
	if info, err := os.Stat(cfg.Server.PIDFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	client := newAPIClient(cfg)

	var health healthResponse
	if err := client.do(http.MethodGet, "/healthz", nil, &health); err != nil {
		fmt.Fprintf(out, "API: unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "API: %s (%s)\n", health.Status, client.baseURL)
	fmt.Fprintf(out, "Sessions: %d\n", health.Sessions)
	fmt.Fprintf(out, "Subscribers: %d\n", health.Subscribers)

	if cfg.Server.AdminKey == "" {
		return nil
	}

	var list sessionsResponse
	if err := client.do(http.MethodGet, "/api/sessions", nil, &list); err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, s := range list.Sessions {
		line := fmt.Sprintf("  %-24s %s", s.Tenant, s.State)
		if s.Pairing {
			line += " (pairing)"
		}
		fmt.Fprintln(out, line)
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
