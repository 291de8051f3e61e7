package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/harun/tenantlink/internal/config"
	"github.com/harun/tenantlink/pkg/credentials"
	"github.com/spf13/cobra"
)

var (
	webhookURL     string
	webhookTrigger string
	webhookSecret  string
	clearWebhook   bool
	rotateKey      bool
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants on a running daemon",
}

var tenantProvisionCmd = &cobra.Command{
	Use:   "provision <tenant>",
	Short: "Create or update a tenant and print its API key",
	Long: `Create or update a tenant through the admin API.
A new API key is printed when the tenant has none or --rotate-key is set;
it is shown only once.`,
	Args: cobra.ExactArgs(1),
	RunE: runTenantProvision,
}

func init() {
	tenantProvisionCmd.Flags().StringVar(&webhookURL, "webhook-url", "", "webhook endpoint for inbound messages")
	tenantProvisionCmd.Flags().StringVar(&webhookTrigger, "trigger", "", "messages to forward: incoming, outgoing or both")
	tenantProvisionCmd.Flags().StringVar(&webhookSecret, "secret", "", "HMAC secret used to sign webhook bodies")
	tenantProvisionCmd.Flags().BoolVar(&clearWebhook, "clear-webhook", false, "remove the tenant's webhook")
	tenantProvisionCmd.Flags().BoolVar(&rotateKey, "rotate-key", false, "issue a new API key")

	tenantCmd.AddCommand(tenantProvisionCmd)
	rootCmd.AddCommand(tenantCmd)
}

type provisionOptions struct {
	WebhookURL   string
	Trigger      string
	Secret       string
	ClearWebhook bool
	RotateKey    bool
}

type provisionResult struct {
	ID        string `json:"id"`
	APIKey    string `json:"apiKey"`
	HasAPIKey bool   `json:"hasApiKey"`
	Webhook   *struct {
		URL     string `json:"url"`
		Trigger string `json:"trigger"`
	} `json:"webhook"`
}

func runTenantProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	return provisionTenant(cmd.OutOrStdout(), cfg, args[0], provisionOptions{
		WebhookURL:   webhookURL,
		Trigger:      webhookTrigger,
		Secret:       webhookSecret,
		ClearWebhook: clearWebhook,
		RotateKey:    rotateKey,
	})
}

func provisionTenant(out io.Writer, cfg *config.Config, tenant string, opts provisionOptions) error {
	if err := credentials.ValidateTenant(tenant); err != nil {
		return err
	}
	if cfg.Server.AdminKey == "" {
		return fmt.Errorf("server.admin_key is not configured")
	}
	if opts.ClearWebhook && opts.WebhookURL != "" {
		return fmt.Errorf("--webhook-url and --clear-webhook are mutually exclusive")
	}

	body := map[string]interface{}{}
	if opts.RotateKey {
		body["rotateKey"] = true
	}
	switch {
	case opts.ClearWebhook:
		body["webhook"] = nil
	case opts.WebhookURL != "":
		webhook := map[string]string{"url": opts.WebhookURL}
		if opts.Trigger != "" {
			webhook["trigger"] = opts.Trigger
		}
		if opts.Secret != "" {
			webhook["secret"] = opts.Secret
		}
		body["webhook"] = webhook
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var result provisionResult
	path := "/api/tenants/" + url.PathEscape(tenant)
	if err := newAPIClient(cfg).do(http.MethodPut, path, bytes.NewReader(data), &result); err != nil {
		return err
	}

	fmt.Fprintf(out, "Tenant: %s\n", result.ID)
	if result.Webhook != nil {
		fmt.Fprintf(out, "Webhook: %s (%s)\n", result.Webhook.URL, result.Webhook.Trigger)
	} else {
		fmt.Fprintln(out, "Webhook: none")
	}
	if result.APIKey != "" {
		fmt.Fprintf(out, "API key: %s\n", result.APIKey)
		fmt.Fprintln(out, "Store this key now; it cannot be shown again.")
	}
	return nil
}
