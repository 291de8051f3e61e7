package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/tenantlink/internal/config"
	"github.com/harun/tenantlink/pkg/gateway"
)

// apiClient calls the local daemon's HTTP API with the admin key.
type apiClient struct {
	baseURL  string
	adminKey string
	http     *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return &apiClient{
		baseURL:  "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)),
		adminKey: cfg.Server.AdminKey,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// do sends a request and decodes a JSON response into out. Non-2xx responses
// are returned as errors carrying the server's error message.
func (c *apiClient) do(method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if c.adminKey != "" {
		req.Header.Set(gateway.AdminKeyHeader, c.adminKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
