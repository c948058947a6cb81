package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/core/engine"
	apperrors "github.com/relaygate/relaygate/internal/errors"
	"github.com/relaygate/relaygate/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show limiter, endpoint, queue and miss state of a running server",
	Long: `Query GET /admin/status on a running relaygate server.

The server address defaults to server.host and server.port from the
configuration and the bearer token to admin.token.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := outputFormat(cmd)
		if err != nil {
			return err
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		baseURL, _ := cmd.Flags().GetString("url")
		if baseURL == "" {
			host := cfg.Server.Host
			if host == "" || host == "0.0.0.0" {
				host = "localhost"
			}
			baseURL = "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
		}
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = cfg.Admin.Token
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		status, err := fetchStatus(ctx, http.DefaultClient, baseURL, token)
		if err != nil {
			return withExit(foundry.ExitExternalServiceUnavailable, "failed to query server status", err)
		}

		rendered, err := output.FormatStatus(format, status)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rendered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("url", "", "server base URL (default from server.host and server.port)")
	statusCmd.Flags().String("token", "", "admin bearer token (default from admin.token)")
	statusCmd.Flags().StringP("output", "o", "table", "output format: table, json, markdown")
}

// fetchStatus calls GET /admin/status and decodes the snapshot.
func fetchStatus(ctx context.Context, client *http.Client, baseURL, token string) (engine.Status, error) {
	var status engine.Status

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/admin/status", nil)
	if err != nil {
		return status, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return status, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return status, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apperrors.HTTPErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != "" {
			return status, fmt.Errorf("%s: %s (http %d)", apiErr.Error.Code, apiErr.Error.Message, resp.StatusCode)
		}
		return status, fmt.Errorf("unexpected http status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, &status); err != nil {
		return status, fmt.Errorf("decode status: %w", err)
	}
	return status, nil
}
