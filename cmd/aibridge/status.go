package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current leader and its connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			base := "http://" + cfg.Address()
			leader, err := fetchJSON(ctx, base+"/api/v1/leader")
			if err != nil {
				return fmt.Errorf("no bridge leader on %s: %w", cfg.Address(), err)
			}
			health, err := fetchJSON(ctx, base+"/health")
			if err != nil {
				return err
			}
			conns, err := fetchJSON(ctx, base+"/api/v1/connections")
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"leader":      leader,
				"health":      health,
				"connections": conns,
			})
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "Request timeout")
	return cmd
}

func fetchJSON(ctx context.Context, url string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", url, resp.Status)
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return out, nil
}
