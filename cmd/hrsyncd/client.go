package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/hrdesk/internal/config"
	"github.com/kimhsiao/hrdesk/internal/sync/stats"
)

var clearOwner string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and sync status of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Stats stats.Snapshot `json:"stats"`
		}
		if err := callDaemon(cmd.Context(), http.MethodGet, "/api/v1/stats", &resp); err != nil {
			return err
		}
		printStats(cmd.OutOrStdout(), resp.Stats)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard pending operations (all, or one owner's with --owner)",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/operations"
		if clearOwner != "" {
			path += "?owner=" + url.QueryEscape(clearOwner)
		}
		var resp struct {
			Removed int `json:"removed"`
		}
		if err := callDaemon(cmd.Context(), http.MethodDelete, path, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d operation(s)\n", resp.Removed)
		return nil
	},
}

func init() {
	clearCmd.Flags().StringVar(&clearOwner, "owner", "", "only discard operations of this owner")
}

// daemonBaseURL resolves the control API address from --addr or the config.
func daemonBaseURL() (string, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", err
		}
		addr = cfg.Listen
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/"), nil
}

func callDaemon(ctx context.Context, method, path string, out interface{}) error {
	base, err := daemonBaseURL()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, base+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func printStats(w io.Writer, s stats.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Online:\t%v\n", s.IsOnline)
	fmt.Fprintf(tw, "Syncing:\t%v\n", s.IsSyncing)
	fmt.Fprintf(tw, "Pending:\t%d\n", s.Pending)
	fmt.Fprintf(tw, "Awaiting review:\t%d\n", s.AwaitingManual)
	fmt.Fprintf(tw, "Delivered:\t%d\n", s.SuccessCount)
	fmt.Fprintf(tw, "Failed attempts:\t%d\n", s.FailureCount)
	fmt.Fprintf(tw, "Dropped:\t%d\n", s.DroppedCount)
	fmt.Fprintf(tw, "Conflicts:\t%d\n", s.ConflictCount)
	if s.SaveFailures > 0 {
		fmt.Fprintf(tw, "Save failures:\t%d\n", s.SaveFailures)
	}
	if s.LastSyncAt.IsZero() {
		fmt.Fprintf(tw, "Last sync:\tnever\n")
	} else {
		fmt.Fprintf(tw, "Last sync:\t%s\n", s.LastSyncAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Estimated sync time:\t%s\n", s.EstimatedSyncTime)
	tw.Flush()
}

// redactDSN hides credentials in a storage DSN before logging it.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
