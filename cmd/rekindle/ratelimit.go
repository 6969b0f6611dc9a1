package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/rekindle/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Rate limit commands",
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show rate limits and, with --owner, the current window",
	RunE:  runRatelimitShow,
}

var ratelimitOwner string

func init() {
	ratelimitShowCmd.Flags().StringVar(&ratelimitOwner, "owner", "", "show the import window of this owner")

	ratelimitCmd.AddCommand(ratelimitShowCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.cfg

	fmt.Println("Rate Limiting Configuration")
	fmt.Println("===========================")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LIMIT\tVALUE\tSTORE")
	fmt.Fprintln(w, "-----\t-----\t-----")
	fmt.Fprintf(w, "Imports per caller\t%d per %s\t%s\n", cfg.Import.MaxImportsPerHour, cfg.Import.RateWindow, cfg.RateLimit.Store)
	fmt.Fprintf(w, "Members per import\t%d\t-\n", cfg.Import.MaxMembersPerImport)
	if cfg.HTTPRateLimit.Enabled {
		fmt.Fprintf(w, "Requests per IP\t%d per minute\t%s\n", cfg.HTTPRateLimit.RequestsPerMinute, cfg.HTTPRateLimit.Store)
	} else {
		fmt.Fprintln(w, "Requests per IP\tdisabled\t-")
	}
	w.Flush()

	if ratelimitOwner == "" {
		if bs, ok := s.pipeline.Limiter.Store().(*ratelimit.BoltStore); ok {
			fmt.Println("\nActive import windows:")
			return printActiveWindows(ctx, os.Stdout, bs, cfg.Import.MaxImportsPerHour, time.Now())
		}
		return nil
	}

	fmt.Printf("\nImport window for %s:\n", ratelimitOwner)
	window, ok, err := s.pipeline.Limiter.Stats(ctx, ratelimitOwner)
	if err != nil {
		return fmt.Errorf("failed to read rate limit window: %w", err)
	}
	if !ok || window.Expired(time.Now()) {
		fmt.Printf("  No active window, %d imports available\n", cfg.Import.MaxImportsPerHour)
		return nil
	}

	remaining := cfg.Import.MaxImportsPerHour - window.Count
	if remaining < 0 {
		remaining = 0
	}
	fmt.Printf("  Used:      %d\n", window.Count)
	fmt.Printf("  Remaining: %d\n", remaining)
	fmt.Printf("  Resets at: %s\n", window.ResetAt.Format(time.RFC3339))
	return nil
}

// printActiveWindows lists the unexpired import windows kept in store
func printActiveWindows(ctx context.Context, out io.Writer, store *ratelimit.BoltStore, limit int, now time.Time) error {
	keys, err := store.Keys()
	if err != nil {
		return fmt.Errorf("failed to list rate limit windows: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OWNER\tUSED\tREMAINING\tRESETS AT")
	fmt.Fprintln(w, "-----\t----\t---------\t---------")

	active := 0
	for _, key := range keys {
		owner, ok := strings.CutPrefix(key, ratelimit.OperationImport+":")
		if !ok {
			continue
		}
		window, found, err := store.Peek(ctx, key, now)
		if err != nil {
			return fmt.Errorf("failed to read window %s: %w", key, err)
		}
		if !found || window.Expired(now) {
			continue
		}
		active++
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", owner, window.Count, max(0, limit-window.Count), window.ResetAt.Format(time.RFC3339))
	}

	if active == 0 {
		fmt.Fprintln(w, "(none)\t-\t-\t-")
	}
	return w.Flush()
}
