package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show system-wide import health",
	RunE:  runHealth,
}

var healthJSON bool

func init() {
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "print JSON")
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	health := s.pipeline.Monitor.SystemHealth(ctx)

	if healthJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(health)
	}

	m := health.Metrics
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("  Imports:        %d (%d ok, %d failed)\n", m.TotalImports, m.SuccessfulImports, m.FailedImports)
	fmt.Printf("  Members:        %d\n", m.TotalMembersImported)
	fmt.Printf("  Error rate:     %.1f%%\n", m.ErrorRate)
	fmt.Printf("  Duplicate rate: %.1f%%\n", m.DuplicateRate)
	for _, a := range health.Alerts {
		fmt.Printf("  ! %s\n", a)
	}
	return nil
}
