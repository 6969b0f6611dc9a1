package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/rekindle/internal/repository"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "API key management commands",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key",
	RunE:  runAPIKeyCreate,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runAPIKeyList,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeyRevoke,
}

var (
	apikeyOwner   string
	apikeyName    string
	apikeyExpires time.Duration
)

func init() {
	apikeyCreateCmd.Flags().StringVar(&apikeyOwner, "owner", "", "owner id the key authenticates as")
	apikeyCreateCmd.Flags().StringVar(&apikeyName, "name", "", "key name")
	apikeyCreateCmd.Flags().DurationVar(&apikeyExpires, "expires", 0, "lifetime, e.g. 720h (default never)")
	apikeyCreateCmd.MarkFlagRequired("owner")

	apikeyListCmd.Flags().StringVar(&apikeyOwner, "owner", "", "only keys of this owner")

	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyListCmd, apikeyRevokeCmd)
	rootCmd.AddCommand(apikeyCmd)
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := repository.APIKeyCreateOptions{Name: apikeyName, OwnerID: apikeyOwner}
	if apikeyExpires > 0 {
		exp := time.Now().UTC().Add(apikeyExpires)
		opts.ExpiresAt = &exp
	}

	key, err := s.pipeline.Keys.Create(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to create API key: %w", err)
	}

	fmt.Printf("API key created\n")
	fmt.Printf("  ID:    %s\n", key.ID)
	fmt.Printf("  Owner: %s\n", key.OwnerID)
	fmt.Printf("  Key:   %s\n", key.Key)
	fmt.Println("\nStore the key now, it cannot be shown again.")
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	keys, err := s.pipeline.Keys.List(ctx, apikeyOwner)
	if err != nil {
		return fmt.Errorf("failed to list API keys: %w", err)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tOWNER\tPREFIX\tACTIVE\tEXPIRES\tLAST USED")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\t%s\n",
			k.ID, k.Name, k.OwnerID, k.KeyPrefix, k.Active,
			formatTime(k.ExpiresAt), formatTime(k.LastUsedAt))
	}
	return w.Flush()
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.pipeline.Keys.Revoke(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	fmt.Printf("API key %s revoked\n", args[0])
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
