package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/rekindle/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import members from a local CSV file",
	Long: `Import members from a CSV file through the same pipeline as the API.
Use --file - to read from standard input.`,
	RunE: runImport,
}

var (
	importOwner     string
	importFile      string
	importBatchSize int
	importNoDedup   bool
)

func init() {
	importCmd.Flags().StringVar(&importOwner, "owner", "", "owner id the members belong to")
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "CSV file path, - for stdin")
	importCmd.Flags().IntVar(&importBatchSize, "batch-size", 0, "batch size hint (default from config)")
	importCmd.Flags().BoolVar(&importNoDedup, "no-dedup", false, "store rows even if the contact already exists")
	importCmd.MarkFlagRequired("owner")
	importCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := readInput(importFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := openSession(ctx, false)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := importer.ImportOptions{BatchSize: importBatchSize}
	if importNoDedup {
		skip := false
		opts.SkipDuplicates = &skip
	}

	result, err := s.pipeline.Service.Import(ctx, importer.Request{
		OwnerID: importOwner,
		CSVData: string(data),
		Options: opts,
	})
	if err != nil {
		printImportError(cmd.ErrOrStderr(), err)
		return fmt.Errorf("import failed")
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Message())
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV file: %w", err)
	}
	return data, nil
}

func printImportError(w io.Writer, err error) {
	var ie *importer.Error
	if !errors.As(err, &ie) {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", ie.Code(), ie.Message)
	if ie.RetryAfter > 0 {
		fmt.Fprintf(w, "  Retry after: %ds\n", ie.RetryAfter)
	}
	if ie.Details != nil {
		if details, jerr := json.Marshal(ie.Details); jerr == nil {
			fmt.Fprintf(w, "  Details: %s\n", details)
		}
	}
	if ie.Err != nil {
		fmt.Fprintf(w, "  Cause: %v\n", ie.Err)
	}
}
