package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/rekindle/internal/importer"
)

func TestReadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.csv")
	if err := os.WriteFile(path, []byte("email\na@x.com\n"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	data, err := readInput(path, nil)
	if err != nil || string(data) != "email\na@x.com\n" {
		t.Errorf("readInput(file) = %q, %v", data, err)
	}

	data, err = readInput("-", strings.NewReader("email\nb@x.com\n"))
	if err != nil || string(data) != "email\nb@x.com\n" {
		t.Errorf("readInput(stdin) = %q, %v", data, err)
	}

	if _, err := readInput(filepath.Join(t.TempDir(), "missing.csv"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestPrintImportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: []string{"Error: boom"},
		},
		{
			name: "rate limited",
			err: &importer.Error{
				Kind:       importer.KindRateLimited,
				Message:    "Rate limit exceeded. Maximum 5 imports per hour.",
				RetryAfter: 120,
			},
			want: []string{"Error [RATE_LIMITED]", "Retry after: 120s"},
		},
		{
			name: "details and cause",
			err: &importer.Error{
				Kind:    importer.KindStore,
				Message: "Database error during import",
				Details: map[string]int{"total_inserted": 10},
				Err:     errors.New("disk full"),
			},
			want: []string{"DATABASE_ERROR", `"total_inserted":10`, "Cause: disk full"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printImportError(&buf, tt.err)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q missing %q", buf.String(), w)
				}
			}
		})
	}
}

func TestFormatTime(t *testing.T) {
	if got := formatTime(nil); got != "-" {
		t.Errorf("formatTime(nil) = %q", got)
	}
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	if got := formatTime(&ts); got != "2024-01-15T10:30:00Z" {
		t.Errorf("formatTime() = %q", got)
	}
}
