package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/foxzi/rekindle/internal/app"
	"github.com/foxzi/rekindle/internal/config"
	"github.com/foxzi/rekindle/internal/db"
)

// session is an open database with the import pipeline on top, for
// commands that run outside the server
type session struct {
	cfg      *config.Config
	db       *db.DB
	pipeline *app.Pipeline
}

func openSession(ctx context.Context, quiet bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := app.SetupLogger(cfg.Logging)
	if quiet {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d, err := app.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	p, err := app.NewPipeline(ctx, cfg, d, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to create import pipeline: %w", err)
	}

	return &session{cfg: cfg, db: d, pipeline: p}, nil
}

func (s *session) Close() {
	s.pipeline.Close()
	s.db.Close()
}
