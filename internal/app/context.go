// Package app wires a workspace into a ready engine for the CLI and server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/metrics"
	"phaseline/internal/migrate"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
)

// Workspace is an opened database plus the config it was opened with.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Logger *slog.Logger
	closer io.Closer
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(l config.Log, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open loads phaseline.yml from dir, opens the workspace database and
// applies pending migrations.
func Open(ctx context.Context, dir string, logOut io.Writer) (*Workspace, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, dir, cfg, logOut)
}

func OpenWithConfig(ctx context.Context, dir string, cfg *config.Config, logOut io.Writer) (*Workspace, error) {
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{
		Dir:    dir,
		DB:     conn,
		Config: cfg,
		Logger: NewLogger(cfg.Log, logOut),
	}, nil
}

// Engine returns an engine with the configured notification sinks and the
// given metrics, which may be nil.
func (w *Workspace) Engine(m *metrics.Metrics) (engine.Engine, error) {
	sink, closer, err := notify.FromConfig(w.Config.Notifications, w.Logger)
	if err != nil {
		return engine.Engine{}, fmt.Errorf("notifications: %w", err)
	}
	w.closer = closer
	e := engine.New(w.DB, w.Config)
	e.Notifier = sink
	e.Metrics = m
	e.Logger = w.Logger
	return e, nil
}

// ResolveProject picks the override or the configured project and checks
// that it has been initialized.
func (w *Workspace) ResolveProject(ctx context.Context, override string) (string, error) {
	projectID := strings.TrimSpace(override)
	if projectID == "" {
		projectID = w.Config.Project.ID
	}
	r := repo.Repo{DB: w.DB}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("project %s is not initialized; run pl init", projectID)
		}
		return "", err
	}
	return projectID, nil
}

func (w *Workspace) Close() error {
	var errs []error
	if w.closer != nil {
		errs = append(errs, w.closer.Close())
	}
	errs = append(errs, w.DB.Close())
	return errors.Join(errs...)
}
