package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"injectline/internal/config"
	"injectline/internal/db"
	"injectline/internal/engine"
	"injectline/internal/logger"
	"injectline/internal/migrate"
	"injectline/internal/repo"
)

// Workspace is an opened workspace: migrated database, loaded config and an
// engine wired on both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine *engine.Engine
}

// Open prepares the workspace directory, migrates its database and loads
// injectline.yml, falling back to defaults when the file is missing.
func Open(ctx context.Context, dir string, log *slog.Logger) (*Workspace, error) {
	if log == nil {
		log = logger.Discard()
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = log.With("component", "engine")
	return &Workspace{
		Dir:    dir,
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: cfg,
		Engine: e,
	}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}
