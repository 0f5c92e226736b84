package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"lawline/internal/config"
	"lawline/internal/db"
	"lawline/internal/engine"
	"lawline/internal/lawbook"
	"lawline/internal/migrate"
	"lawline/internal/policy"
)

// Workspace is an opened lawline workspace: its migrated database, its
// config and an engine wired over both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

type Options struct {
	ActorID string
	Now     func() time.Time
	Logger  *slog.Logger
}

// Open opens dir, applies pending migrations and makes sure a lawbook is
// active. A missing lawline.yml falls back to the default config.
func Open(ctx context.Context, dir string, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg, opts.Now)
	if opts.Logger != nil {
		eng.Logger = opts.Logger
		eng.Evaluator.Logger = opts.Logger
	}
	if _, err := EnsureLawbook(ctx, eng, cfg.LawbookPath(dir), opts.ActorID); err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: eng}, nil
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

// EnsureLawbook loads the active lawbook. When none has ever been activated
// it publishes the lawbook file at path, or the built-in default when there
// is no file, and activates it.
func EnsureLawbook(ctx context.Context, eng engine.Engine, path, actorID string) (*policy.Version, error) {
	v, err := eng.Policies.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active lawbook: %w", err)
	}
	if v != nil {
		return v, nil
	}
	if actorID == "" {
		actorID = "local-user"
	}
	lb, source := lawbook.Default(), "default"
	if path != "" {
		parsed, err := lawbook.ParseFile(path)
		switch {
		case err == nil:
			lb, source = parsed, path
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if _, _, err := eng.PublishLawbook(ctx, lb, actorID, source, true); err != nil {
		return nil, fmt.Errorf("seed lawbook: %w", err)
	}
	return eng.Policies.Active(), nil
}

// Init writes lawline.yml and the lawbook file when they are missing, then
// opens the workspace. With force the files are rewritten.
func Init(ctx context.Context, dir string, force bool, opts Options) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	if err := writeFile(config.Path(dir), config.GenerateDefault(), force); err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if path := cfg.LawbookPath(dir); path != "" {
		if err := writeFile(path, lawbook.DefaultTemplate, force); err != nil {
			return nil, err
		}
	}
	return Open(ctx, dir, opts)
}

func writeFile(path, content string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
