// Package migrate applies the embedded schema files in version order and
// keeps a checksummed record of every file it applied.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"lawline/internal/db"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// ErrChecksumMismatch reports an applied schema file whose content changed
// after it was applied.
var ErrChecksumMismatch = errors.New("applied migration was modified")

// Migration is one numbered schema file.
type Migration struct {
	Version  int
	Name     string
	UpSQL    string
	Checksum string
}

// Applied is a row of schema_migrations.
type Applied struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt string
}

const createLog = `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  checksum TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:])
}

func loadMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.Glob(fsys, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	migrations := make([]Migration, 0, len(files))
	seen := make(map[int]string, len(files))
	for _, path := range files {
		name := strings.TrimPrefix(path, "sql/")
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: name must be <version>_<title>.sql", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", name, prefix)
		}
		if other, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, name, v)
		}
		seen[v] = name
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Version: v, Name: name, UpSQL: string(data), Checksum: checksum(data)})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })
	return migrations, nil
}

// Migrate verifies already applied files against their recorded checksums
// and applies the rest, each in its own transaction.
func Migrate(ctx context.Context, conn *sql.DB) error {
	return apply(ctx, conn, migrationsFS)
}

func apply(ctx context.Context, conn *sql.DB, fsys fs.FS) error {
	migrations, err := loadMigrations(fsys)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, createLog); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	applied, err := List(ctx, conn)
	if err != nil {
		return err
	}
	done := make(map[int]Applied, len(applied))
	for _, a := range applied {
		done[a.Version] = a
	}

	for _, m := range migrations {
		if a, ok := done[m.Version]; ok {
			if a.Checksum != m.Checksum {
				return fmt.Errorf("%w: %s (recorded %s, embedded %s)", ErrChecksumMismatch, m.Name, a.Checksum, m.Checksum)
			}
			continue
		}
		err := db.InTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("migration %s: %w", m.Name, err)
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,checksum,applied_at) VALUES (?,?,?,?)`,
				m.Version, m.Name, m.Checksum, time.Now().UTC().Format(time.RFC3339Nano))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// List returns the applied migrations in version order.
func List(ctx context.Context, conn *sql.DB) ([]Applied, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version,name,checksum,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Version reports the highest applied version, 0 for an empty database.
func Version(ctx context.Context, conn *sql.DB) (int, error) {
	applied, err := List(ctx, conn)
	if err != nil || len(applied) == 0 {
		return 0, err
	}
	return applied[len(applied)-1].Version, nil
}
