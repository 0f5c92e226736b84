// Package policy holds published lawbook versions, the active-version
// pointer, and the evaluator that authorizes automation actions.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lawline/internal/db"
	"lawline/internal/domain"
	"lawline/internal/lawbook"
	"lawline/internal/ledger"
	"lawline/internal/repo"
)

// Version is an immutable published lawbook.
type Version struct {
	ID      string
	Lawbook *lawbook.Lawbook
	Meta    domain.LawbookVersion
}

// Store persists lawbook versions and the active pointer. Published versions
// never change, so parsed versions are cached by id.
type Store struct {
	DB     *sql.DB
	Ledger ledger.Ledger
	Now    func() time.Time

	active atomic.Pointer[Version]
	cache  sync.Map
}

func NewStore(conn *sql.DB, l ledger.Ledger, now func() time.Time) *Store {
	return &Store{DB: conn, Ledger: l, Now: now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Active returns the cached active version, nil when none is active. It does
// not touch storage.
func (s *Store) Active() *Version {
	return s.active.Load()
}

// Refresh reloads the active pointer from storage, picking up activations
// made by other processes.
func (s *Store) Refresh(ctx context.Context) (*Version, error) {
	v, err := s.activeIn(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	s.active.Store(v)
	return v, nil
}

// activeIn resolves the active version through q, so that a caller holding a
// transaction sees the pointer as of that transaction.
func (s *Store) activeIn(ctx context.Context, q ledger.Queryer) (*Version, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT version_id FROM lawbook_active WHERE singleton=1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read active lawbook: %w", err)
	}
	if cur := s.active.Load(); cur != nil && cur.ID == id {
		return cur, nil
	}
	v, err := s.load(ctx, q, id)
	if err != nil {
		return nil, err
	}
	out := *v
	out.Meta.Active = true
	return &out, nil
}

func (s *Store) load(ctx context.Context, q ledger.Queryer, id string) (*Version, error) {
	if cached, ok := s.cache.Load(id); ok {
		return cached.(*Version), nil
	}
	var content string
	var source sql.NullString
	meta := domain.LawbookVersion{ID: id}
	err := q.QueryRowContext(ctx, `SELECT content_json,source,published_by,rule_count,created_at FROM lawbook_versions WHERE id=?`, id).
		Scan(&content, &source, &meta.PublishedBy, &meta.RuleCount, &meta.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repo.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read lawbook %s: %w", id, err)
	}
	meta.Source = source.String
	lb, err := lawbook.FromJSON([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("lawbook %s: %w", id, err)
	}
	v := &Version{ID: id, Lawbook: lb, Meta: meta}
	s.cache.Store(id, v)
	return v, nil
}

// Get loads a published version.
func (s *Store) Get(ctx context.Context, id string) (*Version, error) {
	v, err := s.load(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	out := *v
	if cur := s.active.Load(); cur != nil && cur.ID == id {
		out.Meta.Active = true
	}
	return &out, nil
}

// List returns published versions oldest first, flagging the active one.
func (s *Store) List(ctx context.Context) ([]domain.LawbookVersion, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT v.id,v.source,v.published_by,v.rule_count,v.created_at,
CASE WHEN a.version_id IS NULL THEN 0 ELSE 1 END
FROM lawbook_versions v LEFT JOIN lawbook_active a ON a.version_id=v.id
ORDER BY v.created_at ASC, v.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LawbookVersion
	for rows.Next() {
		var v domain.LawbookVersion
		var source sql.NullString
		var active int
		if err := rows.Scan(&v.ID, &source, &v.PublishedBy, &v.RuleCount, &v.CreatedAt, &active); err != nil {
			return nil, err
		}
		v.Source = source.String
		v.Active = active == 1
		res = append(res, v)
	}
	return res, rows.Err()
}

// Publish stores lb as a new immutable version. Publishing content that is
// already stored returns the existing version with created=false.
func (s *Store) Publish(ctx context.Context, lb *lawbook.Lawbook, actorID, source string) (domain.LawbookVersion, bool, error) {
	if err := lb.Validate(); err != nil {
		return domain.LawbookVersion{}, false, err
	}
	hash, err := lb.Hash()
	if err != nil {
		return domain.LawbookVersion{}, false, err
	}
	content, err := lb.JSON()
	if err != nil {
		return domain.LawbookVersion{}, false, err
	}
	meta := domain.LawbookVersion{
		ID:          hash.String(),
		Source:      source,
		PublishedBy: actorID,
		RuleCount:   len(lb.Rules),
		CreatedAt:   domain.FormatTime(s.now()),
	}
	created := false
	err = db.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO lawbook_versions(id,content_json,source,published_by,rule_count,created_at) VALUES (?,?,?,?,?,?)`,
			meta.ID, string(content), nullable(source), actorID, meta.RuleCount, meta.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert lawbook version: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		if !created {
			return nil
		}
		return s.Ledger.AppendEvent(ctx, tx, "lawbook.published", "lawbook", meta.ID, actorID, ledger.EventPayload{
			"source":     source,
			"rule_count": meta.RuleCount,
		})
	})
	if err != nil {
		return domain.LawbookVersion{}, false, err
	}
	if !created {
		existing, err := s.Get(ctx, meta.ID)
		if err != nil {
			return domain.LawbookVersion{}, false, err
		}
		return existing.Meta, false, nil
	}
	return meta, true, nil
}

// Activate makes id the active version. It reports false when id was
// already active; no event is written in that case.
func (s *Store) Activate(ctx context.Context, id, actorID string) (bool, error) {
	var next *Version
	changed := false
	err := db.InTx(ctx, s.DB, func(tx *sql.Tx) error {
		v, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		var previous sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT version_id FROM lawbook_active WHERE singleton=1`).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read active lawbook: %w", err)
		}
		next = v
		if previous.String == id {
			changed = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO lawbook_active(singleton,version_id,activated_by,activated_at) VALUES (1,?,?,?)
ON CONFLICT(singleton) DO UPDATE SET version_id=excluded.version_id, activated_by=excluded.activated_by, activated_at=excluded.activated_at`,
			id, actorID, domain.FormatTime(s.now())); err != nil {
			return fmt.Errorf("swap active lawbook: %w", err)
		}
		changed = true
		return s.Ledger.AppendEvent(ctx, tx, "lawbook.activated", "lawbook", id, actorID, ledger.EventPayload{
			"previous": previous.String,
		})
	})
	if err != nil {
		return false, err
	}
	active := *next
	active.Meta.Active = true
	s.active.Store(&active)
	return changed, nil
}

// PublishAndActivate is the hot-reload path.
func (s *Store) PublishAndActivate(ctx context.Context, lb *lawbook.Lawbook, actorID, source string) (domain.LawbookVersion, error) {
	meta, _, err := s.Publish(ctx, lb, actorID, source)
	if err != nil {
		return meta, err
	}
	if _, err := s.Activate(ctx, meta.ID, actorID); err != nil {
		return meta, err
	}
	meta.Active = true
	return meta, nil
}

// Applier adapts the store for lawbook.Watcher.
func (s *Store) Applier(actorID string) lawbook.ApplyFunc {
	return func(ctx context.Context, lb *lawbook.Lawbook, source string) error {
		_, err := s.PublishAndActivate(ctx, lb, actorID, source)
		return err
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
