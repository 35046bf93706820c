// Package store implements the Rule Store: a durable, indexed table of
// domain rules backed by SQLite (mirroring internal/database's
// modernc.org/sqlite + golang-migrate setup) with an in-memory secondary
// index (ruleIndex) for O(k)-in-label-count wildcard suffix lookups.
//
// Writers serialize through a single *sql.DB handle guarded by a RWMutex,
// matching internal/database.DB's single-writer/many-reader shape. Source
// replacement is transactional: BeginSourceReplace/CommitSourceReplace
// delete-then-insert inside one sql.Tx so a concurrent reader never
// observes a partially replaced source.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nullstream/ruleproxy/internal/rules"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoRule is returned when a lookup or removal finds no matching row.
var ErrNoRule = fmt.Errorf("store: no matching rule")

// Store is the durable Rule Store described in the rule engine design: a
// SQLite-backed table of rules plus an in-memory index rebuilt after every
// committed write. Readers call Lookup/Candidates; only the Rule Manager
// should call the mutating methods (Ownership, per the data model).
type Store struct {
	conn   *sql.DB
	mu     sync.RWMutex
	index  *ruleIndex
	logger *slog.Logger

	notifyMu sync.Mutex
	notifyCh chan struct{} // closed and replaced on every committed write
}

// Open opens or creates the SQLite-backed rule store at path, running
// migrations and building the initial in-memory index.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn, index: newRuleIndex(), logger: logger, notifyCh: make(chan struct{})}

	if err := s.runMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.reindex(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: initial index build: %w", err)
	}
	return s, nil
}

func (s *Store) runMigrations() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Notify returns a channel that is closed the next time a write commits.
// Callers (the Rule Lookup Cache invalidator) should re-call Notify after
// each signal to keep watching.
func (s *Store) Notify() <-chan struct{} {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.notifyCh
}

func (s *Store) broadcastChange() {
	s.notifyMu.Lock()
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.notifyMu.Unlock()
}

func scanRule(row interface{ Scan(...any) error }) (rules.Rule, error) {
	var r rules.Rule
	var action, typ, source int
	var expires sql.NullTime
	err := row.Scan(&r.ID, &r.Domain, &action, &typ, &r.Priority, &source, &r.SourceName,
		&r.CustomMessage, &expires, &r.Comment, &r.UpdatedAt)
	if err != nil {
		return rules.Rule{}, err
	}
	r.Action = rules.Action(action)
	r.Type = rules.Type(typ)
	r.Source = rules.Source(source)
	if expires.Valid {
		r.ExpiresAt = expires.Time
	}
	return r, nil
}

const selectColumns = "id, domain, action, type, priority, source, source_name, custom_message, expires_at, comment, updated_at"

// reindex reloads every non-expired rule from disk into the in-memory
// ruleIndex. Called after Open and after any committed write.
func (s *Store) reindex(ctx context.Context) error {
	rows, err := s.conn.QueryContext(ctx, "SELECT "+selectColumns+" FROM rules")
	if err != nil {
		return err
	}
	defer rows.Close()

	now := time.Now()
	var all []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return err
		}
		if r.IsExpired(now) {
			continue
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.index.Rebuild(all)
	return nil
}

// AddRule inserts a single rule and returns its assigned ID.
func (s *Store) AddRule(ctx context.Context, r rules.Rule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.insertRule(ctx, s.conn, r)
	if err != nil {
		return 0, err
	}
	if err := s.reindex(ctx); err != nil {
		return id, err
	}
	s.broadcastChange()
	return id, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertRule(ctx context.Context, ex execer, r rules.Rule) (int64, error) {
	var expires any
	if !r.ExpiresAt.IsZero() {
		expires = r.ExpiresAt
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO rules (domain, action, type, priority, source, source_name, custom_message, expires_at, comment, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Domain, int(r.Action), int(r.Type), r.Priority, int(r.Source), r.SourceName, r.CustomMessage, expires, r.Comment, r.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert rule %s: %w", r.Domain, err)
	}
	return res.LastInsertId()
}

// AddBatch inserts many rules inside a single transaction.
func (s *Store) AddBatch(ctx context.Context, rs []rules.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, r := range rs {
		if _, err := s.insertRule(ctx, tx, r); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	if err := s.reindex(ctx); err != nil {
		return err
	}
	s.broadcastChange()
	return nil
}

// RemoveByDomain deletes every rule exactly matching domain (any type).
func (s *Store) RemoveByDomain(ctx context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.conn.ExecContext(ctx, "DELETE FROM rules WHERE domain = ?", domain); err != nil {
		return fmt.Errorf("remove domain %s: %w", domain, err)
	}
	if err := s.reindex(ctx); err != nil {
		return err
	}
	s.broadcastChange()
	return nil
}

// RemoveExpired deletes all rules whose expires_at has passed.
func (s *Store) RemoveExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.ExecContext(ctx, "DELETE FROM rules WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now())
	if err != nil {
		return 0, fmt.Errorf("remove expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := s.reindex(ctx); err != nil {
			return n, err
		}
		s.broadcastChange()
	}
	return n, nil
}

// SourceReplaceTx is the handle returned by BeginSourceReplace. It wraps a
// live sql.Tx so a reader using Store concurrently never observes a
// partially replaced source: the old rows for sourceName are deleted and
// the new ones inserted inside this single transaction, invisible to other
// connections (and to this Store's own readers, since WAL readers see a
// snapshot) until CommitSourceReplace calls tx.Commit.
type SourceReplaceTx struct {
	tx         *sql.Tx
	sourceName string
	store      *Store
}

// BeginSourceReplace starts a transaction that will atomically replace all
// rules belonging to sourceName.
func (s *Store) BeginSourceReplace(ctx context.Context, sourceName string) (*SourceReplaceTx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin source replace: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM rules WHERE source_name = ?", sourceName); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("clear source %s: %w", sourceName, err)
	}
	return &SourceReplaceTx{tx: tx, sourceName: sourceName, store: s}, nil
}

// Insert adds one rule within the replace transaction.
func (srt *SourceReplaceTx) Insert(ctx context.Context, r rules.Rule) error {
	r.SourceName = srt.sourceName
	_, err := srt.store.insertRule(ctx, srt.tx, r)
	return err
}

// Commit finalizes the replace, rebuilds the in-memory index, and
// broadcasts a change notification — in that order, per the ordering
// guarantee that the Rule Lookup Cache is invalidated strictly after
// commit, never before.
func (srt *SourceReplaceTx) Commit(ctx context.Context) error {
	if err := srt.tx.Commit(); err != nil {
		return fmt.Errorf("commit source replace: %w", err)
	}
	if err := srt.store.reindex(ctx); err != nil {
		return err
	}
	srt.store.broadcastChange()
	return nil
}

// Rollback aborts the replace; no rules are changed.
func (srt *SourceReplaceTx) Rollback() error {
	return srt.tx.Rollback()
}

// LookupExact returns the rule(s) with an exact match for domain.
func (s *Store) LookupExact(ctx context.Context, domain string) ([]rules.Rule, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT "+selectColumns+" FROM rules WHERE domain = ? AND type = ?", domain, int(rules.Exact))
	if err != nil {
		return nil, fmt.Errorf("lookup exact %s: %w", domain, err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Candidates returns every in-memory-indexed rule that could match domain
// (exact rules on the domain itself plus every wildcard rule on an
// ancestor suffix), for the precedence resolver to reduce to one winner.
// This is the store's hot read path and never touches disk.
func (s *Store) Candidates(domain string) []rules.Rule {
	now := time.Now()
	all := s.index.Candidates(domain)
	out := all[:0]
	for _, r := range all {
		if !r.IsExpired(now) {
			out = append(out, r)
		}
	}
	return out
}

// IterateBySource calls fn for every rule belonging to sourceName.
func (s *Store) IterateBySource(ctx context.Context, sourceName string, fn func(rules.Rule) error) error {
	rows, err := s.conn.QueryContext(ctx, "SELECT "+selectColumns+" FROM rules WHERE source_name = ?", sourceName)
	if err != nil {
		return fmt.Errorf("iterate source %s: %w", sourceName, err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RecordQuery appends a query-count row for domain, used only for cache
// warming heuristics. Append-only; pruned by PruneQueryCounts.
func (s *Store) RecordQuery(ctx context.Context, domain string) error {
	_, err := s.conn.ExecContext(ctx, "INSERT INTO query_counts (domain) VALUES (?)", domain)
	return err
}

// PruneQueryCounts deletes query-count rows older than olderThan.
func (s *Store) PruneQueryCounts(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.conn.ExecContext(ctx, "DELETE FROM query_counts WHERE counted_at <= ?", time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vacuum reclaims free space in the underlying SQLite file.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, "VACUUM")
	return err
}

// Len returns the total number of (possibly expired) rows in the store.
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM rules").Scan(&n)
	return n, err
}
