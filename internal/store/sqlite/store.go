package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"bookrequest/searchservice/internal/domain"
)

// Store persists canonical book records in a local SQLite database. It is the
// single source of truth the snapshot cache re-resolves against; rows deleted
// here simply stop appearing in rehydrated cache hits.
type Store struct {
	conn *sql.DB
}

// Open opens or creates the books database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open books database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	store := &Store{conn: conn}
	if err := store.initializeSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initialize books schema: %w", err)
	}
	return store, nil
}

func (s *Store) initializeSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS books (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			asin            TEXT NOT NULL DEFAULT '',
			isbn10          TEXT NOT NULL DEFAULT '',
			isbn13          TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL,
			subtitle        TEXT NOT NULL DEFAULT '',
			authors         TEXT NOT NULL DEFAULT '[]',
			narrators       TEXT NOT NULL DEFAULT '[]',
			cover_url       TEXT NOT NULL DEFAULT '',
			runtime_minutes INTEGER NOT NULL DEFAULT 0,
			publish_date    TEXT,
			source          TEXT NOT NULL DEFAULT '',
			best_rank       INTEGER NOT NULL DEFAULT 0,
			first_discovery INTEGER NOT NULL DEFAULT 0,
			requested       INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_books_asin   ON books(asin)   WHERE asin   != '';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_books_isbn13 ON books(isbn13) WHERE isbn13 != '';
		CREATE UNIQUE INDEX IF NOT EXISTS idx_books_isbn10 ON books(isbn10) WHERE isbn10 != '';
		CREATE INDEX IF NOT EXISTS idx_books_updated_at ON books(updated_at);
	`
	_, err := s.conn.Exec(schema)
	return err
}

func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Upsert writes a canonical record, matching an existing row by any of its
// identifiers. On update, identifiers only accumulate and empty incoming
// metadata never overwrites stored values.
func (s *Store) Upsert(ctx context.Context, record domain.CanonicalRecord) (domain.LiveRecord, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return domain.LiveRecord{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, found, err := findByIdentifiersTx(ctx, tx, record.Identifiers())
	if err != nil {
		return domain.LiveRecord{}, err
	}

	now := time.Now().UTC()
	var live domain.LiveRecord
	if found {
		merged := mergeRecords(existing.Record, record)
		if err := updateTx(ctx, tx, existing.ID, merged, now); err != nil {
			return domain.LiveRecord{}, err
		}
		live = domain.LiveRecord{ID: existing.ID, Record: merged, Requested: existing.Requested, UpdatedAt: now}
	} else {
		id, err := insertTx(ctx, tx, record, now)
		if err != nil {
			return domain.LiveRecord{}, err
		}
		live = domain.LiveRecord{ID: id, Record: record, UpdatedAt: now}
	}

	if err := tx.Commit(); err != nil {
		return domain.LiveRecord{}, fmt.Errorf("commit upsert: %w", err)
	}
	return live, nil
}

// FetchByIdentifiers resolves each requested identifier to its current row.
// Identifiers with no matching row are simply absent from the result map.
func (s *Store) FetchByIdentifiers(ctx context.Context, ids []domain.Identifier) (map[domain.Identifier]domain.LiveRecord, error) {
	result := make(map[domain.Identifier]domain.LiveRecord, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	clauses := make([]string, 0, len(ids))
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		column, ok := identifierColumn(id.Kind)
		if !ok || id.Value == "" {
			continue
		}
		clauses = append(clauses, column+" = ?")
		args = append(args, id.Value)
	}
	if len(clauses) == 0 {
		return result, nil
	}

	query := selectColumns + " FROM books WHERE " + strings.Join(clauses, " OR ")
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch by identifiers: %w", err)
	}
	defer rows.Close()

	fetched := make([]domain.LiveRecord, 0, len(ids))
	for rows.Next() {
		live, err := scanLiveRecord(rows)
		if err != nil {
			return nil, err
		}
		fetched = append(fetched, live)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch by identifiers: %w", err)
	}

	for _, id := range ids {
		for _, live := range fetched {
			if recordHasIdentifier(live.Record, id) {
				result[id] = live
				break
			}
		}
	}
	return result, nil
}

// SetRequested flips the request flag on the row matching the identifier.
// Requested rows are exempt from janitor cleanup.
func (s *Store) SetRequested(ctx context.Context, id domain.Identifier, requested bool) error {
	column, ok := identifierColumn(id.Kind)
	if !ok || id.Value == "" {
		return fmt.Errorf("set requested: unusable identifier %q", id.Value)
	}
	res, err := s.conn.ExecContext(ctx,
		"UPDATE books SET requested = ?, updated_at = ? WHERE "+column+" = ?",
		boolToInt(requested), time.Now().UTC().Format(time.RFC3339Nano), id.Value,
	)
	if err != nil {
		return fmt.Errorf("set requested: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set requested: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteStale removes unrequested rows last touched before the cutoff and
// returns every identifier the deleted rows carried, so the caller can
// invalidate cache entries that still reference them.
func (s *Store) DeleteStale(ctx context.Context, olderThan time.Duration) ([]domain.Identifier, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin cleanup: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT asin, isbn13, isbn10 FROM books WHERE requested = 0 AND updated_at < ?", cutoff)
	if err != nil {
		return nil, fmt.Errorf("select stale rows: %w", err)
	}
	var removed []domain.Identifier
	for rows.Next() {
		var asin, isbn13, isbn10 string
		if err := rows.Scan(&asin, &isbn13, &isbn10); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stale row: %w", err)
		}
		if asin != "" {
			removed = append(removed, domain.Identifier{Kind: domain.IdentifierASIN, Value: asin})
		}
		if isbn13 != "" {
			removed = append(removed, domain.Identifier{Kind: domain.IdentifierISBN13, Value: isbn13})
		}
		if isbn10 != "" {
			removed = append(removed, domain.Identifier{Kind: domain.IdentifierISBN10, Value: isbn10})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select stale rows: %w", err)
	}
	rows.Close()

	if len(removed) > 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM books WHERE requested = 0 AND updated_at < ?", cutoff); err != nil {
			return nil, fmt.Errorf("delete stale rows: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit cleanup: %w", err)
	}

	if len(removed) > 0 {
		slog.Info("removed stale book rows", slog.Int("identifiers", len(removed)))
	}
	return removed, nil
}

// Count reports the number of stored rows, for diagnostics.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM books").Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

const selectColumns = `SELECT id, asin, isbn10, isbn13, title, subtitle, authors, narrators,
	cover_url, runtime_minutes, publish_date, source, best_rank, first_discovery, requested, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiveRecord(row rowScanner) (domain.LiveRecord, error) {
	var (
		live        domain.LiveRecord
		authors     string
		narrators   string
		publishDate sql.NullString
		requested   int
		updatedAt   string
	)
	err := row.Scan(
		&live.ID,
		&live.Record.ASIN,
		&live.Record.ISBN10,
		&live.Record.ISBN13,
		&live.Record.Title,
		&live.Record.Subtitle,
		&authors,
		&narrators,
		&live.Record.CoverURL,
		&live.Record.RuntimeMinutes,
		&publishDate,
		&live.Record.Source,
		&live.Record.BestRankPosition,
		&live.Record.FirstDiscoveryOrder,
		&requested,
		&updatedAt,
	)
	if err != nil {
		return domain.LiveRecord{}, fmt.Errorf("scan book row: %w", err)
	}
	if err := json.Unmarshal([]byte(authors), &live.Record.Authors); err != nil {
		return domain.LiveRecord{}, fmt.Errorf("decode authors: %w", err)
	}
	if err := json.Unmarshal([]byte(narrators), &live.Record.Narrators); err != nil {
		return domain.LiveRecord{}, fmt.Errorf("decode narrators: %w", err)
	}
	if publishDate.Valid && publishDate.String != "" {
		parsed, err := time.Parse(time.RFC3339, publishDate.String)
		if err == nil {
			live.Record.PublishDate = &parsed
		}
	}
	live.Requested = requested != 0
	if parsed, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		live.UpdatedAt = parsed
	}
	return live, nil
}

func findByIdentifiersTx(ctx context.Context, tx *sql.Tx, ids []domain.Identifier) (domain.LiveRecord, bool, error) {
	for _, id := range ids {
		column, ok := identifierColumn(id.Kind)
		if !ok || id.Value == "" {
			continue
		}
		row := tx.QueryRowContext(ctx, selectColumns+" FROM books WHERE "+column+" = ?", id.Value)
		live, err := scanLiveRecord(row)
		if err == nil {
			return live, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.LiveRecord{}, false, err
		}
	}
	return domain.LiveRecord{}, false, nil
}

func insertTx(ctx context.Context, tx *sql.Tx, record domain.CanonicalRecord, now time.Time) (int64, error) {
	authors, narrators, publishDate, err := encodeFields(record)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO books (asin, isbn10, isbn13, title, subtitle, authors, narrators,
			cover_url, runtime_minutes, publish_date, source, best_rank, first_discovery, requested, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		record.ASIN, record.ISBN10, record.ISBN13, record.Title, record.Subtitle,
		authors, narrators, record.CoverURL, record.RuntimeMinutes, publishDate,
		string(record.Source), record.BestRankPosition, record.FirstDiscoveryOrder,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert book: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert book: %w", err)
	}
	return id, nil
}

func updateTx(ctx context.Context, tx *sql.Tx, id int64, record domain.CanonicalRecord, now time.Time) error {
	authors, narrators, publishDate, err := encodeFields(record)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE books SET asin = ?, isbn10 = ?, isbn13 = ?, title = ?, subtitle = ?,
			authors = ?, narrators = ?, cover_url = ?, runtime_minutes = ?, publish_date = ?,
			source = ?, best_rank = ?, first_discovery = ?, updated_at = ?
		WHERE id = ?`,
		record.ASIN, record.ISBN10, record.ISBN13, record.Title, record.Subtitle,
		authors, narrators, record.CoverURL, record.RuntimeMinutes, publishDate,
		string(record.Source), record.BestRankPosition, record.FirstDiscoveryOrder,
		now.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("update book: %w", err)
	}
	return nil
}

func encodeFields(record domain.CanonicalRecord) (authors, narrators string, publishDate any, err error) {
	authorsJSON, err := json.Marshal(emptyIfNil(record.Authors))
	if err != nil {
		return "", "", nil, fmt.Errorf("encode authors: %w", err)
	}
	narratorsJSON, err := json.Marshal(emptyIfNil(record.Narrators))
	if err != nil {
		return "", "", nil, fmt.Errorf("encode narrators: %w", err)
	}
	if record.PublishDate != nil {
		publishDate = record.PublishDate.UTC().Format(time.RFC3339)
	}
	return string(authorsJSON), string(narratorsJSON), publishDate, nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// mergeRecords folds an incoming record into the stored one: identifiers
// union, metadata fields filled only where the stored row is empty, rank
// improved only downward.
func mergeRecords(stored, incoming domain.CanonicalRecord) domain.CanonicalRecord {
	merged := stored
	if merged.ASIN == "" {
		merged.ASIN = incoming.ASIN
	}
	if merged.ISBN13 == "" {
		merged.ISBN13 = incoming.ISBN13
	}
	if merged.ISBN10 == "" {
		merged.ISBN10 = incoming.ISBN10
	}
	if merged.Title == "" {
		merged.Title = incoming.Title
	}
	if merged.Subtitle == "" {
		merged.Subtitle = incoming.Subtitle
	}
	if len(merged.Authors) == 0 {
		merged.Authors = incoming.Authors
	}
	if len(merged.Narrators) == 0 {
		merged.Narrators = incoming.Narrators
	}
	if merged.CoverURL == "" {
		merged.CoverURL = incoming.CoverURL
	}
	if merged.RuntimeMinutes == 0 {
		merged.RuntimeMinutes = incoming.RuntimeMinutes
	}
	if merged.PublishDate == nil {
		merged.PublishDate = incoming.PublishDate
	}
	if incoming.Source != "" && merged.Source != incoming.Source {
		merged.Source = domain.SourceMerged
	}
	if incoming.BestRankPosition < merged.BestRankPosition {
		merged.BestRankPosition = incoming.BestRankPosition
	}
	return merged
}

func identifierColumn(kind domain.IdentifierKind) (string, bool) {
	switch kind {
	case domain.IdentifierASIN:
		return "asin", true
	case domain.IdentifierISBN13:
		return "isbn13", true
	case domain.IdentifierISBN10:
		return "isbn10", true
	default:
		return "", false
	}
}

func recordHasIdentifier(record domain.CanonicalRecord, id domain.Identifier) bool {
	switch id.Kind {
	case domain.IdentifierASIN:
		return record.ASIN == id.Value
	case domain.IdentifierISBN13:
		return record.ISBN13 == id.Value
	case domain.IdentifierISBN10:
		return record.ISBN10 == id.Value
	default:
		return false
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
