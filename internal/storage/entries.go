package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/memex/internal/entry"
)

const entryColumns = `id, raw_text, type, items_json, created_at, last_accessed_at, archived`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (entry.Entry, error) {
	var e entry.Entry
	var items sql.NullString
	var archived int
	if err := r.Scan(&e.ID, &e.RawText, &e.Type, &items, &e.CreatedAt, &e.LastAccessedAt, &archived); err != nil {
		return entry.Entry{}, err
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &e.Items); err != nil {
			return entry.Entry{}, fmt.Errorf("decoding items of %s: %w", e.ID, err)
		}
	}
	e.Archived = archived != 0
	e.Normalize()
	return e, nil
}

func encodeItems(items []entry.ChecklistItem) (sql.NullString, error) {
	if items == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding items: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Insert adds a new entry. It fails if the id is already taken.
func (s *Store) Insert(ctx context.Context, e entry.Entry) error {
	return s.writeEntry(ctx, "INSERT INTO", e)
}

// Replace writes e over any existing row with the same id.
func (s *Store) Replace(ctx context.Context, e entry.Entry) error {
	return s.writeEntry(ctx, "INSERT OR REPLACE INTO", e)
}

func (s *Store) writeEntry(ctx context.Context, verb string, e entry.Entry) error {
	e.Normalize()
	items, err := encodeItems(e.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, verb+` entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RawText, string(e.Type), items, e.CreatedAt, e.LastAccessedAt, boolInt(e.Archived),
	)
	if err != nil {
		return fmt.Errorf("writing entry %s: %w", e.ID, err)
	}
	return nil
}

// Update merges p into the stored entry inside a transaction. The stored
// lastAccessedAt never drops below createdAt.
func (s *Store) Update(ctx context.Context, id string, p entry.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading entry %s: %w", id, err)
	}

	next := p.Apply(cur)
	items, err := encodeItems(next.Items)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE entries
		SET raw_text = ?, type = ?, items_json = ?, archived = ?,
		    last_accessed_at = MAX(?, created_at)
		WHERE id = ?`,
		next.RawText, string(next.Type), items, boolInt(next.Archived), next.LastAccessedAt, id,
	); err != nil {
		return fmt.Errorf("updating entry %s: %w", id, err)
	}
	return tx.Commit()
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (entry.Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return entry.Entry{}, ErrNotFound
	}
	return e, err
}

// ListByArchived returns entries with the given archived flag, newest first.
func (s *Store) ListByArchived(ctx context.Context, archived bool) ([]entry.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries
		WHERE archived = ?
		ORDER BY created_at DESC, id DESC`, boolInt(archived))
}

// ListAll returns every entry, newest first.
func (s *Store) ListAll(ctx context.Context) ([]entry.Entry, error) {
	return s.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries ORDER BY created_at DESC, id DESC`)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]entry.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []entry.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// ArchiveStale archives every unarchived entry whose lastAccessedAt is older
// than cutoff and reports how many rows changed. lastAccessedAt is left as is.
func (s *Store) ArchiveStale(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE entries SET archived = 1 WHERE archived = 0 AND last_accessed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("archiving stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
