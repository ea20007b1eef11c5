package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// entryRow is the SQL shape of an API entry; maps and lists are JSON text
type entryRow struct {
	Name     string `db:"name"`
	URL      string `db:"url"`
	Type     string `db:"type"`
	Params   string `db:"params"`
	Parse    string `db:"parse"`
	Enabled  bool   `db:"enabled"`
	Scope    string `db:"scope"`
	Keywords string `db:"keywords"`
	Cron     string `db:"cron"`
	Valid    bool   `db:"valid"`
	Site     string `db:"site"`
}

func entryToRow(e *domain.APIEntry) (*entryRow, error) {
	params, err := json.Marshal(e.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	scope, err := json.Marshal(e.Scope)
	if err != nil {
		return nil, fmt.Errorf("marshal scope: %w", err)
	}
	keywords, err := json.Marshal(e.Keywords)
	if err != nil {
		return nil, fmt.Errorf("marshal keywords: %w", err)
	}
	return &entryRow{
		Name: e.Name, URL: e.URL, Type: string(e.Type), Params: string(params),
		Parse: e.Parse, Enabled: e.Enabled, Scope: string(scope),
		Keywords: string(keywords), Cron: e.Cron, Valid: e.Valid, Site: e.Site,
	}, nil
}

func rowToEntry(row *entryRow) (*domain.APIEntry, error) {
	var params map[string]any
	if err := json.Unmarshal([]byte(row.Params), &params); err != nil {
		return nil, fmt.Errorf("unmarshal params for %s: %w", row.Name, err)
	}
	var scope, keywords []any
	if err := json.Unmarshal([]byte(row.Scope), &scope); err != nil {
		return nil, fmt.Errorf("unmarshal scope for %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(row.Keywords), &keywords); err != nil {
		return nil, fmt.Errorf("unmarshal keywords for %s: %w", row.Name, err)
	}

	entry, err := domain.ParseEntry(map[string]any{
		"name": row.Name, "url": row.URL, "type": row.Type, "params": params,
		"parse": row.Parse, "enabled": row.Enabled, "scope": scope,
		"keywords": keywords, "cron": row.Cron, "valid": row.Valid, "site": row.Site,
	})
	if err != nil {
		return nil, fmt.Errorf("parse entry %s: %w", row.Name, err)
	}
	return entry, nil
}

// ListEntries returns all API entries ordered by name
func (db *DB) ListEntries(ctx context.Context) ([]*domain.APIEntry, error) {
	var rows []entryRow
	if err := db.conn.SelectContext(ctx, &rows, "SELECT name, url, type, params, parse, enabled, scope, keywords, cron, valid, site FROM api_pool ORDER BY name"); err != nil {
		return nil, fmt.Errorf("select entries: %w", err)
	}

	entries := make([]*domain.APIEntry, 0, len(rows))
	for i := range rows {
		entry, err := rowToEntry(&rows[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// UpsertEntries inserts or replaces a batch of entries in one transaction
func (db *DB) UpsertEntries(ctx context.Context, entries []*domain.APIEntry) error {
	if len(entries) == 0 {
		return nil
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		err := db.InTransaction(ctx, func(tx *sqlx.Tx) error {
			query := `
				INSERT INTO api_pool (name, url, type, params, parse, enabled, scope, keywords, cron, valid, site, updated_at)
				VALUES (:name, :url, :type, :params, :parse, :enabled, :scope, :keywords, :cron, :valid, :site, datetime('now'))
				ON CONFLICT(name) DO UPDATE SET
					url = excluded.url, type = excluded.type, params = excluded.params,
					parse = excluded.parse, enabled = excluded.enabled, scope = excluded.scope,
					keywords = excluded.keywords, cron = excluded.cron, valid = excluded.valid,
					site = excluded.site, updated_at = excluded.updated_at
			`
			for _, entry := range entries {
				row, err := entryToRow(entry)
				if err != nil {
					return err
				}
				if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
					return fmt.Errorf("upsert entry %s: %w", entry.Name, err)
				}
			}
			return nil
		})
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: err}
		}
		return nil
	})
}

// DeleteEntries removes entries by name, ignoring unknown names
func (db *DB) DeleteEntries(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	query, args, err := sqlx.In("DELETE FROM api_pool WHERE name IN (?)", names)
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		if _, err := db.conn.ExecContext(ctx, db.conn.Rebind(query), args...); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("delete entries: %w", err)}
		}
		return nil
	})
}

// SetEntriesValid updates the validity flag for a batch of entry names
func (db *DB) SetEntriesValid(ctx context.Context, names []string, valid bool) error {
	if len(names) == 0 {
		return nil
	}

	query, args, err := sqlx.In("UPDATE api_pool SET valid = ?, updated_at = datetime('now') WHERE name IN (?)", valid, names)
	if err != nil {
		return fmt.Errorf("build validity query: %w", err)
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		if _, err := db.conn.ExecContext(ctx, db.conn.Rebind(query), args...); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("set entries valid: %w", err)}
		}
		return nil
	})
}
