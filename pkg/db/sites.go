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

// siteRow is the SQL shape of a site entry
type siteRow struct {
	Name    string `db:"name"`
	URL     string `db:"url"`
	Enabled bool   `db:"enabled"`
	Headers string `db:"headers"`
	Keys    string `db:"keys"`
	Timeout int    `db:"timeout"`
}

func siteToRow(s *domain.SiteEntry) (*siteRow, error) {
	headers, err := json.Marshal(s.Headers)
	if err != nil {
		return nil, fmt.Errorf("marshal headers: %w", err)
	}
	keys, err := json.Marshal(s.Keys)
	if err != nil {
		return nil, fmt.Errorf("marshal keys: %w", err)
	}
	return &siteRow{
		Name: s.Name, URL: s.URL, Enabled: s.Enabled,
		Headers: string(headers), Keys: string(keys), Timeout: s.Timeout,
	}, nil
}

func rowToSite(row *siteRow) (*domain.SiteEntry, error) {
	var headers, keys map[string]any
	if err := json.Unmarshal([]byte(row.Headers), &headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers for %s: %w", row.Name, err)
	}
	if err := json.Unmarshal([]byte(row.Keys), &keys); err != nil {
		return nil, fmt.Errorf("unmarshal keys for %s: %w", row.Name, err)
	}

	site, err := domain.ParseSite(map[string]any{
		"name": row.Name, "url": row.URL, "enabled": row.Enabled,
		"headers": headers, "keys": keys, "timeout": row.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("parse site %s: %w", row.Name, err)
	}
	return site, nil
}

// ListSites returns all site entries ordered by name
func (db *DB) ListSites(ctx context.Context) ([]*domain.SiteEntry, error) {
	var rows []siteRow
	if err := db.conn.SelectContext(ctx, &rows, "SELECT name, url, enabled, headers, keys, timeout FROM site_pool ORDER BY name"); err != nil {
		return nil, fmt.Errorf("select sites: %w", err)
	}

	sites := make([]*domain.SiteEntry, 0, len(rows))
	for i := range rows {
		site, err := rowToSite(&rows[i])
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// UpsertSites inserts or replaces a batch of sites in one transaction
func (db *DB) UpsertSites(ctx context.Context, sites []*domain.SiteEntry) error {
	if len(sites) == 0 {
		return nil
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		err := db.InTransaction(ctx, func(tx *sqlx.Tx) error {
			query := `
				INSERT INTO site_pool (name, url, enabled, headers, keys, timeout, updated_at)
				VALUES (:name, :url, :enabled, :headers, :keys, :timeout, datetime('now'))
				ON CONFLICT(name) DO UPDATE SET
					url = excluded.url, enabled = excluded.enabled, headers = excluded.headers,
					keys = excluded.keys, timeout = excluded.timeout, updated_at = excluded.updated_at
			`
			for _, site := range sites {
				row, err := siteToRow(site)
				if err != nil {
					return err
				}
				if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
					return fmt.Errorf("upsert site %s: %w", site.Name, err)
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

// DeleteSites removes sites by name, ignoring unknown names
func (db *DB) DeleteSites(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	query, args, err := sqlx.In("DELETE FROM site_pool WHERE name IN (?)", names)
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		if _, err := db.conn.ExecContext(ctx, db.conn.Rebind(query), args...); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("delete sites: %w", err)}
		}
		return nil
	})
}
