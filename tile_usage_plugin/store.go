// Copyright 2025 Overdrive Energy Solutions
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tile_usage_plugin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the pure-Go SQLite driver with database/sql.
	_ "modernc.org/sqlite"
)

// tileSchema creates the ledger tables. map_tile_counts keys on month and
// provider so each month starts a fresh tally; map_provider_settings is a
// small key/value table holding the operator's provider preference.
const tileSchema = `
CREATE TABLE IF NOT EXISTS map_tile_counts (
	month_key  TEXT NOT NULL,
	provider   TEXT NOT NULL,
	count      INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (month_key, provider)
);

CREATE TABLE IF NOT EXISTS map_provider_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

const preferredProviderKey = "preferred_provider"

// TileStore persists monthly tile counts in SQLite.
type TileStore struct {
	db *sql.DB
}

// OpenTileStore opens or creates the ledger database at path and applies the
// schema. ":memory:" is accepted for tests.
func OpenTileStore(path string) (*TileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("tile store path is required")
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error while opening tile store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(tileSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error while creating tile store schema: %w", err)
	}
	return &TileStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *TileStore) Close() error {
	return s.db.Close()
}

// Increment adds count tiles to the provider's tally for the month and
// returns the new total.
func (s *TileStore) Increment(ctx context.Context, monthKey, provider string, count int64) (int64, error) {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO map_tile_counts (month_key, provider, count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(month_key, provider) DO UPDATE SET
			count = count + excluded.count,
			updated_at = excluded.updated_at`,
		monthKey, provider, count, now)
	if err != nil {
		return 0, fmt.Errorf("error while counting tiles for %s: %w", provider, err)
	}

	var total int64
	err = s.db.QueryRowContext(ctx,
		`SELECT count FROM map_tile_counts WHERE month_key = ? AND provider = ?`,
		monthKey, provider).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("error while reading tile count for %s: %w", provider, err)
	}
	return total, nil
}

// Counts returns every provider's tally for the month. Providers with no
// rows are absent from the map.
func (s *TileStore) Counts(ctx context.Context, monthKey string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, count FROM map_tile_counts WHERE month_key = ?`, monthKey)
	if err != nil {
		return nil, fmt.Errorf("error while reading tile counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var provider string
		var count int64
		if err := rows.Scan(&provider, &count); err != nil {
			return nil, fmt.Errorf("error while scanning tile count: %w", err)
		}
		counts[provider] = count
	}
	return counts, rows.Err()
}

// SetPreferred stores the operator's provider preference.
func (s *TileStore) SetPreferred(ctx context.Context, provider string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO map_provider_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		preferredProviderKey, provider, now)
	if err != nil {
		return fmt.Errorf("error while storing preferred provider: %w", err)
	}
	return nil
}

// Preferred returns the stored provider preference, or "" when none is set.
func (s *TileStore) Preferred(ctx context.Context) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM map_provider_settings WHERE key = ?`, preferredProviderKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("error while reading preferred provider: %w", err)
	}
	return value, nil
}
