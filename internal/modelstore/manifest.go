package modelstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// AssetRecord is one row of the cache manifest: a single downloaded file
// with the digest computed while it streamed to disk.
type AssetRecord struct {
	DescriptorKey string
	File          string
	SHA256        string
	Size          int64
	DownloadedAt  time.Time
}

// Manifest persists which assets are present and valid in the cache
// directory, so restarts can verify instead of re-download.
type Manifest struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// OpenManifest opens (creating if needed) the manifest database at path.
func OpenManifest(ctx context.Context, path string, log *slog.Logger) (*Manifest, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening manifest database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging manifest database: %w", err)
	}

	m := &Manifest{
		db:    db,
		log:   log.With("component", "modelstore.manifest"),
		clock: time.Now,
	}
	if err := m.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	m.log.Debug("model manifest ready", "path", path)
	return m, nil
}

func (m *Manifest) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS model_assets (
	descriptor_key TEXT NOT NULL,
	file           TEXT NOT NULL,
	sha256         TEXT NOT NULL,
	size           INTEGER NOT NULL,
	downloaded_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (descriptor_key, file)
);
CREATE INDEX IF NOT EXISTS idx_model_assets_key ON model_assets(descriptor_key);
`
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("initializing manifest schema: %w", err)
	}
	return nil
}

// Upsert records a completed download, replacing any previous row for the
// same descriptor key and file.
func (m *Manifest) Upsert(ctx context.Context, rec AssetRecord) error {
	if rec.DownloadedAt.IsZero() {
		rec.DownloadedAt = m.clock().UTC()
	}
	const q = `
INSERT INTO model_assets (descriptor_key, file, sha256, size, downloaded_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (descriptor_key, file) DO UPDATE SET
	sha256 = excluded.sha256,
	size = excluded.size,
	downloaded_at = excluded.downloaded_at
`
	_, err := m.db.ExecContext(ctx, q,
		rec.DescriptorKey, rec.File, rec.SHA256, rec.Size,
		rec.DownloadedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting asset record: %w", err)
	}
	return nil
}

// Lookup returns the recorded assets for one descriptor key, keyed by file.
func (m *Manifest) Lookup(ctx context.Context, descriptorKey string) (map[string]AssetRecord, error) {
	const q = `
SELECT descriptor_key, file, sha256, size, downloaded_at
FROM model_assets
WHERE descriptor_key = ?
ORDER BY file
`
	rows, err := m.db.QueryContext(ctx, q, descriptorKey)
	if err != nil {
		return nil, fmt.Errorf("querying asset records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]AssetRecord)
	for rows.Next() {
		rec, err := scanAssetRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.File] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating asset records: %w", err)
	}
	return out, nil
}

// List returns every recorded asset, ordered by descriptor key then file.
func (m *Manifest) List(ctx context.Context) ([]AssetRecord, error) {
	const q = `
SELECT descriptor_key, file, sha256, size, downloaded_at
FROM model_assets
ORDER BY descriptor_key, file
`
	rows, err := m.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing asset records: %w", err)
	}
	defer rows.Close()

	var out []AssetRecord
	for rows.Next() {
		rec, err := scanAssetRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating asset records: %w", err)
	}
	return out, nil
}

// Delete removes one file's record, typically before a forced re-download.
func (m *Manifest) Delete(ctx context.Context, descriptorKey, file string) error {
	const q = `DELETE FROM model_assets WHERE descriptor_key = ? AND file = ?`
	if _, err := m.db.ExecContext(ctx, q, descriptorKey, file); err != nil {
		return fmt.Errorf("deleting asset record: %w", err)
	}
	return nil
}

func (m *Manifest) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

func scanAssetRecord(rows *sql.Rows) (AssetRecord, error) {
	var rec AssetRecord
	var downloaded string
	if err := rows.Scan(&rec.DescriptorKey, &rec.File, &rec.SHA256, &rec.Size, &downloaded); err != nil {
		return AssetRecord{}, fmt.Errorf("scanning asset record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, downloaded)
	if err != nil {
		return AssetRecord{}, fmt.Errorf("parsing downloaded_at: %w", err)
	}
	rec.DownloadedAt = ts
	return rec, nil
}
