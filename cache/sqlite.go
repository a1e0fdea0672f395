package cache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/saiset-co/sai-edge/types"
	"github.com/saiset-co/sai-edge/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS partitions (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	part_name TEXT NOT NULL,
	entry_key TEXT NOT NULL,
	payload   BLOB NOT NULL,
	UNIQUE (part_name, entry_key)
);
`

type SQLiteConfig struct {
	Path              string `json:"path"`
	CompressThreshold int    `json:"compress_threshold"`
}

// SQLiteStore orders entries by an AUTOINCREMENT rowid. INSERT OR REPLACE
// deletes the previous row, so a re-put key always gets a fresh, larger seq.
type SQLiteStore struct {
	db    *sql.DB
	codec *Codec
}

func newSQLiteStoreCreator(ctx context.Context, config interface{}, _ types.Logger) (types.PartitionStore, error) {
	sqliteConfig := &SQLiteConfig{
		Path: "./data/partitions.db",
	}

	if config != nil {
		if err := utils.UnmarshalConfig(config, sqliteConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal sqlite store config")
		}
	}

	return NewSQLiteStore(ctx, sqliteConfig)
}

func NewSQLiteStore(ctx context.Context, config *SQLiteConfig) (*SQLiteStore, error) {
	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, types.WrapError(err, "failed to create sqlite directory")
		}
	}

	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, types.WrapError(err, "failed to open sqlite")
	}

	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to migrate sqlite schema")
	}

	return &SQLiteStore{
		db:    db,
		codec: NewCodec(config.CompressThreshold),
	}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, partition string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO partitions (name) VALUES (?)`, partition); err != nil {
		return types.WrapError(err, "failed to create partition")
	}
	return nil
}

func (s *SQLiteStore) Partitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM partitions ORDER BY name`)
	if err != nil {
		return nil, types.WrapError(err, "failed to list partitions")
	}
	defer rows.Close()

	return scanStrings(rows)
}

func (s *SQLiteStore) Drop(ctx context.Context, partition string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, types.WrapError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM partitions WHERE name = ?`, partition)
	if err != nil {
		return false, types.WrapError(err, "failed to drop partition")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE part_name = ?`, partition); err != nil {
		return false, types.WrapError(err, "failed to drop entries")
	}

	if err := tx.Commit(); err != nil {
		return false, types.WrapError(err, "failed to commit drop")
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, partition, key string) (*types.Snapshot, bool, error) {
	var payload []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM entries WHERE part_name = ? AND entry_key = ?`, partition, key).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, types.WrapError(err, "failed to read entry")
	}

	snapshot, err := s.codec.Decode(payload)
	if err != nil {
		return nil, false, err
	}

	return snapshot, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, partition, key string, snapshot *types.Snapshot) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	payload, err := s.codec.Encode(snapshot)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.WrapError(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO partitions (name) VALUES (?)`, partition); err != nil {
		return types.WrapError(err, "failed to create partition")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (part_name, entry_key, payload) VALUES (?, ?, ?)`,
		partition, key, payload); err != nil {
		return types.WrapError(err, "failed to write entry")
	}

	if err := tx.Commit(); err != nil {
		return types.WrapError(err, "failed to commit entry")
	}

	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, partition, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE part_name = ? AND entry_key = ?`, partition, key)
	if err != nil {
		return false, types.WrapError(err, "failed to delete entry")
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, partition string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_key FROM entries WHERE part_name = ? ORDER BY seq`, partition)
	if err != nil {
		return nil, types.WrapError(err, "failed to list keys")
	}
	defer rows.Close()

	return scanStrings(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, types.WrapError(err, "failed to scan row")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
