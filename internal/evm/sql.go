package evm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/andrijdavid/Allfeat/config"
	"github.com/andrijdavid/Allfeat/pkg/types"
)

const defaultReadTimeout = 30 * time.Second

// entryRow is the bun model for one index entry. The canonical entry
// bytes are stored whole in Body; the other columns exist for lookups.
type entryRow struct {
	bun.BaseModel `bun:"table:evm_entries,alias:e"`

	NativeHash string `bun:"native_hash,pk"`
	EvmHash    string `bun:"evm_hash,notnull"`
	Height     uint64 `bun:"height,notnull"`
	Canonical  bool   `bun:"canonical,notnull"`
	Body       []byte `bun:"body,notnull"`
}

// SQLBackend stores index entries in a SQL database through bun: SQLite
// in the data directory by default, Postgres when the DSN points there.
// Batch writes go through one transaction and upsert on the native
// hash, so re-delivered notifications and backfill overlap are
// harmless.
type SQLBackend struct {
	db          *bun.DB
	readTimeout time.Duration
}

// NewSQL opens the backend and ensures the schema exists. An empty DSN
// opens a SQLite file under dir; a postgres:// DSN connects to Postgres;
// anything else is treated as a SQLite path.
func NewSQL(ctx context.Context, dir string, cfg config.SQLConfig) (*SQLBackend, error) {
	var db *bun.DB
	switch {
	case strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://"):
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		path := cfg.DSN
		if path == "" {
			path = "file:" + filepath.Join(dir, "index.db") + "?cache=shared"
		}
		sqldb, err := sql.Open(sqliteshim.ShimName, path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}
	if cfg.PoolSize > 0 {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize)
	}

	b := &SQLBackend{db: db, readTimeout: cfg.ReadTimeout}
	if b.readTimeout <= 0 {
		b.readTimeout = defaultReadTimeout
	}
	if err := b.createSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLBackend) createSchema(ctx context.Context) error {
	if _, err := b.db.NewCreateTable().
		Model((*entryRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}

	indexes := []struct{ name, column string }{
		{"idx_evm_entries_height", "height"},
		{"idx_evm_entries_evm_hash", "evm_hash"},
	}
	for _, idx := range indexes {
		if _, err := b.db.NewCreateIndex().
			Model((*entryRow)(nil)).
			IfNotExists().
			Index(idx.name).
			Column(idx.column).
			Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

func (b *SQLBackend) PutEntries(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([]entryRow, 0, len(entries))
	for _, e := range entries {
		body, err := e.Marshal()
		if err != nil {
			return err
		}
		rows = append(rows, entryRow{
			NativeHash: e.NativeHash.String(),
			EvmHash:    e.EvmHash.String(),
			Height:     e.Height,
			Canonical:  true,
			Body:       body,
		})
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	// Conflicts re-promote instead of being dropped: a reorg back onto a
	// previously demoted block re-imports it, and the stored row must
	// turn canonical again.
	if _, err := tx.NewInsert().
		Model(&rows).
		On("CONFLICT (native_hash) DO UPDATE").
		Set("canonical = EXCLUDED.canonical").
		Exec(ctx); err != nil {
		return fmt.Errorf("insert entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (b *SQLBackend) ByNative(ctx context.Context, nativeHash types.Hash) (*Entry, error) {
	return b.selectOne(ctx, "native_hash = ?", nativeHash.String())
}

func (b *SQLBackend) ByEvm(ctx context.Context, evmHash types.Hash) (*Entry, error) {
	return b.selectOne(ctx, "evm_hash = ?", evmHash.String())
}

func (b *SQLBackend) ByHeight(ctx context.Context, height uint64) (*Entry, error) {
	return b.selectOne(ctx, "height = ? AND canonical = ?", height, true)
}

func (b *SQLBackend) selectOne(ctx context.Context, where string, args ...any) (*Entry, error) {
	ctx, cancel := b.queryCtx(ctx)
	defer cancel()

	var row entryRow
	err := b.db.NewSelect().Model(&row).Where(where, args...).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotIndexed
	}
	if err != nil {
		return nil, fmt.Errorf("select entry: %w", err)
	}
	return UnmarshalEntry(row.Body)
}

func (b *SQLBackend) LatestHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := b.queryCtx(ctx)
	defer cancel()

	var max sql.NullInt64
	err := b.db.NewSelect().
		Model((*entryRow)(nil)).
		ColumnExpr("MAX(height)").
		Where("canonical = ?", true).
		Scan(ctx, &max)
	if err != nil {
		return 0, fmt.Errorf("select max height: %w", err)
	}
	if !max.Valid {
		return 0, ErrNotIndexed
	}
	return uint64(max.Int64), nil
}

func (b *SQLBackend) MissingHeights(ctx context.Context, from, to uint64) ([]uint64, error) {
	ctx, cancel := b.queryCtx(ctx)
	defer cancel()

	var present []uint64
	err := b.db.NewSelect().
		Model((*entryRow)(nil)).
		Column("height").
		Where("canonical = ?", true).
		Where("height BETWEEN ? AND ?", from, to).
		Order("height ASC").
		Scan(ctx, &present)
	if err != nil {
		return nil, fmt.Errorf("select heights: %w", err)
	}

	// The gap computation runs in Go so it works on both dialects.
	have := make(map[uint64]struct{}, len(present))
	for _, h := range present {
		have[h] = struct{}{}
	}
	var missing []uint64
	for h := from; h <= to; h++ {
		if _, ok := have[h]; !ok {
			missing = append(missing, h)
		}
	}
	return missing, nil
}

func (b *SQLBackend) SetCanonical(ctx context.Context, nativeHash types.Hash, canonical bool) error {
	_, err := b.db.NewUpdate().
		Model((*entryRow)(nil)).
		Set("canonical = ?", canonical).
		Where("native_hash = ?", nativeHash.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("update canonical: %w", err)
	}
	return nil
}

func (b *SQLBackend) Close() error {
	return b.db.Close()
}

func (b *SQLBackend) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.readTimeout)
}
