// Package storage persists snapshots and unresolved fetches outside the output directory.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS catalog_snapshots (
	id            BIGSERIAL PRIMARY KEY,
	snapshot_date DATE NOT NULL UNIQUE,
	record_count  INTEGER NOT NULL,
	slug_count    INTEGER NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS catalog_products (
	snapshot_id        BIGINT NOT NULL REFERENCES catalog_snapshots(id) ON DELETE CASCADE,
	position           INTEGER NOT NULL,
	image_url          TEXT NOT NULL,
	current_price      NUMERIC(12,2) NOT NULL,
	old_price          NUMERIC(12,2) NOT NULL,
	description        TEXT NOT NULL,
	title              TEXT NOT NULL,
	store              TEXT NOT NULL,
	product_link       TEXT NOT NULL,
	prod_id            TEXT NOT NULL,
	unit               TEXT NOT NULL,
	metric_price       DOUBLE PRECISION NOT NULL,
	quantity           DOUBLE PRECISION NOT NULL,
	low_value_flag     TEXT NOT NULL,
	raw_category       TEXT NOT NULL,
	canonical_category TEXT NOT NULL,
	category_slug      TEXT NOT NULL,
	PRIMARY KEY (snapshot_id, position)
);
CREATE TABLE IF NOT EXISTS catalog_slugs (
	snapshot_id   BIGINT NOT NULL REFERENCES catalog_snapshots(id) ON DELETE CASCADE,
	category_slug TEXT NOT NULL,
	store_slug    TEXT NOT NULL,
	category_name TEXT NOT NULL,
	store_name    TEXT NOT NULL,
	has_items     BOOLEAN NOT NULL,
	PRIMARY KEY (snapshot_id, category_slug, store_slug)
);`

const (
	upsertSnapshotSQL = `INSERT INTO catalog_snapshots (snapshot_date, record_count, slug_count)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (snapshot_date) DO UPDATE SET
		   record_count = EXCLUDED.record_count, slug_count = EXCLUDED.slug_count, updated_at = NOW()
		 RETURNING id`

	clearProductsSQL = `DELETE FROM catalog_products WHERE snapshot_id = $1`
	clearSlugsSQL    = `DELETE FROM catalog_slugs WHERE snapshot_id = $1`

	insertProductSQL = `INSERT INTO catalog_products (snapshot_id, position, image_url, current_price, old_price,
		 description, title, store, product_link, prod_id, unit, metric_price, quantity, low_value_flag,
		 raw_category, canonical_category, category_slug)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	insertSlugSQL = `INSERT INTO catalog_slugs (snapshot_id, category_slug, store_slug, category_name, store_name, has_items)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (snapshot_id, category_slug, store_slug) DO UPDATE SET
		   category_name = EXCLUDED.category_name, store_name = EXCLUDED.store_name, has_items = EXCLUDED.has_items`
)

// PostgresStore keeps one versioned snapshot per calendar day.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to connStr and verifies the connection.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// EnsureSchema creates the snapshot tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// WriteSnapshot replaces the snapshot of the same day within a single transaction.
func (s *PostgresStore) WriteSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is nil")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var snapshotID int64
	err = tx.QueryRow(ctx, upsertSnapshotSQL,
		snapshotDay(snapshot.Date), len(snapshot.Records), len(snapshot.Manifest),
	).Scan(&snapshotID)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx, clearProductsSQL, snapshotID); err != nil {
		return fmt.Errorf("clear products: %w", err)
	}
	if _, err := tx.Exec(ctx, clearSlugsSQL, snapshotID); err != nil {
		return fmt.Errorf("clear slugs: %w", err)
	}

	batch := &pgx.Batch{}
	for i, record := range snapshot.Records {
		batch.Queue(insertProductSQL, productArgs(snapshotID, i, record)...)
	}
	for _, entry := range snapshot.Manifest {
		batch.Queue(insertSlugSQL, slugArgs(snapshotID, entry)...)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert snapshot rows: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// snapshotDay truncates to the calendar day in the snapshot's own location.
func snapshotDay(date time.Time) time.Time {
	if date.IsZero() {
		date = time.Now()
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func productArgs(snapshotID int64, position int, r *models.ProductRecord) []any {
	return []any{
		snapshotID,
		position,
		r.ImageURL,
		r.CurrentPrice,
		r.OldPrice,
		r.Description,
		r.Title,
		r.Store,
		r.ProductLink,
		r.ProdID,
		r.Unit,
		r.MetrPrice,
		r.Quantity,
		r.LowValFlag,
		r.RawCategory,
		r.CanonicalCategory,
		r.CategorySlug,
	}
}

func slugArgs(snapshotID int64, e models.CategorySlugEntry) []any {
	return []any{
		snapshotID,
		e.CategorySlug,
		e.StoreSlug,
		e.CategoryName,
		e.StoreName,
		e.HasItems,
	}
}
