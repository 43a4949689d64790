// Package sqlite implements the reference kv+fts+vector memory backend on an
// embedded SQLite database (brain.db). It is the only backend supporting the
// full contract: atomic event+belief+projection writes, hybrid recall, full
// forget fidelity, and hygiene.
package sqlite

import (
	"context"
	"embed"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/haru0416-dev/asteroniris/pkg/memory"
	"github.com/haru0416-dev/asteroniris/pkg/memory/embedding"
)

//go:embed migrations
var migrationsFS embed.FS

// Options configures the store.
type Options struct {
	Path          string // brain.db path; ":memory:" for tests
	Embedder      embedding.Provider
	VectorWeight  float64
	KeywordWeight float64
}

// Store is the reference backend.
type Store struct {
	db       *sqlx.DB
	embedder embedding.Provider
	wVec     float64
	wKw      float64

	now func() time.Time
}

// New opens (creating if absent) brain.db and applies pending migrations.
func New(ctx context.Context, opts Options) (*Store, error) {
	dsn := opts.Path
	if dsn == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Single writer per connection; readers share. SQLite serializes writes
	// itself, and one connection avoids SQLITE_BUSY churn under WAL.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrations: %w", err)
	}

	wVec, wKw := opts.VectorWeight, opts.KeywordWeight
	if wVec == 0 && wKw == 0 {
		wVec, wKw = memory.DefaultVectorWeight, memory.DefaultKeywordWeight
	}

	slog.Info("Memory backend ready", "backend", "kv+fts+vector", "path", opts.Path)

	return &Store{
		db:       db,
		embedder: opts.Embedder,
		wVec:     wVec,
		wKw:      wKw,
		now:      time.Now,
	}, nil
}

// runMigrations applies the embedded schema migrations. Files are embedded
// into the binary so production deployments need no external assets.
func runMigrations(db *sqlx.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "brain", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply: %w", err)
	}
	// Close only the source driver; closing the instance would close the
	// shared *sql.DB out from under the store.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close source: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for sibling stores that share brain.db
// (scheduler jobs, plan executions) and for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Capabilities implements memory.Backend.
func (s *Store) Capabilities() memory.Capabilities {
	return memory.Capabilities{
		Name:           "kv+fts+vector",
		VectorRecall:   s.embedder != nil,
		KeywordRecall:  true,
		PhasedRecall:   true,
		ForgetFidelity: memory.FidelityFull,
		Tombstones:     true,
		Hygiene:        true,
	}
}

// Close implements memory.Backend.
func (s *Store) Close() error { return s.db.Close() }

// CountEvents implements memory.Backend.
func (s *Store) CountEvents(ctx context.Context, entityID string) (int, error) {
	var count int
	var err error
	if entityID == "" {
		err = s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM events`)
	} else {
		err = s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM events WHERE entity_id = ?`, entityID)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// encodeVector serializes an embedding as little-endian float32s.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// decodeVector deserializes an embedding blob.
func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
