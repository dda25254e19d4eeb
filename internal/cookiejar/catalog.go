package cookiejar

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

//go:embed all:migrations
var catalogMigrations embed.FS

// catalogEntry records when a jar was last written and which lock
// generation produced it, so a control-plane operator can audit jar
// activity across process restarts without parsing every jar file on disk.
type catalogEntry struct {
	bun.BaseModel `bun:"table:jar_catalog"`

	Path           string    `bun:"path,pk"`
	LastWrittenAt  time.Time `bun:"last_written_at,notnull"`
	LockGeneration int       `bun:"lock_generation,notnull,default:1"`
}

// catalog is an optional bookkeeping layer over a SQLite database recording
// which jar paths exist and when they were last flushed. It is entirely
// separate from the jar contents themselves, which always live in the JSON
// files — losing the catalog only loses audit history, never cookie data.
type catalog struct {
	db *bun.DB
}

func openCatalog(dsn string) (*catalog, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cookiejar: open catalog: %w", err)
	}

	if err := migrateCatalog(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &catalog{db: bunDB}, nil
}

func migrateCatalog(conn *sql.DB) error {
	sub, err := fs.Sub(catalogMigrations, "migrations")
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("cookiejar: catalog migration: %w", err)
	}
	return nil
}

func (c *catalog) recordWrite(ctx context.Context, path string) error {
	if c == nil {
		return nil
	}
	e := &catalogEntry{Path: path, LastWrittenAt: time.Now(), LockGeneration: 1}
	_, err := c.db.NewInsert().
		Model(e).
		On("CONFLICT (path) DO UPDATE").
		Set("last_written_at = EXCLUDED.last_written_at").
		Set("lock_generation = jar_catalog.lock_generation + 1").
		Exec(ctx)
	return err
}

func (c *catalog) close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
