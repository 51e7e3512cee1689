package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Init opens the data pool database. For sqlite the parent directory of the
// database file is created and foreign key enforcement is verified, since
// deleting a pool object relies on cascades into its variant table.
func Init(driver, connection string) (*sqlx.DB, error) {
	if driver == "sqlite" && !strings.HasPrefix(connection, ":memory:") {
		path := strings.TrimPrefix(connection, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	conn, err := sqlx.Connect(driver, connection)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if driver == "sqlite" {
		var enabled bool
		if err := conn.Get(&enabled, `PRAGMA foreign_keys`); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to read foreign_keys pragma: %w", err)
		}
		if !enabled {
			_ = conn.Close()
			return nil, fmt.Errorf("sqlite connection must enable foreign keys (_pragma=foreign_keys(1))")
		}
	}

	slog.Info("database connected", "driver", driver)
	return conn, nil
}

func Close(conn *sqlx.DB) error {
	if conn != nil {
		return conn.Close()
	}
	return nil
}
