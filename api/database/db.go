package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	config "github.com/one2onelove/billing-sync/api/config"
)

var db *sql.DB

// Initialize connects to the Postgres database and verifies the connection
func Initialize() error {
	conn, err := Open(config.AppConfig.DatabaseURL)
	if err != nil {
		return err
	}
	db = conn
	return nil
}

// Open returns a verified connection pool for dsn.
func Open(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", withUnnamedStatements(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every write is a single-row upsert or append, so a small pool is enough.
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return conn, nil
}

// withUnnamedStatements appends binary_parameters=yes to the DSN if not present.
// With it lib/pq sends parameters inline on unnamed statements, which keeps working behind
// PgBouncer transaction pooling where named prepared statements do not survive.
func withUnnamedStatements(dsn string) string {
	lower := strings.ToLower(dsn)
	if strings.Contains(lower, "binary_parameters=") || strings.Contains(lower, "prefer_simple_protocol=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "binary_parameters=yes"
}

// GetDB returns the database connection
func GetDB() *sql.DB {
	return db
}
