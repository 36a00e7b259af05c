package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"redditchat/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database selected by dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		if err := ensureDir(dbCfg.DSN); err != nil {
			return nil, err
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// one connection keeps ":memory:" databases shared and serializes writers
		db.SetMaxOpenConns(1)
	case "mysql":
		params := dbCfg.Params
		if !strings.Contains(params, "parseTime=") {
			// order timestamps are scanned into time.Time
			params = strings.TrimPrefix(params+"&parseTime=true", "&")
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// IsSQLite reports whether the driver name refers to sqlite.
func IsSQLite(driver string) bool {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return true
	}
	return false
}

func ensureDir(dsn string) error {
	if dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS quota_records (
				user_id TEXT PRIMARY KEY,
				count INTEGER NOT NULL DEFAULT 0,
				day TEXT NOT NULL,
				premium INTEGER NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS orders (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				product_id TEXT NOT NULL,
				product_name TEXT NOT NULL,
				amount INTEGER NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				created_at DATETIME NOT NULL,
				paid_at DATETIME
			)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS quota_records (
				user_id VARCHAR(255) NOT NULL,
				count INT NOT NULL DEFAULT 0,
				day VARCHAR(32) NOT NULL,
				premium TINYINT(1) NOT NULL DEFAULT 0,
				updated_at DATETIME NOT NULL,
				PRIMARY KEY (user_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS orders (
				id VARCHAR(64) NOT NULL,
				user_id VARCHAR(255) NOT NULL,
				product_id VARCHAR(100) NOT NULL,
				product_name VARCHAR(255) NOT NULL,
				amount BIGINT NOT NULL,
				status VARCHAR(20) NOT NULL DEFAULT 'pending',
				created_at DATETIME NOT NULL,
				paid_at DATETIME NULL,
				PRIMARY KEY (id),
				INDEX idx_orders_user (user_id),
				INDEX idx_orders_status_created (status, created_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
