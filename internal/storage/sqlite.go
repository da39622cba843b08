package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	logx "conduction/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; it also keeps pragmas on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ms := int64(5000)
	if cfg.BusyTimeout > 0 {
		ms = cfg.BusyTimeout.Milliseconds()
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqlStore{db: db, log: log, dialect: dialectSQLite}
	if err := st.migrate(context.Background(), "migrations/sqlite.sql"); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}
