// Package storage provides the history.Store backends: BadgerDB, SQLite and
// an in-memory store.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/Tyrowin/beechat/internal/history"
)

const (
	DriverBadger = "badger"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open creates the store named by driver. path is a directory for badger and
// a database file for sqlite; it is ignored by the memory store.
func Open(driver, path string, log *slog.Logger) (history.Store, error) {
	switch driver {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverBadger:
		if path == "" {
			return nil, fmt.Errorf("badger store requires STORE_PATH to be set")
		}
		store, err := OpenBadgerStore(path, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	case DriverSQLite:
		if path == "" {
			return nil, fmt.Errorf("sqlite store requires STORE_PATH to be set")
		}
		store, err := OpenSQLiteStore(path, log)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}
