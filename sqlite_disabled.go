//go:build !sqlite
// +build !sqlite

package geoprice

import (
	"errors"
	"log/slog"
)

func openSQLiteStore(string, *slog.Logger) (Store, error) {
	return nil, errors.New("sqlite store requires a binary built with -tags sqlite")
}
