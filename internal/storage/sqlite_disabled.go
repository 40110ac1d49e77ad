//go:build !sqlite

package storage

import (
	"errors"
	"time"

	logx "anembot/pkg/logx"
)

func openSQLite(path string, busyTimeout time.Duration, log logx.Logger) (Store, error) {
	return nil, errors.New(`storage driver "sqlite" requires building with -tags sqlite`)
}
