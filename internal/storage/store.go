package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"anembot/internal/config"
	"anembot/internal/member"

	logx "anembot/pkg/logx"
)

// Store persists the member roster. Implementations must round-trip every
// member attribute and apply member.Normalize on load.
type Store interface {
	Load(ctx context.Context) ([]*member.Member, error)
	Save(ctx context.Context, members []*member.Member) error
	Close() error
}

// Open builds the configured driver. An empty driver means "file".
func Open(cfg config.StorageConfig, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		path := cfg.Path
		if path == "" {
			path = "./members.json"
		}
		return NewFileStore(path, log), nil
	case "sqlite":
		busy := 5 * time.Second
		if d, err := config.ParseDurationField("storage.busy_timeout", cfg.BusyTimeout); err != nil {
			return nil, err
		} else if d > 0 {
			busy = d
		}
		path := cfg.Path
		if path == "" {
			path = "./members.db"
		}
		return openSQLite(path, busy, log)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
