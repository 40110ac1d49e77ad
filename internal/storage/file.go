package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"anembot/internal/member"

	logx "anembot/pkg/logx"
)

const fileSchemaVersion = 1

type fileSnapshot struct {
	Version int              `json:"version"`
	Members []*member.Member `json:"members"`
}

// FileStore keeps the roster in one JSON file. Writes go through a temp
// file and rename; the previous snapshot survives as "<path>.bak".
type FileStore struct {
	mu   sync.Mutex
	path string
	log  logx.Logger
}

func NewFileStore(path string, log logx.Logger) *FileStore {
	return &FileStore{path: path, log: log}
}

func (s *FileStore) Load(ctx context.Context) ([]*member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if snap.Version > fileSchemaVersion {
		return nil, fmt.Errorf("%s: unsupported schema version %d", s.path, snap.Version)
	}
	for _, m := range snap.Members {
		m.Normalize()
	}
	return snap.Members, nil
}

func (s *FileStore) Save(ctx context.Context, members []*member.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := fileSnapshot{Version: fileSchemaVersion, Members: members}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(b)
	serr := tmp.Sync()
	cerr := tmp.Close()
	for _, e := range []error{werr, serr, cerr} {
		if e != nil {
			os.Remove(tmpName)
			return e
		}
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.path+".bak"); err != nil && !s.log.IsZero() {
			s.log.Warn("keeping backup snapshot failed", logx.Err(err))
		}
	}
	return os.Rename(tmpName, s.path)
}

func (s *FileStore) Close() error { return nil }
