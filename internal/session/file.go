package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/recordwise/regent/internal/logging"
)

// FileBackend stores one JSON file per session under a directory. Writes go
// through a temp file and rename, so a crash mid-write never leaves a
// corrupt record behind.
type FileBackend struct {
	dir string
	log *logging.Logger
}

// NewFileBackend creates (if needed) the session directory and returns a
// backend over it.
func NewFileBackend(dir string, log *logging.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &FileBackend{dir: dir, log: log.Sub("filebackend")}, nil
}

func (b *FileBackend) path(sessionID string) string {
	return filepath.Join(b.dir, sessionID+".json")
}

// Save writes the record durably: temp file, fsync, rename.
func (b *FileBackend) Save(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.Session.ID, err)
	}

	tmp, err := os.CreateTemp(b.dir, "."+rec.Session.ID+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing session %s: %w", rec.Session.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing session %s: %w", rec.Session.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), b.path(rec.Session.ID)); err != nil {
		return fmt.Errorf("replacing session %s: %w", rec.Session.ID, err)
	}
	return nil
}

// Delete removes the record file. A missing file is fine.
func (b *FileBackend) Delete(_ context.Context, sessionID string) error {
	err := os.Remove(b.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// List loads every stored record. Unreadable files are skipped with a
// warning rather than failing startup.
func (b *FileBackend) List(_ context.Context) ([]*Record, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var recs []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			b.log.Warn().Str("file", name).Err(err).Msg("skipping unreadable session file")
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			b.log.Warn().Str("file", name).Err(err).Msg("skipping corrupt session file")
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error { return nil }
