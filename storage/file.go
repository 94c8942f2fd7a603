package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const metaFile = "meta.json"

type meta struct {
	Version int `json:"version"`
}

// objectName maps a row to a stable file or object name. The encoded key is
// hex-encoded so it is always a safe path segment.
func objectName(table, id string) string {
	return table + "/" + hex.EncodeToString([]byte(id)) + ".json"
}

// FileBackend stores one JSON file per row under a local directory.
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

// NewFileBackend creates a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

func (f *FileBackend) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Tables: make(map[string][][]byte)}

	data, err := os.ReadFile(filepath.Join(f.dir, metaFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return snap, nil
	case err != nil:
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	snap.Version = m.Version

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage directory: %w", err)
	}
	for _, dir := range entries {
		if !dir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(f.dir, dir.Name()))
		if err != nil {
			return nil, fmt.Errorf("read table directory: %w", err)
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			row, err := os.ReadFile(filepath.Join(f.dir, dir.Name(), file.Name()))
			if err != nil {
				f.logger.Warn("Failed to read row file", "table", dir.Name(), "file", file.Name(), "error", err)
				continue
			}
			snap.Tables[dir.Name()] = append(snap.Tables[dir.Name()], row)
		}
	}
	return snap, nil
}

func (f *FileBackend) Put(ctx context.Context, table, id string, data []byte) error {
	path := filepath.Join(f.dir, filepath.FromSlash(objectName(table, id)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create table directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	f.logger.Debug("Row saved to local storage", "path", path)
	return nil
}

func (f *FileBackend) Delete(ctx context.Context, table, id string) error {
	path := filepath.Join(f.dir, filepath.FromSlash(objectName(table, id)))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (f *FileBackend) SetVersion(ctx context.Context, version int) error {
	data, err := json.Marshal(meta{Version: version})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(f.dir, metaFile), data, 0o600); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (f *FileBackend) Reset(ctx context.Context) error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("read storage directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := os.RemoveAll(filepath.Join(f.dir, e.Name())); err != nil {
			return fmt.Errorf("remove table directory: %w", err)
		}
	}
	f.logger.Info("Local storage reset", "path", f.dir)
	return nil
}

func (f *FileBackend) Close() error { return nil }
