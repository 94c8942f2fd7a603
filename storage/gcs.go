package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// GCSBackend stores one JSON object per row in a Cloud Storage bucket.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewGCSBackend creates a backend writing objects under prefix in bucket.
func NewGCSBackend(client *storage.Client, bucket, prefix string, logger *slog.Logger) *GCSBackend {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &GCSBackend{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

func (g *GCSBackend) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// read returns storage.ErrObjectNotExist unwrapped when the object is missing.
func (g *GCSBackend) read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if err != nil {
				if errors.Is(err, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", err))
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "read", key)...,
	)
	if missing {
		return nil, storage.ErrObjectNotExist
	}
	return data, err
}

func (g *GCSBackend) write(ctx context.Context, key string, data []byte) error {
	return retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "write", key)...,
	)
}

func (g *GCSBackend) remove(ctx context.Context, key string) error {
	var missing bool
	err := retry.Do(
		func() error {
			if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
				// Deletion is idempotent
				if errors.Is(err, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "delete", key)...,
	)
	if missing {
		return nil
	}
	return err
}

// objects lists every object name below the backend prefix.
func (g *GCSBackend) objects(ctx context.Context) ([]string, error) {
	var names []string
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: g.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (g *GCSBackend) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Tables: make(map[string][][]byte)}

	data, err := g.read(ctx, g.prefix+metaFile)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load meta after retries: %w", err)
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	snap.Version = m.Version

	names, err := g.objects(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		rel := strings.TrimPrefix(name, g.prefix)
		table, file, ok := strings.Cut(rel, "/")
		if !ok || !strings.HasSuffix(file, ".json") {
			continue
		}
		row, err := g.read(ctx, name)
		if err != nil {
			g.logger.Warn("Failed to load row object", "key", name, "error", err)
			continue
		}
		snap.Tables[table] = append(snap.Tables[table], row)
	}
	g.logger.Info("Loaded rows from Cloud Storage", "bucket", g.bucket, "objects", len(names))
	return snap, nil
}

func (g *GCSBackend) Put(ctx context.Context, table, id string, data []byte) error {
	key := g.prefix + objectName(table, id)
	if err := g.write(ctx, key, data); err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (g *GCSBackend) Delete(ctx context.Context, table, id string) error {
	if err := g.remove(ctx, g.prefix+objectName(table, id)); err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (g *GCSBackend) SetVersion(ctx context.Context, version int) error {
	data, err := json.Marshal(meta{Version: version})
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if err := g.write(ctx, g.prefix+metaFile, data); err != nil {
		return fmt.Errorf("save meta after retries: %w", err)
	}
	return nil
}

func (g *GCSBackend) Reset(ctx context.Context) error {
	names, err := g.objects(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == g.prefix+metaFile {
			continue
		}
		if err := g.remove(ctx, name); err != nil {
			return fmt.Errorf("delete after retries: %w", err)
		}
	}
	g.logger.Info("Cloud Storage reset", "bucket", g.bucket, "deleted", len(names))
	return nil
}

func (g *GCSBackend) Close() error {
	return g.client.Close()
}
