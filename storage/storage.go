// Package storage persists courses, subscriptions, notifications and users
// as JSON documents in a Cloud Storage bucket or a local directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"mpkbot/pkg/catalog"
)

// Store handles document persistence. With a local path set, documents are
// files under that directory and the bucket is not used.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	now       func() time.Time
}

// New creates a new storage handler.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		now:       time.Now,
	}
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,200}$`)

// validID reports whether id is safe to use as a key segment.
func validID(id string) bool {
	return idPattern.MatchString(id) && id != "." && id != ".."
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (s *Store) filePath(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(key))
}

// put writes v as JSON under key.
func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if s.localPath != "" {
		path := s.filePath(key)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Document saved to local storage", "path", path)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save %s after retries: %w", key, err)
	}
	s.logger.Debug("Document saved", "key", key)
	return nil
}

// get reads the JSON document under key into v. A missing document is
// reported as catalog.ErrNotFound.
func (s *Store) get(ctx context.Context, key string, v any) error {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(s.filePath(key))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("%s: %w", key, catalog.ErrNotFound)
			}
			return fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		var missing bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						missing = true
						return retry.Unrecoverable(openErr)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			s.retryOptions(ctx, "load", key)...,
		)
		if missing {
			return fmt.Errorf("%s: %w", key, catalog.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load %s after retries: %w", key, err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// remove deletes the document under key. Removing a missing document is
// not an error.
func (s *Store) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(s.filePath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete %s after retries: %w", key, err)
	}
	return nil
}

// list returns the sorted keys of the JSON documents under prefix, which
// must end in "/".
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	if s.localPath != "" {
		root := s.filePath(prefix)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return fs.SkipAll
				}
				return err
			}
			if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
				return nil
			}
			rel, err := filepath.Rel(s.localPath, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		sort.Strings(keys)
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// loadAll loads every document under prefix. Unreadable documents are
// logged and skipped.
func loadAll[T any](ctx context.Context, s *Store, prefix string) ([]*T, error) {
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(keys))
	for _, key := range keys {
		v := new(T)
		if err := s.get(ctx, key, v); err != nil {
			s.logger.Warn("Failed to load document", "key", key, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
