// Package kvsstore is a reference implementation of pkg/kvs.Store,
// backed by the local filesystem and fsnotify, used for tests and
// local-mode demos that don't have a real broker-side KVS to talk to.
package kvsstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/kvs"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Store maps every key to a file under root, with '.' in keys mapped
// to '/' so KZ's dotted "<name>.<seq>" keys land in one directory per
// stream name.
type Store struct {
	root string
}

var _ kvs.Store = (*Store)(nil)

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errno.New(errno.Proto, "mkdir %s: %v", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(strings.ReplaceAll(key, ".", "/")))
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, errno.New(errno.NoEnt, "key %q not found", key)
	}
	if err != nil {
		return nil, errno.New(errno.Proto, "read %s: %v", key, err)
	}
	return b, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errno.New(errno.Proto, "mkdir: %v", err)
	}
	if err := os.WriteFile(p, value, 0o644); err != nil {
		return errno.New(errno.Proto, "write %s: %v", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errno.New(errno.Proto, "stat %s: %v", key, err)
	}
	return true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	dir := s.path(prefix)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errno.New(errno.Proto, "readdir %s: %v", prefix, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, filepath.ToSlash(filepath.Join(prefix, e.Name())))
	}
	return names, nil
}

// Watch watches the directory holding prefix (creating it if absent)
// and delivers an Event for every fsnotify Create/Write under it
// until ctx is done.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kvs.Event, error) {
	dir := s.path(prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errno.New(errno.Proto, "mkdir %s: %v", prefix, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errno.New(errno.Proto, "fsnotify: %v", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, errno.New(errno.Proto, "watch %s: %v", dir, err)
	}

	out := make(chan kvs.Event, 16)
	go func() {
		defer w.Close()
		defer close(out)
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				op := kvs.OpWrite
				switch {
				case ev.Op&fsnotify.Create == fsnotify.Create:
					op = kvs.OpCreate
				case ev.Op&fsnotify.Remove == fsnotify.Remove:
					op = kvs.OpRemove
				}
				rel, err := filepath.Rel(s.root, ev.Name)
				if err != nil {
					continue
				}
				select {
				case out <- kvs.Event{Key: filepath.ToSlash(rel), Op: op}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("kvsstore: watch error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
