// Package eventlog implements the Eventlog watcher from spec §4.9: a
// streaming Future over a KVS key holding an append-only,
// newline-delimited JSON array of {timestamp, name, context?} entries.
package eventlog

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/future"
	"github.com/flux-framework/flux-go/pkg/kvs"
	log "github.com/sirupsen/logrus"
)

// Flag modifies Watch's behavior.
type Flag int

const (
	// InitialSentinel delivers exactly one nil-payload entry once the
	// pre-existing snapshot has been fully delivered, before any live
	// (post-snapshot) entry.
	InitialSentinel Flag = 1 << iota
	// WaitCreate suspends delivery of ENOENT until the key exists.
	WaitCreate
	// Append tells the watcher the key is append-only, enabling
	// incremental tail reads instead of re-reading the whole key.
	Append
)

// Entry is one delivered eventlog line, or the distinguished sentinel
// (Sentinel true, Raw nil) marking "you have seen the snapshot; what
// follows is live".
type Entry struct {
	Raw      []byte
	Sentinel bool
}

// Watch opens a streaming Future over path. Each Fulfill delivers one
// Entry; the runtime resets the Future after any registered
// continuation runs, so callers drive it with Future.Then the same
// way pkg/rpc drives STREAMING responses. Cancellation (via the
// returned Future's Destroy, or ctx ending) delivers a terminal
// errno.NoData error instead of an Entry.
func Watch(ctx context.Context, store kvs.Store, path string, flags Flag) (*future.Future, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	f := future.New(func() { cancel() })
	f.SetAutoReset(true)

	w := &watcher{
		ctx:   watchCtx,
		store: store,
		path:  path,
		flags: flags,
		f:     f,
	}

	if flags&WaitCreate != 0 {
		if err := w.waitForCreate(); err != nil {
			cancel()
			return nil, err
		}
	} else {
		exists, err := store.Exists(watchCtx, path)
		if err != nil {
			cancel()
			return nil, err
		}
		if !exists {
			cancel()
			return nil, errno.New(errno.NoEnt, "eventlog: %s not found", path)
		}
	}

	go w.run()
	return f, nil
}

type watcher struct {
	ctx   context.Context
	store kvs.Store
	path  string
	flags Flag
	f     *future.Future

	mu     sync.Mutex
	offset int // bytes already delivered
}

func (w *watcher) waitForCreate() error {
	for {
		exists, err := w.store.Exists(w.ctx, w.path)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		events, err := w.store.Watch(w.ctx, watchPrefix(w.path))
		if err != nil {
			return err
		}
		select {
		case <-events:
		case <-w.ctx.Done():
			return errno.New(errno.Again, "eventlog: %v", w.ctx.Err())
		}
	}
}

func (w *watcher) run() {
	sentinelSent := false
	for {
		lines, caughtUp, err := w.drain()
		if err != nil {
			if w.ctx.Err() != nil {
				w.f.FulfillError(errno.New(errno.NoData, "eventlog watch cancelled"))
				return
			}
			w.f.FulfillError(err)
			return
		}
		for _, line := range lines {
			select {
			case <-w.ctx.Done():
				w.f.FulfillError(errno.New(errno.NoData, "eventlog watch cancelled"))
				return
			default:
			}
			w.f.Fulfill(Entry{Raw: line})
		}

		if caughtUp && !sentinelSent && w.flags&InitialSentinel != 0 {
			sentinelSent = true
			select {
			case <-w.ctx.Done():
				w.f.FulfillError(errno.New(errno.NoData, "eventlog watch cancelled"))
				return
			default:
			}
			w.f.Fulfill(Entry{Sentinel: true})
		}

		if !caughtUp {
			continue
		}

		if err := w.waitForChange(); err != nil {
			if w.ctx.Err() != nil {
				w.f.FulfillError(errno.New(errno.NoData, "eventlog watch cancelled"))
				return
			}
			w.f.FulfillError(err)
			return
		}
	}
}

// drain reads any bytes appended since the last call and splits them
// into newline-delimited entries. caughtUp is true once every
// complete line available has been returned (a trailing partial line
// without its newline is held back for the next call).
func (w *watcher) drain() (lines [][]byte, caughtUp bool, err error) {
	content, err := w.store.Get(w.ctx, w.path)
	if err != nil {
		return nil, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.offset > len(content) {
		w.offset = 0 // key was truncated/recreated
	}
	fresh := content[w.offset:]
	if len(fresh) == 0 {
		return nil, true, nil
	}

	idx := bytes.LastIndexByte(fresh, '\n')
	if idx < 0 {
		return nil, true, nil
	}
	complete := fresh[:idx+1]
	for _, line := range bytes.Split(bytes.TrimSuffix(complete, []byte("\n")), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	w.offset += len(complete)
	return lines, idx+1 == len(fresh), nil
}

// watchPrefix returns the store prefix whose Watch covers path: the
// part before its last '.', or "" (every key) for an undotted path.
func watchPrefix(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return ""
}

func (w *watcher) waitForChange() error {
	events, err := w.store.Watch(w.ctx, watchPrefix(w.path))
	if err != nil {
		return err
	}
	select {
	case _, ok := <-events:
		if !ok {
			return errno.New(errno.ConnReset, "eventlog: watch closed")
		}
		return nil
	case <-w.ctx.Done():
		return errno.New(errno.Again, "eventlog: %v", w.ctx.Err())
	case <-time.After(30 * time.Second):
		log.WithField("path", w.path).Debug("eventlog: idle poll")
		return nil
	}
}
