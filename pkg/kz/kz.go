// Package kz implements the KVS-stream from spec §4.8: a named,
// block-sequenced byte stream backed by keys `<name>.<seq:6d>`, each
// holding a {data, eof} frame.
package kz

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/flux-framework/flux-go/pkg/errno"
	"github.com/flux-framework/flux-go/pkg/kvs"
)

// Flag modifies Open/Write/Close behavior.
type Flag int

const (
	// Trunc overwrites an existing sequence rather than erroring.
	Trunc Flag = 1 << iota
	// NoCommitOpen defers the implicit open-time bookkeeping commit.
	NoCommitOpen
	// NoCommitPut defers each Put's commit until an explicit Flush.
	NoCommitPut
	// NoCommitClose makes Close skip the final eof-frame commit. The
	// writer is closed all the same, so no later Flush or Close
	// commits that frame.
	NoCommitClose
	// DelayCommit is NoCommitOpen | NoCommitPut.
	DelayCommit = NoCommitOpen | NoCommitPut
	// Raw lets the caller emit the eof frame itself via WriteRaw/Put
	// instead of Close synthesizing one.
	Raw
)

type frame struct {
	Data string `json:"data"`
	Eof  bool   `json:"eof"`
}

func blockKey(name string, seq int) string {
	return fmt.Sprintf("%s.%06d", name, seq)
}

// Writer appends framed blocks to a named stream.
type Writer struct {
	store  kvs.Store
	name   string
	flags  Flag
	seq    int
	buf    []byte
	closed bool
}

// Create opens name for writing. If flags has Trunc, any blocks past
// the current write position are tolerated to be overwritten;
// otherwise writing to an existing sequence number is an error.
func Create(store kvs.Store, name string, flags Flag) *Writer {
	return &Writer{store: store, name: name, flags: flags}
}

// Put appends bytes to the current block buffer, flushing immediately
// unless NoCommitPut is set.
func (w *Writer) Put(ctx context.Context, b []byte) error {
	if w.closed {
		return errno.New(errno.RoFs, "kz: write after close")
	}
	w.buf = append(w.buf, b...)
	if w.flags&NoCommitPut != 0 {
		return nil
	}
	return w.Flush(ctx)
}

// Flush commits the buffered bytes as a non-terminal block and resets
// the buffer, even if it is empty (an empty non-final block is valid).
func (w *Writer) Flush(ctx context.Context) error {
	if w.closed {
		return errno.New(errno.RoFs, "kz: flush after close")
	}
	return w.commit(ctx, w.buf, false)
}

func (w *Writer) commit(ctx context.Context, data []byte, eof bool) error {
	key := blockKey(w.name, w.seq)
	if w.flags&Trunc == 0 {
		exists, err := w.store.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return errno.New(errno.Exist, "kz: block %s already exists", key)
		}
	}
	f := frame{Data: base64.StdEncoding.EncodeToString(data), Eof: eof}
	b, err := json.Marshal(f)
	if err != nil {
		return errno.New(errno.Proto, "kz: encode frame: %v", err)
	}
	if err := w.store.Put(ctx, key, b); err != nil {
		return err
	}
	w.seq++
	w.buf = nil
	return nil
}

// Close commits the buffered bytes as the final block with eof=true,
// unless opened with Raw (in which case the caller is responsible for
// having already emitted an eof frame via WriteRaw).
func (w *Writer) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.flags&Raw != 0 {
		return nil
	}
	if w.flags&NoCommitClose != 0 {
		return nil
	}
	return w.commit(ctx, w.buf, true)
}

// WriteRaw commits an explicit frame, for Raw-mode writers that want
// to control the eof flag themselves.
func (w *Writer) WriteRaw(ctx context.Context, data []byte, eof bool) error {
	if w.flags&Raw == 0 {
		return errno.New(errno.InvalidArg, "kz: WriteRaw requires Raw flag")
	}
	return w.commit(ctx, data, eof)
}

// Reader sequentially reads a named stream's blocks.
type Reader struct {
	store kvs.Store
	name  string
	flags Flag
	seq   int
	eof   bool
}

// Open opens name for reading.
func Open(store kvs.Store, name string, flags Flag) *Reader {
	return &Reader{store: store, name: name, flags: flags}
}

// Read returns the next block's data, or nil with no error once the
// eof frame has been observed (matching the spec's "returns 0 (EOF)"
// contract translated to Go's nil-slice-no-error idiom). If the next
// key is absent: in blocking mode, Read waits on a KVS directory
// watch for it to appear; in non-blocking mode, Read returns
// errno.Again immediately.
func (r *Reader) Read(ctx context.Context, blocking bool) ([]byte, error) {
	if r.eof {
		return nil, nil
	}
	key := blockKey(r.name, r.seq)

	for {
		b, err := r.store.Get(ctx, key)
		if err == nil {
			return r.decode(b)
		}
		if !errno.Is(err, errno.NoEnt) {
			return nil, err
		}
		if !blocking {
			return nil, errno.New(errno.Again, "kz: block %s not yet present", key)
		}
		if waitErr := r.waitForKey(ctx, key); waitErr != nil {
			return nil, waitErr
		}
	}
}

func (r *Reader) decode(b []byte) ([]byte, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errno.New(errno.Proto, "kz: malformed frame: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, errno.New(errno.Proto, "kz: malformed frame data: %v", err)
	}
	r.seq++
	if f.Eof {
		r.eof = true
		if len(data) == 0 {
			return nil, nil
		}
	}
	return data, nil
}

func (r *Reader) waitForKey(ctx context.Context, key string) error {
	events, err := r.store.Watch(ctx, r.name)
	if err != nil {
		return err
	}
	for {
		exists, err := r.store.Exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		select {
		case _, ok := <-events:
			if !ok {
				return errno.New(errno.ConnReset, "kz: watch closed before %s appeared", key)
			}
		case <-ctx.Done():
			return errno.New(errno.Again, "kz: %v", ctx.Err())
		}
	}
}

// SetReadyCB is the non-blocking counterpart to a blocking Read: it
// starts a watch on the stream's directory and invokes cb
// every time it changes, with the guarantee that a subsequent
// non-blocking Read (called with an already-Done/background ctx) will
// make progress at least once per callback.
func (r *Reader) SetReadyCB(ctx context.Context, cb func()) error {
	events, err := r.store.Watch(ctx, r.name)
	if err != nil {
		return err
	}
	go func() {
		for range events {
			cb()
		}
	}()
	return nil
}

// Eof reports whether the eof frame has already been observed.
func (r *Reader) Eof() bool { return r.eof }
