// Package kvs declares the external key-value store collaborator's
// interface (spec §1: "only their interfaces matter") consumed by
// pkg/kz and pkg/eventlog, plus a reference implementation in
// internal/kvsstore used for tests and local-mode demos.
package kvs

import "context"

// Store is the minimal KVS surface the messaging core depends on: a
// flat namespace of keys holding arbitrary bytes, with a directory
// watch primitive used to implement blocking reads.
type Store interface {
	// Get returns the value at key, or errno.NoEnt if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value at key unconditionally.
	Put(ctx context.Context, key string, value []byte) error

	// Exists reports whether key is present without fetching its value.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key with the given prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Watch returns a channel that receives an event every time any
	// key under prefix is created or modified, until ctx is done (at
	// which point the channel is closed). The reference implementation
	// backs this with fsnotify; a remote KVS would back it with its
	// own change-notification primitive.
	Watch(ctx context.Context, prefix string) (<-chan Event, error)
}

// Event describes a change observed by Watch.
type Event struct {
	Key string
	Op  Op
}

// Op identifies the kind of change an Event represents.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove
)
