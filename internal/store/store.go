// Package store keeps the operator journal: writes sent to the controller
// and blacklist changes. Readings are never persisted.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("not found")

// Entry kinds.
const (
	KindWrite          = "write"
	KindWriteFailed    = "write_failed"
	KindTimers         = "timers"
	KindBlacklist      = "blacklist"
	KindBlacklistReset = "blacklist_reset"
)

// Entry is one journal record.
type Entry struct {
	ID        uint64    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Datapoint string    `json:"datapoint,omitempty"`
	Value     any       `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Store defines the journal persistence interface.
type Store interface {
	// Append assigns the next ID to e and stores it.
	Append(e *Entry) error
	// Get returns the entry with the given ID.
	Get(id uint64) (*Entry, error)
	// List returns up to limit entries, newest first. limit <= 0 means all.
	List(limit int) ([]*Entry, error)

	// Close the store
	Close() error
}
