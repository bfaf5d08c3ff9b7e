// Package store persists leads and the knowledge base as JSON records in a
// get/set-by-key store.
//
// [KV] is the storage seam; [memstore], [filestore], and [postgres] implement
// it. [Repository] keeps the working set in memory, writes it back after every
// mutation, and recovers from malformed stored data by regenerating the
// default dataset.
package store

import (
	"context"
	"errors"
)

// Record keys.
const (
	KeyLeads     = "leads"
	KeyKnowledge = "knowledge"
)

// ErrParse is wrapped by load errors caused by malformed stored data. The
// repository recovers from it by falling back to defaults.
var ErrParse = errors.New("store: malformed record")

// ErrLeadNotFound is returned when a lead ID is unknown.
var ErrLeadNotFound = errors.New("store: lead not found")

// KV is a durable get/set-by-key store of JSON documents.
//
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns the value stored under key. ok is false when nothing is
	// stored; that is not an error.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
}
