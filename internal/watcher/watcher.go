// Package watcher feeds the pipeline from an inbox directory. New PDFs
// dropped into the inbox are debounced until writes settle, registered by
// content hash, and enqueued as processing tasks.
package watcher

import (
	"time"
)

// Operation is a file system operation type.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one observed change in the inbox.
type FileEvent struct {
	Path      string
	Operation Operation
	Timestamp time.Time
}

// Options configures the inbox watcher. Zero values fall back to defaults.
type Options struct {
	// DebounceWindow is how long a file must be quiet before intake.
	// Copies into the inbox produce a burst of writes; intake must wait
	// for the last one. Default: 500ms.
	DebounceWindow time.Duration

	// Extensions lists accepted file extensions (lowercase, with dot).
	// Default: .pdf only.
	Extensions []string

	// EventBufferSize is the event channel buffer. Default: 256.
	EventBufferSize int
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 500 * time.Millisecond
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".pdf"}
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = 256
	}
	return o
}
