// Package transport provides the write-line capability the bridge emits
// frames through. A failed write is reported as ErrWriteFailed and recovered
// by the caller (the tick is skipped, never retried here), so a transport
// hiccup costs one frame and nothing else.
package transport

import "errors"

// ErrWriteFailed is wrapped by every adapter when a single line write does
// not complete.
var ErrWriteFailed = errors.New("transport write failed")

// LineWriter accepts one UTF-8 text line per call. Implementations must be
// bounded: a write never blocks longer than its configured deadline.
type LineWriter interface {
	WriteLine(line string) error
	Close() error
}
