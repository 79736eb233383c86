// Package batcher provides a generic accumulation buffer that flushes on an
// item-count or byte-size threshold. The index update pipeline uses it to
// turn per-document writes into bounded bulk requests.
package batcher

import (
	"github.com/openimsdk/tools/errs"
)

var (
	DefaultMaxItems = 1000
	DefaultMaxBytes = 1024 * 1024
)

// Flush receives a full batch. A non-nil error aborts the producer; the
// items of a failed flush are not retried by the batcher.
type Flush[T any] func(items []T) error

type Config struct {
	maxItems int
	maxBytes int
}

type Option func(c *Config)

// WithMaxItems sets the item-count flush threshold.
func WithMaxItems(n int) Option {
	return func(c *Config) {
		c.maxItems = n
	}
}

// WithMaxBytes sets the accumulated-size flush threshold.
func WithMaxBytes(n int) Option {
	return func(c *Config) {
		c.maxBytes = n
	}
}

// Batcher accumulates weighted items and hands full batches to the flush
// callback. It is not safe for concurrent use; each pipeline stage owns its
// own batcher.
type Batcher[T any] struct {
	config Config
	flush  Flush[T]

	items []T
	bytes int
	total int
}

func New[T any](flush Flush[T], opts ...Option) (*Batcher[T], error) {
	config := Config{maxItems: DefaultMaxItems, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(&config)
	}
	if flush == nil {
		return nil, errs.New("batcher requires a flush callback").Wrap()
	}
	if config.maxItems <= 0 || config.maxBytes <= 0 {
		return nil, errs.New("batcher thresholds must be positive",
			"maxItems", config.maxItems, "maxBytes", config.maxBytes).Wrap()
	}
	return &Batcher[T]{config: config, flush: flush}, nil
}

// Add buffers one item with its byte weight, flushing first when the buffer
// is full.
func (b *Batcher[T]) Add(item T, size int) error {
	if len(b.items) > 0 && (len(b.items) >= b.config.maxItems || b.bytes+size > b.config.maxBytes) {
		if err := b.Close(); err != nil {
			return err
		}
	}
	b.items = append(b.items, item)
	b.bytes += size
	return nil
}

// Close flushes whatever is buffered. Safe to call on an empty batcher.
func (b *Batcher[T]) Close() error {
	if len(b.items) == 0 {
		return nil
	}
	items := b.items
	b.items = nil
	b.bytes = 0
	b.total += len(items)
	return b.flush(items)
}

// Len is the number of currently buffered items.
func (b *Batcher[T]) Len() int {
	return len(b.items)
}

// Total is the number of items handed to flush so far.
func (b *Batcher[T]) Total() int {
	return b.total
}
