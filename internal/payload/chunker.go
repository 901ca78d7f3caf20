package payload

import (
	"encoding/json"
	"fmt"
)

// DefaultMaxBytes is the absolute payload ceiling used when none is configured.
const DefaultMaxBytes = 4 * 1024 * 1024

// Chunker sizes payloads against an absolute ceiling and packs oversized
// ones into chunks of at most half that ceiling.
type Chunker struct {
	maxBytes int64
	metrics  *Metrics
}

// NewChunker returns a chunker for the given absolute ceiling in bytes.
func NewChunker(maxBytes int64) (*Chunker, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("payload ceiling must be positive, got %d", maxBytes)
	}
	return &Chunker{maxBytes: maxBytes}, nil
}

// WithMetrics records chunking outcomes on m.
func (c *Chunker) WithMetrics(m *Metrics) *Chunker {
	c.metrics = m
	return c
}

// MaxBytes returns the absolute ceiling.
func (c *Chunker) MaxBytes() int64 {
	return c.maxBytes
}

// SafeThreshold returns the per-chunk target, half the ceiling. The
// remaining headroom covers envelope overhead and estimation slack.
func (c *Chunker) SafeThreshold() int64 {
	return c.maxBytes / 2
}

// SizePayload returns items unchanged as Unchunked when their serialized
// size is below the ceiling, and packs them otherwise.
func (c *Chunker) SizePayload(items []Item) (Batch, error) {
	total, err := serializedSize(items)
	if err != nil {
		return nil, err
	}
	if total < c.maxBytes {
		c.metrics.observe(false, 1, total)
		return Unchunked(items), nil
	}
	chunks, err := c.Pack(items, total)
	if err != nil {
		return nil, err
	}
	c.metrics.observe(true, len(chunks), total)
	return chunks, nil
}

// Pack splits items into chunks in a single left-to-right pass. Items are
// never reordered or split. A new chunk starts when adding the next item
// would push the running size past the safe threshold, so only a chunk
// holding a single item can exceed it.
//
// totalSize is the serialized size of the whole sequence and only sizes the
// initial chunk list.
func (c *Chunker) Pack(items []Item, totalSize int64) (Chunked, error) {
	sizes := make([]int64, len(items))
	for i, it := range items {
		n, err := ItemSize(it)
		if err != nil {
			return nil, err
		}
		sizes[i] = n
	}
	return packSizes(items, sizes, c.SafeThreshold(), totalSize), nil
}

func packSizes(items []Item, sizes []int64, safe, totalSize int64) Chunked {
	hint := 1
	if safe > 0 && totalSize > 0 {
		hint = int(totalSize/safe) + 1
	}
	if hint > len(items) {
		hint = len(items)
	}
	chunks := make(Chunked, 0, hint)
	var running int64
	for i, it := range items {
		size := sizes[i]
		last := len(chunks) - 1
		if last < 0 || running+size > safe {
			chunks = append(chunks, []Item{it})
			running = size
			continue
		}
		chunks[last] = append(chunks[last], it)
		running += size
	}
	return chunks
}

// ItemSize returns the worst-case serialized size of one item.
func ItemSize(it Item) (int64, error) {
	data, err := json.Marshal(it)
	if err != nil {
		return 0, fmt.Errorf("sizing %s: %w", it.Path, err)
	}
	return int64(len(data)), nil
}

func serializedSize(items []Item) (int64, error) {
	data, err := json.Marshal(items)
	if err != nil {
		return 0, fmt.Errorf("sizing payload: %w", err)
	}
	return int64(len(data)), nil
}
