// Package payload reads changed files into upload items and packs them into
// batches that stay under the transfer-size ceiling.
package payload

import (
	"encoding/json"
	"fmt"
)

// Item is one file in an upload.
type Item struct {
	Hash    string `json:"fileHash"`
	Path    string `json:"filePath"`
	Content string `json:"fileContent"`
}

// Batch is either Unchunked or Chunked. The set of implementations is closed.
type Batch interface {
	// Len returns the total number of items.
	Len() int
	isBatch()
}

// Unchunked carries every item in one request, in caller order.
type Unchunked []Item

// Chunked carries items split into size-bounded chunks, in caller order.
type Chunked [][]Item

func (u Unchunked) Len() int { return len(u) }

func (c Chunked) Len() int {
	n := 0
	for _, chunk := range c {
		n += len(chunk)
	}
	return n
}

func (Unchunked) isBatch() {}
func (Chunked) isBatch()   {}

// Envelope is the wire shape: a flat item list or a list of chunks,
// disambiguated by the Chunks flag.
type Envelope struct {
	Chunks  bool            `json:"chunks"`
	Payload json.RawMessage `json:"payload"`
}

// Encode renders b in its wire shape.
func Encode(b Batch) ([]byte, error) {
	var (
		env Envelope
		raw []byte
		err error
	)
	switch v := b.(type) {
	case Unchunked:
		raw, err = json.Marshal([]Item(nilToEmpty(v)))
	case Chunked:
		if v == nil {
			v = Chunked{}
		}
		env.Chunks = true
		raw, err = json.Marshal([][]Item(v))
	default:
		return nil, fmt.Errorf("unknown batch type %T", b)
	}
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	env.Payload = raw
	return json.Marshal(env)
}

// Decode parses the wire shape back into a Batch.
func Decode(data []byte) (Batch, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Chunks {
		var c Chunked
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("decoding chunks: %w", err)
		}
		return c, nil
	}
	var u Unchunked
	if err := json.Unmarshal(env.Payload, &u); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}
	return u, nil
}

func nilToEmpty(u Unchunked) Unchunked {
	if u == nil {
		return Unchunked{}
	}
	return u
}
