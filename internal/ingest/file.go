package ingest

import (
	"context"
	"fmt"
	"os"
)

// LoadFile decodes an NDJSON file of envelopes and submits them to the pool
// in units of batchSize messages. It returns the number of messages queued.
func LoadFile(ctx context.Context, pool *Pool, path string, batchSize int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	msgs, err := DecodeNDJSON(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return SubmitBatches(ctx, pool, msgs, batchSize)
}

// SubmitBatches splits msgs into units of at most batchSize messages.
func SubmitBatches(ctx context.Context, pool *Pool, msgs []Message, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	queued := 0
	for _, unit := range Chunk(msgs, batchSize) {
		if err := ctx.Err(); err != nil {
			return queued, err
		}
		if !pool.Submit(unit) {
			return queued, fmt.Errorf("pool closed after %d messages", queued)
		}
		queued += len(unit)
	}
	return queued, nil
}

// Chunk splits msgs into consecutive slices of at most size elements.
func Chunk(msgs []Message, size int) [][]Message {
	var out [][]Message
	for start := 0; start < len(msgs); start += size {
		out = append(out, msgs[start:min(start+size, len(msgs))])
	}
	return out
}
