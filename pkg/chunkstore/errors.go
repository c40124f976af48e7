package chunkstore

import (
	"fmt"
	"time"
)

// OutOfOrderWriteError reports a write routed to a chunk that has already
// transitioned past OPEN while the store's late-write policy is Reject.
type OutOfOrderWriteError struct {
	Table      string
	ChunkStart time.Time
	State      ChunkState
	RowTime    time.Time
}

func (e *OutOfOrderWriteError) Error() string {
	return fmt.Sprintf("chunkstore: out-of-order write to %s chunk %s/%s (row time %s)",
		e.State, e.Table, e.ChunkStart.UTC().Format(time.RFC3339), e.RowTime.UTC().Format(time.RFC3339))
}

// ChunkCompressionError reports a failed re-encode. The chunk is left OPEN;
// nothing partial is visible.
type ChunkCompressionError struct {
	Table      string
	ChunkStart time.Time
	Err        error
}

func (e *ChunkCompressionError) Error() string {
	return fmt.Sprintf("chunkstore: compress chunk %s/%s: %v",
		e.Table, e.ChunkStart.UTC().Format(time.RFC3339), e.Err)
}

func (e *ChunkCompressionError) Unwrap() error { return e.Err }

// RetentionOrderingViolation reports a refused expiry: the chunk's range is
// not yet covered by the rollup watermark, so deleting it would corrupt
// future aggregates. Refused, never forced.
type RetentionOrderingViolation struct {
	Table     string
	ChunkEnd  time.Time
	Watermark time.Time
}

func (e *RetentionOrderingViolation) Error() string {
	return fmt.Sprintf("chunkstore: expiry of %s chunk ending %s refused, rollup watermark at %s",
		e.Table, e.ChunkEnd.UTC().Format(time.RFC3339), e.Watermark.UTC().Format(time.RFC3339))
}
