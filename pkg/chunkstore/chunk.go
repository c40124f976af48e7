package chunkstore

import (
	"sync"
	"sync/atomic"
	"time"
)

// ChunkState tags where a chunk is in its lifecycle. Transitions only move
// forward: OPEN -> COMPRESSED -> EXPIRED (OPEN -> EXPIRED when a chunk ages
// past retention without ever being compressed).
type ChunkState uint32

const (
	ChunkOpen ChunkState = iota
	ChunkCompressed
	ChunkExpired
)

func (s ChunkState) String() string {
	switch s {
	case ChunkOpen:
		return "OPEN"
	case ChunkCompressed:
		return "COMPRESSED"
	case ChunkExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Chunk is one fixed-width time partition of a logical table. The state
// word is read atomically on the append hot path; the mutex serializes
// the slow re-encode and delete paths for this chunk only, so ingestion
// into other chunks proceeds unaffected.
type Chunk struct {
	Start time.Time
	End   time.Time

	state atomic.Uint32

	// mu guards compression, expiry and device rewrites of this chunk.
	mu sync.Mutex
}

// State returns the chunk's current lifecycle state.
func (c *Chunk) State() ChunkState {
	return ChunkState(c.state.Load())
}

// advance moves the chunk from one state to the next via compare-and-swap.
// Returns false if the chunk is no longer in the expected state; callers
// treat that as "someone else got here first" and back off.
func (c *Chunk) advance(from, to ChunkState) bool {
	if to <= from {
		return false
	}
	return c.state.CompareAndSwap(uint32(from), uint32(to))
}

// segmentMeta describes one columnar segment inside a compressed chunk.
type segmentMeta struct {
	DeviceID string `json:"device_id"`
	Metric   string `json:"metric_type"`
	Rows     int    `json:"rows"`
}

// chunkMeta is the persisted form of a chunk's index entry.
type chunkMeta struct {
	Start    int64         `json:"start"`
	End      int64         `json:"end"`
	State    ChunkState    `json:"state"`
	Segments []segmentMeta `json:"segments,omitempty"`
}
