package chunkstore

import (
	"time"
)

// Row is a single record stored in a chunked table. Two rows with the same
// timestamp and identity key overwrite each other, which gives derived
// tables (costs) their upsert semantics for free.
type Row interface {
	RowTime() time.Time
	RowDevice() string
	RowMetric() string

	// RowKey is the row's identity within its timestamp. For raw samples
	// this is the series (device + metric); derived tables fold in
	// whatever else makes the row unique.
	RowKey() string
}

// Codec translates rows to and from their stored representations. Each
// chunked table supplies its own: raw samples use the columnar codec,
// cost records a document codec.
type Codec interface {
	// EncodeRow and DecodeRow handle the row-at-a-time layout of OPEN chunks.
	EncodeRow(r Row) ([]byte, error)
	DecodeRow(data []byte) (Row, error)

	// EncodeSegment and DecodeSegment handle the compressed layout. Rows
	// passed to EncodeSegment belong to one (device, metric) segment and
	// are sorted by time descending; DecodeSegment returns them in the
	// same order. Round-tripping must preserve exact values and count.
	EncodeSegment(rows []Row) ([]byte, error)
	DecodeSegment(data []byte) ([]Row, error)
}
