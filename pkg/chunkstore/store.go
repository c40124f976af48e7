package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/wattvault/wattvault/pkg/storage"
)

// LateWritePolicy decides what happens when a row targets a chunk that has
// already been compressed.
type LateWritePolicy int

const (
	// RejectLate fails the append with OutOfOrderWriteError. Default.
	RejectLate LateWritePolicy = iota

	// AcceptLate writes the row alongside the compressed segments; reads
	// merge both layouts, so query results stay complete.
	AcceptLate
)

// Options configures a chunked table.
type Options struct {
	// Table names the logical table; it prefixes every backend key.
	Table string

	// ChunkWidth is the fixed time width of each chunk.
	ChunkWidth time.Duration

	// LateWrites is the policy for writes into compressed chunks.
	LateWrites LateWritePolicy

	// Codec translates this table's rows.
	Codec Codec

	Logger zerolog.Logger
}

// ChunkRef identifies the chunk an append landed in.
type ChunkRef struct {
	Table string
	Start time.Time
	End   time.Time
}

// Store is an append-only chunked table: rows are routed to fixed-width
// time chunks, aged chunks are re-encoded into columnar segments, and
// expired chunks are deleted wholesale.
//
// The chunk index is the only mutable shared state. It is read on every
// append and query and written only when a chunk is created, so index
// access is RLock-biased and chunk state lives in a per-chunk atomic
// word. Expired chunks stay in the index as tombstones guarding their
// interval against writes.
type Store struct {
	table   string
	width   time.Duration
	policy  LateWritePolicy
	codec   Codec
	backend storage.Backend
	log     zerolog.Logger

	mu     sync.RWMutex
	chunks map[int64]*Chunk
}

// Open loads the table's chunk index from the backend. Chunks recorded as
// EXPIRED load as tombstones: they hold no data, stay invisible to
// queries, and refuse writes into their interval.
func Open(ctx context.Context, backend storage.Backend, opts Options) (*Store, error) {
	if opts.ChunkWidth <= 0 {
		return nil, fmt.Errorf("chunkstore: chunk width must be positive, got %v", opts.ChunkWidth)
	}
	if opts.Codec == nil {
		return nil, errors.New("chunkstore: codec is required")
	}
	s := &Store{
		table:   opts.Table,
		width:   opts.ChunkWidth,
		policy:  opts.LateWrites,
		codec:   opts.Codec,
		backend: backend,
		log:     opts.Logger.With().Str("component", "chunkstore").Str("table", opts.Table).Logger(),
	}
	s.chunks = make(map[int64]*Chunk)

	err := backend.Scan(ctx, keyPrefix(opts.Table, kindMeta), func(_, value []byte) error {
		var meta chunkMeta
		if err := json.Unmarshal(value, &meta); err != nil {
			return fmt.Errorf("decode chunk meta: %w", err)
		}
		c := &Chunk{
			Start: time.Unix(0, meta.Start).UTC(),
			End:   time.Unix(0, meta.End).UTC(),
		}
		c.state.Store(uint32(meta.State))
		s.chunks[meta.Start] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Int("chunks", len(s.chunks)).Msg("chunk index loaded")
	return s, nil
}

// Append routes a row to the chunk containing its timestamp, creating the
// chunk if absent. This is the ingestion hot path: one atomic state read
// and one backend put for the common case.
func (s *Store) Append(ctx context.Context, row Row) (ChunkRef, error) {
	start := chunkStartFor(row.RowTime(), s.width)

	chunk, err := s.chunkAt(ctx, start)
	if err != nil {
		return ChunkRef{}, err
	}

	switch st := chunk.State(); st {
	case ChunkOpen:
	case ChunkCompressed:
		if s.policy == RejectLate {
			return ChunkRef{}, &OutOfOrderWriteError{
				Table:      s.table,
				ChunkStart: chunk.Start,
				State:      st,
				RowTime:    row.RowTime(),
			}
		}
	default:
		// Expired chunks never accept writes regardless of policy.
		return ChunkRef{}, &OutOfOrderWriteError{
			Table:      s.table,
			ChunkStart: chunk.Start,
			State:      st,
			RowTime:    row.RowTime(),
		}
	}

	encoded, err := s.codec.EncodeRow(row)
	if err != nil {
		return ChunkRef{}, fmt.Errorf("chunkstore: encode row: %w", err)
	}
	key := rowKey(s.table, start, row.RowTime(), row.RowKey())
	if err := s.backend.Put(ctx, key, encoded); err != nil {
		return ChunkRef{}, fmt.Errorf("chunkstore: persist row: %w", err)
	}
	return ChunkRef{Table: s.table, Start: chunk.Start, End: chunk.End}, nil
}

// chunkAt returns the chunk starting at start, creating and persisting it
// when absent. Fast path is a read lock only.
func (s *Store) chunkAt(ctx context.Context, start int64) (*Chunk, error) {
	s.mu.RLock()
	chunk := s.chunks[start]
	s.mu.RUnlock()
	if chunk != nil {
		return chunk, nil
	}

	s.mu.Lock()
	if chunk = s.chunks[start]; chunk != nil {
		s.mu.Unlock()
		return chunk, nil
	}
	chunk = &Chunk{
		Start: time.Unix(0, start).UTC(),
		End:   time.Unix(0, start).Add(s.width).UTC(),
	}
	s.chunks[start] = chunk
	s.mu.Unlock()

	meta := chunkMeta{Start: start, End: start + int64(s.width), State: ChunkOpen}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: encode chunk meta: %w", err)
	}
	if err := s.backend.Put(ctx, metaKey(s.table, start), encoded); err != nil {
		return nil, fmt.Errorf("chunkstore: persist chunk meta: %w", err)
	}
	s.log.Debug().Time("start", chunk.Start).Time("end", chunk.End).Msg("chunk created")
	return chunk, nil
}

// Query returns rows in [start, end) sorted by time ascending. Empty
// device or metric means no filter on that dimension. Results are
// identical whether the underlying chunks are OPEN or COMPRESSED.
func (s *Store) Query(ctx context.Context, device, metric string, start, end time.Time) ([]Row, error) {
	if !start.Before(end) {
		return nil, nil
	}
	var out []Row
	for _, chunk := range s.overlapping(start, end) {
		rows, err := s.chunkRows(ctx, chunk, device, metric, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// overlapping snapshots non-expired chunks intersecting [start, end),
// ordered by chunk start.
func (s *Store) overlapping(start, end time.Time) []*Chunk {
	s.mu.RLock()
	chunks := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		if c.State() == ChunkExpired {
			continue
		}
		if c.End.After(start) && c.Start.Before(end) {
			chunks = append(chunks, c)
		}
	}
	s.mu.RUnlock()
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Start.Before(chunks[j].Start) })
	return chunks
}

// chunkRows reads one chunk through both layouts: row keys (OPEN data and
// accepted late writes) and columnar segments (compressed data).
func (s *Store) chunkRows(ctx context.Context, chunk *Chunk, device, metric string, start, end time.Time) ([]Row, error) {
	chunkStart := chunk.Start.UnixNano()
	var rows []Row
	var lateIdentity map[string]struct{}

	err := s.backend.Scan(ctx, chunkPrefix(s.table, kindRow, chunkStart), func(_, value []byte) error {
		row, err := s.codec.DecodeRow(value)
		if err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
		if rowMatches(row, device, metric, start, end) {
			rows = append(rows, row)
			if lateIdentity == nil {
				lateIdentity = make(map[string]struct{})
			}
			lateIdentity[identityAt(row)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if chunk.State() == ChunkCompressed {
		segRows, err := s.segmentRows(ctx, chunkStart, device, metric, start, end)
		if err != nil {
			return nil, err
		}
		for _, row := range segRows {
			// A late write (AcceptLate policy) rewriting a row already in
			// a segment supersedes the segment copy.
			if _, dup := lateIdentity[identityAt(row)]; dup {
				continue
			}
			rows = append(rows, row)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := rows[i].RowTime(), rows[j].RowTime()
		if ti.Equal(tj) {
			return rows[i].RowKey() < rows[j].RowKey()
		}
		return ti.Before(tj)
	})
	return rows, nil
}

func (s *Store) segmentRows(ctx context.Context, chunkStart int64, device, metric string, start, end time.Time) ([]Row, error) {
	var rows []Row
	decode := func(value []byte) error {
		segRows, err := s.codec.DecodeSegment(value)
		if err != nil {
			return err
		}
		for _, row := range segRows {
			if rowMatches(row, device, metric, start, end) {
				rows = append(rows, row)
			}
		}
		return nil
	}

	// Fully-qualified series lookups hit their segment directly; partial
	// filters fall back to scanning the chunk's segments.
	if device != "" && metric != "" {
		value, err := s.backend.Get(ctx, segmentKey(s.table, chunkStart, device, metric))
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if err := decode(value); err != nil {
			return nil, err
		}
		return rows, nil
	}
	err := s.backend.Scan(ctx, chunkPrefix(s.table, kindSegment, chunkStart), func(_, value []byte) error {
		return decode(value)
	})
	return rows, err
}

func identityAt(row Row) string {
	return strconv.FormatInt(row.RowTime().UnixNano(), 10) + "|" + row.RowKey()
}

func rowMatches(row Row, device, metric string, start, end time.Time) bool {
	if device != "" && row.RowDevice() != device {
		return false
	}
	if metric != "" && row.RowMetric() != metric {
		return false
	}
	t := row.RowTime()
	return !t.Before(start) && t.Before(end)
}

// Compress re-encodes every OPEN chunk whose upper bound is older than
// now-olderThan into the segmented columnar layout. Each chunk is
// all-or-nothing; a failed chunk stays OPEN and the others proceed.
func (s *Store) Compress(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)

	var errs []error
	for _, chunk := range s.snapshot() {
		if chunk.State() != ChunkOpen || chunk.End.After(cutoff) {
			continue
		}
		if err := s.compressChunk(ctx, chunk); err != nil {
			errs = append(errs, &ChunkCompressionError{Table: s.table, ChunkStart: chunk.Start, Err: err})
			s.log.Error().Err(err).Time("chunk", chunk.Start).Msg("chunk compression failed, chunk stays open")
		}
	}
	return errors.Join(errs...)
}

func (s *Store) compressChunk(ctx context.Context, chunk *Chunk) error {
	chunk.mu.Lock()
	defer chunk.mu.Unlock()

	// Re-check under the chunk lock: a concurrent pass may have won.
	if chunk.State() != ChunkOpen {
		return nil
	}

	chunkStart := chunk.Start.UnixNano()
	type segment struct {
		device string
		metric string
		rows   []Row
	}
	segments := make(map[uint64]*segment)
	var rowKeys [][]byte

	err := s.backend.Scan(ctx, chunkPrefix(s.table, kindRow, chunkStart), func(key, value []byte) error {
		row, err := s.codec.DecodeRow(value)
		if err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
		h := segmentHash(row.RowDevice(), row.RowMetric())
		seg := segments[h]
		if seg == nil {
			seg = &segment{device: row.RowDevice(), metric: row.RowMetric()}
			segments[h] = seg
		}
		seg.rows = append(seg.rows, row)
		rowKeys = append(rowKeys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}

	meta := chunkMeta{
		Start: chunkStart,
		End:   chunkStart + int64(s.width),
		State: ChunkCompressed,
	}
	batch := storage.Batch{Deletes: rowKeys}
	rowTotal := 0
	for _, seg := range segments {
		sort.SliceStable(seg.rows, func(i, j int) bool {
			ti, tj := seg.rows[i].RowTime(), seg.rows[j].RowTime()
			if ti.Equal(tj) {
				return seg.rows[i].RowKey() < seg.rows[j].RowKey()
			}
			return ti.After(tj) // time DESC within segment
		})
		block, err := s.codec.EncodeSegment(seg.rows)
		if err != nil {
			return fmt.Errorf("encode segment %s/%s: %w", seg.device, seg.metric, err)
		}
		batch.Puts = append(batch.Puts, storage.KV{
			Key:   segmentKey(s.table, chunkStart, seg.device, seg.metric),
			Value: block,
		})
		meta.Segments = append(meta.Segments, segmentMeta{DeviceID: seg.device, Metric: seg.metric, Rows: len(seg.rows)})
		rowTotal += len(seg.rows)
	}
	encodedMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode chunk meta: %w", err)
	}
	batch.Puts = append(batch.Puts, storage.KV{Key: metaKey(s.table, chunkStart), Value: encodedMeta})

	if err := s.backend.Apply(ctx, batch); err != nil {
		return fmt.Errorf("apply compressed layout: %w", err)
	}
	chunk.advance(ChunkOpen, ChunkCompressed)
	s.log.Info().
		Time("chunk", chunk.Start).
		Int("rows", rowTotal).
		Int("segments", len(segments)).
		Msg("chunk compressed")
	return nil
}

// Expire deletes chunks entirely past the retention horizon. The guard is
// the rollup watermark for this table: a chunk whose upper bound is still
// ahead of the guard is refused with RetentionOrderingViolation rather
// than deleted, because its rollups are not finalized yet. A zero guard
// means no rollup dependents.
func (s *Store) Expire(ctx context.Context, retain time.Duration, guard time.Time) error {
	cutoff := time.Now().Add(-retain)

	var errs []error
	for _, chunk := range s.snapshot() {
		if chunk.State() == ChunkExpired || chunk.End.After(cutoff) {
			continue
		}
		if !guard.IsZero() && guard.Before(chunk.End) {
			errs = append(errs, &RetentionOrderingViolation{Table: s.table, ChunkEnd: chunk.End, Watermark: guard})
			continue
		}
		if err := s.expireChunk(ctx, chunk); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) expireChunk(ctx context.Context, chunk *Chunk) error {
	chunk.mu.Lock()
	defer chunk.mu.Unlock()

	if chunk.State() == ChunkExpired {
		return nil
	}
	chunkStart := chunk.Start.UnixNano()

	batch := storage.Batch{}
	collect := func(kind byte) error {
		return s.backend.Scan(ctx, chunkPrefix(s.table, kind, chunkStart), func(key, _ []byte) error {
			batch.Deletes = append(batch.Deletes, append([]byte(nil), key...))
			return nil
		})
	}
	if err := collect(kindRow); err != nil {
		return err
	}
	if err := collect(kindSegment); err != nil {
		return err
	}

	// The meta key survives as a tombstone. Without it, a write into the
	// expired interval would mint a fresh OPEN chunk and resurrect data
	// past retention.
	meta := chunkMeta{Start: chunkStart, End: chunkStart + int64(s.width), State: ChunkExpired}
	encodedMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("chunkstore: encode chunk meta: %w", err)
	}
	batch.Puts = append(batch.Puts, storage.KV{Key: metaKey(s.table, chunkStart), Value: encodedMeta})

	if err := s.backend.Apply(ctx, batch); err != nil {
		return fmt.Errorf("chunkstore: expire chunk: %w", err)
	}
	chunk.advance(chunk.State(), ChunkExpired)

	s.log.Info().Time("chunk", chunk.Start).Msg("chunk expired")
	return nil
}

// DeleteDevice removes every row belonging to a device across all chunks,
// rewriting compressed chunks without the device's segments. Used for
// cascade deletes when a device is removed upstream.
func (s *Store) DeleteDevice(ctx context.Context, device string) error {
	var errs []error
	for _, chunk := range s.snapshot() {
		if chunk.State() == ChunkExpired {
			continue
		}
		if err := s.deleteDeviceFromChunk(ctx, chunk, device); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Store) deleteDeviceFromChunk(ctx context.Context, chunk *Chunk, device string) error {
	chunk.mu.Lock()
	defer chunk.mu.Unlock()
	if chunk.State() == ChunkExpired {
		return nil
	}
	chunkStart := chunk.Start.UnixNano()

	batch := storage.Batch{}
	err := s.backend.Scan(ctx, chunkPrefix(s.table, kindRow, chunkStart), func(key, value []byte) error {
		row, err := s.codec.DecodeRow(value)
		if err != nil {
			return fmt.Errorf("decode row: %w", err)
		}
		if row.RowDevice() == device {
			batch.Deletes = append(batch.Deletes, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if chunk.State() == ChunkCompressed {
		metaRaw, err := s.backend.Get(ctx, metaKey(s.table, chunkStart))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err == nil {
			var meta chunkMeta
			if err := json.Unmarshal(metaRaw, &meta); err != nil {
				return fmt.Errorf("decode chunk meta: %w", err)
			}
			kept := meta.Segments[:0]
			for _, seg := range meta.Segments {
				if seg.DeviceID == device {
					batch.Deletes = append(batch.Deletes, segmentKey(s.table, chunkStart, seg.DeviceID, seg.Metric))
					continue
				}
				kept = append(kept, seg)
			}
			meta.Segments = kept
			encoded, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("encode chunk meta: %w", err)
			}
			batch.Puts = append(batch.Puts, storage.KV{Key: metaKey(s.table, chunkStart), Value: encoded})
		}
	}

	if len(batch.Deletes) == 0 {
		return nil
	}
	return s.backend.Apply(ctx, batch)
}

// snapshot returns the current chunks ordered by start time.
func (s *Store) snapshot() []*Chunk {
	s.mu.RLock()
	chunks := make([]*Chunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		chunks = append(chunks, c)
	}
	s.mu.RUnlock()
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Start.Before(chunks[j].Start) })
	return chunks
}

// Stats summarizes the chunk index for health reporting.
type Stats struct {
	Table            string    `json:"table"`
	OpenChunks       int       `json:"open_chunks"`
	CompressedChunks int       `json:"compressed_chunks"`
	OldestStart      time.Time `json:"oldest_start"`
	NewestEnd        time.Time `json:"newest_end"`
}

// Stats reports chunk counts and the covered time range.
func (s *Store) Stats() Stats {
	st := Stats{Table: s.table}
	for _, c := range s.snapshot() {
		switch c.State() {
		case ChunkOpen:
			st.OpenChunks++
		case ChunkCompressed:
			st.CompressedChunks++
		default:
			// Tombstones hold no data and do not count toward the range.
			continue
		}
		if st.OldestStart.IsZero() || c.Start.Before(st.OldestStart) {
			st.OldestStart = c.Start
		}
		if c.End.After(st.NewestEnd) {
			st.NewestEnd = c.End
		}
	}
	return st
}

// Table returns the logical table name.
func (s *Store) Table() string { return s.table }
