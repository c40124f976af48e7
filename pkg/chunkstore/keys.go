package chunkstore

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Backend key layout, all big-endian so lexicographic key order is time
// order (same trick as hashing the series into a fixed-width prefix):
//
//	c|<table>|m|<chunkStart:8>                     chunk metadata
//	c|<table>|r|<chunkStart:8><time:8><rowHash:8>  row in an OPEN chunk
//	c|<table>|s|<chunkStart:8><segHash:8>          columnar segment
const (
	kindMeta    = 'm'
	kindRow     = 'r'
	kindSegment = 's'
)

func keyPrefix(table string, kind byte) []byte {
	k := make([]byte, 0, len(table)+4)
	k = append(k, 'c', '|')
	k = append(k, table...)
	k = append(k, '|', kind, '|')
	return k
}

func chunkPrefix(table string, kind byte, chunkStart int64) []byte {
	k := keyPrefix(table, kind)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(chunkStart))
	return append(k, b[:]...)
}

func metaKey(table string, chunkStart int64) []byte {
	return chunkPrefix(table, kindMeta, chunkStart)
}

func rowKey(table string, chunkStart int64, t time.Time, identity string) []byte {
	k := chunkPrefix(table, kindRow, chunkStart)
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], xxhash.Sum64String(identity))
	return append(k, b[:]...)
}

func segmentKey(table string, chunkStart int64, device, metric string) []byte {
	k := chunkPrefix(table, kindSegment, chunkStart)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], segmentHash(device, metric))
	return append(k, b[:]...)
}

func segmentHash(device, metric string) uint64 {
	var d xxhash.Digest
	d.WriteString(device)
	d.WriteString("\x00")
	d.WriteString(metric)
	return d.Sum64()
}

// chunkStartFor aligns t down to its chunk boundary. Plain integer floor
// division so pre-1970 timestamps still land in the right chunk.
func chunkStartFor(t time.Time, width time.Duration) int64 {
	ns := t.UnixNano()
	w := int64(width)
	q := ns / w
	if ns%w < 0 {
		q--
	}
	return q * w
}
