package chunkstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/s2"

	"github.com/wattvault/wattvault/pkg/metrics"
)

// SampleCodec stores metric samples. OPEN chunks keep one JSON document
// per row; compressed segments use a columnar layout: all timestamps
// (delta-encoded varints, time descending), then all values (raw float64
// bits), then units and tags. The block is s2-compressed, which eats the
// redundancy in the per-row string columns.
type SampleCodec struct{}

const sampleSegmentVersion = 1

// EncodeRow serializes a single sample for the row-at-a-time layout.
func (SampleCodec) EncodeRow(r Row) ([]byte, error) {
	s, ok := r.(metrics.Sample)
	if !ok {
		return nil, fmt.Errorf("sample codec: unexpected row type %T", r)
	}
	return json.Marshal(s)
}

// DecodeRow deserializes a single sample.
func (SampleCodec) DecodeRow(data []byte) (Row, error) {
	var s metrics.Sample
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// EncodeSegment re-encodes one (device, metric) segment columnar-wise.
// Rows arrive sorted time descending and are stored in that order.
func (SampleCodec) EncodeSegment(rows []Row) ([]byte, error) {
	samples := make([]metrics.Sample, len(rows))
	for i, r := range rows {
		s, ok := r.(metrics.Sample)
		if !ok {
			return nil, fmt.Errorf("sample codec: unexpected row type %T", r)
		}
		samples[i] = s
	}

	buf := make([]byte, 0, 64+len(samples)*12)
	buf = append(buf, sampleSegmentVersion)
	if len(samples) > 0 {
		buf = appendString(buf, samples[0].DeviceID)
		buf = appendString(buf, string(samples[0].Type))
	} else {
		buf = appendString(buf, "")
		buf = appendString(buf, "")
	}
	buf = binary.AppendUvarint(buf, uint64(len(samples)))

	// Time column: absolute first value, then deltas. Descending order
	// makes the deltas small non-positive numbers that varint-encode
	// compactly after zig-zag.
	var prev int64
	for i, s := range samples {
		ns := s.Time.UnixNano()
		if i == 0 {
			buf = binary.AppendVarint(buf, ns)
		} else {
			buf = binary.AppendVarint(buf, ns-prev)
		}
		prev = ns
	}

	// Value column: exact float64 bits, no lossy transform.
	for _, s := range samples {
		buf = binary.AppendUvarint(buf, math.Float64bits(s.Value))
	}

	// Unit column.
	for _, s := range samples {
		buf = appendString(buf, s.Unit)
	}

	// Tag column: count then key/value pairs per row.
	for _, s := range samples {
		buf = binary.AppendUvarint(buf, uint64(len(s.Tags)))
		for k, v := range s.Tags {
			buf = appendString(buf, k)
			buf = appendString(buf, v)
		}
	}

	return s2.Encode(nil, buf), nil
}

// DecodeSegment reverses EncodeSegment, returning rows time descending.
func (SampleCodec) DecodeSegment(data []byte) ([]Row, error) {
	buf, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("sample codec: decompress: %w", err)
	}
	d := &decoder{buf: buf}

	if v := d.byte(); v != sampleSegmentVersion {
		return nil, fmt.Errorf("sample codec: unknown segment version %d", v)
	}
	device := d.string()
	metric := d.string()
	count := int(d.uvarint())
	if count < 0 || count > len(buf) {
		return nil, fmt.Errorf("sample codec: implausible row count %d", count)
	}

	samples := make([]metrics.Sample, count)
	var prev int64
	for i := 0; i < count; i++ {
		delta := d.varint()
		if i == 0 {
			prev = delta
		} else {
			prev += delta
		}
		samples[i] = metrics.Sample{
			Time:     time.Unix(0, prev).UTC(),
			DeviceID: device,
			Type:     metrics.MetricType(metric),
		}
	}
	for i := 0; i < count; i++ {
		samples[i].Value = math.Float64frombits(d.uvarint())
	}
	for i := 0; i < count; i++ {
		samples[i].Unit = d.string()
	}
	for i := 0; i < count; i++ {
		n := int(d.uvarint())
		if n == 0 {
			continue
		}
		tags := make(map[string]string, n)
		for j := 0; j < n; j++ {
			k := d.string()
			tags[k] = d.string()
		}
		samples[i].Tags = tags
	}
	if d.err != nil {
		return nil, fmt.Errorf("sample codec: corrupt segment: %w", d.err)
	}

	rows := make([]Row, count)
	for i, s := range samples {
		rows[i] = s
	}
	return rows, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// decoder is a cursor over an uncompressed segment buffer. It records the
// first failure and degrades to zero values so call sites stay linear.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) byte() byte {
	if d.err != nil || d.off >= len(d.buf) {
		d.fail()
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.fail()
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf[d.off:])
	if n <= 0 {
		d.fail()
		return 0
	}
	d.off += n
	return v
}

func (d *decoder) string() string {
	n := int(d.uvarint())
	if d.err != nil || d.off+n > len(d.buf) {
		d.fail()
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("truncated at offset %d", d.off)
	}
}
