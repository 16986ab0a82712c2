package table

import "bytes"

// Accumulator merges an incoming raw value into an existing raw value on
// every write to a shard. All implementations must be associative except
// Replace, so that the order buffered updates are delivered in across
// senders never affects the final value per key (spec.md §8, property 2).
//
// Values are opaque byte slices at this layer; the Global Table's codec is
// responsible for encoding/decoding them to/from the table's K/V types.
// This keeps the accumulator family closed and avoids erasing types behind
// raw pointers the way the original C++ framework did (spec.md §9).
type Accumulator interface {
	// Merge combines old (the existing value, nil if absent) with incoming
	// and returns the merged value. Merge must not retain or mutate either
	// argument's backing array.
	Merge(old, incoming []byte) []byte

	// Tag identifies the accumulator kind for diagnostics and for
	// serialization of table descriptors across processes.
	Tag() AccumulatorTag
}

// AccumulatorTag is the small closed family of accumulator kinds every
// worker in a job must agree on for a given table id.
type AccumulatorTag string

const (
	AccumulatorReplace AccumulatorTag = "replace"
	AccumulatorMin     AccumulatorTag = "min"
	AccumulatorMax     AccumulatorTag = "max"
	AccumulatorSum     AccumulatorTag = "sum"
	AccumulatorCustom  AccumulatorTag = "custom"
)

// replaceAccumulator implements last-writer-wins within the serial order of
// apply_updates on a shard. It is not associative: which write "wins" when
// two updates for the same key are buffered on the same outbound shadow
// shard depends on which arrives at the accumulator last, which in turn
// depends on apply_updates delivery order.
type replaceAccumulator struct{}

func (replaceAccumulator) Merge(_, incoming []byte) []byte { return incoming }
func (replaceAccumulator) Tag() AccumulatorTag             { return AccumulatorReplace }

// Replace returns the framework-supplied last-writer-wins accumulator.
func Replace() Accumulator { return replaceAccumulator{} }

// numericAccumulator merges byte-encoded int64 values with a comparison or
// arithmetic operator. Values are stored big-endian 8-byte encodings so
// that Merge never needs the caller's codec to interpret bytes.
type numericAccumulator struct {
	tag AccumulatorTag
	op  func(old, incoming int64) int64
}

func (n numericAccumulator) Merge(old, incoming []byte) []byte {
	if old == nil {
		return incoming
	}
	o := decodeInt64(old)
	i := decodeInt64(incoming)
	return encodeInt64(n.op(o, i))
}

func (n numericAccumulator) Tag() AccumulatorTag { return n.tag }

// Min returns an accumulator that keeps the numerically smaller of the two
// int64-encoded values. Associative and idempotent.
func Min() Accumulator {
	return numericAccumulator{tag: AccumulatorMin, op: func(a, b int64) int64 {
		if a < b {
			return a
		}
		return b
	}}
}

// Max returns an accumulator that keeps the numerically larger of the two
// int64-encoded values. Associative and idempotent.
func Max() Accumulator {
	return numericAccumulator{tag: AccumulatorMax, op: func(a, b int64) int64 {
		if a > b {
			return a
		}
		return b
	}}
}

// Sum returns an accumulator that adds int64-encoded values. Associative
// but NOT idempotent: replaying the same delta twice double-counts, which
// is why restore always treats the delta log as a replace-log regardless
// of the table's live accumulator (spec.md §9 Open Question 1).
func Sum() Accumulator {
	return numericAccumulator{tag: AccumulatorSum, op: func(a, b int64) int64 {
		return a + b
	}}
}

// Custom wraps a user-supplied merge function as an Accumulator, for
// application value types the built-in family doesn't cover (spec.md §9:
// "a generic user-supplied merger variant").
func Custom(merge func(old, incoming []byte) []byte) Accumulator {
	return customAccumulator{merge: merge}
}

type customAccumulator struct {
	merge func(old, incoming []byte) []byte
}

func (c customAccumulator) Merge(old, incoming []byte) []byte { return c.merge(old, incoming) }
func (c customAccumulator) Tag() AccumulatorTag               { return AccumulatorCustom }

func encodeInt64(v int64) []byte {
	var buf [8]byte
	u := uint64(v) ^ (1 << 63) // bias so byte comparison order matches signed order
	for i := 7; i >= 0; i-- {
		buf[i] = byte(u)
		u >>= 8
	}
	return buf[:]
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		// Tolerate foreign encodings defensively; a buffer that is not
		// exactly 8 bytes decodes as zero rather than panicking, and no
		// error is reported to the caller.
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(b[i])
	}
	return int64(u ^ (1 << 63))
}

// EncodeInt64 exposes the accumulator family's numeric wire encoding so
// kernels can produce compatible values for Min/Max/Sum tables without
// depending on this package's internal layout.
func EncodeInt64(v int64) []byte { return encodeInt64(v) }

// DecodeInt64 is the inverse of EncodeInt64.
func DecodeInt64(b []byte) int64 { return decodeInt64(b) }

// Equal reports whether two raw values are byte-identical, used by tests
// and by triggers comparing proposed values against the current one.
func Equal(a, b []byte) bool { return bytes.Equal(a, b) }
