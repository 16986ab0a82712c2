package table

import (
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
)

// Sharder maps a key to a shard id in [0, shardCount). Implementations must
// be deterministic: the same key and shard count always produce the same
// shard, since every worker in the job computes routing decisions
// independently with no central lookup (spec.md §4.2, routing rule).
type Sharder interface {
	Shard(key []byte, shardCount uint32) uint32
	Tag() SharderTag
}

// SharderTag is the small closed family of sharder kinds, mirroring
// AccumulatorTag (spec.md §9).
type SharderTag string

const (
	SharderModulo     SharderTag = "modulo"
	SharderStringHash SharderTag = "string_hash"
	SharderCustom     SharderTag = "custom"
)

// moduloSharder hashes with FNV-1a and reduces modulo the shard count. This
// is the teacher's own consistent-hashing scheme (internal/shard.OwnsKey,
// and the teacher's ShardRegistry.GetShardForKey), kept as the default.
type moduloSharder struct{}

func (moduloSharder) Shard(key []byte, shardCount uint32) uint32 {
	if shardCount == 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32() % shardCount
}

func (moduloSharder) Tag() SharderTag { return SharderModulo }

// Modulo returns the framework's default FNV-1a modulo sharder.
func Modulo() Sharder { return moduloSharder{} }

// stringHashSharder hashes with xxhash, a faster non-cryptographic hash
// than FNV for longer keys, for kernels that shard on long string keys
// (e.g. URLs, document ids) where FNV's byte-at-a-time mixing shows up in
// profiles.
type stringHashSharder struct{}

func (stringHashSharder) Shard(key []byte, shardCount uint32) uint32 {
	if shardCount == 0 {
		return 0
	}
	return uint32(xxhash.Sum64(key) % uint64(shardCount))
}

func (stringHashSharder) Tag() SharderTag { return SharderStringHash }

// StringHash returns the xxhash-based sharder.
func StringHash() Sharder { return stringHashSharder{} }

// customSharder wraps a user-supplied shard function.
type customSharder struct {
	fn func(key []byte, shardCount uint32) uint32
}

func (c customSharder) Shard(key []byte, shardCount uint32) uint32 {
	return c.fn(key, shardCount)
}

func (c customSharder) Tag() SharderTag { return SharderCustom }

// Custom wraps fn as a Sharder, for kernels needing key-range or
// entity-aware partitioning the built-in family doesn't cover.
func Custom(fn func(key []byte, shardCount uint32) uint32) Sharder {
	return customSharder{fn: fn}
}
