// Package ckptstore persists checkpoint snapshot, delta, and manifest
// files to a local filesystem, zstd-compressed.
//
// # File naming
//
//	{dir}/{prefix}.{shardID:05}-of-{shardCount:05}          snapshot
//	{dir}/{prefix}.{shardID:05}-of-{shardCount:05}.delta    delta log
//	{dir}/{prefix}.manifest                                  manifest (yaml)
//
// # Record format
//
// Snapshot and delta files hold a zstd-compressed stream of
// length-prefixed (key, value) records:
//
//	[4-byte big-endian key length][key bytes]
//	[4-byte big-endian value length, or 0xFFFFFFFF for a tombstone][value bytes]
//
// This is the framework's Go analogue of the original's Encoder/Decoder
// over an LZOFile (src/util/file.h): same length-prefixed shape, zstd in
// place of LZO since no maintained Go LZO binding exists in this
// ecosystem.
package ckptstore
