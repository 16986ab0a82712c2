// Package ckptstore implements checkpoint persistence: writing and reading
// the snapshot, delta, and manifest files that back checkpoint/restore
// (spec.md §6). It generalizes the original framework's File/LocalFile/
// Encoder/Decoder/LZOFile (src/util/file.h) into a Go Store interface with
// a zstd-compressed implementation, since LZO has no maintained Go
// binding in this ecosystem and zstd is the compressor the rest of the
// example pack already depends on transitively.
package ckptstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/dreamware/torua/internal/errs"
	"github.com/dreamware/torua/internal/shard"
)

// Store persists checkpoint data for a job. A local filesystem
// implementation is provided (File); callers needing a different backend
// (object storage, a distributed filesystem) implement the same
// interface.
type Store interface {
	// WriteSnapshot writes entries as the full base snapshot for
	// (tableID, shardID) under prefix, named per the framework's
	// convention: "{prefix}.{shardID:05}-of-{shardCount:05}".
	WriteSnapshot(prefix string, tableID, shardID, shardCount uint32, entries []shard.Entry) error
	// ReadSnapshot reads back a previously written snapshot.
	ReadSnapshot(prefix string, tableID, shardID, shardCount uint32) ([]shard.Entry, error)

	// WriteDelta appends entries to the ".delta" file for (tableID,
	// shardID), recording incremental updates since the last full
	// snapshot.
	WriteDelta(prefix string, tableID, shardID, shardCount uint32, entries []shard.Entry) error
	// ReadDelta reads back the full accumulated delta log for a shard,
	// in write order (oldest first).
	ReadDelta(prefix string, tableID, shardID, shardCount uint32) ([]shard.Entry, error)

	// WriteManifest records the checkpoint's metadata.
	WriteManifest(prefix string, m Manifest) error
	// ReadManifest reads back a checkpoint's metadata.
	ReadManifest(prefix string) (Manifest, error)
}

// Manifest records what a checkpoint covers: the epoch it was taken at,
// the tables included, and the run parameters in effect (the Go
// equivalent of the original Master::RunDescriptor's checkpointed state).
type Manifest struct {
	Epoch   uint64            `yaml:"epoch"`
	Tables  []uint32          `yaml:"tables"`
	Params  map[string]string `yaml:"params"`
}

// File is a local-filesystem Store, compressing every snapshot and delta
// file with zstd.
type File struct {
	Dir string
}

// NewFile returns a File store rooted at dir. dir is created if absent.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating checkpoint dir: %v", errs.ErrCheckpointIO, err)
	}
	return &File{Dir: dir}, nil
}

func snapshotPath(dir, prefix string, shardID, shardCount uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%05d-of-%05d", prefix, shardID, shardCount))
}

func deltaPath(dir, prefix string, shardID, shardCount uint32) string {
	return snapshotPath(dir, prefix, shardID, shardCount) + ".delta"
}

func manifestPath(dir, prefix string) string {
	return filepath.Join(dir, prefix+".manifest")
}

func (f *File) WriteSnapshot(prefix string, _, shardID, shardCount uint32, entries []shard.Entry) error {
	return writeEntries(snapshotPath(f.Dir, prefix, shardID, shardCount), entries)
}

// ReadSnapshot reads back a snapshot, returning no entries and no error if
// the file does not exist: a missing snapshot denotes an epoch that wrote
// no data for this shard (spec.md §4.6 restore: "non-existent snapshot or
// delta files are skipped silently").
func (f *File) ReadSnapshot(prefix string, _, shardID, shardCount uint32) ([]shard.Entry, error) {
	return readEntriesIfExists(snapshotPath(f.Dir, prefix, shardID, shardCount))
}

// WriteDelta appends entries to the delta file rather than overwriting it,
// so a checkpoint window spanning multiple FinishCheckpoint calls (one
// per period between full snapshots) accumulates the whole incremental
// log restore needs to replay.
func (f *File) WriteDelta(prefix string, _, shardID, shardCount uint32, entries []shard.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	path := deltaPath(f.Dir, prefix, shardID, shardCount)

	existing, err := readEntriesIfExists(path)
	if err != nil {
		return err
	}
	return writeEntries(path, append(existing, entries...))
}

func (f *File) ReadDelta(prefix string, _, shardID, shardCount uint32) ([]shard.Entry, error) {
	return readEntriesIfExists(deltaPath(f.Dir, prefix, shardID, shardCount))
}

func (f *File) WriteManifest(prefix string, m Manifest) error {
	path := manifestPath(f.Dir, prefix)
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	defer out.Close()

	if err := writeManifestYAML(out, m); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	return nil
}

func (f *File) ReadManifest(prefix string) (Manifest, error) {
	path := manifestPath(f.Dir, prefix)
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	return parseManifestYAML(data)
}

// writeEntries encodes entries as a zstd-compressed stream of
// length-prefixed (key, value) pairs, the Go equivalent of the original
// framework's Encoder writing length-prefixed protobuf records into an
// LZOFile. A nil Value is encoded with length -1 (as uint32 max) to
// preserve the tombstone distinction through round-tripping.
func writeEntries(path string, entries []shard.Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	defer zw.Close()

	bw := bufio.NewWriter(zw)
	for _, e := range entries {
		if err := writeEntry(bw, e); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	return nil
}

const tombstoneLen uint32 = 0xFFFFFFFF

func writeEntry(w io.Writer, e shard.Entry) error {
	if err := writeLenPrefixed(w, e.Key); err != nil {
		return err
	}
	if e.Value == nil {
		return binary.Write(w, binary.BigEndian, tombstoneLen)
	}
	return writeLenPrefixed(w, e.Value)
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readEntries(path string) ([]shard.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCheckpointIO, err)
	}
	defer zr.Close()

	return decodeEntries(zr)
}

func readEntriesIfExists(path string) ([]shard.Entry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return readEntries(path)
}

func decodeEntries(r io.Reader) ([]shard.Entry, error) {
	br := bufio.NewReader(r)
	var out []shard.Entry
	for {
		key, err := readLenPrefixed(br)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
		}

		var valLen uint32
		if err := binary.Read(br, binary.BigEndian, &valLen); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
		}

		var value []byte
		if valLen != tombstoneLen {
			value = make([]byte, valLen)
			if _, err := io.ReadFull(br, value); err != nil {
				return nil, fmt.Errorf("%w: %v", errs.ErrDecode, err)
			}
		}

		out = append(out, shard.Entry{Key: key, Value: value})
	}
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
