// Package blockfile implements spec.md section 4.B: enumerating the
// blkNNNNN.dat flat files a full node leaves on disk, loading them
// into memory on demand, and resynchronizing past corrupt or misaligned
// regions by scanning forward for the next network-magic prefix.
//
// Grounded on gocoin's lib/others/blockdb (sequential blkNNNNN.dat
// reader) and lib/chain/blockdb.go (the file-set/cache shape), extended
// with positional random access over a whole-file in-memory copy and
// the resync rule spec.md requires.
package blockfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btclog"

	"github.com/gocoin/blkindexer/internal/rawblock"
)

// recordHeaderSize is magic(4) + length(4) preceding each raw block.
const recordHeaderSize = 8

// Position locates a block's raw bytes: which blkNNNNN.dat file and the
// byte offset of its magic prefix within that file.
type Position struct {
	FileNum uint32
	Offset  int64
}

// Set enumerates and provides positional access to the blkNNNNN.dat
// sequence in a directory. It keeps only each detected file's size;
// Map opens and reads a file afresh on every call and holds no handle
// afterward. Detect() is safe to call repeatedly as new files show up
// or the last known file grows.
type Set struct {
	dir   string
	magic [4]byte
	log   btclog.Logger

	mu    sync.Mutex
	files []fileInfo
}

type fileInfo struct {
	size int64
}

// New creates a Set rooted at dir, delimiting blocks with magic.
func New(dir string, magic [4]byte, log btclog.Logger) *Set {
	if log == nil {
		log = btclog.Disabled
	}
	return &Set{dir: dir, magic: magic, log: log}
}

func fileName(dir string, n uint32) string {
	return filepath.Join(dir, fmt.Sprintf("blk%05d.dat", n))
}

// Detect scans for blkNNNNN.dat starting at 00000, stopping at the
// first gap (spec.md: "the set is a prefix of the integers with no
// gaps"). Calling it again rechecks the last known file for growth and
// picks up any files appended beyond it; NumFiles and TotalBytes are
// monotonically non-decreasing across calls.
func (s *Set) Detect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := uint32(len(s.files))
	if start > 0 {
		start-- // re-check the last known file for growth
	}

	for n := start; ; n++ {
		fi, err := os.Stat(fileName(s.dir, n))
		if err != nil {
			break
		}
		if int(n) < len(s.files) {
			s.files[n] = fileInfo{size: fi.Size()}
		} else {
			s.files = append(s.files, fileInfo{size: fi.Size()})
		}
	}
	return nil
}

// Magic returns the network magic records in this set are delimited by.
func (s *Set) Magic() [4]byte { return s.magic }

// NumFiles returns how many files have been detected so far.
func (s *Set) NumFiles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// TotalBytes sums the detected size of every known file.
func (s *Set) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, f := range s.files {
		total += f.size
	}
	return total
}

// FileSize returns the last-detected size of a file, or -1 if unknown.
func (s *Set) FileSize(fileNum uint32) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(fileNum) >= len(s.files) {
		return -1
	}
	return s.files[fileNum].size
}

// MappedRegion is a scoped read-only view over one blkNNNNN.dat file.
// Release must be called deterministically; callers must not retain
// slices obtained from Bytes() past Release.
type MappedRegion struct {
	Bytes func() []byte
	Release func()
}

// Map returns a scoped mapping of fileNum. The current implementation
// reads the file into memory rather than calling mmap(2) directly —
// functionally equivalent for a read-only, sequentially-released
// region, and keeps the package portable across the platforms gocoin
// itself targets without cgo. Swap the body for a real mmap(2)/
// MapViewOfFile call without touching any caller: the MappedRegion
// contract (scoped Bytes()/Release()) does not change either way.
func (s *Set) Map(fileNum uint32) (MappedRegion, error) {
	f, err := os.Open(fileName(s.dir, fileNum))
	if err != nil {
		return MappedRegion{}, fmt.Errorf("blockfile: open file %d: %w", fileNum, err)
	}
	defer f.Close()

	data, err := readAll(f)
	if err != nil {
		return MappedRegion{}, fmt.Errorf("blockfile: read file %d: %w", fileNum, err)
	}

	return MappedRegion{
		Bytes:   func() []byte { return data },
		Release: func() {},
	}, nil
}

func readAll(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, fi.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

// RecordAt extracts one block's body from an already-mapped file's raw
// bytes at a known record offset, validating magic and length. It is a
// pure function over data so a caller holding one MappedRegion across
// many positions (the scanner's per-batch region cache) never needs to
// re-open or re-read the file per block.
func RecordAt(data []byte, offset int64, magic [4]byte) ([]byte, error) {
	if offset < 0 || offset+recordHeaderSize > int64(len(data)) {
		return nil, fmt.Errorf("blockfile: offset %d out of range", offset)
	}
	if !bytes.Equal(data[offset:offset+4], magic[:]) {
		return nil, fmt.Errorf("blockfile: no record at offset %d", offset)
	}
	size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])
	bodyStart := offset + recordHeaderSize
	bodyEnd := bodyStart + int64(size)
	if bodyEnd > int64(len(data)) {
		return nil, fmt.Errorf("blockfile: record at offset %d exceeds file bounds", offset)
	}
	return data[bodyStart:bodyEnd], nil
}

// FirstHash returns the hash of the first header in fileNum, used by
// HeaderIngest to align scanning across files quickly. A file shorter
// than 88 bytes (magic + size + header) is treated as "no headers yet"
// and yields a zero hash, per spec.md section 4.B.
func (s *Set) FirstHash(fileNum uint32) ([32]byte, error) {
	region, err := s.Map(fileNum)
	if err != nil {
		return [32]byte{}, err
	}
	defer region.Release()

	data := region.Bytes()
	if len(data) < recordHeaderSize+rawblock.HeaderSize {
		return [32]byte{}, nil
	}
	if !bytes.Equal(data[:4], s.magic[:]) {
		return [32]byte{}, &WrongNetworkError{FileNum: fileNum}
	}
	_, hash, err := rawblock.ParseHeader(data[recordHeaderSize : recordHeaderSize+rawblock.HeaderSize])
	return hash, err
}

// WrongNetworkError is returned when a file's first four bytes do not
// match the configured network magic.
type WrongNetworkError struct{ FileNum uint32 }

func (e *WrongNetworkError) Error() string {
	return fmt.Sprintf("blockfile: file %05d has the wrong network magic", e.FileNum)
}

// Block is one raw block record read from a file, with its coordinates.
type Block struct {
	Pos  Position
	Data []byte // the raw block body (magic/size framing stripped)
}

// ControlFlow is returned by a Reader callback to tell the reader how
// to proceed. This replaces the "exceptions as control flow" pattern
// spec.md's section 9 calls out in the original source.
type ControlFlow int

const (
	Continue ControlFlow = iota
	Abort
)

// ReadFile walks fileNum from byte offset startAt (pass 0 to start at
// the beginning), invoking walk for every block record found. When
// bytes at a would-be record boundary don't match the magic, ReadFile
// resyncs by scanning forward byte-by-byte for the next occurrence of
// the magic (spec.md's resync rule); such regions are logged but not
// fatal. It stops at end of file or when walk returns Abort.
func (s *Set) ReadFile(fileNum uint32, startAt int64, walk func(Block) ControlFlow) error {
	region, err := s.Map(fileNum)
	if err != nil {
		return err
	}
	defer region.Release()

	data := region.Bytes()
	pos := int(startAt)

	for {
		if pos+recordHeaderSize > len(data) {
			return nil // exhausted: not enough bytes left for a record header
		}

		if !bytes.Equal(data[pos:pos+4], s.magic[:]) {
			resyncStart := pos
			next := bytes.Index(data[pos+1:], s.magic[:])
			if next < 0 {
				return nil // no more magic occurrences: file exhausted
			}
			pos = pos + 1 + next
			s.log.Warnf("blockfile: resynced past %d misaligned byte(s) in file %05d at offset %d",
				pos-resyncStart, fileNum, resyncStart)
			continue
		}

		size := binary.LittleEndian.Uint32(data[pos+4 : pos+8])
		bodyStart := pos + recordHeaderSize
		bodyEnd := bodyStart + int(size)
		if size < rawblock.HeaderSize+1 || bodyEnd > len(data) {
			// Trailing zero-fill or an in-progress write; not a real
			// record. Treat as exhausted rather than resyncing byte by
			// byte through what is likely a long zero run.
			return nil
		}

		cf := walk(Block{Pos: Position{FileNum: fileNum, Offset: int64(pos)}, Data: data[bodyStart:bodyEnd]})
		if cf == Abort {
			return nil
		}
		pos = bodyEnd
	}
}
