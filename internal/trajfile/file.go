// Package trajfile implements the on-disk binary trajectory cache format: a
// fixed header, a pre-allocated table of contents, and append-only frame
// chunks. At most one writer touches a given file; any number of readers may
// read concurrently via pread-style offset reads.
package trajfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Magic identifies a binary trajectory cache file.
const Magic = "SIMULARIUMBIN"

// Version is the on-disk format version triplet written into every header.
var Version = [3]byte{3, 0, 0}

const (
	magicLen  = len(Magic)
	headerLen = magicLen + 3 // magic + major/minor/patch
	countLen  = 4
	// sentinelLen is the trailing EOF marker written after every frame chunk.
	// Readers must not rely on it; it exists only for forward compatibility
	// with the format this cache descends from.
	sentinelLen = 20
)

var sentinel = [sentinelLen]byte{'\\', 'e', 'o', 'f'}

// ErrTOCCapacityExceeded is raised when WriteFrame would overflow the
// pre-allocated table of contents. Exceeding capacity is a caller error: the
// file must be recreated with a larger capacity, so this is not recoverable
// for the current file.
var ErrTOCCapacityExceeded = errors.New("trajfile: table of contents capacity exceeded")

// ErrFrameNotWritten is returned by FramePos/GetBroadcastFrame for an index
// at or beyond the current populated count.
var ErrFrameNotWritten = errors.New("trajfile: frame index not yet written")

// File is a single binary trajectory cache file. Writes are guarded by an
// internal mutex (single writer per file per process); reads use ReadAt and
// are safe to call concurrently with a writer.
type File struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	tocCapacity  uint32
	endOfTOC     int64
	broken       atomic.Bool
	brokenReason atomic.Value // string
}

// Create truncates (or creates) the file at path, writes the header, and
// pre-allocates the table of contents for tocCapacity frame slots.
func Create(path string, tocCapacity uint32) (*File, error) {
	if tocCapacity == 0 {
		return nil, errors.New("trajfile: tocCapacity must be positive")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trajfile: create %s: %w", path, err)
	}
	header := make([]byte, headerLen)
	copy(header, Magic)
	header[magicLen] = Version[0]
	header[magicLen+1] = Version[1]
	header[magicLen+2] = Version[2]
	toc := make([]byte, countLen+4*int(tocCapacity))
	if _, err := f.WriteAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("trajfile: write header: %w", err)
	}
	if _, err := f.WriteAt(toc, int64(headerLen)); err != nil {
		f.Close()
		return nil, fmt.Errorf("trajfile: allocate toc: %w", err)
	}
	tf := &File{
		file:        f,
		path:        path,
		tocCapacity: tocCapacity,
		endOfTOC:    int64(headerLen) + int64(countLen) + 4*int64(tocCapacity),
	}
	return tf, nil
}

// Open reopens an existing cache file previously created with Create,
// validating the header's magic and using the tocCapacity supplied by the
// caller (the TOC capacity is not itself recorded on disk, so the caller
// must know it; TrajectoryCache passes DefaultTOCCapacity).
func Open(path string, tocCapacity uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trajfile: open %s: %w", path, err)
	}
	header := make([]byte, headerLen)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("trajfile: read header: %w", err)
	}
	if string(header[:magicLen]) != Magic {
		f.Close()
		return nil, fmt.Errorf("trajfile: %s: bad magic", path)
	}
	tf := &File{
		file:        f,
		path:        path,
		tocCapacity: tocCapacity,
		endOfTOC:    int64(headerLen) + int64(countLen) + 4*int64(tocCapacity),
	}
	return tf, nil
}

// Close releases the underlying file descriptor.
func (f *File) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	return f.file.Close()
}

// Broken reports whether this file has been marked unusable after a fatal
// I/O failure, along with the reason if any.
func (f *File) Broken() (bool, string) {
	if f == nil {
		return false, ""
	}
	reason, _ := f.brokenReason.Load().(string)
	return f.broken.Load(), reason
}

func (f *File) markBroken(err error) {
	f.broken.Store(true)
	f.brokenReason.Store(err.Error())
}

// EndOfTOC returns the byte offset immediately following the table of
// contents, i.e. where the first frame chunk begins.
func (f *File) EndOfTOC() int64 { return f.endOfTOC }

// NumSavedFrames returns the number of frame chunks committed to disk.
func (f *File) NumSavedFrames() (uint32, error) {
	buf := make([]byte, countLen)
	if _, err := f.file.ReadAt(buf, int64(headerLen)); err != nil {
		return 0, fmt.Errorf("trajfile: read count: %w", err)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// FramePos returns the byte offset of frame i. Undefined (returns
// ErrFrameNotWritten) for i at or beyond NumSavedFrames.
func (f *File) FramePos(i uint32) (uint64, error) {
	count, err := f.NumSavedFrames()
	if err != nil {
		return 0, err
	}
	if i >= count {
		return 0, ErrFrameNotWritten
	}
	return f.tocEntry(i)
}

func (f *File) tocEntry(i uint32) (uint64, error) {
	buf := make([]byte, 4)
	offset := int64(headerLen) + int64(countLen) + 4*int64(i)
	if _, err := f.file.ReadAt(buf, offset); err != nil {
		return 0, fmt.Errorf("trajfile: read toc[%d]: %w", i, err)
	}
	return uint64(binary.LittleEndian.Uint32(buf)), nil
}

// WriteFrame appends a frame chunk and commits it by incrementing the
// populated count last, per the append-only commit-at-count-update
// invariant: a concurrent reader may see count grow but never a torn chunk.
func (f *File) WriteFrame(frame Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	count, err := f.NumSavedFrames()
	if err != nil {
		f.markBroken(err)
		return err
	}
	if count >= f.tocCapacity {
		// Programmer error: the caller must recreate the file with a
		// larger capacity. Not recoverable for this file instance.
		return ErrTOCCapacityExceeded
	}

	info, err := f.file.Stat()
	if err != nil {
		f.markBroken(err)
		return fmt.Errorf("trajfile: stat: %w", err)
	}
	writeOffset := info.Size()

	chunk, err := encodeChunk(frame)
	if err != nil {
		return fmt.Errorf("trajfile: encode frame: %w", err)
	}
	if _, err := f.file.WriteAt(chunk, writeOffset); err != nil {
		f.markBroken(err)
		return fmt.Errorf("trajfile: write chunk: %w", err)
	}

	tocBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(tocBuf, uint32(writeOffset))
	tocOffset := int64(headerLen) + int64(countLen) + 4*int64(count)
	if _, err := f.file.WriteAt(tocBuf, tocOffset); err != nil {
		f.markBroken(err)
		return fmt.Errorf("trajfile: write toc entry: %w", err)
	}

	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, count+1)
	if _, err := f.file.WriteAt(countBuf, int64(headerLen)); err != nil {
		f.markBroken(err)
		return fmt.Errorf("trajfile: commit count: %w", err)
	}
	return nil
}

// GetBroadcastFrame returns the raw bytes of frame chunk i and the byte
// offset immediately following it, suitable as the client's next playback
// position after a seek or single-frame send.
func (f *File) GetBroadcastFrame(i uint32) ([]byte, uint64, error) {
	count, err := f.NumSavedFrames()
	if err != nil {
		return nil, 0, err
	}
	if i >= count {
		return nil, 0, ErrFrameNotWritten
	}
	start, err := f.tocEntry(i)
	if err != nil {
		return nil, 0, err
	}
	var end uint64
	if i+1 < count {
		end, err = f.tocEntry(i + 1)
		if err != nil {
			return nil, 0, err
		}
	} else {
		info, err := f.file.Stat()
		if err != nil {
			return nil, 0, fmt.Errorf("trajfile: stat: %w", err)
		}
		end = uint64(info.Size())
	}
	buf := make([]byte, end-start)
	if _, err := f.file.ReadAt(buf, int64(start)); err != nil {
		return nil, 0, fmt.Errorf("trajfile: read chunk %d: %w", i, err)
	}
	return buf, end, nil
}

// GetBroadcastUpdate returns up to sliceBytes bytes starting at
// max(currentPos, EndOfTOC), and the new cursor position. It is not
// frame-aligned and is the workhorse of continuous streaming.
func (f *File) GetBroadcastUpdate(currentPos uint64, sliceBytes int) ([]byte, uint64, error) {
	start := currentPos
	if start < uint64(f.endOfTOC) {
		start = uint64(f.endOfTOC)
	}
	info, err := f.file.Stat()
	if err != nil {
		return nil, currentPos, fmt.Errorf("trajfile: stat: %w", err)
	}
	size := uint64(info.Size())
	if start >= size {
		return nil, start, nil
	}
	remaining := size - start
	n := uint64(sliceBytes)
	if remaining < n {
		n = remaining
	}
	buf := make([]byte, n)
	if _, err := f.file.ReadAt(buf, int64(start)); err != nil {
		return nil, currentPos, fmt.Errorf("trajfile: read slice: %w", err)
	}
	return buf, start + n, nil
}

// EndOfStreamPos returns the current file size, i.e. the byte offset a
// client's cursor must reach to have consumed every committed frame.
func (f *File) EndOfStreamPos() (uint64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("trajfile: stat: %w", err)
	}
	return uint64(info.Size()), nil
}
