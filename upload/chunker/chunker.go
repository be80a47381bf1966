// Package chunker reads a local file as a sequence of fixed-size byte-range
// chunks for resumable uploads.
package chunker

import (
	"io"
	"os"
)

// sizeUnknown marks a ChunkedFile whose total size has not been read yet.
const sizeUnknown int64 = -1

// Chunk is one contiguous byte range of the source file, sent as a single
// request body. StartByte is inclusive, EndByte exclusive.
type Chunk struct {
	StartByte int64
	EndByte   int64
	TotalSize int64
	Payload   []byte
}

// Len returns the number of payload bytes covered by the chunk.
func (c Chunk) Len() int64 {
	return c.EndByte - c.StartByte
}

// EOF reports whether the chunk is the zero-length end-of-file sentinel.
// The sentinel has StartByte == EndByte == TotalSize and an empty payload.
func (c Chunk) EOF() bool {
	return c.StartByte == c.EndByte
}

// ChunkedFile reads a file from disk in chunks of a fixed size.
//
// It is not safe for concurrent use: ownership is expected to stay confined
// to the single goroutine driving an upload.
type ChunkedFile struct {
	chunkSize int64
	file      *os.File
	path      string
	size      int64
	cursor    int64
}

// NewChunkedFile creates a ChunkedFile producing chunks of chunkSize bytes.
func NewChunkedFile(chunkSize int64) *ChunkedFile {
	return &ChunkedFile{
		chunkSize: chunkSize,
		size:      sizeUnknown,
	}
}

// Open opens the file at path and reads its total size. Calling Open again
// without an intervening Close is a no-op.
func (f *ChunkedFile) Open(path string) error {
	if f.file != nil {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return &FileAccessError{Path: path, Op: "open", Err: err}
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return &FileAccessError{Path: path, Op: "stat", Err: err}
	}

	f.file = file
	f.path = path
	f.size = info.Size()
	f.cursor = 0

	return nil
}

// Size returns the total file size, or -1 before Open.
func (f *ChunkedFile) Size() int64 {
	return f.size
}

// Seek repositions the read cursor, typically to a resume watermark. It does
// not validate the offset against the file size; a read past the end simply
// returns the EOF sentinel.
func (f *ChunkedFile) Seek(offset int64) {
	if offset < 0 {
		offset = 0
	}
	f.cursor = offset
}

// ReadNextChunk performs one bounded read of at most the configured chunk
// size starting at the cursor and advances the cursor by the bytes actually
// read. At or past the end of the file it returns the EOF sentinel instead of
// an error; callers detect it with Chunk.EOF and stop reading.
func (f *ChunkedFile) ReadNextChunk() (Chunk, error) {
	if f.file == nil {
		return Chunk{}, ErrNotOpened
	}

	if f.cursor >= f.size {
		return Chunk{StartByte: f.size, EndByte: f.size, TotalSize: f.size}, nil
	}

	size := f.chunkSize
	if remaining := f.size - f.cursor; remaining < size {
		size = remaining
	}

	if _, err := f.file.Seek(f.cursor, io.SeekStart); err != nil {
		return Chunk{}, &FileAccessError{Path: f.path, Op: "seek", Err: err}
	}

	payload := make([]byte, size)
	n, err := io.ReadFull(f.file, payload)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Chunk{}, &FileAccessError{Path: f.path, Op: "read", Err: err}
	}

	chunk := Chunk{
		StartByte: f.cursor,
		EndByte:   f.cursor + int64(n),
		TotalSize: f.size,
		Payload:   payload[:n],
	}
	f.cursor = chunk.EndByte

	return chunk, nil
}

// Close releases the file handle and resets the cursor and size to their
// initial unknown state. Safe to call multiple times.
func (f *ChunkedFile) Close() error {
	if f.file == nil {
		return nil
	}

	path := f.path
	err := f.file.Close()
	f.file = nil
	f.path = ""
	f.size = sizeUnknown
	f.cursor = 0

	if err != nil {
		return &FileAccessError{Path: path, Op: "close", Err: err}
	}
	return nil
}
