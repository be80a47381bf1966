package chunker

import (
	"errors"
	"fmt"
)

// ErrNotOpened is returned by ReadNextChunk when the file has not been opened.
var ErrNotOpened = errors.New("chunked file is not opened")

// FileAccessError reports a failed operation on the underlying file.
type FileAccessError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error {
	return e.Err
}
