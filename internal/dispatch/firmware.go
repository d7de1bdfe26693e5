package dispatch

import (
	"fmt"
	"io"
	"os"
)

// Firmware yields the current image and its size. Implementations must not
// cache: replacing the artifact between updates takes effect immediately.
type Firmware interface {
	Open() (io.ReadCloser, int64, error)
}

type FileFirmware struct {
	Path string
}

func (f FileFirmware) Open() (io.ReadCloser, int64, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, 0, fmt.Errorf("open firmware: %w", err)
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, 0, fmt.Errorf("stat firmware: %w", err)
	}
	return fh, st.Size(), nil
}
