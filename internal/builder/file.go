package builder

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// fileReader streams a file through a non-blocking descriptor, one read per
// readiness event.
type fileReader struct {
	fd   int
	data []byte
}

func openReader(name string, sizeHint int64) (*fileReader, error) {
	fd, err := unix.Open(name, unix.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}
	capacity := 0
	if sizeHint > 0 && sizeHint < 64<<20 {
		capacity = int(sizeHint)
	}
	return &fileReader{fd: fd, data: make([]byte, 0, capacity)}, nil
}

// read performs one read and reports whether end of file was reached.
// A read that would block is not an error.
func (f *fileReader) read() (eof bool, err error) {
	if f.fd < 0 {
		return true, nil
	}
	var buf [readChunk]byte
	n, err := unix.Read(f.fd, buf[:])
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("read fd %d: %w", f.fd, err)
	case n == 0:
		return true, nil
	}
	f.data = append(f.data, buf[:n]...)
	return false, nil
}

func (f *fileReader) close() error {
	if f == nil || f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}
