//go:build linux

package tensorpipe

import (
	"encoding/binary"
	"io"

	"golang.org/x/sys/unix"
)

// Fd is a thin owning wrapper around a raw descriptor, providing typed
// reads and writes and closing the descriptor exactly once.
type Fd struct {
	fd int
}

// NewFd wraps a raw descriptor, taking ownership of it.
func NewFd(fd int) *Fd {
	return &Fd{fd: fd}
}

// Raw returns the underlying descriptor number.
func (f *Fd) Raw() int {
	return f.fd
}

func (f *Fd) Read(p []byte) (n int, err error) {
	n, err = unix.Read(f.fd, p)
	if n == 0 && err == nil {
		err = io.EOF
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (f *Fd) Write(p []byte) (n int, err error) {
	n, err = unix.Write(f.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// ReadUint64 reads one fixed-width native-endian token.
func (f *Fd) ReadUint64() (uint64, error) {
	var buf [8]byte
	if _, err := f.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes one fixed-width native-endian token.
func (f *Fd) WriteUint64(v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	_, err := f.Write(buf[:])
	return err
}

// Close closes the underlying descriptor. Further operations on the Fd
// report EBADF from the OS.
func (f *Fd) Close() error {
	return unix.Close(f.fd)
}
