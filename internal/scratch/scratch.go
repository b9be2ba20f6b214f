// Package scratch implements the two-phase buffer a milter session captures a message into.
//
// A [Buffer] starts in memory. After [Buffer.Promote] all data lives in a temporary file and every
// following write goes to that file, so the memory used per session does not depend on the body size.
package scratch

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/hashicorp/go-multierror"
)

// ErrClosed is returned by all operations on a [Buffer] that was closed.
var ErrClosed = errors.New("scratch: buffer closed")

// File is the part of [*os.File] a [Buffer] needs for its durable phase.
type File interface {
	io.ReadWriteSeeker
	io.Closer
	Name() string
}

// CreateFunc creates a new uniquely named temporary file. [os.CreateTemp] is the default.
type CreateFunc func(dir, pattern string) (File, error)

func createTemp(dir, pattern string) (File, error) {
	return os.CreateTemp(dir, pattern)
}

// Option configures a [Buffer].
type Option func(b *Buffer)

// WithCreateFunc sets the function used to create the temporary file.
func WithCreateFunc(create CreateFunc) Option {
	return func(b *Buffer) {
		b.create = create
	}
}

// WithPattern sets the file name pattern of the temporary file (see [os.CreateTemp]).
func WithPattern(pattern string) Option {
	return func(b *Buffer) {
		b.pattern = pattern
	}
}

// New creates a memory backed Buffer that will promote itself to a temporary file in dir.
// An empty dir means [os.TempDir].
func New(dir string, opts ...Option) *Buffer {
	b := &Buffer{dir: dir, pattern: "scratch-*", create: createTemp}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Buffer is an [io.Writer] that first buffers in memory and after [Buffer.Promote] in a temporary file.
//
// After a call to [Buffer.Reader] no more data can be written.
type Buffer struct {
	dir     string
	pattern string
	create  CreateFunc
	mem     bytes.Buffer
	file    File
	size    int64
	reading bool
	closed  bool
}

// Write implements the io.Writer interface.
func (b *Buffer) Write(p []byte) (n int, err error) {
	if b.closed {
		return 0, ErrClosed
	}
	if b.reading {
		panic("cannot write after read")
	}
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.size += int64(n)
	return
}

// WriteString appends s.
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Promote moves the buffered bytes into a new temporary file.
// Calling Promote on an already promoted Buffer is a no-op.
func (b *Buffer) Promote() (err error) {
	if b.closed {
		return ErrClosed
	}
	if b.file != nil {
		return nil
	}
	f, err := b.create(b.dir, b.pattern)
	if err != nil {
		return err
	}
	b.file = f
	if _, err = io.Copy(f, &b.mem); err != nil {
		return err
	}
	b.mem.Reset()
	return nil
}

// Durable reports whether the Buffer was promoted to a temporary file.
func (b *Buffer) Durable() bool {
	return b.file != nil
}

// Path returns the name of the temporary file or "" when the Buffer is still in memory.
func (b *Buffer) Path() string {
	if b.file == nil {
		return ""
	}
	return b.file.Name()
}

// Len returns the number of bytes written so far.
func (b *Buffer) Len() int64 {
	return b.size
}

// Reader returns a reader positioned at the start of the buffered data.
// After calling Reader you cannot call Write anymore. You can call Reader multiple times.
func (b *Buffer) Reader() (io.ReadSeeker, error) {
	if b.closed {
		return nil, ErrClosed
	}
	b.reading = true
	if b.file != nil {
		if _, err := b.file.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return b.file, nil
	}
	return bytes.NewReader(b.mem.Bytes()), nil
}

// Close releases the memory and deletes the temporary file, if one was created.
// Close is idempotent.
func (b *Buffer) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.mem = bytes.Buffer{}
	if b.file == nil {
		return nil
	}
	var result *multierror.Error
	if err := b.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.Remove(b.file.Name()); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, err)
	}
	b.file = nil
	return result.ErrorOrNil()
}
