package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/google/uuid"

	"github.com/jdmarch/encore/internal/events"
	"github.com/jdmarch/encore/internal/progress"
)

// TransferOptions configure a chunked, progress-reporting copy.
type TransferOptions struct {
	// Key is reported in the "key" field of every progress event.
	Key string
	// BufferSize is the chunk size; non-positive means DefaultBufferSize.
	BufferSize int
	// Emitter receives the progress events. Nil discards them.
	Emitter events.Emitter
	// Source is set as the event source.
	Source any
	// Message overrides the default "Setting data into '<key>'".
	Message string
}

func (o TransferOptions) bufferSize() int {
	if o.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.BufferSize
}

// KnownLength reports the total size of r when it can be determined
// without consuming it.
func KnownLength(r io.Reader) (int64, bool) {
	switch x := r.(type) {
	case interface{ Len() int }:
		return int64(x.Len()), true
	case interface{ Size() int64 }:
		return x.Size(), true
	case *os.File:
		info, err := x.Stat()
		if err != nil || !info.Mode().IsRegular() {
			return 0, false
		}
		return info.Size(), true
	}
	return 0, false
}

// StepsFor returns the number of non-empty chunks of bufferSize bytes in a
// stream of the given length.
func StepsFor(length int64, bufferSize int) int {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if length <= 0 {
		return 0
	}
	return int((length + int64(bufferSize) - 1) / int64(bufferSize))
}

// Chunks yields successive chunks of at most bufferSize bytes read from r.
// The yielded slice is reused between iterations.
func Chunks(r io.Reader, bufferSize int) iter.Seq2[[]byte, error] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, bufferSize)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				if !yield(buf[:n], nil) {
					return
				}
			}
			switch {
			case err == nil:
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				yield(nil, err)
				return
			}
		}
	}
}

// Transfer copies src into dst chunk by chunk. It runs a store progress
// operation with one step per non-empty chunk; the "bytes" field carries
// the cumulative byte count. The step count is known only when src
// exposes its length.
func Transfer(dst io.Writer, src io.Reader, opts TransferOptions) (int64, error) {
	bs := opts.bufferSize()

	steps := events.UnknownSteps
	if n, ok := KnownLength(src); ok {
		steps = StepsFor(n, bs)
	}

	msg := opts.Message
	if msg == "" {
		msg = fmt.Sprintf("Setting data into '%s'", opts.Key)
	}

	op := progress.New(opts.Emitter, opts.Source, uuid.NewString(), msg, steps,
		progress.WithEventTypes(events.TypeStoreProgressStart, events.TypeStoreProgressStep, events.TypeStoreProgressEnd),
		progress.WithFields(map[string]any{"key": opts.Key}),
	)

	var written int64
	err := op.Run(func(op *progress.Operation) error {
		for chunk, err := range Chunks(src, bs) {
			if err != nil {
				return err
			}
			n, err := dst.Write(chunk)
			written += int64(n)
			if err != nil {
				return err
			}
			if err := op.Step(progress.WithExtra(map[string]any{"bytes": written})); err != nil {
				return err
			}
		}
		return nil
	})
	return written, err
}

// ReadAll drains src through Transfer and returns the bytes read.
func ReadAll(src io.Reader, opts TransferOptions) ([]byte, error) {
	var buf bytes.Buffer
	if n, ok := KnownLength(src); ok && n > 0 {
		buf.Grow(int(n))
	}
	if _, err := Transfer(&buf, src, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ChunkReader presents a sequence of byte chunks as a stream.
type ChunkReader struct {
	next func() ([]byte, bool)
	stop func()
	buf  []byte
}

// NewChunkReader wraps seq. Close releases the sequence if it was not
// fully consumed.
func NewChunkReader(seq iter.Seq[[]byte]) *ChunkReader {
	next, stop := iter.Pull(seq)
	return &ChunkReader{next: next, stop: stop}
}

func (r *ChunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.next == nil {
			return 0, io.EOF
		}
		chunk, ok := r.next()
		if !ok {
			r.Close()
			return 0, io.EOF
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *ChunkReader) Close() error {
	if r.stop != nil {
		r.stop()
		r.stop, r.next = nil, nil
	}
	r.buf = nil
	return nil
}
