// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ringbuffer provides a fixed-capacity byte ring shared by one producer
// and one reader.
//
// Writes never overwrite unread data: a full buffer blocks the writer until the
// reader frees space. Reads either wait up to Options.ReadTimeout for data
// (blocking mode, the default) or return 0 immediately when the reader has
// caught up (non-blocking mode). A read on a closed and drained buffer returns
// io.EOF.
package ringbuffer

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("ringbuffer: closed")

const (
	DefaultCapacity    = 7 * 1024 * 1024
	DefaultReadTimeout = 500 * time.Millisecond
)

// Options configures a Buffer.
type Options struct {
	Capacity int
	// NonBlockingReads makes Read return 0 immediately when nothing is buffered.
	NonBlockingReads bool
	// ReadTimeout bounds how long a blocking Read waits for data.
	ReadTimeout time.Duration
}

func (o Options) normalize() Options {
	if o.Capacity <= 0 {
		o.Capacity = DefaultCapacity
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	return o
}

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Capacity      int
	Buffered      int
	BytesWritten  uint64
	BytesRead     uint64
	WriterStalls  uint64
	WriterBlocked time.Duration
	ReadTimeouts  uint64
}

// Buffer is a circular byte store. The read position and buffered count are
// guarded by mu; readable and writable carry at most one pending wakeup each.
type Buffer struct {
	opts Options

	mu       sync.Mutex
	data     []byte
	head     int // next byte to read
	buffered int
	closed   bool

	readable chan struct{}
	writable chan struct{}
	done     chan struct{}

	written      atomic.Uint64
	read         atomic.Uint64
	stalls       atomic.Uint64
	blockedNanos atomic.Int64
	readTimeouts atomic.Uint64
}

// New allocates a buffer.
func New(opts Options) *Buffer {
	opts = opts.normalize()
	return &Buffer{
		opts:     opts,
		data:     make([]byte, opts.Capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Capacity returns the fixed size of the ring.
func (b *Buffer) Capacity() int { return len(b.data) }

// ReadAvailable returns the number of bytes written and not yet read.
func (b *Buffer) ReadAvailable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffered
}

// Write stores all of p, blocking while the buffer is full.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.WriteContext(context.Background(), p)
}

// WriteContext is Write with cancellation. It returns the number of bytes stored
// before ctx ended or the buffer was closed.
func (b *Buffer) WriteContext(ctx context.Context, p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n, err := b.TryWrite(p)
		if err != nil {
			return total, err
		}
		total += n
		p = p[n:]
		if len(p) == 0 {
			break
		}
		if n == 0 {
			if err := b.waitWritable(ctx); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// TryWrite stores as much of p as currently fits and returns immediately.
func (b *Buffer) TryWrite(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	size := len(b.data)
	n := min(len(p), size-b.buffered)
	if n > 0 {
		tail := (b.head + b.buffered) % size
		first := copy(b.data[tail:], p[:n])
		copy(b.data, p[first:n])
		b.buffered += n
	}
	b.mu.Unlock()

	if n > 0 {
		b.written.Add(uint64(n))
		signal(b.readable)
	}
	return n, nil
}

func (b *Buffer) waitWritable(ctx context.Context) error {
	b.stalls.Add(1)
	start := time.Now()
	defer func() { b.blockedNanos.Add(int64(time.Since(start))) }()

	select {
	case <-b.writable:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read copies up to len(p) of the oldest unread bytes into p.
func (b *Buffer) Read(p []byte) (int, error) {
	return b.ReadContext(context.Background(), p)
}

// ReadContext is Read with cancellation of the blocking wait.
func (b *Buffer) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n, closed := b.take(p)
	if n > 0 || b.opts.NonBlockingReads {
		return n, eofIfDrained(n, closed)
	}
	if closed {
		return 0, io.EOF
	}

	timer := time.NewTimer(b.opts.ReadTimeout)
	defer timer.Stop()
	for {
		select {
		case <-b.readable:
		case <-b.done:
		case <-timer.C:
			n, closed = b.take(p)
			if n == 0 && !closed {
				b.readTimeouts.Add(1)
			}
			return n, eofIfDrained(n, closed)
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		n, closed = b.take(p)
		if n > 0 || closed {
			return n, eofIfDrained(n, closed)
		}
	}
}

func eofIfDrained(n int, closed bool) error {
	if n == 0 && closed {
		return io.EOF
	}
	return nil
}

func (b *Buffer) take(p []byte) (int, bool) {
	b.mu.Lock()
	n := min(len(p), b.buffered)
	if n > 0 {
		size := len(b.data)
		first := copy(p[:n], b.data[b.head:min(b.head+n, size)])
		copy(p[first:n], b.data)
		b.head = (b.head + n) % size
		b.buffered -= n
	}
	closed := b.closed
	b.mu.Unlock()

	if n > 0 {
		b.read.Add(uint64(n))
		signal(b.writable)
	}
	return n, closed
}

// Reset discards unread data.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.head, b.buffered = 0, 0
	b.mu.Unlock()
	signal(b.writable)
}

// Close wakes blocked callers. Buffered data remains readable.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Capacity:      len(b.data),
		Buffered:      b.ReadAvailable(),
		BytesWritten:  b.written.Load(),
		BytesRead:     b.read.Load(),
		WriterStalls:  b.stalls.Load(),
		WriterBlocked: time.Duration(b.blockedNanos.Load()),
		ReadTimeouts:  b.readTimeouts.Load(),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
