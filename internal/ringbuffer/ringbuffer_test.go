// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ringbuffer

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWrapAroundPreservesOrder(t *testing.T) {
	b := New(Options{Capacity: 8, NonBlockingReads: true})

	n, err := b.TryWrite([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	out := make([]byte, 4)
	n, err = b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(out[:n]))

	// tail is at 6, head at 4: this write wraps past the end of storage
	n, err = b.TryWrite([]byte("ghijkl"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	assert.Equal(t, 8, b.ReadAvailable())

	out = make([]byte, 16)
	n, err = b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "efghijkl", string(out[:n]))
	assert.Equal(t, 0, b.ReadAvailable())
}

func TestTryWriteNeverOverwritesUnread(t *testing.T) {
	b := New(Options{Capacity: 4, NonBlockingReads: true})

	n, err := b.TryWrite([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, b.ReadAvailable())

	n, err = b.TryWrite([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	out := make([]byte, 8)
	n, _ = b.Read(out)
	assert.Equal(t, "abcd", string(out[:n]))
}

func TestNonBlockingReadReturnsZeroWhenCaughtUp(t *testing.T) {
	b := New(Options{Capacity: 16, NonBlockingReads: true, ReadTimeout: time.Hour})

	start := time.Now()
	n, err := b.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestBlockingReadTimesOut(t *testing.T) {
	b := New(Options{Capacity: 16, ReadTimeout: 50 * time.Millisecond})

	start := time.Now()
	n, err := b.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, uint64(1), b.Stats().ReadTimeouts)
}

func TestBlockingReadWakesOnWrite(t *testing.T) {
	b := New(Options{Capacity: 16, ReadTimeout: 5 * time.Second})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = b.Write([]byte("hi"))
	}()

	out := make([]byte, 4)
	start := time.Now()
	n, err := b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out[:n]))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWriterBlocksUntilReaderFreesSpace(t *testing.T) {
	b := New(Options{Capacity: 4, NonBlockingReads: true})

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := b.Write([]byte("abcdefgh"))
		assert.NoError(t, err)
		assert.Equal(t, 8, n)
	}()

	require.Eventually(t, func() bool { return b.ReadAvailable() == 4 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("writer completed without room")
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 4, b.ReadAvailable())

	var got bytes.Buffer
	out := make([]byte, 3)
	for got.Len() < 8 {
		n, err := b.Read(out)
		require.NoError(t, err)
		got.Write(out[:n])
	}
	<-done
	assert.Equal(t, "abcdefgh", got.String())
	assert.NotZero(t, b.Stats().WriterStalls)
}

func TestCloseUnblocksWriter(t *testing.T) {
	b := New(Options{Capacity: 2})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Write([]byte("abcd"))
		errCh <- err
	}()

	require.Eventually(t, func() bool { return b.ReadAvailable() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, <-errCh, ErrClosed)
}

func TestWriteContextCancel(t *testing.T) {
	b := New(Options{Capacity: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	n, err := b.WriteContext(ctx, []byte("abcd"))
	assert.Equal(t, 2, n)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadDrainsThenEOFAfterClose(t *testing.T) {
	b := New(Options{Capacity: 8, ReadTimeout: time.Second})
	_, err := b.Write([]byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	out := make([]byte, 8)
	n, err := b.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(out[:n]))

	n, err = b.Read(out)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = b.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentStreamIsByteExact(t *testing.T) {
	b := New(Options{Capacity: 1021, ReadTimeout: 20 * time.Millisecond})

	payload := make([]byte, 256*1024)
	rng := rand.New(rand.NewSource(7))
	_, _ = rng.Read(payload)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rest := payload
		for len(rest) > 0 {
			chunk := min(len(rest), 1+rng.Intn(1500))
			_, err := b.Write(rest[:chunk])
			if !assert.NoError(t, err) {
				return
			}
			rest = rest[chunk:]
		}
		_ = b.Close()
	}()

	var got bytes.Buffer
	out := make([]byte, 777)
	for {
		n, err := b.Read(out)
		got.Write(out[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	wg.Wait()

	assert.True(t, bytes.Equal(payload, got.Bytes()), "stream corrupted across wrap boundaries")
	st := b.Stats()
	assert.Equal(t, uint64(len(payload)), st.BytesWritten)
	assert.Equal(t, uint64(len(payload)), st.BytesRead)
}
