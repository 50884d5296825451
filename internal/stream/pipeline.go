// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stream receives the RTP stream of a tuned session, checks its
// continuity and hands the transport stream bytes to a single reader.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/metrics"
	"github.com/ManuGH/dctd/internal/ringbuffer"
	"github.com/ManuGH/dctd/internal/rtp"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

const (
	DefaultBatchSize     = 16
	DefaultReceiveBuffer = 2 * 1024 * 1024

	bindAttempts = 8

	minReadBackoff = 10 * time.Millisecond
	maxReadBackoff = time.Second
)

// ErrStarted is returned when Start is called twice or after Stop.
var ErrStarted = errors.New("stream: already started")

// Options configures a Pipeline.
type Options struct {
	// ListenIP restricts the bind address; empty listens on all interfaces.
	ListenIP string
	// Port is the RTP port. Zero picks a free port (and a free port+1 for RTCP).
	Port int
	// SequenceWidth selects 8 or 16 bit continuity checks.
	SequenceWidth rtp.SequenceWidth
	// RTCP enables the feedback listener on Port+1.
	RTCP bool
	// ReceiveBuffer is the requested socket receive buffer in bytes.
	ReceiveBuffer int
	// BatchSize is the number of datagrams read per system call.
	BatchSize int
	Ring      ringbuffer.Options
}

func (o Options) withDefaults() Options {
	if o.SequenceWidth != rtp.Sequence8 {
		o.SequenceWidth = rtp.Sequence16
	}
	if o.ReceiveBuffer <= 0 {
		o.ReceiveBuffer = DefaultReceiveBuffer
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Port      int
	Packets   uint64
	Missed    uint64
	Rollovers uint64
	Malformed uint64
	// ReadErrors counts failed socket reads.
	ReadErrors uint64
	Bytes      uint64
	TS         rtp.TSStats
	Feedback   rtp.FeedbackStats
	Ring       ringbuffer.Stats
}

// Pipeline is UDP intake, integrity monitor and ring buffer for one session.
// Read is meant for exactly one consumer.
type Pipeline struct {
	opts     Options
	logger   zerolog.Logger
	cursor   *rtp.StreamCursor
	ts       *rtp.TSInspector
	feedback *rtp.FeedbackHandler
	ring     *ringbuffer.Buffer

	mu      sync.Mutex
	started bool
	stopped bool
	port    int
	conns   []*net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	malformed   atomic.Uint64
	readErrors  atomic.Uint64
	bytes       atomic.Uint64
	lastBlocked time.Duration
}

// New returns an unstarted pipeline.
func New(opts Options) *Pipeline {
	opts = opts.withDefaults()
	return &Pipeline{
		opts:     opts,
		logger:   xglog.WithComponent("stream"),
		cursor:   rtp.NewStreamCursor(opts.SequenceWidth),
		ts:       rtp.NewTSInspector(),
		feedback: rtp.NewFeedbackHandler(),
		ring:     ringbuffer.New(opts.Ring),
	}
}

// Start binds the sockets and begins intake. The returned port is where the
// device must send RTP. The pipeline runs until Stop; ctx only bounds setup.
func (p *Pipeline) Start(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return 0, ErrStarted
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	conn, rtcpConn, err := p.bind()
	if err != nil {
		return 0, err
	}
	if err := conn.SetReadBuffer(p.opts.ReceiveBuffer); err != nil {
		p.logger.Warn().Err(err).Int("bytes", p.opts.ReceiveBuffer).Msg("receive buffer not applied")
	}
	p.port = conn.LocalAddr().(*net.UDPAddr).Port
	p.conns = append(p.conns, conn)
	p.cursor.Reset()
	p.ts.Reset()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.started = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.intake(runCtx, conn)
	}()

	if rtcpConn != nil {
		p.conns = append(p.conns, rtcpConn)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := p.feedback.Serve(runCtx, rtcpConn); err != nil {
				p.logger.Warn().Err(err).Msg("rtcp listener stopped")
			}
		}()
	}

	p.logger.Info().
		Int(xglog.FieldStreamPort, p.port).
		Bool("rtcp", rtcpConn != nil).
		Uint8("sequence_width", uint8(p.opts.SequenceWidth)).
		Msg("stream intake started")
	return p.port, nil
}

func (p *Pipeline) bind() (*net.UDPConn, *net.UDPConn, error) {
	var ip net.IP
	if p.opts.ListenIP != "" {
		if ip = net.ParseIP(p.opts.ListenIP); ip == nil {
			return nil, nil, fmt.Errorf("stream: invalid listen ip %q", p.opts.ListenIP)
		}
	}
	attempts := 1
	if p.opts.Port == 0 && p.opts.RTCP {
		attempts = bindAttempts
	}

	var lastErr error
	for range attempts {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: p.opts.Port})
		if err != nil {
			return nil, nil, fmt.Errorf("stream: bind rtp: %w", err)
		}
		if !p.opts.RTCP {
			return conn, nil, nil
		}
		port := conn.LocalAddr().(*net.UDPAddr).Port
		rtcpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: port + 1})
		if err == nil {
			return conn, rtcpConn, nil
		}
		_ = conn.Close()
		lastErr = err
	}
	return nil, nil, fmt.Errorf("stream: bind rtcp: %w", lastErr)
}

func (p *Pipeline) intake(ctx context.Context, conn *net.UDPConn) {
	pc := ipv4.NewPacketConn(conn)
	p.readLoop(ctx, pc.ReadBatch)
}

// readLoop drains batches until the socket closes. Read errors back off
// exponentially up to maxReadBackoff so a failing socket cannot spin.
func (p *Pipeline) readLoop(ctx context.Context, read func([]ipv4.Message, int) (int, error)) {
	msgs := make([]ipv4.Message, p.opts.BatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, rtp.MaxDatagramSize)}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minReadBackoff
	bo.MaxInterval = maxReadBackoff
	bo.Reset()
	sampled := p.logger.Sample(&zerolog.BurstSampler{Burst: 1, Period: 5 * time.Second})
	failing := false

	for {
		n, err := read(msgs, 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			p.readErrors.Add(1)
			sampled.Warn().Err(err).Uint64("read_errors", p.readErrors.Load()).Msg("rtp read failed")
			failing = true
			t := time.NewTimer(bo.NextBackOff())
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		if failing {
			bo.Reset()
			failing = false
		}
		for i := range n {
			if err := p.handle(ctx, msgs[i].Buffers[0][:msgs[i].N]); err != nil {
				if !errors.Is(err, ringbuffer.ErrClosed) && ctx.Err() == nil {
					p.logger.Warn().Err(err).Msg("stream intake stopped")
				}
				return
			}
		}
	}
}

// handle checks one datagram and queues its payload. Malformed datagrams are
// counted and skipped; only a closed buffer or a cancelled context end intake.
func (p *Pipeline) handle(ctx context.Context, pkt []byte) error {
	h, payload, err := rtp.ParseHeader(pkt)
	if err != nil {
		p.malformed.Add(1)
		p.logger.Debug().Err(err).Int("bytes", len(pkt)).Msg("dropping malformed rtp packet")
		return nil
	}

	obs := p.cursor.Observe(h.Sequence)
	metrics.ObserveRTP(obs.Unexpected, obs.Rollover)
	if obs.Unexpected {
		p.logger.Debug().Uint16("sequence", obs.Sequence).Uint64("missed", p.cursor.Missed()).Msg("rtp discontinuity")
	}
	if _, syncErrors := p.ts.Inspect(payload); syncErrors > 0 {
		p.logger.Debug().Int("sync_errors", syncErrors).Msg("transport packets out of sync")
	}

	n, err := p.ring.WriteContext(ctx, payload)
	p.bytes.Add(uint64(n))

	st := p.ring.Stats()
	metrics.ObserveRing(st.Buffered, st.WriterBlocked-p.lastBlocked)
	p.lastBlocked = st.WriterBlocked
	return err
}

// Read returns buffered transport stream bytes. It returns io.EOF once the
// pipeline is stopped and drained.
func (p *Pipeline) Read(b []byte) (int, error) {
	return p.ring.Read(b)
}

// ReadContext is Read with cancellation.
func (p *Pipeline) ReadContext(ctx context.Context, b []byte) (int, error) {
	return p.ring.ReadContext(ctx, b)
}

// Stop closes the sockets and the buffer and waits for the goroutines. It is
// safe to call more than once.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel, conns := p.cancel, p.conns
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	_ = p.ring.Close()
	p.wg.Wait()

	st := p.Stats()
	p.logger.Info().
		Int(xglog.FieldStreamPort, st.Port).
		Uint64("packets", st.Packets).
		Uint64("missed", st.Missed).
		Uint64("bytes", st.Bytes).
		Msg("stream intake stopped")
	return errors.Join(errs...)
}

// BytesReceived is the payload byte count handed to the buffer so far.
func (p *Pipeline) BytesReceived() uint64 { return p.bytes.Load() }

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	return Stats{
		Port:       port,
		Packets:    p.cursor.Packets(),
		Missed:     p.cursor.Missed(),
		Rollovers:  p.cursor.Rollovers(),
		Malformed:  p.malformed.Load(),
		ReadErrors: p.readErrors.Load(),
		Bytes:      p.bytes.Load(),
		TS:         p.ts.Stats(),
		Feedback:   p.feedback.Stats(),
		Ring:       p.ring.Stats(),
	}
}
