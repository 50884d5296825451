// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package tuning

import (
	"context"
	"errors"
	"io"
	"time"

	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultRetuneWait = 500 * time.Millisecond

const (
	stallActionRetune = "retune"
	stallActionFail   = "fail"
)

// ByteCounter is implemented by streams that count received bytes. Only such
// streams are watched for stalls.
type ByteCounter interface {
	BytesReceived() uint64
}

func (o *Orchestrator) signalLocked() {
	close(o.streamSig)
	o.streamSig = make(chan struct{})
}

// startWatch supervises the streaming session until ctx ends or Stop is
// called.
func (o *Orchestrator) startWatch(ctx context.Context, req TuneRequest) {
	if o.opts.StallTimeout <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.stream
	counter, ok := st.(ByteCounter)
	if !ok {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &inflight{cancel: cancel, done: make(chan struct{})}
	o.watch = w
	go o.watchStream(wctx, w, req, st, counter)
}

func (o *Orchestrator) stopWatch(ctx context.Context) {
	o.mu.Lock()
	w := o.watch
	o.watch = nil
	o.mu.Unlock()
	if w == nil {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) watchStream(ctx context.Context, w *inflight, req TuneRequest, st Stream, counter ByteCounter) {
	defer close(w.done)
	logger := xglog.WithContext(ctx, o.logger)

	ticker := time.NewTicker(o.opts.StallTimeout)
	defer ticker.Stop()
	last := counter.BytesReceived()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if o.Stream() != st {
			return
		}
		cur := counter.BytesReceived()
		if cur != last {
			last = cur
			continue
		}
		o.recoverStall(ctx, req, cur, logger)
		return
	}
}

// recoverStall fails the stalled session and re-tunes the same request up to
// StallRetunes times. Readers from Reader wait for the new stream meanwhile.
func (o *Orchestrator) recoverStall(ctx context.Context, req TuneRequest, received uint64, logger zerolog.Logger) {
	action := stallActionRetune
	if o.opts.StallRetunes <= 0 {
		action = stallActionFail
	}
	metrics.IncStall(o.opts.Name, action)
	o.opts.Breaker.RecordFailure()
	logger.Error().
		Dur("window", o.opts.StallTimeout).
		Uint64("bytes", received).
		Str("action", action).
		Msg("no data streamed within stall window")

	o.mu.Lock()
	o.retuning = action == stallActionRetune
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.retuning = false
		o.signalLocked()
		o.mu.Unlock()
	}()

	if o.machine.Can(evFail) {
		_ = o.fire(ctx, evFail)
	}
	o.teardown(context.WithoutCancel(ctx), "stream stalled")

	for attempt := 1; attempt <= o.opts.StallRetunes; attempt++ {
		if ctx.Err() != nil {
			return
		}
		res := o.Tune(ctx, req)
		if res.OK() {
			logger.Info().Int("attempt", attempt).Str("new_session_id", res.Session.ID).Msg("re-tuned after stall")
			return
		}
		logger.Warn().Err(res.Err).Int("attempt", attempt).Msg("re-tune failed")
		t := time.NewTimer(o.opts.RetuneWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	if action == stallActionRetune {
		logger.Error().Int("attempts", o.opts.StallRetunes).Msg("giving up after stall")
	}
}

// sessionReader reads the local stream and moves to the replacement stream
// after a stall re-tune.
type sessionReader struct {
	o   *Orchestrator
	cur Stream
	gen uint64
}

func (r *sessionReader) Read(p []byte) (int, error) {
	for {
		n, err := r.cur.Read(p)
		if !errors.Is(err, io.EOF) {
			return n, err
		}
		if n > 0 {
			return n, nil
		}
		next, gen, ok := r.o.nextStream(r.gen)
		if !ok {
			return 0, io.EOF
		}
		r.cur, r.gen = next, gen
	}
}

// nextStream blocks while a re-tune is in progress and returns a stream newer
// than gen, if any.
func (o *Orchestrator) nextStream(gen uint64) (Stream, uint64, bool) {
	for {
		o.mu.Lock()
		st, cur, retuning, sig := o.stream, o.streamGen, o.retuning, o.streamSig
		o.mu.Unlock()
		if st != nil && cur != gen {
			return st, cur, true
		}
		if !retuning {
			return nil, 0, false
		}
		<-sig
	}
}
