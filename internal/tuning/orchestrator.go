// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package tuning drives a tuner from connection setup to a locked, streaming
// channel and back.
package tuning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/dctd/internal/fsm"
	xglog "github.com/ManuGH/dctd/internal/log"
	"github.com/ManuGH/dctd/internal/metrics"
	"github.com/ManuGH/dctd/internal/resilience"
	"github.com/ManuGH/dctd/internal/rtsp"
	"github.com/ManuGH/dctd/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultProtocolInfo       = "rtsp-rtp-udp:*:dri-mp2t:*"
	DefaultPeerConnectionID   = "0"
	DefaultDirection          = "Output"
	DefaultPlaySpeed          = "1"
	DefaultSourceID           = "0"
	DefaultCaptureMode        = "Live"
	DefaultLockVariable       = VarPCRLock
	DefaultLockValue          = flagSet
	DefaultLockTimeout        = 5 * time.Second
	DefaultPlayConfirmTimeout = 2 * time.Second
	DefaultTeardownTimeout    = 5 * time.Second
	DefaultStallTimeout       = 4 * time.Second
	DefaultStallRetunes       = 3
)

// Stream is the local receiving side of a session. Start binds and returns
// the port the device should send to.
type Stream interface {
	Start(ctx context.Context) (port int, err error)
	Read(p []byte) (int, error)
	Stop() error
}

// Negotiator sets up and releases the device side of an RTSP stream.
type Negotiator interface {
	Setup(ctx context.Context, uri string, clientPort int) (*rtsp.Session, error)
	Teardown(ctx context.Context, s *rtsp.Session) error
}

// Options configures an Orchestrator. Zero values take the defaults above.
type Options struct {
	// Name identifies the tuner in logs and breaker metrics.
	Name string

	ProtocolInfo     string
	PeerConnectionID string
	Direction        string
	PlaySpeed        string
	SourceID         string
	CaptureMode      string

	LockVariable       string
	LockValue          string
	LockTimeout        time.Duration
	PlayConfirmTimeout time.Duration
	TeardownTimeout    time.Duration

	// KeepStaleConnections skips releasing connections found open before a tune.
	KeepStaleConnections bool

	// StallTimeout is the window a streaming session may go without data
	// before it is re-tuned. Zero disables the watchdog. Only streams that
	// implement ByteCounter are watched.
	StallTimeout time.Duration
	// StallRetunes bounds re-tune attempts per stall; zero fails the session.
	StallRetunes int
	// RetuneWait separates re-tune attempts.
	RetuneWait time.Duration

	// Policy defaults to DefaultPolicy when nil.
	Policy  *Policy
	Breaker *resilience.CircuitBreaker

	// NewStream creates the local pipeline for each session. Nil leaves the
	// session without a local stream.
	NewStream func() Stream
	// RTSP negotiates rtsp:// stream URIs. Nil skips negotiation.
	RTSP Negotiator
}

func (o Options) withDefaults() Options {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&o.Name, "tuner")
	def(&o.ProtocolInfo, DefaultProtocolInfo)
	def(&o.PeerConnectionID, DefaultPeerConnectionID)
	def(&o.Direction, DefaultDirection)
	def(&o.PlaySpeed, DefaultPlaySpeed)
	def(&o.SourceID, DefaultSourceID)
	def(&o.CaptureMode, DefaultCaptureMode)
	def(&o.LockVariable, DefaultLockVariable)
	def(&o.LockValue, DefaultLockValue)
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.PlayConfirmTimeout <= 0 {
		o.PlayConfirmTimeout = DefaultPlayConfirmTimeout
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = DefaultTeardownTimeout
	}
	if o.RetuneWait <= 0 {
		o.RetuneWait = defaultRetuneWait
	}
	if o.Policy == nil {
		p := DefaultPolicy()
		o.Policy = &p
	}
	if o.Breaker == nil {
		o.Breaker = resilience.NewCircuitBreaker(o.Name, resilience.DefaultThreshold, resilience.DefaultResetTimeout)
	}
	return o
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator runs one session at a time against one tuner.
type Orchestrator struct {
	svc     Services
	opts    Options
	machine *fsm.Machine[Phase, event]
	tracer  trace.Tracer
	logger  zerolog.Logger

	teardownMu sync.Mutex

	mu       sync.Mutex
	session  *Session
	running  *inflight
	watch    *inflight
	stream   Stream
	rtsp     *rtsp.Session
	played   bool
	qamSeen  bool
	retuning bool

	// streamGen counts local streams started; readers use it to notice a re-tune.
	streamGen uint64
	// streamSig is closed and replaced whenever stream or retuning changes.
	streamSig chan struct{}
}

func transitions() []fsm.Transition[Phase, event] {
	ts := []fsm.Transition[Phase, event]{
		{From: PhaseIdle, Event: evPrepared, To: PhaseConnectionPrepared},
		{From: PhaseConnectionPrepared, Event: evPlay, To: PhasePlaying},
		{From: PhasePlaying, Event: evSelect, To: PhaseChannelSelected},
		{From: PhaseChannelSelected, Event: evLock, To: PhaseLocked},
		{From: PhaseLocked, Event: evStream, To: PhaseStreaming},
		{From: PhaseFailed, Event: evStop, To: PhaseStopping},
		{From: PhaseStopping, Event: evStopped, To: PhaseIdle},
	}
	for _, p := range []Phase{PhaseConnectionPrepared, PhasePlaying, PhaseChannelSelected, PhaseLocked, PhaseStreaming} {
		ts = append(ts,
			fsm.Transition[Phase, event]{From: p, Event: evFail, To: PhaseFailed},
			fsm.Transition[Phase, event]{From: p, Event: evStop, To: PhaseStopping},
		)
	}
	return ts
}

// New returns an idle orchestrator for svc.
func New(svc Services, opts Options) (*Orchestrator, error) {
	m, err := fsm.New(PhaseIdle, transitions())
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		svc:     svc,
		opts:    opts.withDefaults(),
		machine:   m,
		tracer:    telemetry.Tracer("dctd.tuning"),
		logger:    xglog.WithComponent("tuning"),
		streamSig: make(chan struct{}),
	}
	o.logger = o.logger.With().Str(xglog.FieldDevice, o.opts.Name).Logger()
	m.Observe(o.onTransition)
	return o, nil
}

func (o *Orchestrator) onTransition(from, to Phase, ev event) {
	o.mu.Lock()
	var id string
	if o.session != nil {
		o.session.Phase = to
		id = o.session.ID
	}
	o.mu.Unlock()
	o.logger.Info().
		Str(xglog.FieldSessionID, id).
		Str(xglog.FieldOldState, string(from)).
		Str(xglog.FieldNewState, string(to)).
		Str(xglog.FieldEvent, string(ev)).
		Msg("tuning phase changed")
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase { return o.machine.State() }

// Session returns a snapshot of the active session.
func (o *Orchestrator) Session() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Session{}, false
	}
	return o.session.clone(), true
}

// Reader returns the byte stream of the active session, or nil when no local
// stream is running. The reader follows the session across stall re-tunes and
// reports io.EOF once the session ends.
func (o *Orchestrator) Reader() io.Reader {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	return &sessionReader{o: o, cur: o.stream, gen: o.streamGen}
}

// Stream returns the local stream of the active session, or nil.
func (o *Orchestrator) Stream() Stream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stream
}

// ObserveLineup feeds every channel of a tuner lineup to ObserveChannel.
func (o *Orchestrator) ObserveLineup(channels []Channel) {
	for _, ch := range channels {
		o.ObserveChannel(ch.Number)
	}
}

// ObserveChannel records a lineup entry reported by the tuner. Seeing the
// reserved QAM channel puts later sessions into QAM mode.
func (o *Orchestrator) ObserveChannel(number string) {
	if !o.opts.Policy.IsQAMChannel(number) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.qamSeen {
		o.logger.Info().Str(xglog.FieldChannel, number).Msg("tuner reports ClearQAM lineup")
	}
	o.qamSeen = true
}

// QAMLineup reports whether the tuner lineup contained the reserved QAM channel.
func (o *Orchestrator) QAMLineup() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.qamSeen
}

func (o *Orchestrator) modeLocked(req TuneRequest) Mode {
	m := o.opts.Policy.ModeFor(req.Channel)
	if o.qamSeen && !m.QAM {
		m = o.opts.Policy.ModeFor(o.opts.Policy.QAMChannel)
	}
	return m
}

// Tune runs the tune sequence and returns once the session is streaming or
// has failed. Failed sessions are torn down before Tune returns.
func (o *Orchestrator) Tune(ctx context.Context, req TuneRequest) Result {
	if err := req.Validate(); err != nil {
		return failure(err, Session{Request: req, Phase: PhaseIdle})
	}

	start := time.Now()
	tuneCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &inflight{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	if o.session != nil || o.running != nil {
		o.mu.Unlock()
		return failure(ErrBusy, Session{Request: req})
	}
	if err := o.opts.Breaker.Allow(); err != nil {
		o.mu.Unlock()
		res := failure(fmt.Errorf("%w: %w", ErrDeviceUnavailable, err), Session{Request: req})
		metrics.IncTune(string(req.Path()), string(res.Outcome), time.Since(start))
		return res
	}
	sess := &Session{
		ID:      uuid.NewString(),
		Request: req,
		Phase:   PhaseIdle,
		Started: start,
		Mode:    o.modeLocked(req),
	}
	o.session = sess
	o.running = run
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = nil
		o.mu.Unlock()
		close(run.done)
	}()

	tuneCtx = xglog.ContextWithSessionID(tuneCtx, sess.ID)
	logger := xglog.WithContext(tuneCtx, o.logger)

	var attrs []attribute.KeyValue
	if req.Path() == PathChannel {
		attrs = telemetry.ChannelTuneAttributes(sess.ID, req.Channel)
	} else {
		attrs = telemetry.FrequencyTuneAttributes(sess.ID, req.Frequency, req.Modulation, req.Program)
	}
	attrs = append(attrs, attribute.Bool(telemetry.TuneQAMModeKey, sess.Mode.QAM))
	tuneCtx, span := o.tracer.Start(tuneCtx, "tuning.tune", trace.WithAttributes(attrs...))
	defer span.End()

	logger.Info().Str("request", req.String()).Bool("qam_mode", sess.Mode.QAM).Msg("tune started")

	err := o.run(tuneCtx, req, logger)
	if err != nil && tuneCtx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrTuneAborted, context.Cause(tuneCtx))
	}

	var res Result
	if err == nil {
		o.opts.Breaker.RecordSuccess()
		snap, _ := o.Session()
		res = success(snap)
		logger.Info().
			Str(xglog.FieldConnectionID, snap.ConnectionID).
			Str(xglog.FieldInstanceID, snap.AVTransportID).
			Str(xglog.FieldURL, snap.StreamURI).
			Int(xglog.FieldStreamPort, snap.LocalPort).
			Dur("duration", time.Since(start)).
			Msg("tune complete")
		o.startWatch(xglog.ContextWithSessionID(ctx, sess.ID), req)
	} else {
		if o.machine.Can(evFail) {
			_ = o.fire(tuneCtx, evFail)
		}
		snap, _ := o.Session()
		res = failure(err, snap)
		switch {
		case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrTuneAborted), errors.Is(err, ErrStream):
			o.opts.Breaker.Release()
		default:
			o.opts.Breaker.RecordFailure()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn().Err(err).Str(xglog.FieldOutcome, string(res.Outcome)).Msg("tune failed")
		o.teardown(context.WithoutCancel(tuneCtx), "tune failed")
	}

	span.SetAttributes(attribute.String(telemetry.TuneOutcomeKey, string(res.Outcome)))
	metrics.IncTune(string(req.Path()), string(res.Outcome), time.Since(start))
	return res
}

func (o *Orchestrator) run(ctx context.Context, req TuneRequest, logger zerolog.Logger) error {
	cm, av := o.svc.ConnectionManager, o.svc.AVTransport

	if !o.opts.KeepStaleConnections {
		o.reclaim(ctx, logger)
	}

	protocol := req.ProtocolInfo
	if protocol == "" {
		protocol = o.opts.ProtocolInfo
	}
	conn, err := cm.PrepareForConnection(ctx, protocol, o.opts.PeerConnectionID, o.opts.Direction)
	if err != nil {
		return actionFailed("PrepareForConnection", err)
	}
	o.update(func(s *Session) {
		s.ConnectionID = conn.ConnectionID
		s.AVTransportID = conn.AVTransportID
		s.RcsID = conn.RcsID
	})
	if err := o.fire(ctx, evPrepared); err != nil {
		return err
	}

	av.SelectInstance(conn.AVTransportID)
	av.TransportState(ctx)
	if err := av.Play(ctx, conn.AVTransportID, o.opts.PlaySpeed); err != nil {
		return actionFailed("Play", err)
	}
	o.mu.Lock()
	o.played = true
	o.mu.Unlock()
	playing := TransportPlaying
	if !av.WaitFor(ctx, VarTransportState, &playing, o.opts.PlayConfirmTimeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		state, _ := av.TransportState(ctx)
		logger.Warn().Str(xglog.FieldVariable, VarTransportState).Str("value", state).Msg("transport did not confirm PLAYING")
	}
	if err := o.fire(ctx, evPlay); err != nil {
		return err
	}

	// Subscribe before selecting so the lock event cannot be missed.
	o.svc.Tuner.Value(ctx, o.opts.LockVariable)
	lock, err := o.selectChannel(ctx, req)
	if err != nil {
		return err
	}
	o.update(func(s *Session) { s.PCRLock = lock })
	if err := o.fire(ctx, evSelect); err != nil {
		return err
	}

	if lock != o.opts.LockValue {
		want := o.opts.LockValue
		if !o.svc.Tuner.WaitFor(ctx, o.opts.LockVariable, &want, o.opts.LockTimeout) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s did not reach %q within %s", ErrLockTimeout, o.opts.LockVariable, want, o.opts.LockTimeout)
		}
	}
	if err := o.fire(ctx, evLock); err != nil {
		return err
	}

	if err := o.startStream(ctx, conn.AVTransportID, logger); err != nil {
		return err
	}
	o.describeProgram(ctx, logger)
	if req.Path() == PathChannel {
		o.checkDescrambling(ctx, logger)
	}
	return o.fire(ctx, evStream)
}

func (o *Orchestrator) reclaim(ctx context.Context, logger zerolog.Logger) {
	cm := o.svc.ConnectionManager
	for _, id := range cm.CurrentConnectionIDs(ctx) {
		if err := cm.ConnectionComplete(ctx, id); err != nil {
			logger.Warn().Err(err).Str(xglog.FieldConnectionID, id).Msg("stale connection not released")
			continue
		}
		logger.Info().Str(xglog.FieldConnectionID, id).Msg("released stale connection")
	}
}

func (o *Orchestrator) selectChannel(ctx context.Context, req TuneRequest) (string, error) {
	if req.Path() == PathChannel {
		o.svc.CAS.CardStatus(ctx)
		lock, err := o.svc.CAS.SetChannel(ctx, req.Channel, o.opts.SourceID, o.opts.CaptureMode)
		if err != nil {
			return "", actionFailed("SetChannel", err)
		}
		return lock, nil
	}
	params, err := o.svc.Tuner.SetTunerParameters(ctx, strconv.FormatInt(req.Frequency, 10), req.Modulation)
	if err != nil {
		return "", actionFailed("SetTunerParameters", err)
	}
	if err := o.svc.Mux.SetProgram(ctx, req.Program); err != nil {
		return "", actionFailed("SetProgram", err)
	}
	return params.PCRLock, nil
}

func (o *Orchestrator) startStream(ctx context.Context, instanceID string, logger zerolog.Logger) error {
	info, err := o.svc.AVTransport.GetMediaInfo(ctx, instanceID)
	if err != nil {
		return actionFailed("GetMediaInfo", err)
	}
	o.update(func(s *Session) { s.StreamURI = info.CurrentURI })
	if o.opts.NewStream == nil {
		return nil
	}

	st := o.opts.NewStream()
	port, err := st.Start(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStream, err)
	}
	o.mu.Lock()
	o.stream = st
	o.streamGen++
	if o.session != nil {
		o.session.LocalPort = port
	}
	o.signalLocked()
	o.mu.Unlock()

	if o.opts.RTSP == nil || !rtsp.IsRTSP(info.CurrentURI) {
		logger.Debug().Str(xglog.FieldURL, info.CurrentURI).Msg("stream uri not negotiated")
		return nil
	}
	rs, err := o.opts.RTSP.Setup(ctx, info.CurrentURI, port)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStream, err)
	}
	o.mu.Lock()
	o.rtsp = rs
	o.mu.Unlock()
	return nil
}

// describeProgram records the program and PIDs the mux reports. The session
// streams without them.
func (o *Orchestrator) describeProgram(ctx context.Context, logger zerolog.Logger) {
	mux := o.svc.Mux
	program, err := mux.ProgramNumber(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("program number unavailable")
	}
	pids, err := mux.PIDList(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("pid list unavailable")
	}
	o.update(func(s *Session) {
		if program > 0 {
			s.Program = program
		}
		s.PIDs = pids
	})
}

// checkDescrambling records the card's descrambling verdict. Channels the card
// cannot descramble still stream, typically as an encrypted transport stream.
func (o *Orchestrator) checkDescrambling(ctx context.Context, logger zerolog.Logger) {
	o.mu.Lock()
	qam := o.session != nil && o.session.Mode.QAM
	o.mu.Unlock()
	if qam {
		return
	}
	ok := o.svc.CAS.DescramblingPossible(ctx)
	o.update(func(s *Session) { s.Descrambling = ok })
	if !ok {
		status, _ := o.svc.CAS.Value(ctx, VarDescramblingStatus)
		logger.Warn().Str(xglog.FieldVariable, VarDescramblingStatus).Str("value", status).Msg("card reports channel cannot be descrambled")
	}
}

// Stop aborts an in-flight tune and releases the session. Teardown errors are
// logged, never returned.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopWatch(ctx)
	o.mu.Lock()
	run := o.running
	o.mu.Unlock()
	if run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
		}
	}
	o.teardown(ctx, "stop requested")
}

// teardown releases everything the session acquired. Steps run in order and
// each is attempted regardless of earlier failures.
func (o *Orchestrator) teardown(ctx context.Context, reason string) {
	o.teardownMu.Lock()
	defer o.teardownMu.Unlock()

	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return
	}
	snap := o.session.clone()
	st, rs, played := o.stream, o.rtsp, o.played
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, o.opts.TeardownTimeout)
	defer cancel()
	ctx = xglog.ContextWithSessionID(ctx, snap.ID)
	ctx, span := o.tracer.Start(ctx, "tuning.stop", trace.WithAttributes(
		attribute.String(telemetry.TuneSessionKey, snap.ID),
		attribute.String("tuning.reason", reason),
	))
	defer span.End()
	logger := xglog.WithContext(ctx, o.logger)

	if o.machine.Can(evStop) {
		_ = o.fire(ctx, evStop)
	}

	step := func(name string, err error) {
		if err == nil {
			return
		}
		metrics.IncTeardownFailure(name)
		span.RecordError(err)
		logger.Warn().Err(err).Str("step", name).Msg("teardown step failed")
	}
	if played {
		step("stop", o.svc.AVTransport.Stop(ctx, snap.AVTransportID))
	}
	if snap.ConnectionID != "" {
		step("connection_complete", o.svc.ConnectionManager.ConnectionComplete(ctx, snap.ConnectionID))
	}
	if rs != nil && o.opts.RTSP != nil {
		step("rtsp_teardown", o.opts.RTSP.Teardown(ctx, rs))
	}
	if st != nil {
		step("stream", st.Stop())
	}
	for _, c := range o.svc.All() {
		step("unsubscribe", c.Unsubscribe(ctx))
	}

	if o.machine.Can(evStopped) {
		_ = o.fire(ctx, evStopped)
	}
	o.mu.Lock()
	o.session, o.stream, o.rtsp, o.played = nil, nil, nil, false
	o.signalLocked()
	o.mu.Unlock()

	logger.Info().Str("reason", reason).Dur("session_age", time.Since(snap.Started)).Msg("session released")
}

// Probe checks that the tuner answers actions and reports its card state.
func (o *Orchestrator) Probe(ctx context.Context) (CardStatus, error) {
	if _, err := o.svc.ConnectionManager.GetProtocolInfo(ctx); err != nil {
		return CardStatus{}, actionFailed("GetProtocolInfo", err)
	}
	cs, err := o.svc.CAS.GetCardStatus(ctx)
	if err != nil {
		return CardStatus{}, actionFailed("GetCardStatus", err)
	}
	return cs, nil
}

// Breaker exposes the device breaker state.
func (o *Orchestrator) Breaker() resilience.State { return o.opts.Breaker.State() }

// Name is the tuner name used in logs.
func (o *Orchestrator) Name() string { return o.opts.Name }

func (o *Orchestrator) update(fn func(*Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		fn(o.session)
	}
}

func (o *Orchestrator) fire(ctx context.Context, ev event) error {
	_, err := o.machine.Fire(ctx, ev)
	return err
}

func actionFailed(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrActionFailed, action, err)
}
