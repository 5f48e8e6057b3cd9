package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bmpcam/internal/bitmap"
	"bmpcam/internal/netstack"
	"bmpcam/internal/platform/events"
	"bmpcam/internal/platform/metrics"
	"bmpcam/internal/sensor"
	"bmpcam/internal/stream"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// ErrSensorUnavailable reports that the capture breaker is open and the
// sensor is not being asked for frames.
var ErrSensorUnavailable = errors.New("orchestrator: sensor unavailable")

// Defaults for Config fields whose zero value is not usable.
const (
	DefaultPort            = 80
	DefaultBreakerFailures = 3
	DefaultBreakerTimeout  = 30 * time.Second
)

// Config controls the request loop.
type Config struct {
	// Port is passed to Listen whenever the endpoint is found closed.
	Port int
	// CloseAfterResponse closes the connection once a response has been
	// handed to the endpoint. When false the connection stays open for the
	// next request.
	CloseAfterResponse bool

	// PollInterval is the wait between capture-done polls.
	PollInterval time.Duration
	// MaxPolls caps the capture-done polls; 0 waits forever.
	MaxPolls int
	// Settle is the pause between the done flag and reading the FIFO length.
	Settle time.Duration

	// CaptureRate limits triggers per second; 0 is unlimited.
	CaptureRate float64
	// BreakerFailures consecutive capture timeouts open the breaker for
	// BreakerTimeout.
	BreakerFailures int
	BreakerTimeout  time.Duration

	// UndersizedRetries re-triggers the capture after that many short FIFO
	// reports in a row; 0 keeps re-reading the same capture.
	UndersizedRetries int

	// ChunkPixels is the streamer's per-read pixel count.
	ChunkPixels int

	// Device identifies the appliance in events and status.
	Device string
}

// Deps are the collaborators of a Loop. Metrics and Events may be nil.
type Deps struct {
	Endpoint netstack.Endpoint
	Camera   *sensor.Driver
	Repo     Repository
	Metrics  *metrics.Metrics
	Events   events.Publisher
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// response is the byte stream currently being written to the endpoint: a
// fixed head, optionally followed by the converted frame.
type response struct {
	head   []byte
	sent   int
	pixels *stream.Streamer
}

func (r *response) done() bool {
	return r.sent == len(r.head) && (r.pixels == nil || r.pixels.Done())
}

// Loop serves frames on a single endpoint. It is driven by Step and owns
// the endpoint, the camera and the session state exclusively.
type Loop struct {
	cfg     Config
	ep      netstack.Endpoint
	cam     *sensor.Driver
	repo    Repository
	metrics *metrics.Metrics
	events  events.Publisher
	log     *slog.Logger
	now     func() time.Time
	breaker *gobreaker.CircuitBreaker[uint32]
	limiter *rate.Limiter

	frameHead []byte
	streamer  *stream.Streamer
	burst     *sensor.Burst
	resp      *response

	session      Session
	lastID       SessionID
	lastActivity time.Time
}

// NewLoop returns a Loop ready for Step or Run.
func NewLoop(cfg Config, d Deps) *Loop {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Repo == nil {
		d.Repo = NewInMemoryRepository()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}

	l := &Loop{
		cfg:       cfg,
		ep:        d.Endpoint,
		cam:       d.Camera,
		repo:      d.Repo,
		metrics:   d.Metrics,
		events:    d.Events,
		log:       d.Logger,
		now:       d.Now,
		frameHead: frameResponseHead(),
		streamer:  stream.New(nil, bitmap.GrayFrameSize, cfg.ChunkPixels),
	}
	if cfg.CaptureRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.CaptureRate), 1)
	}

	failures := uint32(cfg.BreakerFailures)
	l.breaker = gobreaker.NewCircuitBreaker[uint32](gobreaker.Settings{
		Name:        "sensor-capture",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.Warn("capture breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return l
}

// Run calls Step until ctx is done or Step fails. Cancellation is not an
// error.
func (l *Loop) Run(ctx context.Context) error {
	defer l.closeBurst()
	for ctx.Err() == nil {
		if err := l.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

// Step runs one iteration: poll the endpoint, take in requests, then make
// progress on the current response. Only bus failures and endpoint logic
// errors are returned; they are not recoverable.
func (l *Loop) Step(ctx context.Context) error {
	now := l.now()
	if err := l.ep.Poll(now); err != nil {
		return fmt.Errorf("orchestrator: poll endpoint: %w", err)
	}
	defer l.publishStatus()

	if !l.ep.IsOpen() {
		if err := l.abort("connection closed"); err != nil {
			return err
		}
		l.session.Pending = false
		if err := l.ep.Listen(l.cfg.Port); err != nil {
			return fmt.Errorf("orchestrator: listen on port %d: %w", l.cfg.Port, err)
		}
		l.log.Info("socket listening", slog.Int("port", l.cfg.Port))
		return nil
	}

	if err := l.receive(now); err != nil {
		return err
	}

	switch {
	case l.resp != nil:
		return l.emit()
	case l.session.Pending:
		if !l.ep.CanSend() {
			return nil
		}
		return l.respond(ctx)
	case !l.ep.MayRecv() && l.ep.MaySend():
		l.log.Info("peer finished sending, closing socket")
		l.ep.Close()
	}
	return nil
}

// Session returns a copy of the current session state.
func (l *Loop) Session() Session {
	s := l.session
	s.Streaming = l.resp != nil && l.resp.pixels != nil
	return s
}

// BreakerState reports the capture breaker state.
func (l *Loop) BreakerState() gobreaker.State {
	return l.breaker.State()
}

// Close releases the burst window if a response was cut short.
func (l *Loop) Close() error {
	return l.closeBurst()
}

// receive drains inbound bytes. Any non-empty payload is a request.
func (l *Loop) receive(now time.Time) error {
	if !l.ep.MayRecv() {
		return nil
	}
	n, err := l.ep.Recv(func(buf []byte) int { return len(buf) })
	if err != nil {
		return fmt.Errorf("orchestrator: receive: %w", err)
	}
	if n == 0 {
		return nil
	}

	l.lastActivity = now
	l.repo.CountRequest()
	if l.metrics != nil {
		l.metrics.IncImageRequests()
	}
	if l.resp != nil || l.session.Pending {
		l.log.Debug("request queued behind current response", slog.Int("bytes", n))
	} else {
		l.log.Info("request received", slog.Int("bytes", n))
	}
	l.session.Pending = true
	return nil
}

// respond answers a pending request: capture (or reuse the capture in
// progress), then start the frame or an error response.
func (l *Loop) respond(ctx context.Context) error {
	if !l.session.Triggered && l.limiter != nil && !l.limiter.Allow() {
		return nil
	}

	length, err := l.breaker.Execute(func() (uint32, error) {
		return l.capture(ctx)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return l.reject(err)
	case errors.Is(err, sensor.ErrCaptureTimeout):
		return l.timedOut()
	case err != nil:
		return fmt.Errorf("orchestrator: capture: %w", err)
	}

	if length < bitmap.RawFrameSize {
		l.undersized(length)
		return nil
	}
	return l.startFrame(length)
}

func (l *Loop) capture(ctx context.Context) (uint32, error) {
	if !l.session.Triggered {
		if err := l.cam.TriggerCapture(); err != nil {
			return 0, err
		}
		l.lastID++
		l.session = Session{
			ID:          l.lastID,
			Triggered:   true,
			Pending:     l.session.Pending,
			TriggeredAt: l.now(),
		}
		if l.metrics != nil {
			l.metrics.IncCaptures()
			l.metrics.SetSessionActive(true)
		}
		l.log.Info("capture triggered", slog.Uint64("session", uint64(l.session.ID)))
	}

	polls, err := l.cam.WaitDone(ctx, l.cfg.PollInterval, l.cfg.MaxPolls)
	l.session.Polls += polls
	if err != nil {
		return 0, err
	}
	if err := l.cam.Settle(ctx, l.cfg.Settle); err != nil {
		return 0, err
	}
	length, err := l.cam.FrameByteLength()
	if err != nil {
		return 0, err
	}
	l.session.FIFOLength = length
	return length, nil
}

const fifoShortReason = "fifo short"

// undersized leaves the request pending so the capture is re-read on a
// later iteration. After UndersizedRetries reports the capture is recorded
// as aborted and the next iteration triggers a new one.
func (l *Loop) undersized(length uint32) {
	l.session.Undersized++
	if l.metrics != nil {
		l.metrics.IncUndersized()
	}
	l.log.Debug("fifo shorter than a frame",
		slog.Uint64("session", uint64(l.session.ID)),
		slog.Uint64("fifo_length", uint64(length)),
		slog.Int("want", bitmap.RawFrameSize),
		slog.Int("reports", l.session.Undersized))

	if l.cfg.UndersizedRetries > 0 && l.session.Undersized >= l.cfg.UndersizedRetries {
		l.log.Warn("fifo stayed short, re-triggering",
			slog.Uint64("session", uint64(l.session.ID)),
			slog.Int("reports", l.session.Undersized))
		rec := l.finish(OutcomeAborted, fifoShortReason)
		if l.metrics != nil {
			l.metrics.IncAborted()
		}
		l.publish(events.CaptureAborted, rec)
	}
}

func (l *Loop) startFrame(length uint32) error {
	burst, err := l.cam.OpenBurst()
	if err != nil {
		return fmt.Errorf("orchestrator: open burst: %w", err)
	}
	l.burst = burst
	l.streamer.Reset(burst, bitmap.GrayFrameSize)
	l.session.Pending = false
	l.resp = &response{head: l.frameHead, pixels: l.streamer}

	l.log.Info("capture ready, streaming frame",
		slog.Uint64("session", uint64(l.session.ID)),
		slog.Uint64("fifo_length", uint64(length)),
		slog.Int("polls", l.session.Polls))
	return l.emit()
}

func (l *Loop) timedOut() error {
	rec := l.finish(OutcomeTimedOut, sensor.ErrCaptureTimeout.Error())
	if l.metrics != nil {
		l.metrics.IncCaptureTimeouts()
	}
	l.log.Warn("capture timed out",
		slog.Uint64("session", uint64(rec.Session)),
		slog.Int("polls", rec.Polls))
	l.publish(events.CaptureTimeout, rec)
	return l.startError(StatusGatewayTimeout)
}

func (l *Loop) reject(cause error) error {
	err := fmt.Errorf("%w: %v", ErrSensorUnavailable, cause)
	rec := CaptureRecord{
		Outcome:    OutcomeUnavailable,
		Reason:     err.Error(),
		FinishedAt: l.now(),
	}
	l.repo.RecordCapture(rec)
	if l.metrics != nil {
		l.metrics.IncRejected()
	}
	l.log.Warn("request rejected", slog.String("error", err.Error()))
	l.publish(events.CaptureRejected, rec)
	return l.startError(StatusServiceUnavailable)
}

func (l *Loop) startError(status int) error {
	l.session.Pending = false
	l.resp = &response{head: errorResponse(status)}
	return l.emit()
}

// emit offers the endpoint's free send window to the current response.
func (l *Loop) emit() error {
	r := l.resp
	if !l.ep.MaySend() {
		err := l.abort("peer stopped accepting data")
		l.ep.Abort()
		return err
	}

	var fillErr error
	n, err := l.ep.Send(func(window []byte) int {
		w := 0
		if r.sent < len(r.head) {
			w = copy(window, r.head[r.sent:])
			r.sent += w
		}
		if r.pixels != nil && w < len(window) && !r.pixels.Done() {
			var k int
			k, fillErr = r.pixels.Fill(window[w:])
			w += k
		}
		return w
	})
	if err != nil {
		return l.abort(err.Error())
	}
	if r.pixels != nil {
		l.session.BytesDelivered = uint32(r.pixels.Produced())
	}
	if l.metrics != nil && n > 0 {
		l.metrics.AddBytesSent(n)
	}
	if fillErr != nil {
		l.closeBurst()
		return fmt.Errorf("orchestrator: stream frame: %w", fillErr)
	}
	if !r.done() {
		return nil
	}
	return l.complete()
}

func (l *Loop) complete() error {
	r := l.resp
	l.resp = nil
	if r.pixels != nil {
		if err := l.closeBurst(); err != nil {
			return err
		}
		rec := l.finish(OutcomeCompleted, "")
		if l.metrics != nil {
			l.metrics.IncFramesServed()
			l.metrics.ObserveCaptureDuration(rec.Duration)
		}
		l.log.Info("frame delivered",
			slog.Uint64("session", uint64(rec.Session)),
			slog.Int("bytes", int(rec.Bytes)),
			slog.Int("duration_ms", int(rec.Duration.Milliseconds())))
		l.publish(events.CaptureCompleted, rec)
	}

	if l.cfg.CloseAfterResponse {
		if l.session.Pending {
			l.log.Debug("dropping queued request, closing after response")
			l.session.Pending = false
		}
		l.ep.Close()
	}
	return nil
}

// abort drops the current response. A frame response that was cut short
// ends its session; the next request triggers a fresh capture.
func (l *Loop) abort(reason string) error {
	r := l.resp
	if r == nil {
		return nil
	}
	l.resp = nil
	l.session.Pending = false
	if err := l.closeBurst(); err != nil {
		return err
	}
	if r.pixels == nil {
		l.log.Debug("error response dropped", slog.String("reason", reason))
		return nil
	}

	rec := l.finish(OutcomeAborted, reason)
	if l.metrics != nil {
		l.metrics.IncAborted()
	}
	l.log.Warn("session aborted",
		slog.Uint64("session", uint64(rec.Session)),
		slog.Int("bytes_delivered", int(rec.Bytes)),
		slog.String("reason", reason))
	l.publish(events.CaptureAborted, rec)
	return nil
}

// finish records the session and clears it. A request that is still
// pending survives.
func (l *Loop) finish(outcome Outcome, reason string) CaptureRecord {
	now := l.now()
	rec := CaptureRecord{
		Session:    l.session.ID,
		Outcome:    outcome,
		FIFOLength: l.session.FIFOLength,
		Bytes:      l.session.BytesDelivered,
		Polls:      l.session.Polls,
		Duration:   now.Sub(l.session.TriggeredAt),
		Reason:     reason,
		FinishedAt: now,
	}
	l.repo.RecordCapture(rec)
	l.session = Session{Pending: l.session.Pending}
	if l.metrics != nil {
		l.metrics.SetSessionActive(false)
	}
	return rec
}

func (l *Loop) closeBurst() error {
	if l.burst == nil {
		return nil
	}
	err := l.burst.Close()
	l.burst = nil
	if err != nil {
		return fmt.Errorf("orchestrator: release burst: %w", err)
	}
	return nil
}

func (l *Loop) publish(t events.Type, rec CaptureRecord) {
	ev := events.Event{
		Type:       t,
		Device:     l.cfg.Device,
		Session:    uint64(rec.Session),
		Bytes:      rec.Bytes,
		FIFOLength: rec.FIFOLength,
		DurationMS: rec.Duration.Milliseconds(),
		Reason:     rec.Reason,
		Time:       rec.FinishedAt,
	}
	if err := l.events.Publish(ev); err != nil {
		l.log.Warn("event not published", slog.String("type", string(t)), slog.String("error", err.Error()))
	}
}

func (l *Loop) publishStatus() {
	l.repo.SetStatus(Status{
		Endpoint:     l.ep.State().String(),
		Session:      l.Session(),
		Breaker:      l.breaker.State().String(),
		Device:       l.cfg.Device,
		LastActivity: l.lastActivity,
	})
}
