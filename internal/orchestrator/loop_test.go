package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"bmpcam/internal/bitmap"
	"bmpcam/internal/netstack"
	"bmpcam/internal/platform/events"
	"bmpcam/internal/platform/metrics"
	"bmpcam/internal/sensor"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/image/bmp"
)

// fakeEndpoint is a scripted netstack.Endpoint. Each Poll makes window bytes
// of send space available; Close takes effect immediately.
type fakeEndpoint struct {
	state     netstack.State
	window    int
	avail     int
	inbox     []byte
	out       bytes.Buffer
	listens   int
	closes    int
	aborts    int
	listenErr error
}

func newFakeEndpoint(window int) *fakeEndpoint {
	return &fakeEndpoint{window: window}
}

func (f *fakeEndpoint) Poll(time.Time) error {
	f.avail = f.window
	return nil
}

func (f *fakeEndpoint) State() netstack.State { return f.state }
func (f *fakeEndpoint) IsOpen() bool          { return f.state != netstack.StateClosed }

func (f *fakeEndpoint) Listen(int) error {
	if f.listenErr != nil {
		return f.listenErr
	}
	if f.IsOpen() {
		return netstack.ErrAlreadyOpen
	}
	f.listens++
	f.state = netstack.StateListening
	return nil
}

func (f *fakeEndpoint) connected() bool {
	return f.state == netstack.StateEstablished || f.state == netstack.StateCloseWait
}

func (f *fakeEndpoint) MayRecv() bool {
	return f.state == netstack.StateEstablished || (f.connected() && len(f.inbox) > 0)
}

func (f *fakeEndpoint) Recv(fn func([]byte) int) (int, error) {
	if !f.connected() {
		return 0, netstack.ErrNotConnected
	}
	n := fn(f.inbox)
	f.inbox = f.inbox[n:]
	return n, nil
}

func (f *fakeEndpoint) MaySend() bool { return f.connected() }
func (f *fakeEndpoint) CanSend() bool { return f.connected() && f.avail > 0 }

func (f *fakeEndpoint) Send(fn func([]byte) int) (int, error) {
	if !f.connected() {
		return 0, netstack.ErrNotConnected
	}
	buf := make([]byte, f.avail)
	n := fn(buf)
	f.out.Write(buf[:n])
	f.avail -= n
	return n, nil
}

func (f *fakeEndpoint) SendSlice(b []byte) (int, error) {
	return f.Send(func(w []byte) int { return copy(w, b) })
}

func (f *fakeEndpoint) Close() {
	if f.IsOpen() {
		f.closes++
	}
	f.state = netstack.StateClosed
}

func (f *fakeEndpoint) Abort() {
	f.aborts++
	f.state = netstack.StateClosed
}

// connect simulates a peer connecting and sending payload.
func (f *fakeEndpoint) connect(payload string) {
	f.state = netstack.StateEstablished
	f.inbox = append(f.inbox, payload...)
}

// reset simulates the peer vanishing.
func (f *fakeEndpoint) reset() {
	f.state = netstack.StateClosed
	f.inbox = nil
}

type eventRecorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *eventRecorder) Publish(ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

func (r *eventRecorder) Close() {}

func (r *eventRecorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Type
	}
	return out
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type loopFixture struct {
	loop   *Loop
	ep     *fakeEndpoint
	sim    *sensor.Sim
	repo   *InMemoryRepository
	events *eventRecorder
}

func newLoopFixture(t *testing.T, cfg Config, opts sensor.SimOptions, window int) *loopFixture {
	t.Helper()
	sim := sensor.NewSim(opts)
	fx := &loopFixture{
		ep:     newFakeEndpoint(window),
		sim:    sim,
		repo:   NewInMemoryRepository(),
		events: &eventRecorder{},
	}
	fx.loop = NewLoop(cfg, Deps{
		Endpoint: fx.ep,
		Camera:   sim.Driver(noSleep, quietLogger()),
		Repo:     fx.repo,
		Metrics:  metrics.New(),
		Events:   fx.events,
		Logger:   quietLogger(),
	})
	fx.step(t)
	if fx.ep.state != netstack.StateListening {
		t.Fatalf("first Step should listen, state %v", fx.ep.state)
	}
	return fx
}

func (fx *loopFixture) step(t *testing.T) {
	t.Helper()
	if err := fx.loop.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
}

func (fx *loopFixture) stepUntil(t *testing.T, what string, cond func() bool) int {
	t.Helper()
	for i := 1; i <= 2000; i++ {
		fx.step(t)
		if cond() {
			return i
		}
	}
	t.Fatalf("gave up waiting for %s", what)
	return 0
}

func frameLen() int {
	return len(frameResponseHead()) + bitmap.GrayFrameSize
}

func expectedPayload() []byte {
	out := make([]byte, bitmap.GrayFrameSize)
	for i := range out {
		out[i] = bitmap.RGB565ToGray(sensor.GradientPattern(i%bitmap.Width, i/bitmap.Width))
	}
	return out
}

func TestLoop_Step_serves_frame(t *testing.T) {
	fx := newLoopFixture(t, Config{CloseAfterResponse: true, MaxPolls: 10}, sensor.SimOptions{PollsUntilDone: 3}, 8192)

	fx.ep.connect("G")
	steps := fx.stepUntil(t, "frame", func() bool { return fx.ep.out.Len() >= frameLen() })
	if steps > 20 {
		t.Errorf("frame took %d iterations", steps)
	}

	out := fx.ep.out.Bytes()
	if !bytes.HasPrefix(out, []byte{0x48, 0x54, 0x54, 0x50, 0x2F, 0x31, 0x2E, 0x31, 0x20, 0x32, 0x30, 0x30, 0x0A}) {
		t.Fatalf("response starts with %q", out[:16])
	}
	if len(out) != frameLen() {
		t.Fatalf("response is %d bytes, want %d", len(out), frameLen())
	}
	head := frameResponseHead()
	pre := len(head) - bitmap.HeaderSize
	if !bytes.Equal(out[pre:len(head)], bitmap.Header()) {
		t.Error("envelope mismatch")
	}
	if !bytes.Equal(out[len(head):], expectedPayload()) {
		t.Error("payload is not the converted FIFO contents")
	}
	if len(out)-pre != bitmap.FileSize {
		t.Errorf("body is %d bytes, want %d", len(out)-pre, bitmap.FileSize)
	}

	if got := fx.sim.Controller.Triggers(); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}
	if fx.sim.Controller.Selected() {
		t.Error("chip select still asserted after the frame")
	}
	if fx.ep.closes != 1 {
		t.Errorf("closes = %d, want 1 with close-after-response", fx.ep.closes)
	}

	recs := fx.repo.RecentCaptures(0)
	if len(recs) != 1 || recs[0].Outcome != OutcomeCompleted || recs[0].Bytes != bitmap.GrayFrameSize {
		t.Errorf("records = %+v", recs)
	}
	if recs[0].Polls != 4 || recs[0].FIFOLength != bitmap.RawFrameSize {
		t.Errorf("record polls/length = %d/%d", recs[0].Polls, recs[0].FIFOLength)
	}
	if got := fx.events.types(); len(got) != 1 || got[0] != events.CaptureCompleted {
		t.Errorf("events = %v", got)
	}
	if s := fx.loop.Session(); s.Triggered || s.Pending || s.Streaming {
		t.Errorf("session not reset: %+v", s)
	}

	// Closed after the response: the next Step listens again.
	fx.step(t)
	if fx.ep.state != netstack.StateListening || fx.ep.listens != 2 {
		t.Errorf("state %v after %d listens", fx.ep.state, fx.ep.listens)
	}
}

func TestLoop_Step_second_request_mid_stream_does_not_retrigger(t *testing.T) {
	fx := newLoopFixture(t, Config{CloseAfterResponse: false}, sensor.SimOptions{}, 4096)

	fx.ep.connect("GET / HTTP/1.1\r\n\r\n")
	fx.step(t)
	fx.step(t)
	if !fx.loop.Session().Streaming {
		t.Fatal("expected the first response to be streaming")
	}

	fx.ep.inbox = append(fx.ep.inbox, "again"...)
	fx.stepUntil(t, "first frame", func() bool { return fx.ep.out.Len() >= frameLen() })
	if got := fx.sim.Controller.Triggers(); got != 1 {
		t.Fatalf("triggers during the first response = %d, want 1", got)
	}
	if fx.ep.out.Len() != frameLen() {
		t.Fatalf("first response is %d bytes", fx.ep.out.Len())
	}
	if fx.ep.closes != 0 {
		t.Error("connection closed with close-after-response off")
	}

	fx.stepUntil(t, "second frame", func() bool { return fx.ep.out.Len() >= 2*frameLen() })
	if got := fx.sim.Controller.Triggers(); got != 2 {
		t.Errorf("triggers = %d, want 2", got)
	}
	if _, totals := fx.repo.Status(); totals.Requests != 2 || totals.Completed != 2 {
		t.Errorf("totals = %+v", totals)
	}
}

func TestLoop_Step_undersized_fifo_emits_nothing(t *testing.T) {
	fx := newLoopFixture(t, Config{CloseAfterResponse: true}, sensor.SimOptions{FIFOLength: 100000}, 8192)

	fx.ep.connect("G")
	for i := 0; i < 5; i++ {
		fx.step(t)
	}
	if fx.ep.out.Len() != 0 {
		t.Fatalf("emitted %d bytes for an undersized FIFO", fx.ep.out.Len())
	}
	s := fx.loop.Session()
	if !s.Pending || !s.Triggered || s.Streaming {
		t.Errorf("session = %+v, want pending and triggered", s)
	}
	if s.Undersized != 5 {
		t.Errorf("undersized reports = %d, want 5", s.Undersized)
	}
	if got := fx.sim.Controller.Triggers(); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}

	// Once the FIFO reports a full frame the same capture is served.
	fx.sim.Controller.SetOptions(sensor.SimOptions{})
	fx.stepUntil(t, "frame", func() bool { return fx.ep.out.Len() >= frameLen() })
	if got := fx.sim.Controller.Triggers(); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}
}

func TestLoop_Step_undersized_retries_retrigger(t *testing.T) {
	fx := newLoopFixture(t, Config{UndersizedRetries: 2}, sensor.SimOptions{FIFOLength: 1000}, 8192)

	fx.ep.connect("G")
	fx.step(t)
	fx.step(t)
	if fx.loop.Session().Triggered {
		t.Fatal("session should drop the capture after 2 short reports")
	}
	if !fx.loop.Session().Pending {
		t.Error("request should stay pending across the re-trigger")
	}
	recs := fx.repo.RecentCaptures(0)
	if len(recs) != 1 || recs[0].Outcome != OutcomeAborted || recs[0].Reason != fifoShortReason ||
		recs[0].Session != 1 || recs[0].FIFOLength != 1000 {
		t.Fatalf("records = %+v, want one aborted fifo-short capture", recs)
	}
	if _, totals := fx.repo.Status(); totals.Aborted != 1 {
		t.Errorf("totals = %+v, want 1 aborted", totals)
	}

	fx.step(t)
	if got := fx.sim.Controller.Triggers(); got != 2 {
		t.Errorf("triggers = %d, want 2", got)
	}
	if got := fx.loop.Session().ID; got != 2 {
		t.Errorf("session id = %d, want 2", got)
	}
}

func TestLoop_Step_capture_timeout(t *testing.T) {
	fx := newLoopFixture(t, Config{CloseAfterResponse: true, MaxPolls: 3}, sensor.SimOptions{Stall: true}, 8192)

	fx.ep.connect("G")
	fx.step(t)

	if got := fx.ep.out.String(); got != "HTTP/1.1 504\nContent-Length: 0\n\n" {
		t.Errorf("response = %q", got)
	}
	if fx.ep.closes != 1 {
		t.Error("connection should close after the error response")
	}
	recs := fx.repo.RecentCaptures(0)
	if len(recs) != 1 || recs[0].Outcome != OutcomeTimedOut || recs[0].Polls != 3 {
		t.Errorf("records = %+v", recs)
	}
	if fx.loop.Session().Triggered {
		t.Error("timed out session should be reset")
	}
	if got := fx.events.types(); len(got) != 1 || got[0] != events.CaptureTimeout {
		t.Errorf("events = %v", got)
	}
}

func TestLoop_Step_breaker_open_rejects_without_sensor(t *testing.T) {
	cfg := Config{CloseAfterResponse: true, MaxPolls: 2, BreakerFailures: 1, BreakerTimeout: time.Hour}
	fx := newLoopFixture(t, cfg, sensor.SimOptions{Stall: true}, 8192)

	fx.ep.connect("G")
	fx.step(t)
	if !bytes.HasPrefix(fx.ep.out.Bytes(), []byte("HTTP/1.1 504\n")) {
		t.Fatalf("first response = %q", fx.ep.out.String())
	}
	if fx.loop.BreakerState() != gobreaker.StateOpen {
		t.Fatalf("breaker = %v, want open", fx.loop.BreakerState())
	}

	fx.ep.out.Reset()
	fx.step(t) // listen
	fx.ep.connect("G")
	fx.step(t)

	if got := fx.ep.out.String(); got != "HTTP/1.1 503\nContent-Length: 0\n\n" {
		t.Errorf("second response = %q", got)
	}
	if got := fx.sim.Controller.Triggers(); got != 1 {
		t.Errorf("triggers = %d, want 1", got)
	}
	st, totals := fx.repo.Status()
	if st.Breaker != gobreaker.StateOpen.String() || totals.Unavailable != 1 {
		t.Errorf("status %+v totals %+v", st, totals)
	}
}

func TestLoop_Step_mid_stream_disconnect_aborts(t *testing.T) {
	fx := newLoopFixture(t, Config{CloseAfterResponse: true}, sensor.SimOptions{}, 512)

	fx.ep.connect("G")
	for i := 0; i < 4; i++ {
		fx.step(t)
	}
	if !fx.loop.Session().Streaming || !fx.sim.Controller.Selected() {
		t.Fatal("expected an open burst mid-stream")
	}
	consumed := fx.sim.Controller.FIFOConsumed()

	fx.ep.reset()
	fx.step(t)

	if fx.sim.Controller.Selected() {
		t.Error("burst window left open after disconnect")
	}
	if got := fx.sim.Controller.FIFOConsumed(); got != consumed {
		t.Errorf("FIFO drained into a dead connection: %d -> %d", consumed, got)
	}
	s := fx.loop.Session()
	if s.Triggered || s.Streaming || s.Pending {
		t.Errorf("session not reset: %+v", s)
	}
	recs := fx.repo.RecentCaptures(1)
	if len(recs) != 1 || recs[0].Outcome != OutcomeAborted || recs[0].Bytes == 0 || recs[0].Bytes >= bitmap.GrayFrameSize {
		t.Errorf("records = %+v", recs)
	}
	if fx.ep.state != netstack.StateListening {
		t.Errorf("state = %v, want listening", fx.ep.state)
	}

	// The next request starts a fresh capture and gets a whole frame.
	fx.ep.out.Reset()
	fx.ep.connect("G")
	fx.stepUntil(t, "frame", func() bool { return fx.ep.out.Len() >= frameLen() })
	if got := fx.sim.Controller.Triggers(); got != 2 {
		t.Errorf("triggers = %d, want 2", got)
	}
	if !bytes.Equal(fx.ep.out.Bytes()[len(frameResponseHead()):], expectedPayload()) {
		t.Error("payload after re-trigger is wrong")
	}
}

func TestLoop_Step_peer_finished_closes(t *testing.T) {
	fx := newLoopFixture(t, Config{}, sensor.SimOptions{}, 8192)

	fx.ep.state = netstack.StateCloseWait
	fx.step(t)
	if fx.ep.closes != 1 {
		t.Errorf("closes = %d, want 1", fx.ep.closes)
	}
	if fx.sim.Controller.Triggers() != 0 {
		t.Error("no request, no capture")
	}
}

func TestLoop_Step_request_then_half_close_is_served(t *testing.T) {
	fx := newLoopFixture(t, Config{CloseAfterResponse: false}, sensor.SimOptions{}, 8192)

	fx.ep.connect("G")
	fx.ep.state = netstack.StateCloseWait
	fx.stepUntil(t, "frame", func() bool { return fx.ep.out.Len() >= frameLen() })
	fx.step(t)
	if fx.ep.closes != 1 {
		t.Errorf("closes = %d, want 1 once the peer is done", fx.ep.closes)
	}
}

func TestLoop_Step_rate_limited_capture_waits(t *testing.T) {
	fx := newLoopFixture(t, Config{CaptureRate: 0.001}, sensor.SimOptions{}, 8192)

	fx.ep.connect("G")
	fx.stepUntil(t, "frame", func() bool { return fx.ep.out.Len() >= frameLen() })

	fx.ep.inbox = append(fx.ep.inbox, 'G')
	for i := 0; i < 5; i++ {
		fx.step(t)
	}
	if got := fx.sim.Controller.Triggers(); got != 1 {
		t.Errorf("triggers = %d, want 1 while rate limited", got)
	}
	if !fx.loop.Session().Pending {
		t.Error("rate limited request should stay pending")
	}
}

func TestLoop_Run_stops_on_fatal_error(t *testing.T) {
	ep := newFakeEndpoint(8192)
	ep.listenErr = errors.New("address in use")
	sim := sensor.NewSim(sensor.SimOptions{})
	loop := NewLoop(Config{}, Deps{Endpoint: ep, Camera: sim.Driver(noSleep, nil), Logger: quietLogger()})

	err := loop.Run(context.Background())
	if err == nil || !errors.Is(err, ep.listenErr) {
		t.Errorf("Run = %v, want the listen error", err)
	}
}

func TestLoop_Run_returns_nil_on_cancel(t *testing.T) {
	ep := newFakeEndpoint(8192)
	sim := sensor.NewSim(sensor.SimOptions{})
	loop := NewLoop(Config{}, Deps{Endpoint: ep, Camera: sim.Driver(noSleep, nil), Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := loop.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestLoop_Run_serves_over_loopback(t *testing.T) {
	sock := netstack.NewSocket(netstack.Options{IP: "127.0.0.1"})
	if err := sock.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { sock.Shutdown() })

	sim := sensor.NewSim(sensor.SimOptions{PollsUntilDone: 2})
	loop := NewLoop(Config{CloseAfterResponse: true, MaxPolls: 100}, Deps{
		Endpoint: sock,
		Camera:   sim.Driver(noSleep, nil),
		Logger:   quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	conn, err := net.Dial("tcp", sock.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{'G'}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	pre := BuildPreamble(StatusOK, ImageContentType, bitmap.FileSize)
	if !bytes.HasPrefix(out, []byte("HTTP/1.1 200\n")) {
		t.Fatalf("response starts with %q", out[:min(len(out), 16)])
	}
	if len(out)-len(pre) != bitmap.FileSize {
		t.Fatalf("body is %d bytes, want %d", len(out)-len(pre), bitmap.FileSize)
	}

	img, err := bmp.Decode(bytes.NewReader(out[len(pre):]))
	if err != nil {
		t.Fatalf("bmp.Decode: %v", err)
	}
	if img.Bounds() != image.Rect(0, 0, bitmap.Width, bitmap.Height) {
		t.Errorf("bounds = %v", img.Bounds())
	}
	// Rows are stored bottom-up: the first FIFO row is the bottom image row.
	want := expectedPayload()
	p, ok := img.(*image.Paletted)
	if !ok {
		t.Fatalf("decoded %T, want *image.Paletted", img)
	}
	if got := p.ColorIndexAt(5, bitmap.Height-1); got != want[5] {
		t.Errorf("bottom row pixel = %d, want %d", got, want[5])
	}
}
