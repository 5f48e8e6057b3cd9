// Package netstack provides the appliance's single TCP endpoint with a
// poll-driven API: the caller advances it once per loop iteration and it
// never blocks longer than its poll slice.
package netstack

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

var (
	// ErrAlreadyOpen is returned by Listen when the socket is not closed.
	ErrAlreadyOpen = errors.New("netstack: socket already open")

	// ErrNotConnected is returned by Recv and Send without an established
	// connection.
	ErrNotConnected = errors.New("netstack: not connected")

	// ErrReset reports that the peer went away while data was pending.
	ErrReset = errors.New("netstack: connection reset")
)

// State is the endpoint's connection state.
type State int

const (
	StateClosed State = iota
	StateListening
	StateEstablished
	// StateCloseWait: the peer finished sending; we may still send.
	StateCloseWait
	// StateClosing: Close was called; pending data is being flushed.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateListening:
		return "listening"
	case StateEstablished:
		return "established"
	case StateCloseWait:
		return "close-wait"
	case StateClosing:
		return "closing"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Endpoint is the socket surface the request loop drives.
type Endpoint interface {
	Poll(now time.Time) error
	State() State
	IsOpen() bool
	Listen(port int) error
	MayRecv() bool
	Recv(f func(buf []byte) int) (int, error)
	MaySend() bool
	CanSend() bool
	Send(f func(window []byte) int) (int, error)
	SendSlice(b []byte) (int, error)
	Close()
	Abort()
}

// Options sizes the socket.
type Options struct {
	// IP is the local address to bind. Empty binds all addresses.
	IP string
	// RxBuffer and TxBuffer bound the receive and send buffers.
	RxBuffer int
	TxBuffer int
	// PollTimeout is the longest a single accept, read or write may wait.
	PollTimeout time.Duration
}

// Defaults. The send buffer holds about a tenth of a frame.
const (
	DefaultRxBuffer    = 65535 / 10
	DefaultTxBuffer    = 8192
	DefaultPollTimeout = 2 * time.Millisecond
)

// Socket is a single-connection TCP endpoint backed by the host network
// stack. It accepts one peer at a time and buffers at most RxBuffer received
// and TxBuffer outgoing bytes.
type Socket struct {
	opts     Options
	listener *net.TCPListener
	conn     *net.TCPConn
	state    State
	peerDone bool

	rx     []byte
	rxLen  int
	tx     []byte
	txHead int
	txLen  int
	err    error
}

// NewSocket returns a closed socket.
func NewSocket(opts Options) *Socket {
	if opts.RxBuffer <= 0 {
		opts.RxBuffer = DefaultRxBuffer
	}
	if opts.TxBuffer <= 0 {
		opts.TxBuffer = DefaultTxBuffer
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	return &Socket{
		opts: opts,
		rx:   make([]byte, opts.RxBuffer),
		tx:   make([]byte, opts.TxBuffer),
	}
}

// State implements Endpoint.
func (s *Socket) State() State { return s.state }

// IsOpen reports whether the socket is listening or connected.
func (s *Socket) IsOpen() bool { return s.state != StateClosed }

// Addr returns the bound listener address, or nil before Listen.
func (s *Socket) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Err returns the error that last closed the connection, if any.
func (s *Socket) Err() error { return s.err }

// Listen binds the port (once) and waits for a peer. Port 0 picks a free
// port, see Addr.
func (s *Socket) Listen(port int) error {
	if s.state != StateClosed {
		return ErrAlreadyOpen
	}
	if s.listener == nil {
		addr := net.JoinHostPort(s.opts.IP, strconv.Itoa(port))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("netstack: listen %s: %w", addr, err)
		}
		s.listener = l.(*net.TCPListener)
	}
	s.state = StateListening
	s.err = nil
	return nil
}

// Poll accepts a pending peer, flushes the send buffer and reads what fits in
// the receive buffer. Each step waits at most PollTimeout from the moment it
// starts; now is the caller's timestamp and does not set deadlines. Peer
// errors close the connection and are reported through State and Err; only
// listener failures are returned.
func (s *Socket) Poll(now time.Time) error {
	switch s.state {
	case StateListening:
		return s.accept(s.deadline())
	case StateEstablished:
		s.flush(s.deadline())
		if s.conn != nil {
			s.receive(s.deadline())
		}
	case StateCloseWait:
		s.flush(s.deadline())
	case StateClosing:
		s.flush(s.deadline())
		if s.conn != nil && s.txLen == 0 {
			s.disconnect(nil)
		}
	}
	return nil
}

func (s *Socket) deadline() time.Time {
	return time.Now().Add(s.opts.PollTimeout)
}

func (s *Socket) accept(deadline time.Time) error {
	if err := s.listener.SetDeadline(deadline); err != nil {
		return fmt.Errorf("netstack: accept deadline: %w", err)
	}
	c, err := s.listener.AcceptTCP()
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		return fmt.Errorf("netstack: accept: %w", err)
	}
	s.conn = c
	s.state = StateEstablished
	s.peerDone = false
	s.rxLen = 0
	s.txHead, s.txLen = 0, 0
	return nil
}

func (s *Socket) receive(deadline time.Time) {
	if s.peerDone || s.rxLen == len(s.rx) {
		return
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		s.disconnect(err)
		return
	}
	n, err := s.conn.Read(s.rx[s.rxLen:])
	s.rxLen += n
	switch {
	case err == nil, isTimeout(err):
	case errors.Is(err, io.EOF):
		s.peerDone = true
		s.state = StateCloseWait
	default:
		s.disconnect(fmt.Errorf("%w: %v", ErrReset, err))
	}
}

func (s *Socket) flush(deadline time.Time) {
	if s.conn == nil || s.txLen == 0 {
		return
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.disconnect(err)
		return
	}
	n, err := s.conn.Write(s.tx[s.txHead : s.txHead+s.txLen])
	s.txHead += n
	s.txLen -= n
	if s.txLen == 0 {
		s.txHead = 0
	}
	if err != nil && !isTimeout(err) {
		s.disconnect(fmt.Errorf("%w: %v", ErrReset, err))
	}
}

// disconnect drops the peer. The listener stays bound for the next Listen.
func (s *Socket) disconnect(err error) {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.err = err
	s.state = StateClosed
	s.peerDone = false
	s.rxLen = 0
	s.txHead, s.txLen = 0, 0
}

// MayRecv reports whether more data may arrive or is buffered.
func (s *Socket) MayRecv() bool {
	return s.state == StateEstablished || (s.conn != nil && s.rxLen > 0)
}

// Recv hands the buffered received bytes to f, which returns how many it
// consumed.
func (s *Socket) Recv(f func(buf []byte) int) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	n := f(s.rx[:s.rxLen])
	if n < 0 || n > s.rxLen {
		n = s.rxLen
	}
	copy(s.rx, s.rx[n:s.rxLen])
	s.rxLen -= n
	return n, nil
}

// MaySend reports whether the connection still accepts outgoing data.
func (s *Socket) MaySend() bool {
	return s.state == StateEstablished || s.state == StateCloseWait
}

// CanSend reports whether MaySend holds and the send buffer has room.
func (s *Socket) CanSend() bool {
	return s.MaySend() && s.txLen < len(s.tx)
}

// Send offers f the free, contiguous part of the send buffer; f returns how
// many bytes it wrote.
func (s *Socket) Send(f func(window []byte) int) (int, error) {
	if !s.MaySend() {
		return 0, ErrNotConnected
	}
	if s.txHead > 0 {
		copy(s.tx, s.tx[s.txHead:s.txHead+s.txLen])
		s.txHead = 0
	}
	window := s.tx[s.txLen:]
	n := f(window)
	if n < 0 || n > len(window) {
		n = len(window)
	}
	s.txLen += n
	return n, nil
}

// SendSlice queues as much of b as fits and returns the count.
func (s *Socket) SendSlice(b []byte) (int, error) {
	return s.Send(func(window []byte) int {
		return copy(window, b)
	})
}

// Close flushes pending data over the next polls, then disconnects.
func (s *Socket) Close() {
	switch s.state {
	case StateListening:
		s.state = StateClosed
	case StateEstablished, StateCloseWait:
		s.state = StateClosing
	}
}

// Abort drops the connection immediately, discarding pending data.
func (s *Socket) Abort() {
	if s.state == StateListening {
		s.state = StateClosed
		return
	}
	s.disconnect(nil)
}

// Shutdown releases the listener and any connection.
func (s *Socket) Shutdown() error {
	s.disconnect(nil)
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	return err
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
