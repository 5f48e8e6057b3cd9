package sensor

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// defaultMaxTx is used when the transport does not report its own limit.
const defaultMaxTx = 4096

var (
	// ErrBurstActive is returned for register access while a burst window
	// holds the chip select.
	ErrBurstActive = errors.New("sensor: burst read in progress")

	// ErrBurstClosed is returned when reading from a closed burst.
	ErrBurstClosed = errors.New("sensor: burst closed")
)

// Transport is a full-duplex transfer. spi.Conn and *i2c.Dev satisfy it.
type Transport interface {
	Tx(w, r []byte) error
}

// ChipSelect drives the controller's active-low select line. gpio.PinOut
// satisfies it.
type ChipSelect interface {
	Out(l gpio.Level) error
}

// Controller talks to the ArduChip capture controller. Every transaction runs
// inside its own chip-select window.
type Controller struct {
	spi   Transport
	cs    ChipSelect
	maxTx int
	burst *Burst
	zeros []byte
}

// NewController returns a Controller using spi for transfers and cs for the
// select line.
func NewController(spi Transport, cs ChipSelect) *Controller {
	maxTx := defaultMaxTx
	if l, ok := spi.(conn.Limits); ok && l.MaxTxSize() > 0 {
		maxTx = l.MaxTxSize()
	}
	return &Controller{spi: spi, cs: cs, maxTx: maxTx}
}

// selectChip asserts chip select and returns the func that releases it.
func (c *Controller) selectChip() (func() error, error) {
	if err := c.cs.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("sensor: assert chip select: %w", err)
	}
	return func() error {
		if err := c.cs.Out(gpio.High); err != nil {
			return fmt.Errorf("sensor: release chip select: %w", err)
		}
		return nil
	}, nil
}

// transact runs fn inside a chip-select window, releasing it on every path.
func (c *Controller) transact(fn func() error) (err error) {
	if c.burst != nil {
		return ErrBurstActive
	}
	release, err := c.selectChip()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); err == nil {
			err = rerr
		}
	}()
	return fn()
}

// ReadReg reads one controller register.
func (c *Controller) ReadReg(reg uint8) (uint8, error) {
	var r [2]byte
	err := c.transact(func() error {
		return c.spi.Tx([]byte{reg &^ WriteFlag, 0}, r[:])
	})
	if err != nil {
		return 0, fmt.Errorf("sensor: read reg %#02x: %w", reg, err)
	}
	return r[1], nil
}

// WriteReg writes one controller register.
func (c *Controller) WriteReg(reg, val uint8) error {
	err := c.transact(func() error {
		return c.spi.Tx([]byte{reg | WriteFlag, val}, nil)
	})
	if err != nil {
		return fmt.Errorf("sensor: write reg %#02x: %w", reg, err)
	}
	return nil
}

// OpenBurst asserts chip select, issues the burst FIFO read command and
// returns a Burst that keeps the window open until Close.
func (c *Controller) OpenBurst() (*Burst, error) {
	if c.burst != nil {
		return nil, ErrBurstActive
	}
	release, err := c.selectChip()
	if err != nil {
		return nil, err
	}
	if err := c.spi.Tx([]byte{CmdBurstFIFORead}, nil); err != nil {
		_ = release()
		return nil, fmt.Errorf("sensor: burst command: %w", err)
	}
	c.burst = &Burst{c: c, release: release}
	return c.burst, nil
}

// Burst is an open FIFO read window. The FIFO is consumed sequentially; there
// is no seeking and a closed burst cannot be resumed without a new capture.
type Burst struct {
	c       *Controller
	release func() error
	read    int
	closed  bool
}

// Read fills p with the next FIFO bytes in wire order. It always fills p
// completely unless the bus fails.
func (b *Burst) Read(p []byte) (int, error) {
	if b.closed {
		return 0, ErrBurstClosed
	}
	c := b.c
	n := 0
	for n < len(p) {
		chunk := len(p) - n
		if chunk > c.maxTx {
			chunk = c.maxTx
		}
		if len(c.zeros) < chunk {
			c.zeros = make([]byte, chunk)
		}
		if err := c.spi.Tx(c.zeros[:chunk], p[n:n+chunk]); err != nil {
			return n, fmt.Errorf("sensor: burst read at %d: %w", b.read, err)
		}
		n += chunk
		b.read += chunk
	}
	return n, nil
}

// BytesRead reports how many FIFO bytes this burst has consumed.
func (b *Burst) BytesRead() int {
	return b.read
}

// Close releases chip select. It is safe to call more than once.
func (b *Burst) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.c.burst = nil
	return b.release()
}
