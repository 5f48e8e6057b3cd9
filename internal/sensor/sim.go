package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"bmpcam/internal/bitmap"

	"periph.io/x/conn/v3/gpio"
)

var errNotSelected = errors.New("sim: transfer without chip select")

// PatternFunc returns the RGB565 value of the pixel at (x, y).
type PatternFunc func(x, y int) uint16

// GradientPattern is the default simulated scene: red rises left to right,
// green top to bottom.
func GradientPattern(x, y int) uint16 {
	r := uint16(x * 31 / (bitmap.Width - 1))
	g := uint16(y * 63 / (bitmap.Height - 1))
	b := uint16((x + y) & 0x1F)
	return r<<11 | g<<5 | b
}

// SimOptions tunes the simulated hardware.
type SimOptions struct {
	// PollsUntilDone is how many status reads report "busy" after a trigger.
	PollsUntilDone int
	// FIFOLength overrides the reported FIFO length. Zero reports a full frame.
	FIFOLength uint32
	// Stall keeps the capture-done bit clear forever.
	Stall bool
	// Pattern generates the frame. Nil uses GradientPattern.
	Pattern PatternFunc
}

// SimController emulates the ArduChip capture controller behind the same
// Transport and ChipSelect interfaces as the real SPI bus. Bit 7 of the third
// size register is always set, as on the real part.
type SimController struct {
	mu        sync.Mutex
	opts      SimOptions
	regs      [0x80]byte
	selected  bool
	cmd       int
	fifo      []byte
	fifoPos   int
	capturing bool
	busyPolls int
	triggers  int
	windows   int
}

// NewSimController returns a controller emulator.
func NewSimController(opts SimOptions) *SimController {
	if opts.Pattern == nil {
		opts.Pattern = GradientPattern
	}
	return &SimController{opts: opts, cmd: -1}
}

// SetOptions replaces the simulation knobs; it affects the next trigger.
func (s *SimController) SetOptions(opts SimOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Pattern == nil {
		opts.Pattern = GradientPattern
	}
	s.opts = opts
}

// Triggers reports how many captures have been started.
func (s *SimController) Triggers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggers
}

// FIFOConsumed reports how many FIFO bytes have been burst-read since the
// last trigger.
func (s *SimController) FIFOConsumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fifoPos
}

// Windows reports how many chip-select windows have been opened.
func (s *SimController) Windows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows
}

// Selected reports whether chip select is currently asserted.
func (s *SimController) Selected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Out implements ChipSelect. Low asserts.
func (s *SimController) Out(l gpio.Level) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l == gpio.Low && !s.selected {
		s.windows++
	}
	s.selected = l == gpio.Low
	s.cmd = -1
	return nil
}

// Tx implements Transport. Within one select window the first byte is the
// command; the bytes after it are its payload.
func (s *SimController) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.selected {
		return errNotSelected
	}
	n := len(w)
	if len(r) > n {
		n = len(r)
	}
	for i := 0; i < n; i++ {
		var in, out byte
		if i < len(w) {
			in = w[i]
		}
		switch {
		case s.cmd < 0:
			s.cmd = int(in)
		case uint8(s.cmd) == CmdBurstFIFORead:
			if s.fifoPos < len(s.fifo) {
				out = s.fifo[s.fifoPos]
			}
			s.fifoPos++
		case uint8(s.cmd)&WriteFlag != 0:
			s.writeReg(uint8(s.cmd)&^WriteFlag, in)
		default:
			out = s.readReg(uint8(s.cmd))
		}
		if i < len(r) {
			r[i] = out
		}
	}
	return nil
}

func (s *SimController) writeReg(reg, val uint8) {
	switch reg {
	case RegFIFOCtrl:
		if val&FIFOClearDone != 0 {
			s.regs[RegTrig] &^= TrigCaptureDone
		}
		if val&FIFOStartCapture != 0 {
			s.startCapture()
		}
	case RegReset:
		if val&ResetAssert != 0 {
			s.regs = [0x80]byte{}
			s.capturing = false
		}
	default:
		if int(reg) < len(s.regs) {
			s.regs[reg] = val
		}
	}
}

func (s *SimController) readReg(reg uint8) uint8 {
	switch reg {
	case RegTrig:
		if s.capturing && !s.opts.Stall {
			if s.busyPolls <= 0 {
				s.regs[RegTrig] |= TrigCaptureDone
				s.capturing = false
			} else {
				s.busyPolls--
			}
		}
	case RegFIFOSize1, RegFIFOSize2, RegFIFOSize3:
		n := s.opts.FIFOLength
		if n == 0 {
			n = uint32(len(s.fifo))
		}
		shift := 8 * (reg - RegFIFOSize1)
		v := uint8(n >> shift)
		if reg == RegFIFOSize3 {
			v = v&0x7F | 0x80
		}
		return v
	}
	if int(reg) < len(s.regs) {
		return s.regs[reg]
	}
	return 0
}

func (s *SimController) startCapture() {
	if s.fifo == nil {
		s.fifo = make([]byte, bitmap.RawFrameSize)
	}
	for y := 0; y < bitmap.Height; y++ {
		for x := 0; x < bitmap.Width; x++ {
			off := 2 * (y*bitmap.Width + x)
			binary.BigEndian.PutUint16(s.fifo[off:], s.opts.Pattern(x, y))
		}
	}
	s.fifoPos = 0
	s.capturing = true
	s.busyPolls = s.opts.PollsUntilDone
	s.triggers++
}

// SimSensor emulates the OV2640 configuration registers on I2C.
type SimSensor struct {
	mu     sync.Mutex
	bank   uint8
	regs   [2][256]byte
	writes int
}

// NewSimSensor returns a sensor emulator reporting an OV2640 chip id.
func NewSimSensor() *SimSensor {
	s := &SimSensor{}
	s.regs[1][RegPIDHigh] = OV2640PID
	s.regs[1][RegPIDLow] = 0x42
	return s
}

// Writes reports how many register writes the sensor has received.
func (s *SimSensor) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Tx implements Transport: a 2-byte write sets a register, a 1-byte write
// followed by a 1-byte read reads one.
func (s *SimSensor) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case len(w) == 2 && len(r) == 0:
		s.writes++
		if w[0] == RegBankSelect {
			s.bank = w[1] & 1
			return nil
		}
		if w[0] == RegCOM7 || (w[0] == RegPIDHigh || w[0] == RegPIDLow) && s.bank == 1 {
			return nil
		}
		s.regs[s.bank][w[0]] = w[1]
		return nil
	case len(w) == 1 && len(r) == 1:
		r[0] = s.regs[s.bank][w[0]]
		return nil
	default:
		return fmt.Errorf("sim: unsupported i2c transfer w=%d r=%d", len(w), len(r))
	}
}

// Sim bundles a simulated controller and sensor.
type Sim struct {
	Controller *SimController
	Sensor     *SimSensor
}

// NewSim returns simulated hardware.
func NewSim(opts SimOptions) *Sim {
	return &Sim{Controller: NewSimController(opts), Sensor: NewSimSensor()}
}

// Driver builds a Driver on top of the simulated buses.
func (s *Sim) Driver(sleep SleepFunc, logger *slog.Logger) *Driver {
	return NewDriver(NewController(s.Controller, s.Controller), NewOV2640(s.Sensor), sleep, logger)
}
