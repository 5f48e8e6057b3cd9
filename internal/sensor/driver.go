// Package sensor drives the camera hardware: an ArduChip capture controller
// on SPI that owns the frame FIFO, and an OV2640 image sensor configured over
// I2C.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrCaptureTimeout is returned when the capture-done bit is not seen
	// within the configured number of polls.
	ErrCaptureTimeout = errors.New("sensor: capture timed out")

	// ErrSelfTest is returned when the controller does not echo its scratch
	// register.
	ErrSelfTest = errors.New("sensor: controller self-test failed")

	// ErrUnknownSensor is returned when the I2C chip id is not an OV2640.
	ErrUnknownSensor = errors.New("sensor: unexpected chip id")
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Bring-up delays.
const (
	resetHold    = 100 * time.Millisecond
	configSettle = time.Second
)

// Driver sequences captures on the controller and owns sensor bring-up.
type Driver struct {
	ctrl   *Controller
	cam    *OV2640
	sleep  SleepFunc
	logger *slog.Logger
}

// NewDriver returns a Driver. sleep may be nil to use Sleep and logger nil
// to use slog.Default.
func NewDriver(ctrl *Controller, cam *OV2640, sleep SleepFunc, logger *slog.Logger) *Driver {
	if sleep == nil {
		sleep = Sleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{ctrl: ctrl, cam: cam, sleep: sleep, logger: logger}
}

// Init resets the controller, checks both buses and loads the QVGA RGB565
// configuration into the sensor.
func (d *Driver) Init(ctx context.Context) error {
	if err := d.ctrl.WriteReg(RegReset, ResetAssert); err != nil {
		return err
	}
	if err := d.sleep(ctx, resetHold); err != nil {
		return err
	}
	if err := d.ctrl.WriteReg(RegReset, 0); err != nil {
		return err
	}
	if err := d.sleep(ctx, resetHold); err != nil {
		return err
	}

	if err := d.ctrl.WriteReg(RegTest1, selfTestValue); err != nil {
		return err
	}
	echo, err := d.ctrl.ReadReg(RegTest1)
	if err != nil {
		return err
	}
	if echo != selfTestValue {
		return fmt.Errorf("%w: wrote %#02x, read %#02x", ErrSelfTest, selfTestValue, echo)
	}

	id, err := d.cam.ChipID()
	if err != nil {
		return err
	}
	if uint8(id>>8) != OV2640PID {
		return fmt.Errorf("%w: %#04x", ErrUnknownSensor, id)
	}
	d.logger.Info("sensor detected", slog.String("chip_id", fmt.Sprintf("%#04x", id)))

	if err := d.cam.WriteReg(RegCOM7, COM7SoftReset); err != nil {
		return err
	}
	if err := d.sleep(ctx, resetHold); err != nil {
		return err
	}
	if err := d.cam.WriteTable(qvgaRGB565); err != nil {
		return err
	}
	d.logger.Debug("sensor configured", slog.Int("registers", len(qvgaRGB565)))
	return d.sleep(ctx, configSettle)
}

// TriggerCapture clears the capture-done flag and starts a capture.
func (d *Driver) TriggerCapture() error {
	if err := d.ctrl.WriteReg(RegFIFOCtrl, FIFOClearDone); err != nil {
		return err
	}
	return d.ctrl.WriteReg(RegFIFOCtrl, FIFOStartCapture)
}

// PollDone reports whether the last capture has finished.
func (d *Driver) PollDone() (bool, error) {
	v, err := d.ctrl.ReadReg(RegTrig)
	if err != nil {
		return false, err
	}
	return v&TrigCaptureDone != 0, nil
}

// WaitDone polls PollDone every interval until it reports true. maxPolls caps
// the number of polls; zero means no cap. It returns the number of polls made.
func (d *Driver) WaitDone(ctx context.Context, interval time.Duration, maxPolls int) (int, error) {
	for polls := 1; ; polls++ {
		done, err := d.PollDone()
		if err != nil {
			return polls, err
		}
		if done {
			return polls, nil
		}
		if maxPolls > 0 && polls >= maxPolls {
			return polls, ErrCaptureTimeout
		}
		if err := d.sleep(ctx, interval); err != nil {
			return polls, err
		}
	}
}

// Settle waits d. The controller needs a short pause after the done bit
// before the FIFO length registers are stable.
func (d *Driver) Settle(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	return d.sleep(ctx, dur)
}

// FrameByteLength returns the number of bytes the controller reports in its
// FIFO. Bit 23 of the size registers is not part of the length.
func (d *Driver) FrameByteLength() (uint32, error) {
	var b [3]uint8
	for i, reg := range []uint8{RegFIFOSize1, RegFIFOSize2, RegFIFOSize3} {
		v, err := d.ctrl.ReadReg(reg)
		if err != nil {
			return 0, err
		}
		b[i] = v
	}
	n := uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0])
	return n & fifoLengthMask, nil
}

// OpenBurst starts a sequential FIFO read. The caller must Close it.
func (d *Driver) OpenBurst() (*Burst, error) {
	return d.ctrl.OpenBurst()
}

// BurstRead reads exactly len(dst) FIFO bytes in a single burst window.
func (d *Driver) BurstRead(dst []byte) (err error) {
	b, err := d.ctrl.OpenBurst()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = b.Read(dst)
	return err
}
