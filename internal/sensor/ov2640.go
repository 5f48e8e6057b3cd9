package sensor

import "fmt"

// OV2640 is the image sensor's configuration interface on the I2C bus.
type OV2640 struct {
	dev Transport
}

// NewOV2640 wraps dev, normally an *i2c.Dev addressed at SensorAddress.
func NewOV2640(dev Transport) *OV2640 {
	return &OV2640{dev: dev}
}

// ReadReg reads one sensor register in the currently selected bank.
func (s *OV2640) ReadReg(reg uint8) (uint8, error) {
	var r [1]byte
	if err := s.dev.Tx([]byte{reg}, r[:]); err != nil {
		return 0, fmt.Errorf("sensor: i2c read %#02x: %w", reg, err)
	}
	return r[0], nil
}

// WriteReg writes one sensor register in the currently selected bank.
func (s *OV2640) WriteReg(reg, val uint8) error {
	if err := s.dev.Tx([]byte{reg, val}, nil); err != nil {
		return fmt.Errorf("sensor: i2c write %#02x: %w", reg, err)
	}
	return nil
}

// WriteTable writes regs in order.
func (s *OV2640) WriteTable(regs []RegisterValue) error {
	for _, rv := range regs {
		if err := s.WriteReg(rv.Reg, rv.Val); err != nil {
			return err
		}
	}
	return nil
}

// ChipID selects the sensor bank and returns the product id (high byte) and
// version (low byte).
func (s *OV2640) ChipID() (uint16, error) {
	if err := s.WriteReg(RegBankSelect, BankSensor); err != nil {
		return 0, err
	}
	hi, err := s.ReadReg(RegPIDHigh)
	if err != nil {
		return 0, err
	}
	lo, err := s.ReadReg(RegPIDLow)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}
