package sensor

import (
	"errors"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// PeriphConfig names the host buses the camera is wired to. Empty port names
// select the first registered bus.
type PeriphConfig struct {
	SPIPort  string
	SPISpeed physic.Frequency
	CSPin    string
	I2CBus   string
}

// Hardware holds the opened periph.io buses.
type Hardware struct {
	SPI    spi.Conn
	CS     gpio.PinOut
	Sensor *i2c.Dev

	spiPort spi.PortCloser
	i2cBus  i2c.BusCloser
}

// OpenPeriph initializes periph.io and opens the SPI port, the chip-select
// GPIO and the I2C bus.
func OpenPeriph(cfg PeriphConfig) (*Hardware, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	if cfg.SPISpeed == 0 {
		cfg.SPISpeed = 3 * physic.MegaHertz
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("open spi port %q: %w", cfg.SPIPort, err)
	}
	c, err := port.Connect(cfg.SPISpeed, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("connect spi: %w", err)
	}

	pin := gpioreg.ByName(cfg.CSPin)
	if pin == nil {
		port.Close()
		return nil, fmt.Errorf("chip select pin %q not found", cfg.CSPin)
	}
	if err := pin.Out(gpio.High); err != nil {
		port.Close()
		return nil, fmt.Errorf("idle chip select: %w", err)
	}

	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("open i2c bus %q: %w", cfg.I2CBus, err)
	}

	return &Hardware{
		SPI:     c,
		CS:      pin,
		Sensor:  &i2c.Dev{Addr: SensorAddress, Bus: bus},
		spiPort: port,
		i2cBus:  bus,
	}, nil
}

// Driver builds a Driver on the opened buses.
func (h *Hardware) Driver(sleep SleepFunc, logger *slog.Logger) *Driver {
	return NewDriver(NewController(h.SPI, h.CS), NewOV2640(h.Sensor), sleep, logger)
}

// Close releases both buses.
func (h *Hardware) Close() error {
	return errors.Join(h.spiPort.Close(), h.i2cBus.Close())
}
