//go:build linux

package board

import (
	"fmt"

	"circuit-agent/internal/hardware"

	"github.com/reef-pi/rpi/i2c"
	"github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"
	"tinygo.org/x/drivers"
)

const consumer = "circuit-agent"

var (
	_ drivers.I2C   = (*i2cBus)(nil)
	_ hardware.Line = (*gpioLine)(nil)
)

func openLinux(opts Options, logger *logrus.Logger) (*Board, error) {
	b := &Board{logger: logger}

	fail := func(err error) (*Board, error) {
		b.Close()
		return nil, err
	}

	var lines [hardware.Banks]hardware.Line
	for i, pin := range opts.BankSelectPins {
		// Both chips start deselected.
		l, err := requestLine(opts.GPIOChip, pin, opts.BankSelectActiveLow)
		if err != nil {
			return fail(fmt.Errorf("bank %d select line: %w", i, err))
		}
		b.onClose(l.Close)
		lines[i] = l
	}
	b.Selector = hardware.NewBankSelector(lines, opts.BankSelectActiveLow, logger)

	if opts.EnablePin != NoPin {
		en, err := requestLine(opts.GPIOChip, opts.EnablePin, true)
		if err != nil {
			return fail(fmt.Errorf("front-end enable line: %w", err))
		}
		b.onClose(release(en))
	}

	bus, err := i2c.New()
	if err != nil {
		return fail(fmt.Errorf("i2c bus: %w", err))
	}
	b.onClose(bus.Close)
	b.I2C = &i2cBus{bus: bus}

	spi, err := OpenSPIDev(opts.SPIDevice, opts.SPIMode, opts.SPISpeedHz)
	if err != nil {
		return fail(err)
	}
	b.onClose(spi.Close)
	b.SPI = spi

	logger.WithFields(logrus.Fields{
		"gpiochip":    opts.GPIOChip,
		"select_pins": opts.BankSelectPins,
		"enable_pin":  opts.EnablePin,
		"spi":         opts.SPIDevice,
	}).Info("Hardware opened")
	return b, nil
}

type gpioLine struct {
	line *gpiocdev.Line
}

func requestLine(chip string, pin int, high bool) (*gpioLine, error) {
	l, err := gpiocdev.RequestLine(chip, pin,
		gpiocdev.AsOutput(level(high)),
		gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", chip, pin, err)
	}
	return &gpioLine{line: l}, nil
}

func (g *gpioLine) Set(high bool) error {
	return g.line.SetValue(level(high))
}

func (g *gpioLine) Close() error {
	return g.line.Close()
}

func level(high bool) int {
	if high {
		return 1
	}
	return 0
}

// i2cBus adapts the reef-pi bus to the drivers.I2C transaction shape.
type i2cBus struct {
	bus i2c.Bus
}

func (b *i2cBus) Tx(addr uint16, w, r []byte) error {
	if len(w) > 0 {
		if err := b.bus.WriteBytes(byte(addr), w); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		got, err := b.bus.ReadBytes(byte(addr), len(r))
		if err != nil {
			return err
		}
		copy(r, got)
	}
	return nil
}
