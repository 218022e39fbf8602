// Package board opens the device handles the agent drives: the relay I2C
// bus, the ADC SPI bus and the bank-select lines shared by both.
package board

import (
	"errors"
	"fmt"

	"circuit-agent/internal/hardware"
	"circuit-agent/internal/models"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

const (
	BackendLinux = "linux"
	BackendSim   = "sim"
)

// NoPin disables an optional GPIO line.
const NoPin = -1

type Options struct {
	Backend string

	SPIDevice  string
	SPISpeedHz uint32
	SPIMode    uint8

	GPIOChip            string
	BankSelectPins      [hardware.Banks]int
	BankSelectActiveLow bool
	EnablePin           int

	// RelayAddresses lets the sim backend map register writes to banks.
	RelayAddresses [hardware.Banks]uint16
	// RelayActiveLowMask marks sim relay lines that energize on a low latch bit.
	RelayActiveLowMask models.Bitmask
}

type Board struct {
	I2C      drivers.I2C
	SPI      drivers.SPI
	Selector *hardware.BankSelector

	logger  *logrus.Logger
	closers []func() error
}

// Open builds the board for the configured backend.
func Open(opts Options, logger *logrus.Logger) (*Board, error) {
	switch opts.Backend {
	case BackendSim:
		return openSim(opts, logger), nil
	case BackendLinux:
		return openLinux(opts, logger)
	default:
		return nil, fmt.Errorf("unknown hardware backend %q", opts.Backend)
	}
}

func (b *Board) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

type releasable interface {
	hardware.Line
	Close() error
}

// release drives l low and hands it back; both failures are kept.
func release(l releasable) func() error {
	return func() error {
		return errors.Join(l.Set(false), l.Close())
	}
}

// Close releases handles in reverse order of acquisition.
func (b *Board) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	if len(errs) > 0 {
		b.logger.WithError(errors.Join(errs...)).Warn("Errors while closing board")
	}
	return errors.Join(errs...)
}
