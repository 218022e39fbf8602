// Package relay drives the relay bank: one MCP23017-style port expander per
// bank of eight circuits, reached over I2C behind the bank-select lines.
package relay

import (
	"errors"

	"circuit-agent/internal/hardware"
	"circuit-agent/internal/models"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// Port expander registers (IOCON.BANK = 0 layout).
const (
	regIODIRA = 0x00
	regOLATA  = 0x14

	allOutputs = 0x00
)

// DefaultAddresses are the expander addresses of bank 0 and bank 1.
var DefaultAddresses = [hardware.Banks]uint16{0x20, 0x21}

// Selector routes the shared bus to one bank.
type Selector interface {
	Select(bank int) error
}

type Config struct {
	Addresses [hardware.Banks]uint16
	// ActiveLowMask flips the electrical level of the given lines so that a
	// logical "off" always de-energizes the relay.
	ActiveLowMask models.Bitmask
}

type Controller struct {
	bus    drivers.I2C
	sel    Selector
	cfg    Config
	logger *logrus.Logger

	w [2]byte
}

func NewController(bus drivers.I2C, sel Selector, cfg Config, logger *logrus.Logger) *Controller {
	if cfg.Addresses == ([hardware.Banks]uint16{}) {
		cfg.Addresses = DefaultAddresses
	}
	return &Controller{
		bus:    bus,
		sel:    sel,
		cfg:    cfg,
		logger: logger,
	}
}

// Init configures every bank's port as outputs and drives all lines off.
func (c *Controller) Init() error {
	for b := 0; b < hardware.Banks; b++ {
		if err := c.sel.Select(b); err != nil {
			return &hardware.DeviceError{Op: "relay init select", Bank: b, Err: err}
		}
		if err := c.writeReg(b, regIODIRA, allOutputs); err != nil {
			return &hardware.DeviceError{Op: "relay init iodir", Bank: b, Err: err}
		}
		if err := c.writeReg(b, regOLATA, c.level(b, 0)); err != nil {
			return &hardware.DeviceError{Op: "relay init olat", Bank: b, Err: err}
		}
	}
	c.logger.Info("Relay bank initialised, all circuits off")
	return nil
}

// Apply makes output line k follow bit k of mask for k in [0, n). Lines of an
// affected bank at or beyond n are driven off. Indexes the board cannot address
// are skipped and reported as an AddressingError once the addressable banks
// have been written.
func (c *Controller) Apply(mask models.Bitmask, n int) error {
	var devErr error
	for b := 0; b < hardware.BanksFor(n); b++ {
		value := mask.Bank(b) & lineMask(b, n)

		if err := c.sel.Select(b); err != nil {
			devErr = &hardware.DeviceError{Op: "relay select", Bank: b, Err: err}
			break
		}
		if err := c.writeReg(b, regOLATA, c.level(b, value)); err != nil {
			devErr = &hardware.DeviceError{Op: "relay write", Bank: b, Err: err}
			break
		}
		c.logger.WithFields(logrus.Fields{
			"bank":  b,
			"state": value,
		}).Debug("Relay bank written")
	}

	addrErr := hardware.Unaddressable("relay apply", n)
	if addrErr != nil {
		c.logger.WithError(addrErr).Warn("Circuits beyond the relay bank were not actuated")
	}
	return errors.Join(devErr, addrErr)
}

func (c *Controller) level(bank int, value uint8) uint8 {
	return value ^ c.cfg.ActiveLowMask.Bank(bank)
}

func (c *Controller) writeReg(bank int, reg, value uint8) error {
	c.w[0] = reg
	c.w[1] = value
	return c.bus.Tx(c.cfg.Addresses[bank], c.w[:2], nil)
}

// lineMask keeps the lines of bank b that belong to circuits below n.
func lineMask(b, n int) uint8 {
	lines := n - b*hardware.LinesPerBank
	if lines >= hardware.LinesPerBank {
		return 0xFF
	}
	if lines <= 0 {
		return 0
	}
	return uint8(1<<uint(lines)) - 1
}
