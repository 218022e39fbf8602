package board

import (
	"fmt"
	"sync"

	"circuit-agent/internal/adc"
	"circuit-agent/internal/hardware"
	"circuit-agent/internal/models"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

const (
	// SimLoaded is what the sim ADC returns for an energized circuit.
	SimLoaded adc.Sample = 614
	// SimIdle is the zero-current bias returned for a de-energized circuit.
	SimIdle adc.Sample = 512

	simRegOLAT = 0x14
)

var (
	_ drivers.I2C   = (*Sim)(nil)
	_ drivers.SPI   = (*simSPI)(nil)
	_ hardware.Line = (*simLine)(nil)
)

// Sim is an in-memory relay and ADC front end. A channel reads as loaded
// while its relay is energized: latch bit set, or clear for an active-low line.
type Sim struct {
	mu        sync.Mutex
	addrs     [hardware.Banks]uint16
	activeLow bool
	levels    [hardware.Banks]bool
	latch     [hardware.Banks]uint8

	relayActiveLow models.Bitmask
}

func NewSim(addrs [hardware.Banks]uint16, activeLow bool) *Sim {
	s := &Sim{addrs: addrs, activeLow: activeLow}
	for i := range s.levels {
		s.levels[i] = activeLow // deasserted
	}
	return s
}

func openSim(opts Options, logger *logrus.Logger) *Board {
	sim := NewSim(opts.RelayAddresses, opts.BankSelectActiveLow)
	sim.SetRelayActiveLow(opts.RelayActiveLowMask)
	var lines [hardware.Banks]hardware.Line
	for i := range lines {
		lines[i] = &simLine{sim: sim, bank: i}
	}
	logger.WithField("addresses", fmt.Sprintf("%#x", opts.RelayAddresses)).Info("Using simulated relay and ADC board")
	return &Board{
		I2C:      sim,
		SPI:      &simSPI{sim: sim},
		Selector: hardware.NewBankSelector(lines, opts.BankSelectActiveLow, logger),
		logger:   logger,
	}
}

// Tx accepts register writes addressed to either relay expander.
func (s *Sim) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bank := -1
	for i, a := range s.addrs {
		if a == addr {
			bank = i
		}
	}
	if bank < 0 {
		return fmt.Errorf("sim: no device at %#x", addr)
	}
	if len(w) == 2 && w[0] == simRegOLAT {
		s.latch[bank] = w[1]
	}
	for i := range r {
		r[i] = 0
	}
	return nil
}

// SetRelayActiveLow marks relay lines wired to energize on a low output.
func (s *Sim) SetRelayActiveLow(mask models.Bitmask) {
	s.mu.Lock()
	s.relayActiveLow = mask
	s.mu.Unlock()
}

// Energized returns the relays of bank b currently drawing current.
func (s *Sim) Energized(b int) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energized(b)
}

func (s *Sim) energized(b int) uint8 {
	return s.latch[b] ^ s.relayActiveLow.Bank(b)
}

// Latch returns the last output latch written to bank b.
func (s *Sim) Latch(b int) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latch[b]
}

func (s *Sim) selected() int {
	sel := -1
	for i, level := range s.levels {
		if level != s.activeLow {
			if sel >= 0 {
				return -1 // bus contention
			}
			sel = i
		}
	}
	return sel
}

type simLine struct {
	sim  *Sim
	bank int
}

func (l *simLine) Set(high bool) error {
	l.sim.mu.Lock()
	l.sim.levels[l.bank] = high
	l.sim.mu.Unlock()
	return nil
}

type simSPI struct {
	sim *Sim
}

func (p *simSPI) Tx(w, r []byte) error {
	if len(w) != adc.FrameLen || len(r) != adc.FrameLen {
		return fmt.Errorf("sim: unexpected %d-byte transfer", len(w))
	}
	var req adc.Frame
	copy(req[:], w)

	p.sim.mu.Lock()
	bank := p.sim.selected()
	var on uint8
	if bank >= 0 {
		on = p.sim.energized(bank)
	}
	p.sim.mu.Unlock()
	if bank < 0 {
		return fmt.Errorf("sim: no converter selected")
	}

	raw := SimIdle
	if on&(1<<uint(req.Channel())) != 0 {
		raw = SimLoaded
	}
	r[0] = 0
	r[1] = byte(raw>>8) & 0x03
	r[2] = byte(raw)
	return nil
}

func (p *simSPI) Transfer(b byte) (byte, error) {
	return 0, nil
}
