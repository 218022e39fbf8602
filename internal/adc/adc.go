// Package adc reads the current-sensing front end: one MCP3008-style 10-bit
// converter per bank, eight single-ended channels each, over SPI.
package adc

import (
	"circuit-agent/internal/hardware"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

// Command frame layout (3 bytes out, 3 bytes in).
const (
	FrameLen = 3

	startMarker  = 0x01
	singleEnded  = 0x80
	channelShift = 4
	channelMask  = 0x07

	// Response: 2 high bits in byte 1, 8 low bits in byte 2.
	highBitsMask = 0x03

	// MaxSample is the largest 10-bit reading.
	MaxSample Sample = 1<<10 - 1
)

// Sample is one raw 10-bit conversion.
type Sample uint16

// Frame is the command sent to the converter for one channel read.
type Frame [FrameLen]byte

// NewFrame builds the single-ended read command for channel ch of a chip.
func NewFrame(ch int) Frame {
	return Frame{
		startMarker,
		singleEnded | byte(ch&channelMask)<<channelShift,
		0x00, // don't care
	}
}

// Channel returns the channel encoded in the frame.
func (f Frame) Channel() int {
	return int(f[1]>>channelShift) & channelMask
}

// DecodeSample reassembles the 10-bit value from a response frame.
func DecodeSample(resp Frame) Sample {
	return Sample(resp[1]&highBitsMask)<<8 | Sample(resp[2])
}

// Selector routes the SPI bus to one converter.
type Selector interface {
	Select(bank int) error
}

type Multiplexer struct {
	bus    drivers.SPI
	sel    Selector
	logger *logrus.Logger
}

func NewMultiplexer(bus drivers.SPI, sel Selector, logger *logrus.Logger) *Multiplexer {
	return &Multiplexer{
		bus:    bus,
		sel:    sel,
		logger: logger,
	}
}

// Read performs a single conversion on circuit index i.
func (m *Multiplexer) Read(i int) (Sample, error) {
	bank := hardware.BankOf(i)
	if err := m.sel.Select(bank); err != nil {
		return 0, &hardware.DeviceError{Op: "adc select", Bank: bank, Err: err}
	}

	req := NewFrame(hardware.ChannelOf(i))
	var resp Frame
	if err := m.bus.Tx(req[:], resp[:]); err != nil {
		return 0, &hardware.DeviceError{Op: "adc transfer", Bank: bank, Err: err}
	}
	return DecodeSample(resp), nil
}

// Sample reads one raw value per circuit index in increasing order. The
// result always has n entries; indexes beyond the front end are left at zero
// and reported through an AddressingError alongside the samples.
func (m *Multiplexer) Sample(n int) ([]Sample, error) {
	samples := make([]Sample, n)
	for i := 0; i < n && hardware.Addressable(i); i++ {
		s, err := m.Read(i)
		if err != nil {
			return nil, err
		}
		samples[i] = s
		m.logger.WithFields(logrus.Fields{
			"circuit": i,
			"raw":     s,
		}).Debug("ADC sample")
	}

	if err := hardware.Unaddressable("adc sample", n); err != nil {
		m.logger.WithError(err).Warn("Circuits beyond the analog front end were not sampled")
		return samples, err
	}
	return samples, nil
}
