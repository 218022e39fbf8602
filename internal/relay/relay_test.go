package relay

import (
	"errors"
	"fmt"
	"testing"

	"circuit-agent/internal/errcode"
	"circuit-agent/internal/hardware"
	"circuit-agent/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/drivers"
)

// Compile-time check.
var _ drivers.I2C = (*fakeI2C)(nil)

type fakeI2C struct {
	events *[]string
	fail   error
}

func (f *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if f.fail != nil {
		return f.fail
	}
	*f.events = append(*f.events, fmt.Sprintf("tx %#x %02x=%02x", addr, w[0], w[1]))
	return nil
}

type fakeSelector struct {
	events *[]string
}

func (s fakeSelector) Select(b int) error {
	if b < 0 || b >= hardware.Banks {
		return hardware.ErrUnsupportedAddressing
	}
	*s.events = append(*s.events, fmt.Sprintf("select %d", b))
	return nil
}

func newTestController(cfg Config) (*Controller, *fakeI2C, *[]string) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	var events []string
	bus := &fakeI2C{events: &events}
	return NewController(bus, fakeSelector{events: &events}, cfg, logger), bus, &events
}

func TestController_Init(t *testing.T) {
	c, _, events := newTestController(Config{})

	require.NoError(t, c.Init())
	assert.Equal(t, []string{
		"select 0", "tx 0x20 00=00", "tx 0x20 14=00",
		"select 1", "tx 0x21 00=00", "tx 0x21 14=00",
	}, *events)
}

func TestController_ApplySingleBank(t *testing.T) {
	c, _, events := newTestController(Config{})

	require.NoError(t, c.Apply(models.Bitmask(0b01), 2))
	assert.Equal(t, []string{"select 0", "tx 0x20 14=01"}, *events)
}

func TestController_ApplyTwoBanks(t *testing.T) {
	c, _, events := newTestController(Config{})

	// Circuits 0, 3 and 9 on; bit 12 is beyond n and must not leak through.
	mask := models.Bitmask(1<<0 | 1<<3 | 1<<9 | 1<<12)
	require.NoError(t, c.Apply(mask, 10))
	assert.Equal(t, []string{
		"select 0", "tx 0x20 14=09",
		"select 1", "tx 0x21 14=02",
	}, *events)
}

func TestController_FailSafeClearsEveryBank(t *testing.T) {
	c, _, events := newTestController(Config{})

	require.NoError(t, c.Apply(0, hardware.Capacity))
	assert.Equal(t, []string{
		"select 0", "tx 0x20 14=00",
		"select 1", "tx 0x21 14=00",
	}, *events)
}

func TestController_NoCircuitsWritesNothing(t *testing.T) {
	c, _, events := newTestController(Config{})

	require.NoError(t, c.Apply(0, 0))
	assert.Empty(t, *events)
}

func TestController_ActiveLowMask(t *testing.T) {
	c, _, events := newTestController(Config{ActiveLowMask: 0x0001})

	require.NoError(t, c.Apply(models.Bitmask(0b10), 2))
	assert.Equal(t, []string{"select 0", "tx 0x20 14=03"}, *events)

	*events = nil
	require.NoError(t, c.Apply(0, 2))
	assert.Equal(t, []string{"select 0", "tx 0x20 14=01"}, *events)
}

func TestController_CustomAddresses(t *testing.T) {
	c, _, events := newTestController(Config{Addresses: [hardware.Banks]uint16{0x24, 0x27}})

	require.NoError(t, c.Apply(models.Bitmask(0x100), 9))
	assert.Equal(t, []string{
		"select 0", "tx 0x24 14=00",
		"select 1", "tx 0x27 14=01",
	}, *events)
}

func TestController_UnsupportedAddressingSkipsButWrites(t *testing.T) {
	c, _, events := newTestController(Config{})

	mask := models.Bitmask(0xFFFFF)
	err := c.Apply(mask, 20)
	require.Error(t, err)
	assert.True(t, errors.Is(err, hardware.ErrUnsupportedAddressing))
	assert.Equal(t, errcode.UnsupportedAddressing, errcode.Of(err))

	var aerr *hardware.AddressingError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, []int{16, 17, 18, 19}, aerr.Skipped)

	assert.Equal(t, []string{
		"select 0", "tx 0x20 14=ff",
		"select 1", "tx 0x21 14=ff",
	}, *events)
}

func TestController_DeviceError(t *testing.T) {
	c, bus, _ := newTestController(Config{})
	boom := errors.New("i2c nack")
	bus.fail = boom

	err := c.Apply(1, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, errcode.DeviceIO, errcode.Of(err))
}

func TestLineMask(t *testing.T) {
	assert.Equal(t, uint8(0xFF), lineMask(0, 16))
	assert.Equal(t, uint8(0x03), lineMask(1, 10))
	assert.Equal(t, uint8(0x7F), lineMask(0, 7))
	assert.Equal(t, uint8(0x00), lineMask(1, 8))
}
