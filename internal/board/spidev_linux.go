//go:build linux

package board

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"tinygo.org/x/drivers"
)

// spidev ioctl requests, from linux/spi/spidev.h.
const (
	spiIocWrMode        = 0x40016B01
	spiIocWrBitsPerWord = 0x40016B03
	spiIocWrMaxSpeedHz  = 0x40046B04
	spiIocMessage1      = 0x40206B00

	spiBitsPerWord = 8
)

var _ drivers.SPI = (*SPIDev)(nil)

// spiIocTransfer mirrors struct spi_ioc_transfer.
type spiIocTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// SPIDev is a full-duplex spidev handle.
type SPIDev struct {
	mu    sync.Mutex
	f     *os.File
	speed uint32
}

func OpenSPIDev(path string, mode uint8, speedHz uint32) (*SPIDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &SPIDev{f: f, speed: speedHz}

	bits := uint8(spiBitsPerWord)
	for _, set := range []struct {
		name string
		req  uintptr
		arg  unsafe.Pointer
	}{
		{"mode", spiIocWrMode, unsafe.Pointer(&mode)},
		{"bits per word", spiIocWrBitsPerWord, unsafe.Pointer(&bits)},
		{"max speed", spiIocWrMaxSpeedHz, unsafe.Pointer(&speedHz)},
	} {
		if err := d.ioctl(set.req, set.arg); err != nil {
			f.Close()
			return nil, fmt.Errorf("%s: set %s: %w", path, set.name, err)
		}
	}
	return d, nil
}

// Tx performs one full-duplex transfer; w and r must be the same length.
func (d *SPIDev) Tx(w, r []byte) error {
	if len(w) != len(r) {
		return fmt.Errorf("spidev: tx %d bytes, rx %d bytes", len(w), len(r))
	}
	if len(w) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&w[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&r[0]))),
		length:      uint32(len(w)),
		speedHz:     d.speed,
		bitsPerWord: spiBitsPerWord,
	}
	return d.ioctl(spiIocMessage1, unsafe.Pointer(&xfer))
}

func (d *SPIDev) Transfer(b byte) (byte, error) {
	r := []byte{0}
	err := d.Tx([]byte{b}, r)
	return r[0], err
}

func (d *SPIDev) Close() error {
	return d.f.Close()
}

func (d *SPIDev) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
