// Package hardware holds the addressing shared by the relay bank and the
// analog front end: circuits are grouped in banks of eight, one chip per
// bank, and a bank is chosen through a two-line select side channel.
package hardware

import (
	"fmt"
	"strings"

	"circuit-agent/internal/errcode"
)

const (
	// LinesPerBank is the number of relay outputs and ADC channels per chip.
	LinesPerBank = 8
	// Banks is the number of chips the select side channel can address.
	Banks = 2
	// Capacity is the number of addressable circuits.
	Capacity = Banks * LinesPerBank
)

// ErrUnsupportedAddressing is returned for banks or circuit indexes outside
// what the board can address.
var ErrUnsupportedAddressing error = errcode.UnsupportedAddressing

// BankOf returns the chip serving circuit index i.
func BankOf(i int) int { return i / LinesPerBank }

// ChannelOf returns the line within the chip serving circuit index i.
func ChannelOf(i int) int { return i % LinesPerBank }

// Addressable reports whether circuit index i maps onto a known bank.
func Addressable(i int) bool { return i >= 0 && i < Capacity }

// BanksFor returns how many banks are needed to cover n circuits, capped at Banks.
func BanksFor(n int) int {
	if n <= 0 {
		return 0
	}
	b := (n + LinesPerBank - 1) / LinesPerBank
	if b > Banks {
		b = Banks
	}
	return b
}

// AddressingError lists the circuit indexes that were skipped because they
// fall outside the addressable range.
type AddressingError struct {
	Op      string
	Skipped []int
}

func (e *AddressingError) Error() string {
	idx := make([]string, len(e.Skipped))
	for i, s := range e.Skipped {
		idx[i] = fmt.Sprint(s)
	}
	return fmt.Sprintf("%s: %s: circuit index %s beyond %d addressable lines",
		e.Op, errcode.UnsupportedAddressing, strings.Join(idx, ","), Capacity)
}

func (e *AddressingError) Unwrap() error { return ErrUnsupportedAddressing }

func (e *AddressingError) Code() errcode.Code { return errcode.UnsupportedAddressing }

// Unaddressable returns an AddressingError covering indexes [Capacity, n), or
// nil when every index is addressable.
func Unaddressable(op string, n int) error {
	if n <= Capacity {
		return nil
	}
	skipped := make([]int, 0, n-Capacity)
	for i := Capacity; i < n; i++ {
		skipped = append(skipped, i)
	}
	return &AddressingError{Op: op, Skipped: skipped}
}
