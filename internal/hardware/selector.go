package hardware

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Line is a single digital output on the select side channel.
type Line interface {
	Set(high bool) error
}

// BankSelector drives the two mutually exclusive chip-select lines: selecting
// bank b asserts line b and deasserts the other one.
type BankSelector struct {
	lines     [Banks]Line
	activeLow bool
	logger    *logrus.Logger

	mu      sync.Mutex
	current int
}

// NewBankSelector wires the select lines. With activeLow the selected line is
// driven low and the other high, which is how the reference board is wired.
func NewBankSelector(lines [Banks]Line, activeLow bool, logger *logrus.Logger) *BankSelector {
	return &BankSelector{
		lines:     lines,
		activeLow: activeLow,
		logger:    logger,
		current:   -1,
	}
}

// Select routes the shared bus to bank b. Unknown banks leave the lines as
// they are and return ErrUnsupportedAddressing.
func (s *BankSelector) Select(b int) error {
	if b < 0 || b >= Banks {
		s.logger.WithField("bank", b).Warn("Unrecognised bank number, select ignored")
		return fmt.Errorf("select bank %d: %w", b, ErrUnsupportedAddressing)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Deassert first so two chips are never selected at once.
	for i, l := range s.lines {
		if i == b {
			continue
		}
		if err := l.Set(!s.level(true)); err != nil {
			s.current = -1
			return fmt.Errorf("deselect bank %d: %w", i, err)
		}
	}
	if err := s.lines[b].Set(s.level(true)); err != nil {
		s.current = -1
		return fmt.Errorf("select bank %d: %w", b, err)
	}
	s.current = b
	return nil
}

// Current returns the selected bank, or -1 when none is known to be selected.
func (s *BankSelector) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *BankSelector) level(asserted bool) bool {
	if s.activeLow {
		return !asserted
	}
	return asserted
}
