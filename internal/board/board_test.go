package board

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fakeLine struct {
	levels   []bool
	setErr   error
	closeErr error
	closed   bool
}

func (l *fakeLine) Set(high bool) error {
	l.levels = append(l.levels, high)
	return l.setErr
}

func (l *fakeLine) Close() error {
	l.closed = true
	return l.closeErr
}

func TestRelease_DrivesLowThenCloses(t *testing.T) {
	l := &fakeLine{}

	assert.NoError(t, release(l)())
	assert.Equal(t, []bool{false}, l.levels)
	assert.True(t, l.closed)
}

func TestRelease_KeepsBothErrors(t *testing.T) {
	setErr := errors.New("line busy")
	closeErr := errors.New("bad fd")
	l := &fakeLine{setErr: setErr, closeErr: closeErr}

	err := release(l)()
	assert.ErrorIs(t, err, setErr)
	assert.ErrorIs(t, err, closeErr)
	assert.True(t, l.closed, "line must be closed even when it cannot be driven low")
}

func TestClose_ReverseOrderAndJoinedErrors(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	var order []string
	enableErr := errors.New("enable line stuck")
	b := &Board{logger: logger}
	b.onClose(func() error { order = append(order, "select"); return nil })
	b.onClose(release(&fakeLine{setErr: enableErr}))
	b.onClose(func() error { order = append(order, "spi"); return nil })

	err := b.Close()
	assert.ErrorIs(t, err, enableErr)
	assert.Equal(t, []string{"spi", "select"}, order)
	assert.NoError(t, b.Close())
}
