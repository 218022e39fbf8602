//go:build !linux

package board

import (
	"errors"

	"github.com/sirupsen/logrus"
)

func openLinux(Options, *logrus.Logger) (*Board, error) {
	return nil, errors.New("the linux hardware backend needs a linux host, use the sim backend")
}
