//go:build linux

package serial

import (
	"strings"

	"github.com/hedhyw/Go-Serial-Detector/pkg/v1/serialdet"
)

// FindModemPortName returns the path of the first serial device whose
// description matches the given substring, e.g. a USB serial adapter
// wired to the system under test.
func FindModemPortName(description string) (string, error) {
	devices, err := serialdet.List()
	if err != nil {
		return "", err
	}

	description = strings.ToLower(description)
	for _, device := range devices {
		if strings.Contains(strings.ToLower(device.Description()), description) {
			return device.Path(), nil
		}
	}

	return "", NoModemPortFound
}
