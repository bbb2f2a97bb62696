// Package serial opens the serial device on which the simulated modem
// is served, e.g. one end of a null-modem cable or a pty pair.
package serial

import (
	"errors"
	"io"

	"github.com/jacobsa/go-serial/serial"
)

// NoModemPortFound indicates that no serial device suitable for
// serving the modem could be detected.
var NoModemPortFound = errors.New("no modem serial device found")

// Open opens the named serial port with the line settings of a classic
// AT modem.
func Open(portName string) (io.ReadWriteCloser, error) {
	portConfig := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              115200,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		RTSCTSFlowControl:     false,
		MinimumReadSize:       1,
		InterCharacterTimeout: 100,
	}

	return serial.Open(portConfig)
}
