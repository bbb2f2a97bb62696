//go:build !linux

package serial

func FindModemPortName(string) (string, error) {
	// no-op for other OSes
	return "", NoModemPortFound
}
