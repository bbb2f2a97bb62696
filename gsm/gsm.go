// Package gsm provides the small codecs shared across the simulator:
// hex representation of binary PDUs, dial-number encoding according to
// GSM 27.007, and AT argument scanning.
package gsm

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// NumberType values for dial numbers according to GSM 27.007 7.6.
const (
	NumberInternational = 145
	NumberUnknown       = 129
)

var hexSanitizer = regexp.MustCompile(`\s+`)

// HexToBinary converts the hex representation used on the AT interface
// for binary data into a slice of bytes.
func HexToBinary(s string) ([]byte, error) {
	sanitized := hexSanitizer.ReplaceAllString(s, "")
	return hex.DecodeString(sanitized)
}

// BinaryToHex converts a slice of bytes into the hex representation
// used on the AT interface for binary data.
func BinaryToHex(pdu []byte) string {
	return strings.ToUpper(hex.EncodeToString(pdu))
}

// EncodeNumber formats a dial number as the `"number",type` argument
// pair used by +CLCC and related responses. A leading + marks an
// international number and is not part of the encoded digits.
func EncodeNumber(number string) string {
	if strings.HasPrefix(number, "+") {
		return Quote(number[1:]) + "," + strconv.Itoa(NumberInternational)
	}
	return Quote(number) + "," + strconv.Itoa(NumberUnknown)
}

// DecodeNumber reassembles a dial number from its encoded digits and
// type. Type 145 restores the leading +.
func DecodeNumber(number string, numberType int) string {
	if numberType == NumberInternational && !strings.HasPrefix(number, "+") {
		return "+" + number
	}
	return number
}

// Quote wraps s in double quotes.
func Quote(s string) string {
	return "\"" + s + "\""
}

// Unquote removes one level of surrounding double quotes, if present.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// NextString extracts the next argument of an AT command starting at
// pos. Quoted arguments lose their quotes; unquoted arguments end at
// the next comma. The returned position points behind the argument and
// its trailing comma, or past the end of the string.
func NextString(s string, pos int) (string, int) {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == ',') {
		pos++
	}
	if pos >= len(s) {
		return "", pos
	}
	if s[pos] == '"' {
		end := strings.IndexByte(s[pos+1:], '"')
		if end < 0 {
			return s[pos+1:], len(s)
		}
		return s[pos+1 : pos+1+end], pos + end + 2
	}
	end := strings.IndexByte(s[pos:], ',')
	if end < 0 {
		return s[pos:], len(s)
	}
	return s[pos : pos+end], pos + end
}

// NextInt extracts the next integer argument of an AT command starting
// at pos. It returns -1 when there is no parseable integer.
func NextInt(s string, pos int) (int, int) {
	value, next := NextString(s, pos)
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return -1, next
	}
	return result, next
}

// IsDigits reports whether s is non-empty and consists of dialable
// digits only.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c == '*' || c == '#' || c == '+':
		default:
			return false
		}
	}
	return true
}
