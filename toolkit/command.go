// Package toolkit implements the SIM Application Toolkit side of the
// simulator: proactive commands delivered via FETCH, TERMINAL RESPONSE
// and ENVELOPE processing over AT+CSIM, and a demo application driving
// a menu through the engine.
package toolkit

import "fmt"

// CommandType identifies a proactive command, coded as in ETSI TS 11.14.
type CommandType byte

// All command types the engine deals with.
const (
	CommandNone CommandType = 0x00
	SetupCall   CommandType = 0x10
	PlayTone    CommandType = 0x20
	DisplayText CommandType = 0x21
	GetInkey    CommandType = 0x22
	GetInput    CommandType = 0x23
	SelectItem  CommandType = 0x24
	SetupMenu   CommandType = 0x25
)

// Device identities used in proactive command PDUs.
const (
	DeviceKeypad  = 0x01
	DeviceDisplay = 0x02
	DeviceSIM     = 0x81
	DeviceME      = 0x82
	DeviceNetwork = 0x83
)

// MenuItem is one entry of a SetupMenu or SelectItem command.
type MenuItem struct {
	Identifier int
	Label      string
}

// Command is a proactive SIM command in object form.
type Command struct {
	Type      CommandType
	Qualifier byte
	// Destination is the target device identity; 0 picks the default
	// for the command type.
	Destination byte
	// Text is the alpha identifier, menu title, or display text.
	Text string
	// Number is the callee for SetupCall commands.
	Number string
	Items  []MenuItem
}

func (c Command) destination() byte {
	if c.Destination != 0 {
		return c.Destination
	}
	if c.Type == DisplayText {
		return DeviceDisplay
	}
	return DeviceME
}

// ToPDU encodes the command as a BER-TLV proactive command PDU.
func (c Command) ToPDU() []byte {
	var body []byte
	body = appendTLV(body, 0x81, []byte{0x01, byte(c.Type), c.Qualifier})
	body = appendTLV(body, 0x82, []byte{DeviceSIM, c.destination()})
	if c.Text != "" {
		switch c.Type {
		case DisplayText, GetInkey, GetInput:
			// Text string with 8-bit data coding.
			body = appendTLV(body, 0x8D, append([]byte{0x04}, []byte(c.Text)...))
		default:
			body = appendTLV(body, 0x85, []byte(c.Text))
		}
	}
	if c.Number != "" {
		body = appendTLV(body, 0x86, append([]byte{0x81}, encodeBCD(c.Number)...))
	}
	for _, item := range c.Items {
		body = appendTLV(body, 0x8F, append([]byte{byte(item.Identifier)}, []byte(item.Label)...))
	}
	return appendTLV(nil, 0xD0, body)
}

// appendTLV appends a tag, a BER length, and the value to data.
func appendTLV(data []byte, tag byte, value []byte) []byte {
	data = append(data, tag)
	if len(value) > 0x7F {
		data = append(data, 0x81)
	}
	data = append(data, byte(len(value)))
	return append(data, value...)
}

// encodeBCD packs a dial number into swapped BCD nibbles.
func encodeBCD(number string) []byte {
	result := make([]byte, 0, (len(number)+1)/2)
	for i := 0; i < len(number); i += 2 {
		low := number[i] - '0'
		high := byte(0x0F)
		if i+1 < len(number) {
			high = number[i+1] - '0'
		}
		result = append(result, high<<4|low)
	}
	return result
}

type tlv struct {
	tag   byte
	value []byte
}

// parseTLVs splits data into its TLV elements. Tags are reported with
// the comprehension-required bit stripped.
func parseTLVs(data []byte) ([]tlv, error) {
	var result []tlv
	i := 0
	for i < len(data) {
		tag := data[i]
		i++
		if tag == 0x00 || tag == 0xFF {
			// Padding.
			continue
		}
		if i >= len(data) {
			return nil, fmt.Errorf("truncated TLV at %d", i)
		}
		length := int(data[i])
		i++
		if length == 0x81 {
			if i >= len(data) {
				return nil, fmt.Errorf("truncated TLV length at %d", i)
			}
			length = int(data[i])
			i++
		}
		if i+length > len(data) {
			return nil, fmt.Errorf("TLV value exceeds data at %d", i)
		}
		result = append(result, tlv{tag: tag & 0x7F, value: data[i : i+length]})
		i += length
	}
	return result, nil
}
