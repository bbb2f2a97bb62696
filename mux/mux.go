// Package mux implements the subset of the GSM 07.10 basic multiplexing
// mode that modem-side software actually uses: UIH/UI frames with one-byte
// address and length fields, channel 0 control messages, and the frame
// checksum over the three header bytes.
package mux

import (
	"fmt"
	"io"
)

// Flag delimits GSM 07.10 frames on the wire.
const Flag = 0xF9

// Frame types after stripping the poll/final bit.
const (
	FrameUIH = 0xEF
	FrameUI  = 0x03
)

// MaxFrameSize is the largest payload carried in a single frame.
const MaxFrameSize = 31

var crcTable = [256]byte{
	0x00, 0x91, 0xE3, 0x72, 0x07, 0x96, 0xE4, 0x75,
	0x0E, 0x9F, 0xED, 0x7C, 0x09, 0x98, 0xEA, 0x7B,
	0x1C, 0x8D, 0xFF, 0x6E, 0x1B, 0x8A, 0xF8, 0x69,
	0x12, 0x83, 0xF1, 0x60, 0x15, 0x84, 0xF6, 0x67,
	0x38, 0xA9, 0xDB, 0x4A, 0x3F, 0xAE, 0xDC, 0x4D,
	0x36, 0xA7, 0xD5, 0x44, 0x31, 0xA0, 0xD2, 0x43,
	0x24, 0xB5, 0xC7, 0x56, 0x23, 0xB2, 0xC0, 0x51,
	0x2A, 0xBB, 0xC9, 0x58, 0x2D, 0xBC, 0xCE, 0x5F,
	0x70, 0xE1, 0x93, 0x02, 0x77, 0xE6, 0x94, 0x05,
	0x7E, 0xEF, 0x9D, 0x0C, 0x79, 0xE8, 0x9A, 0x0B,
	0x6C, 0xFD, 0x8F, 0x1E, 0x6B, 0xFA, 0x88, 0x19,
	0x62, 0xF3, 0x81, 0x10, 0x65, 0xF4, 0x86, 0x17,
	0x48, 0xD9, 0xAB, 0x3A, 0x4F, 0xDE, 0xAC, 0x3D,
	0x46, 0xD7, 0xA5, 0x34, 0x41, 0xD0, 0xA2, 0x33,
	0x54, 0xC5, 0xB7, 0x26, 0x53, 0xC2, 0xB0, 0x21,
	0x5A, 0xCB, 0xB9, 0x28, 0x5D, 0xCC, 0xBE, 0x2F,
	0xE0, 0x71, 0x03, 0x92, 0xE7, 0x76, 0x04, 0x95,
	0xEE, 0x7F, 0x0D, 0x9C, 0xE9, 0x78, 0x0A, 0x9B,
	0xFC, 0x6D, 0x1F, 0x8E, 0xFB, 0x6A, 0x18, 0x89,
	0xF2, 0x63, 0x11, 0x80, 0xF5, 0x64, 0x16, 0x87,
	0xD8, 0x49, 0x3B, 0xAA, 0xDF, 0x4E, 0x3C, 0xAD,
	0xD6, 0x47, 0x35, 0xA4, 0xD1, 0x40, 0x32, 0xA3,
	0xC4, 0x55, 0x27, 0xB6, 0xC3, 0x52, 0x20, 0xB1,
	0xCA, 0x5B, 0x29, 0xB8, 0xCD, 0x5C, 0x2E, 0xBF,
	0x90, 0x01, 0x73, 0xE2, 0x97, 0x06, 0x74, 0xE5,
	0x9E, 0x0F, 0x7D, 0xEC, 0x99, 0x08, 0x7A, 0xEB,
	0x8C, 0x1D, 0x6F, 0xFE, 0x8B, 0x1A, 0x68, 0xF9,
	0x82, 0x13, 0x61, 0xF0, 0x85, 0x14, 0x66, 0xF7,
	0xA8, 0x39, 0x4B, 0xDA, 0xAF, 0x3E, 0x4C, 0xDD,
	0xA6, 0x37, 0x45, 0xD4, 0xA1, 0x30, 0x42, 0xD3,
	0xB4, 0x25, 0x57, 0xC6, 0xB3, 0x22, 0x50, 0xC1,
	0xBA, 0x2B, 0x59, 0xC8, 0xBD, 0x2C, 0x5E, 0xCF,
}

// Checksum computes the GSM 07.10 frame checksum. It is only computed
// over the three header bytes, never over the payload.
func Checksum(data []byte) byte {
	sum := byte(0xFF)
	for _, b := range data {
		sum = crcTable[sum^b]
	}
	return 0xFF - sum
}

// Frame is a single GSM 07.10 frame with one-byte address and length
// fields.
type Frame struct {
	Channel int
	Type    byte
	Payload []byte
}

// IsTerminate reports whether the frame is the channel 0 close-down
// message that ends multiplexing mode.
func (f Frame) IsTerminate() bool {
	return f.Channel == 0 &&
		len(f.Payload) == 2 &&
		f.Payload[0] == 0xC3 &&
		f.Payload[1] == 0x01
}

// Encode serializes the frame, including both flag bytes.
func (f Frame) Encode() []byte {
	result := make([]byte, 0, len(f.Payload)+6)
	result = append(result,
		Flag,
		byte(f.Channel<<2)|0x03,
		f.Type,
		byte(len(f.Payload)<<1)|0x01,
	)
	result = append(result, f.Payload...)
	result = append(result, Checksum(result[1:4]), Flag)
	return result
}

// ScanResult tells the caller of Scan how to treat the consumed bytes.
type ScanResult int

const (
	// ResultIncomplete means more input is needed; nothing is consumed.
	ResultIncomplete ScanResult = iota
	// ResultFrame means a valid frame was decoded.
	ResultFrame
	// ResultGarbage means the consumed bytes were not part of a frame.
	ResultGarbage
	// ResultBadChecksum means a frame was found but its checksum failed.
	ResultBadChecksum
)

// Scan inspects the start of buf for a GSM 07.10 frame. It returns the
// decoded frame (for ResultFrame), the number of bytes to drop from the
// front of buf, and the scan result. Repeated flag bytes between frames
// are absorbed into the frame that follows them.
func Scan(buf []byte) (Frame, int, ScanResult) {
	if len(buf) == 0 {
		return Frame{}, 0, ResultIncomplete
	}
	if buf[0] != Flag {
		return Frame{}, 1, ResultGarbage
	}

	posn := 0
	for posn+1 < len(buf) && buf[posn+1] == Flag {
		posn++
	}

	if posn+4 > len(buf) {
		return Frame{}, 0, ResultIncomplete
	}

	// The low bits of the address and length bytes must be 1, marking
	// short channel number and length values.
	if buf[posn+1]&0x01 == 0 || buf[posn+3]&0x01 == 0 {
		return Frame{}, posn + 1, ResultGarbage
	}

	length := int(buf[posn+3]>>1) & 0x7F
	if posn+5+length > len(buf) {
		return Frame{}, 0, ResultIncomplete
	}

	if Checksum(buf[posn+1:posn+4]) != buf[posn+length+4] {
		return Frame{}, posn + length + 5, ResultBadChecksum
	}

	frame := Frame{
		Channel: int(buf[posn+1]>>2) & 0x3F,
		Type:    buf[posn+2] & 0xEF, // strip the P/F bit
		Payload: append([]byte{}, buf[posn+4:posn+4+length]...),
	}
	return frame, posn + length + 5, ResultFrame
}

// WriteChunked writes data as a sequence of UIH frames on the given
// channel, at most MaxFrameSize payload bytes per frame.
func WriteChunked(w io.Writer, channel int, data []byte) error {
	for len(data) > 0 {
		chunk := data
		if len(chunk) > MaxFrameSize {
			chunk = chunk[:MaxFrameSize]
		}
		frame := Frame{Channel: channel, Type: FrameUIH, Payload: chunk}
		if _, err := w.Write(frame.Encode()); err != nil {
			return fmt.Errorf("cannot write frame: %w", err)
		}
		data = data[len(chunk):]
	}
	return nil
}
