// Package sms implements the simulated short message store and the
// synthesis of SMS-DELIVER PDUs for network-side message injection.
package sms

import (
	"fmt"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/ftl/phonesim/gsm"
)

// Status values of a stored message, as used by +CMGL.
const (
	StatusReceivedUnread = 0
	StatusReceivedRead   = 1
)

// Message is one entry of the simulated message store.
type Message struct {
	PDU     []byte
	Status  int
	Deleted bool
}

// Store is the simulated message memory. It is not safe for concurrent
// use; the owning connection serializes all access on its event loop.
type Store struct {
	messages []Message
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{}
}

// Add appends a message PDU as received and unread. It returns the
// 1-based index of the new message.
func (s *Store) Add(pdu []byte) int {
	s.messages = append(s.messages, Message{PDU: pdu, Status: StatusReceivedUnread})
	return len(s.messages)
}

// Count returns the number of slots in the store, deleted ones included.
func (s *Store) Count() int {
	return len(s.messages)
}

// Message returns the message at the given 1-based index.
func (s *Store) Message(index int) (Message, bool) {
	if index < 1 || index > len(s.messages) {
		return Message{}, false
	}
	return s.messages[index-1], true
}

// Delete marks the message at the given 1-based index as deleted. It
// reports whether a message was deleted.
func (s *Store) Delete(index int) bool {
	if index < 1 || index > len(s.messages) || s.messages[index-1].Deleted {
		return false
	}
	s.messages[index-1].Deleted = true
	return true
}

// Deliver synthesizes an SMS-DELIVER PDU for the given originating
// address and text, using the 7-bit default alphabet when the text
// fits, UCS-2 otherwise. The PDU starts with a zero-length SMSC
// address, as expected by +CMT/+CMGL consumers.
func Deliver(oa string, text string, timestamp time.Time) ([]byte, error) {
	result := []byte{0x00} // no SMSC address
	result = append(result, 0x04)
	result = append(result, encodeAddress(oa)...)
	result = append(result, 0x00) // PID

	if is7Bit(text) {
		result = append(result, 0x00) // DCS: 7-bit default alphabet
		result = append(result, encodeTimestamp(timestamp)...)
		if len(text) > 160 {
			return nil, fmt.Errorf("text too long for a single message: %d septets", len(text))
		}
		result = append(result, byte(len(text)))
		result = append(result, pack7Bit(text)...)
		return result, nil
	}

	result = append(result, 0x08) // DCS: UCS-2
	result = append(result, encodeTimestamp(timestamp)...)
	encoded, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("cannot encode text as UCS-2: %w", err)
	}
	if len(encoded) > 140 {
		return nil, fmt.Errorf("text too long for a single message: %d octets", len(encoded))
	}
	result = append(result, byte(len(encoded)))
	result = append(result, encoded...)
	return result, nil
}

// encodeAddress encodes a dial number as address length in digits,
// type octet, and swapped BCD digits.
func encodeAddress(number string) []byte {
	numberType := byte(gsm.NumberUnknown)
	if len(number) > 0 && number[0] == '+' {
		numberType = gsm.NumberInternational
		number = number[1:]
	}
	result := []byte{byte(len(number)), numberType}
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

// encodeTimestamp encodes a service centre timestamp as seven swapped
// BCD octets: year, month, day, hour, minute, second, timezone.
func encodeTimestamp(t time.Time) []byte {
	_, offset := t.Zone()
	quarters := offset / (15 * 60)
	sign := byte(0)
	if quarters < 0 {
		quarters = -quarters
		sign = 0x08
	}
	// The sign lives in bit 3 of the swapped timezone octet.
	tz := swapBCD(quarters)
	tz |= sign

	return []byte{
		swapBCD(t.Year() % 100),
		swapBCD(int(t.Month())),
		swapBCD(t.Day()),
		swapBCD(t.Hour()),
		swapBCD(t.Minute()),
		swapBCD(t.Second()),
		tz,
	}
}

func swapBCD(value int) byte {
	return byte(value%10)<<4 | byte(value/10)
}

func is7Bit(text string) bool {
	for _, c := range text {
		if c > 0x7F {
			return false
		}
	}
	return true
}

// pack7Bit packs text into the GSM 7-bit default alphabet encoding.
// The text is assumed to be plain ASCII; characters outside the common
// subset are carried as-is.
func pack7Bit(text string) []byte {
	result := make([]byte, 0, (len(text)*7+7)/8)
	var acc uint
	bits := 0
	for i := 0; i < len(text); i++ {
		acc |= uint(text[i]&0x7F) << bits
		bits += 7
		for bits >= 8 {
			result = append(result, byte(acc))
			acc >>= 8
			bits -= 8
		}
	}
	if bits > 0 {
		result = append(result, byte(acc))
	}
	return result
}
