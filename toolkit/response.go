package toolkit

import "fmt"

// Result codes of a TERMINAL RESPONSE, coded as in ETSI TS 11.14.
const (
	ResultSuccess           = 0x00
	ResultSessionTerminated = 0x10
	ResultBackwardMove      = 0x11
	ResultHelpRequested     = 0x13
	ResultUnableToProcess   = 0x20
	ResultUserDidNotAccept  = 0x22
)

// TerminalResponse is a decoded TERMINAL RESPONSE PDU.
type TerminalResponse struct {
	// CommandType echoes the command this responds to, CommandNone
	// when the PDU carried no command details.
	CommandType CommandType
	Qualifier   byte
	Result      byte
	MenuItem    int
	Text        string
}

// ParseTerminalResponse decodes the TLV payload of a TERMINAL RESPONSE.
func ParseTerminalResponse(data []byte) (TerminalResponse, error) {
	elements, err := parseTLVs(data)
	if err != nil {
		return TerminalResponse{}, fmt.Errorf("invalid terminal response: %w", err)
	}
	result := TerminalResponse{}
	for _, element := range elements {
		switch element.tag {
		case 0x01: // command details
			if len(element.value) >= 3 {
				result.CommandType = CommandType(element.value[1])
				result.Qualifier = element.value[2]
			}
		case 0x03: // result
			if len(element.value) >= 1 {
				result.Result = element.value[0]
			}
		case 0x0D: // text string
			if len(element.value) >= 1 {
				result.Text = string(element.value[1:])
			}
		case 0x10: // item identifier
			if len(element.value) >= 1 {
				result.MenuItem = int(element.value[0])
			}
		}
	}
	return result, nil
}

// EnvelopeType identifies an ENVELOPE download.
type EnvelopeType byte

// The envelope types the engine deals with.
const (
	EnvelopeMenuSelection EnvelopeType = 0xD3
	EnvelopeEventDownload EnvelopeType = 0xD6
)

// Envelope is a decoded ENVELOPE PDU.
type Envelope struct {
	Type        EnvelopeType
	MenuItem    int
	RequestHelp bool
}

// ParseEnvelope decodes an ENVELOPE PDU, including its outer tag.
func ParseEnvelope(data []byte) (Envelope, error) {
	if len(data) < 2 {
		return Envelope{}, fmt.Errorf("invalid envelope: too short")
	}
	result := Envelope{Type: EnvelopeType(data[0])}
	body := data[2:]
	if data[1] == 0x81 && len(data) >= 3 {
		body = data[3:]
	}
	elements, err := parseTLVs(body)
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	for _, element := range elements {
		switch element.tag {
		case 0x10: // item identifier
			if len(element.value) >= 1 {
				result.MenuItem = int(element.value[0])
			}
		case 0x15: // help request
			result.RequestHelp = true
		}
	}
	return result, nil
}
