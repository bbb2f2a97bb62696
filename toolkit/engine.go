package toolkit

import (
	"strconv"
	"strings"

	"github.com/ftl/phonesim/gsm"
)

// Application is a SIM toolkit application driven by the Engine.
type Application interface {
	// Main builds and sends the main menu through the engine.
	Main(e *Engine)
	// MenuSelection handles a main menu selection.
	MenuSelection(e *Engine, id int)
	// MenuHelp handles a help request for a main menu item.
	MenuHelp(e *Engine, id int)
}

// Config describes the environment of a toolkit engine.
type Config struct {
	// Respond delivers a response to the command under processing.
	Respond func(text string)
	// Unsolicited delivers an unsolicited notification.
	Unsolicited func(text string)
	// App is the application served by the engine.
	App Application
}

// Engine manages the lifecycle of proactive SIM commands: it holds the
// pending command for FETCH, dispatches TERMINAL RESPONSE and ENVELOPE
// PDUs to the application, and signals new commands with *TCMD. It is
// not safe for concurrent use; the owning connection serializes all
// access on its event loop.
type Engine struct {
	respond     func(string)
	unsolicited func(string)
	app         Application

	expectedType   CommandType
	currentCommand []byte
	handler        func(TerminalResponse)
	inResponse     bool
}

// NewEngine creates a toolkit engine and starts the application.
func NewEngine(config Config) *Engine {
	result := &Engine{
		respond:     config.Respond,
		unsolicited: config.Unsolicited,
		app:         config.App,
	}
	if result.app != nil {
		result.app.Main(result)
	}
	return result
}

// Command sends a proactive command to the ME. handler is invoked when
// the TERMINAL RESPONSE arrives; for SetupMenu commands it should be
// nil, menu selections arrive through the application interface.
func (e *Engine) Command(cmd Command, handler func(TerminalResponse)) {
	e.currentCommand = cmd.ToPDU()
	e.expectedType = cmd.Type
	e.handler = handler

	// Announce the new proactive command. If we are in the middle of
	// processing a TERMINAL RESPONSE or ENVELOPE, the announcement is
	// carried in the 91XX status word instead.
	if !e.inResponse {
		e.unsolicited("*TCMD: " + strconv.Itoa(len(e.currentCommand)))
	}
}

// ControlEvent notifies the ME of a call-control-by-SIM decision.
func (e *Engine) ControlEvent(eventType int, pdu []byte) {
	e.unsolicited("*TCC: " + strconv.Itoa(eventType) + "," + gsm.BinaryToHex(pdu))
}

// abort clears the pending command and returns to the main menu.
func (e *Engine) abort() {
	e.expectedType = CommandNone
	e.currentCommand = nil
	e.handler = nil
	if e.app != nil {
		e.app.Main(e)
	}
}

// Execute handles a toolkit-related AT command. It reports whether the
// command was understood; unhandled commands fall through to the next
// handler in the dispatch chain.
func (e *Engine) Execute(cmd string) bool {
	// Toolkit session begin and end force the app back to the main menu.
	if cmd == "AT*TSTB" || cmd == "AT*TSTE" {
		e.respond("OK")
		e.abort()
		return true
	}

	if !strings.HasPrefix(cmd, "AT+CSIM=") {
		return false
	}
	comma := strings.IndexByte(cmd, ',')
	if comma < 0 {
		return false
	}
	param, err := gsm.HexToBinary(cmd[comma+1:])
	if err != nil || len(param) < 5 || param[0] != 0xA0 {
		return false
	}

	switch param[1] {
	case 0x10: // TERMINAL PROFILE
		e.respond("+CSIM: 4,9000\nOK")
		e.abort()

	case 0x12: // FETCH
		if len(e.currentCommand) == 0 {
			e.respond("+CSIM: 4,6F00\nOK")
			return true
		}
		resp := append(append([]byte{}, e.currentCommand...), 0x90, 0x00)
		e.respond("+CSIM: " + strconv.Itoa(len(resp)*2) + "," + gsm.BinaryToHex(resp) + "\nOK")

	case 0x14: // TERMINAL RESPONSE
		resp, err := ParseTerminalResponse(param[5:])
		if err != nil {
			e.respond("+CSIM: 4,6F00\nOK")
			return true
		}
		if resp.CommandType != CommandNone && resp.CommandType != e.expectedType {
			// Response to the wrong type of command.
			e.respond("+CSIM: 4,6F00\nOK")
			return true
		}
		e.response(resp)

	case 0xC2: // ENVELOPE
		env, err := ParseEnvelope(param[5:])
		if err != nil {
			return false
		}
		if env.Type == EnvelopeEventDownload {
			e.respond("+CSIM: 4,9000\nOK")
			return true
		}
		if env.Type != EnvelopeMenuSelection {
			return false
		}
		if e.expectedType != SetupMenu {
			// Envelope sent for the wrong type of command.
			e.respond("+CSIM: 4,6F00\nOK")
			return true
		}
		e.respond("+CSIM: 4,9000\nOK")
		e.expectedType = CommandNone
		e.currentCommand = nil
		e.handler = nil
		if e.app == nil {
			return true
		}
		if env.RequestHelp {
			e.app.MenuHelp(e, env.MenuItem)
		} else {
			e.app.MenuSelection(e, env.MenuItem)
		}

	default:
		// Not related to SIM toolkit.
		return false
	}
	return true
}

func (e *Engine) response(resp TerminalResponse) {
	handler := e.handler

	// A SetupMenu stays pending as the standing main menu; any other
	// command is cleared in preparation for a new one.
	if resp.CommandType != SetupMenu {
		e.expectedType = CommandNone
		e.currentCommand = nil
	}
	e.handler = nil

	e.inResponse = true
	if handler != nil {
		handler(resp)
	}
	e.inResponse = false

	if len(e.currentCommand) == 0 || resp.CommandType == SetupMenu {
		e.respond("+CSIM: 4,9000\nOK")
		return
	}
	// The handler issued a new command: answer with 91XX to announce
	// that it is ready to be fetched.
	data := []byte{0x91, byte(len(e.currentCommand))}
	e.respond("+CSIM: " + strconv.Itoa(len(data)*2) + "," + gsm.BinaryToHex(data) + "\nOK")
	e.unsolicited("*TCMD: " + strconv.Itoa(len(e.currentCommand)))
}
