package sim

import (
	"strings"

	"github.com/ftl/phonesim/gsm"
)

// command runs one extracted command line through the dispatch chain:
// call manager, toolkit engine, SIM commands, rule engine, built-ins.
func (c *Connection) command(cmd string) {
	c.log.Debug("command", "cmd", cmd)

	if c.callManager.Command(cmd) {
		c.handledCommand("calls")
		return
	}
	if c.engine.Execute(cmd) {
		c.handledCommand("toolkit")
		return
	}
	if c.simCommand(cmd) {
		c.handledCommand("sim")
		return
	}

	handled := c.currentState.Command(cmd, c)
	if !handled && c.currentState != c.definition.DefaultState {
		handled = c.definition.DefaultState.Command(cmd, c)
	}
	if handled {
		c.handledCommand("rules")
		return
	}

	switch {
	case strings.HasPrefix(cmd, "AT+CRSM=") && c.filesystem != nil:
		c.handledCommand("filesystem")
		c.Respond(c.filesystem.CRSM(cmd[8:]), 0, true)
	case strings.HasPrefix(cmd, "AT+CPBS"),
		strings.HasPrefix(cmd, "AT+CPBR"),
		strings.HasPrefix(cmd, "AT+CPBW"):
		c.handledCommand("phonebook")
		c.phoneBook(cmd)
	case strings.HasPrefix(cmd, "AT+CMUX=0,"):
		c.handledCommand("mux")
		c.Respond("OK", 0, true)
		c.useMux = true
		c.log.Debug("multiplexing activated")
	case strings.HasPrefix(cmd, `AT+CPWD="SC","`):
		c.handledCommand("pin")
		c.changePin(cmd)
	case strings.HasPrefix(cmd, "AT"):
		c.handledCommand("unknown")
		c.Respond("ERROR", 0, true)
	}
}

// simCommand handles SIM commands sent via AT+CSIM that are not
// toolkit related. Currently that is only UNBLOCK CHV, for resetting
// a PIN using a PUK.
func (c *Connection) simCommand(cmd string) bool {
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

	if param[1] == 0x2C && param[4] == 0x10 && len(param) >= 21 {
		pinName := "PINVALUE"
		pukName := "PUKVALUE"
		if param[3] == 0x02 {
			pinName = "PIN2VALUE"
			pukName = "PUK2VALUE"
		}
		pukValue := trimFill(param[5:13])
		pinValue := trimFill(param[13:21])
		if string(pukValue) != c.Variable(pukName) {
			c.Respond("+CSIM: 4,9804\nOK", 0, true)
		} else {
			c.SetVariable(pinName, string(pinValue))
			c.Respond("+CSIM: 4,9000\nOK", 0, true)
		}
		return true
	}

	return false
}

// trimFill strips trailing 0xFF fill bytes off a fixed-size PIN field.
func trimFill(value []byte) []byte {
	end := len(value)
	for end > 0 && value[end-1] == 0xFF {
		end--
	}
	return value[:end]
}

// changePin handles AT+CPWD="SC","<old>","<new>".
func (c *Connection) changePin(cmd string) {
	parts := strings.Split(cmd, `"`)
	if len(parts) < 6 {
		c.Respond("ERROR", 0, true)
		return
	}
	oldPin := parts[3]
	newPin := parts[5]
	if c.Variable("PINVALUE") != oldPin {
		c.Respond("ERROR", 0, true)
		return
	}
	if len(newPin) < 4 || len(newPin) > 8 {
		c.Respond("ERROR", 0, true)
		return
	}
	c.SetVariable("PINVALUE", newPin)
	c.Respond("OK", 0, true)
}
