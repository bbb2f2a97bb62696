package sim

import (
	"fmt"
	"strings"
	"time"

	"github.com/ftl/phonesim/clock"
	"github.com/ftl/phonesim/gsm"
	"github.com/ftl/phonesim/mux"
	"github.com/ftl/phonesim/rules"
)

// Expand replaces ${name} references in s with the variable values of
// this connection. A '$' not followed by '{' is kept verbatim, an
// unterminated reference extends to the end of the string.
func (c *Connection) Expand(s string) string {
	index := strings.IndexByte(s, '$')
	if index < 0 {
		return s
	}

	var result strings.Builder
	prev := 0
	for index >= 0 {
		result.WriteString(s[prev:index])
		index++
		if index < len(s) && s[index] == '{' {
			index++
			start := index
			end := strings.IndexByte(s[index:], '}')
			if end < 0 {
				end = len(s)
				index = len(s)
			} else {
				end += index
				index = end + 1
			}
			result.WriteString(c.variables[s[start:end]])
		} else {
			result.WriteString("$")
		}
		prev = index
		next := strings.IndexByte(s[index:], '$')
		if next < 0 {
			index = -1
		} else {
			index += next
		}
	}
	result.WriteString(s[prev:])
	return result.String()
}

// Respond expands and writes a response, immediately or delayed. A
// forced return error replaces the response text until its repeat
// count is used up.
func (c *Connection) Respond(text string, delay int, eol bool) {
	r := c.Expand(text)
	if c.returnErrorString != "" {
		r = c.returnErrorString
		if c.returnErrorCount > 0 {
			c.returnErrorCount--
		}
		if c.returnErrorCount == 0 {
			c.returnErrorString = ""
		}
	}

	escaped := []byte(rules.ExpandEscapes(r, eol))
	if delay == 0 {
		c.writeChatData(escaped)
		return
	}

	// Delayed responses go out on the channel that was current when
	// the response was triggered.
	channel := c.currentChannel
	c.clock.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		save := c.currentChannel
		c.currentChannel = channel
		c.writeChatData(escaped)
		c.currentChannel = save
	})
}

// Unsolicited expands and writes an unsolicited notification.
func (c *Connection) Unsolicited(text string) {
	escaped := []byte(rules.ExpandEscapes(c.Expand(text), true))
	c.writeChatData(escaped)
}

func (c *Connection) writeChatData(data []byte) {
	if c.Closed() {
		return
	}
	var err error
	if !c.useMux {
		_, err = c.device.Write(data)
	} else {
		err = mux.WriteChunked(c.device, c.currentChannel, data)
	}
	if err != nil {
		c.log.Debug("write failed", "error", err)
	}
}

// SetVariable sets a variable of this connection, expanding variable
// references in the value.
func (c *Connection) SetVariable(name string, value string) {
	c.variables[name] = c.Expand(value)
}

// Variable returns the value of a variable of this connection.
func (c *Connection) Variable(name string) string {
	return c.variables[name]
}

// SwitchTo changes the current state of the rule engine.
func (c *Connection) SwitchTo(name string) {
	newState := c.definition.State(name)
	if newState == nil {
		c.log.Warn("no such state", "name", name)
		return
	}
	c.currentState.Leave()
	c.currentState = newState
	c.currentState.Enter(c)
}

// AllocateCallID reserves the lowest free rule-side call identifier,
// or -1 if all identifiers are in use.
func (c *Connection) AllocateCallID() int {
	for id := 1; id <= 32; id++ {
		if c.usedCallIDs&(1<<uint(id)) == 0 {
			c.usedCallIDs |= 1 << uint(id)
			return id
		}
	}
	return -1
}

// ReleaseCallID frees a rule-side call identifier.
func (c *Connection) ReleaseCallID(id int) {
	if id < 1 || id > 32 {
		return
	}
	c.usedCallIDs &^= 1 << uint(id)
}

// ReleaseAllCallIDs frees all rule-side call identifiers.
func (c *Connection) ReleaseAllCallIDs() {
	c.usedCallIDs = 0
}

// ListMessages responds with a +CMGL listing of the message store.
// Messages are only listed while the SIM message memory is selected.
func (c *Connection) ListMessages(delay int, eol bool) {
	var response strings.Builder
	if c.Variable("MSGMEM") == "SM" {
		count := c.messages.Count()
		for i := 1; i <= count; i++ {
			message, _ := c.messages.Message(i)
			if message.Deleted {
				continue
			}
			fmt.Fprintf(&response, "+CMGL: %d,%d,10\n%s", i, message.Status, gsm.BinaryToHex(message.PDU))
			if i < count {
				response.WriteString("\n")
			}
		}
	}
	response.WriteString("\nOK")
	c.Respond(response.String(), delay, eol)
}

// DeleteMessage deletes the message at the given 1-based index and
// responds with OK, or with ERROR if there is no such message.
func (c *Connection) DeleteMessage(index int, delay int, eol bool) {
	if !c.messages.Delete(index) {
		c.Respond("ERROR", delay, eol)
		return
	}
	c.Respond("OK", delay, eol)
}

// Schedule arms a timer that runs fn on the event loop of this
// connection.
func (c *Connection) Schedule(delay time.Duration, fn func()) clock.Timer {
	return c.clock.AfterFunc(delay, fn)
}

// dialCheck reports whether dialing the given number is allowed under
// the fixed-dialing phone book, if fixed dialing is active.
func (c *Connection) dialCheck(number string) bool {
	if c.Variable("FD") != "1" {
		return true
	}
	fd, ok := c.phonebooks["FD"]
	if !ok {
		return false
	}

	// The dial is OK if the number starts with an entry of "FD".
	allowed := true
	for i := 1; i <= fd.Used(); i++ {
		if strings.HasPrefix(number, fd.Number(i)) {
			return true
		}
		allowed = false
	}
	if number == "112" || number == "911" || number == "08" || number == "000" {
		return true
	}
	return allowed
}
