package sim

import (
	"fmt"

	"github.com/ftl/phonesim/sms"
)

// The control API allows to manipulate a running connection from the
// outside, e.g. from a test or a control frontend. All methods are
// synchronous: they run on the event loop of the connection and return
// when the operation is complete. After close they are no-ops.

// QueryVariable returns the value of a variable of the connection.
func (c *Connection) QueryVariable(name string) string {
	var result string
	c.do(func() {
		result = c.Variable(name)
	})
	return result
}

// AssignVariable sets a variable of the connection, expanding variable
// references in the value.
func (c *Connection) AssignVariable(name string, value string) {
	c.do(func() {
		c.SetVariable(name, value)
	})
}

// QueryState returns the name of the current state of the rule engine.
func (c *Connection) QueryState() string {
	var result string
	c.do(func() {
		result = c.currentState.Name
	})
	return result
}

// ChangeState switches the rule engine to the named state.
func (c *Connection) ChangeState(name string) {
	c.do(func() {
		c.SwitchTo(name)
	})
}

// SetReturnError forces the given error as response to the next repeat
// commands, or to all commands if repeat is 0. An empty error restores
// normal responses.
func (c *Connection) SetReturnError(err string, repeat int) {
	c.do(func() {
		c.returnErrorString = err
		c.returnErrorCount = repeat
	})
}

// StartIncomingCall simulates an incoming call from the given number.
func (c *Connection) StartIncomingCall(number string) {
	c.do(func() {
		c.callManager.StartIncomingCall(number)
	})
}

// DeliverMessage simulates an incoming SMS with the given originating
// address and text. It stores the message in the SIM message memory,
// notifies the terminal with +CMTI, and returns the storage index.
func (c *Connection) DeliverMessage(oa string, text string) (int, error) {
	var index int
	var err error
	c.do(func() {
		var pdu []byte
		pdu, err = sms.Deliver(oa, text, c.clock.Now())
		if err != nil {
			return
		}
		index = c.messages.Add(pdu)
		c.Unsolicited(fmt.Sprintf("+CMTI: \"SM\",%d", index))
	})
	return index, err
}
