package sim

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/phonesim/clock"
	"github.com/ftl/phonesim/mux"
	"github.com/ftl/phonesim/rules"
)

const testRules = `
<simulator>
<set name="PINNAME" value="READY"/>
<set name="MSGMEM" value="SM"/>
<set name="PINVALUE" value="1234"/>
<set name="PUKVALUE" value="12345678"/>
<chat>
	<command>AT+FALLBACK</command>
	<response>+FALLBACK: default\nOK</response>
</chat>
<state name="start">
	<chat>
		<command>AT+CGMI</command>
		<response>phonesim\nOK</response>
	</chat>
	<chat>
		<command>AT+DELAY</command>
		<response delay="100">OK</response>
	</chat>
	<chat>
		<command>AT+WHO</command>
		<response>+WHO: ${PHONENUMBER}\nOK</response>
	</chat>
	<chat>
		<command>AT+SWITCH</command>
		<response>OK</response>
		<switch name="other"/>
	</chat>
	<chat>
		<command>AT+CMGL=4</command>
		<response></response>
		<listSMS/>
	</chat>
	<chat>
		<command>AT+CMGD=*</command>
		<response></response>
		<deleteSMS/>
	</chat>
</state>
<state name="other">
	<chat>
		<command>AT+WHERE</command>
		<response>+WHERE: other\nOK</response>
	</chat>
</state>
<start name="start"/>
<phonebook name="FD" size="10">
	<entry index="1" number="555" name="Fixed"/>
</phonebook>
<filesystem>
	<file name="3F007F206F11" type="transparent">0102030405</file>
	<file name="6F3A" type="linear" recordsize="4">AABBCCDD11223344</file>
</filesystem>
</simulator>
`

type simHarness struct {
	device *InMemory
	clk    *clock.Fake
	conn   *Connection
}

func openSim(t *testing.T) *simHarness {
	t.Helper()
	definition, err := rules.Load(strings.NewReader(testRules))
	require.NoError(t, err)

	result := &simHarness{
		device: NewInMemory(),
		clk:    clock.NewFake(),
	}
	result.conn = Open(result.device, Config{
		Rules:       definition,
		Clock:       result.clk,
		PhoneNumber: "15551234567",
	})
	t.Cleanup(func() { result.conn.Close() })

	// Drop the toolkit menu announcement emitted on connect.
	result.waitFor(t, "*TCMD: ")
	result.device.ClearWrite()

	return result
}

func (h *simHarness) send(text string) {
	h.device.PrepareRead([]byte(text))
}

// waitFor polls the written output until it contains the given text.
func (h *simHarness) waitFor(t *testing.T, substr string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		written := string(h.device.Written())
		if strings.Contains(written, substr) {
			return written
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %q in output %q", substr, h.device.Written())
	return ""
}

// waitForTimers polls until at least n timers are armed on the fake clock.
func (h *simHarness) waitForTimers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.clk.Pending() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d pending timers", n)
}

func TestAnnouncesToolkitMenuOnConnect(t *testing.T) {
	definition, err := rules.Load(strings.NewReader(testRules))
	require.NoError(t, err)
	device := NewInMemory()
	conn := Open(device, Config{Rules: definition, Clock: clock.NewFake()})
	defer conn.Close()

	written := string(device.Written())
	assert.True(t, strings.HasPrefix(written, "*TCMD: "), "got %q", written)
	assert.True(t, strings.HasSuffix(written, "\r\n"))
}

func TestChatResponse(t *testing.T) {
	h := openSim(t)

	h.send("AT+CGMI\r\n")

	assert.Contains(t, h.waitFor(t, "OK"), "phonesim\r\nOK\r\n")
}

func TestUnknownCommandIsError(t *testing.T) {
	h := openSim(t)

	h.send("AT+UNKNOWN\r\n")

	assert.Contains(t, h.waitFor(t, "ERROR"), "ERROR\r\n")
}

func TestNonATLineIsIgnored(t *testing.T) {
	h := openSim(t)

	h.send("garbage\r\n")
	h.send("AT+CGMI\r\n")

	written := h.waitFor(t, "OK")
	assert.NotContains(t, written, "ERROR")
}

func TestVariableExpansion(t *testing.T) {
	h := openSim(t)

	h.send("AT+WHO\r\n")

	assert.Contains(t, h.waitFor(t, "OK"), "+WHO: 15551234567\r\n")
}

func TestDelayedResponse(t *testing.T) {
	h := openSim(t)

	h.send("AT+DELAY\r\n")
	h.waitForTimers(t, 1)
	assert.Empty(t, h.device.Written())

	h.clk.Advance(100 * time.Millisecond)

	assert.Contains(t, h.waitFor(t, "OK"), "OK\r\n")
}

func TestStateSwitchAndDefaultFallback(t *testing.T) {
	h := openSim(t)

	h.send("AT+SWITCH\r\n")
	h.waitFor(t, "OK")
	assert.Equal(t, "other", h.conn.QueryState())
	h.device.ClearWrite()

	h.send("AT+WHERE\r\n")
	h.waitFor(t, "+WHERE: other")
	h.device.ClearWrite()

	// Commands of the default state still work in the other state.
	h.send("AT+FALLBACK\r\n")
	h.waitFor(t, "+FALLBACK: default")

	// Commands of the start state do not.
	h.device.ClearWrite()
	h.send("AT+CGMI\r\n")
	assert.Contains(t, h.waitFor(t, "ERROR"), "ERROR\r\n")
}

func TestReturnErrorOverride(t *testing.T) {
	h := openSim(t)

	h.conn.SetReturnError("+CME ERROR: 3", 1)
	h.send("AT+CGMI\r\n")
	written := h.waitFor(t, "+CME ERROR: 3")
	assert.NotContains(t, written, "phonesim")
	h.device.ClearWrite()

	// The override is used up after one response.
	h.send("AT+CGMI\r\n")
	assert.Contains(t, h.waitFor(t, "OK"), "phonesim")
}

func TestUnblockPIN(t *testing.T) {
	h := openSim(t)

	// UNBLOCK CHV with the correct PUK sets the new PIN.
	h.send("AT+CSIM=42,A02C000010313233343536373834333231FFFFFFFF\r\n")
	assert.Contains(t, h.waitFor(t, "+CSIM"), "+CSIM: 4,9000")
	assert.Equal(t, "4321", h.conn.QueryVariable("PINVALUE"))
	h.device.ClearWrite()

	// A wrong PUK is rejected and the PIN stays unchanged.
	h.send("AT+CSIM=42,A02C000010383736353433323139393939FFFFFFFF\r\n")
	assert.Contains(t, h.waitFor(t, "+CSIM"), "+CSIM: 4,9804")
	assert.Equal(t, "4321", h.conn.QueryVariable("PINVALUE"))
}

func TestChangePIN(t *testing.T) {
	h := openSim(t)

	h.send("AT+CPWD=\"SC\",\"0000\",\"5678\"\r\n")
	h.waitFor(t, "ERROR")
	assert.Equal(t, "1234", h.conn.QueryVariable("PINVALUE"), "wrong old PIN")
	h.device.ClearWrite()

	h.send("AT+CPWD=\"SC\",\"1234\",\"56\"\r\n")
	h.waitFor(t, "ERROR")
	assert.Equal(t, "1234", h.conn.QueryVariable("PINVALUE"), "new PIN too short")
	h.device.ClearWrite()

	h.send("AT+CPWD=\"SC\",\"1234\",\"5678\"\r\n")
	h.waitFor(t, "OK")
	assert.Equal(t, "5678", h.conn.QueryVariable("PINVALUE"))
}

func TestPhoneBook(t *testing.T) {
	h := openSim(t)

	h.send("AT+CPBS?\r\n")
	assert.Contains(t, h.waitFor(t, "+CPBS"), "+CPBS: \"SM\",0,150\r\n")
	h.device.ClearWrite()

	h.send("AT+CPBW=1,\"+491701234567\",145,\"Alice\"\r\n")
	h.waitFor(t, "OK")
	h.device.ClearWrite()

	h.send("AT+CPBR=1,5\r\n")
	written := h.waitFor(t, "OK")
	assert.Contains(t, written, "+CPBR: 1,\"491701234567\",145,\"Alice\"\r\n")
	h.device.ClearWrite()

	h.send("AT+CPBR=?\r\n")
	assert.Contains(t, h.waitFor(t, "+CPBR"), "+CPBR: (1-150),32,16\r\n")
	h.device.ClearWrite()

	// Overlong names and numbers are rejected.
	h.send("AT+CPBW=2,\"123\",129,\"seventeen chars !\"\r\n")
	h.waitFor(t, "ERROR")
	h.device.ClearWrite()
	h.send("AT+CPBW=2,\"123456789012345678901234567890123\",129,\"Bob\"\r\n")
	h.waitFor(t, "ERROR")
	h.device.ClearWrite()

	// Deleting clears the slot.
	h.send("AT+CPBW=1\r\n")
	h.waitFor(t, "OK")
	h.device.ClearWrite()
	h.send("AT+CPBR=1\r\n")
	written = h.waitFor(t, "OK")
	assert.NotContains(t, written, "+CPBR: 1")
}

func TestPhoneBookRequiresReadyPIN(t *testing.T) {
	h := openSim(t)

	h.conn.AssignVariable("PINNAME", "SIM PIN")
	h.send("AT+CPBS?\r\n")

	assert.Contains(t, h.waitFor(t, "ERROR"), "ERROR\r\n")
}

func TestSelectPhoneBookWithPassword(t *testing.T) {
	h := openSim(t)
	h.conn.AssignVariable("PIN2VALUE", "9999")

	h.send("AT+CPBS=\"FD\",\"1111\"\r\n")
	h.waitFor(t, "ERROR")
	h.device.ClearWrite()

	h.send("AT+CPBS=\"FD\",\"9999\"\r\n")
	h.waitFor(t, "OK")
	h.device.ClearWrite()

	h.send("AT+CPBS?\r\n")
	assert.Contains(t, h.waitFor(t, "+CPBS"), "+CPBS: \"FD\",1,10\r\n")
}

func TestFixedDialingBlocksUnknownNumbers(t *testing.T) {
	h := openSim(t)
	h.conn.AssignVariable("FD", "1")

	h.send("ATD123456;\r\n")
	assert.Contains(t, h.waitFor(t, "ERROR"), "ERROR\r\n")
	h.device.ClearWrite()

	// Numbers with an FD prefix and emergency numbers are allowed.
	h.send("ATD5551234;\r\n")
	h.waitFor(t, "OK")
	h.device.ClearWrite()
	h.send("AT+CHUP\r\n")
	h.waitFor(t, "OK")
	h.device.ClearWrite()

	h.send("ATD911;\r\n")
	assert.Contains(t, h.waitFor(t, "OK"), "OK\r\n")
}

func TestIncomingCall(t *testing.T) {
	h := openSim(t)

	h.conn.StartIncomingCall("12345")

	written := h.waitFor(t, "+CLIP")
	assert.Contains(t, written, "RING\r\n")
	assert.Contains(t, written, "+CLIP: \"12345\",129\r\n")
}

func TestMessageDeliveryAndList(t *testing.T) {
	h := openSim(t)

	index, err := h.conn.DeliverMessage("+491701234567", "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Contains(t, h.waitFor(t, "+CMTI"), "+CMTI: \"SM\",1\r\n")
	h.device.ClearWrite()

	h.send("AT+CMGL=4\r\n")
	written := h.waitFor(t, "OK")
	assert.Contains(t, written, "+CMGL: 1,0,10\r\n")
	assert.Contains(t, written, "E8329BFD06")
	h.device.ClearWrite()

	h.send("AT+CMGD=1\r\n")
	h.waitFor(t, "OK")
	h.device.ClearWrite()

	// Deleting again fails, and the listing is empty.
	h.send("AT+CMGD=1\r\n")
	h.waitFor(t, "ERROR")
	h.device.ClearWrite()
	h.send("AT+CMGL=4\r\n")
	written = h.waitFor(t, "OK")
	assert.NotContains(t, written, "+CMGL:")
}

func TestMessageListRequiresSIMMemory(t *testing.T) {
	h := openSim(t)

	_, err := h.conn.DeliverMessage("12345", "hello")
	require.NoError(t, err)
	h.waitFor(t, "+CMTI")
	h.device.ClearWrite()

	h.conn.AssignVariable("MSGMEM", "ME")
	h.send("AT+CMGL=4\r\n")
	written := h.waitFor(t, "OK")
	assert.NotContains(t, written, "+CMGL:")
}

func TestCRSM(t *testing.T) {
	h := openSim(t)

	// 28433 = 6F11, transparent.
	h.send("AT+CRSM=176,28433,0,0,5\r\n")
	assert.Contains(t, h.waitFor(t, "+CRSM"), "+CRSM: 144,0,0102030405\r\n")
	h.device.ClearWrite()

	// 28474 = 6F3A, linear fixed with 4-byte records.
	h.send("AT+CRSM=178,28474,2,4,4\r\n")
	assert.Contains(t, h.waitFor(t, "+CRSM"), "+CRSM: 144,0,11223344\r\n")
	h.device.ClearWrite()

	// GET RESPONSE reports size, id, and structure.
	h.send("AT+CRSM=192,28474,0,0,15\r\n")
	assert.Contains(t, h.waitFor(t, "+CRSM"), "+CRSM: 144,0,000000086F3A040000000000020104\r\n")
	h.device.ClearWrite()

	// UPDATE BINARY changes the contents.
	h.send("AT+CRSM=214,28433,0,1,2,FFFE\r\n")
	h.waitFor(t, "+CRSM: 144,0")
	h.device.ClearWrite()
	h.send("AT+CRSM=176,28433,0,0,5\r\n")
	assert.Contains(t, h.waitFor(t, "+CRSM"), "+CRSM: 144,0,01FFFE0405\r\n")
	h.device.ClearWrite()

	// Unknown files and reads outside the file are rejected.
	h.send("AT+CRSM=176,12345,0,0,5\r\n")
	assert.Contains(t, h.waitFor(t, "+CRSM"), "+CRSM: 106,130\r\n")
	h.device.ClearWrite()
	h.send("AT+CRSM=176,28433,0,4,5\r\n")
	assert.Contains(t, h.waitFor(t, "+CRSM"), "+CRSM: 107,0\r\n")
}

func TestToolkitFetch(t *testing.T) {
	h := openSim(t)

	h.send("AT+CSIM=10,A012000000\r\n")

	written := h.waitFor(t, "+CSIM")
	assert.Contains(t, written, "D020", "setup menu PDU")
	assert.Contains(t, written, "9000")
}

func TestMuxRoundTrip(t *testing.T) {
	h := openSim(t)

	h.send("AT+CMUX=0,0\r\n")
	h.waitFor(t, "OK")
	h.device.ClearWrite()

	frame := mux.Frame{Channel: 1, Type: mux.FrameUIH, Payload: []byte("AT+CGMI\r")}
	h.send(string(frame.Encode()))

	deadline := time.Now().Add(3 * time.Second)
	var payload string
	for time.Now().Before(deadline) {
		payload = muxPayloads(h.device.Written())
		if strings.Contains(payload, "OK") {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Contains(t, payload, "phonesim\r\nOK\r\n")
	h.device.ClearWrite()

	// The terminate frame switches back to plain mode.
	terminate := mux.Frame{Channel: 0, Type: mux.FrameUIH, Payload: []byte{0xC3, 0x01}}
	h.send(string(terminate.Encode()))
	h.send("AT+CGMI\r\n")
	assert.Contains(t, h.waitFor(t, "OK"), "phonesim\r\nOK\r\n")
}

// muxPayloads concatenates the payloads of all complete frames in data.
func muxPayloads(data []byte) string {
	var result strings.Builder
	for len(data) > 0 {
		frame, consumed, scanResult := mux.Scan(data)
		if scanResult == mux.ResultIncomplete {
			break
		}
		data = data[consumed:]
		if scanResult == mux.ResultFrame && frame.Channel == 1 {
			result.Write(frame.Payload)
		}
	}
	return result.String()
}

func TestObserverSeesHandlers(t *testing.T) {
	definition, err := rules.Load(strings.NewReader(testRules))
	require.NoError(t, err)
	observer := &recordingObserver{}
	device := NewInMemory()
	conn := Open(device, Config{
		Rules:    definition,
		Clock:    clock.NewFake(),
		Observer: observer,
	})
	defer conn.Close()

	device.PrepareRead([]byte("AT+CGMI\r\nATD123;\r\nAT+UNKNOWN\r\n"))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(observer.Handlers()) >= 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, []string{"rules", "calls", "unknown"}, observer.Handlers())
}

type recordingObserver struct {
	lock     sync.Mutex
	handlers []string
}

func (o *recordingObserver) HandledCommand(handler string) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.handlers = append(o.handlers, handler)
}

func (o *recordingObserver) ScannedFrame(string) {}

func (o *recordingObserver) Handlers() []string {
	o.lock.Lock()
	defer o.lock.Unlock()
	result := make([]string, len(o.handlers))
	copy(result, o.handlers)
	return result
}
