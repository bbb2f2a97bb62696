package calls

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ftl/phonesim/clock"
)

type harness struct {
	manager       *Manager
	clock         *clock.Fake
	sent          []string
	unsolicited   []string
	controlEvents []ControlEvent
	dialCheckOK   bool
}

func newHarness() *harness {
	h := &harness{clock: clock.NewFake(), dialCheckOK: true}
	h.manager = NewManager(Config{
		Clock:        h.clock,
		Send:         func(text string) { h.sent = append(h.sent, text) },
		Unsolicited:  func(text string) { h.unsolicited = append(h.unsolicited, text) },
		DialCheck:    func(string) bool { return h.dialCheckOK },
		ControlEvent: func(event ControlEvent) { h.controlEvents = append(h.controlEvents, event) },
	})
	return h
}

func (h *harness) reset() {
	h.sent = nil
	h.unsolicited = nil
	h.controlEvents = nil
}

func (h *harness) stateOf(id int) State {
	for _, call := range h.manager.Calls() {
		if call.ID == id {
			return call.State
		}
	}
	return StateHangup
}

func TestDialProgression(t *testing.T) {
	h := newHarness()

	require.True(t, h.manager.Command("ATD5551234;"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, []string{"*ECAV: 1,1,0,,,\"5551234\",129"}, h.unsolicited)
	h.reset()

	h.clock.Advance(2500 * time.Millisecond)
	assert.Equal(t, []string{"*ECAV: 1,6,0,,,\"5551234\",129"}, h.unsolicited, "alerting after 2.5s")
	h.reset()

	h.clock.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{"*ECAV: 1,3,0,,,\"5551234\",129"}, h.unsolicited, "connected after 3s")
	assert.Equal(t, StateActive, h.stateOf(1))
}

func TestDialSupplementaryService(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD*43#;"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Empty(t, h.manager.Calls())
}

func TestDialModifierSuffixesStripped(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD555gi;"))
	h.clock.Advance(3 * time.Second)
	calls := h.manager.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "555", calls[0].Number)
}

func TestDialBlockedByFixedDialing(t *testing.T) {
	h := newHarness()
	h.dialCheckOK = false
	require.True(t, h.manager.Command("ATD5551234;"))
	assert.Equal(t, []string{"ERROR"}, h.sent)
	assert.Empty(t, h.manager.Calls())
}

func TestDialWhileDialingFails(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.reset()
	require.True(t, h.manager.Command("ATD222;"))
	assert.Equal(t, []string{"ERROR"}, h.sent)
}

func TestDialHoldsActiveCall(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("ATD222;"))
	assert.Equal(t, StateHeld, h.stateOf(1))
	assert.Equal(t, StateDialing, h.stateOf(2))
	assert.Contains(t, h.unsolicited, "*ECAV: 1,4,0,,,\"111\",129")
}

func TestDialBusyNumber(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD155;"))
	assert.Equal(t, []string{"BUSY"}, h.sent)
	assert.Empty(t, h.manager.Calls())
}

func TestDialBackNumber(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD199;"))
	assert.Equal(t, []string{"NO CARRIER"}, h.sent)
	h.reset()

	h.clock.Advance(4999 * time.Millisecond)
	assert.Empty(t, h.unsolicited)

	h.clock.Advance(time.Millisecond)
	require.Len(t, h.unsolicited, 2)
	assert.Equal(t, "RING\n+CLIP: \"1234567\",129", h.unsolicited[0])
	assert.Equal(t, "*ECAV: 1,5,0,,,\"1234567\",129", h.unsolicited[1])
}

func TestDialBackWithAutoHangup(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD166;"))
	h.reset()

	h.clock.Advance(time.Second)
	require.Len(t, h.manager.Calls(), 1)
	h.reset()

	// The unanswered dial-back call hangs up 4 seconds later.
	h.clock.Advance(4 * time.Second)
	assert.Empty(t, h.manager.Calls())
	assert.Contains(t, h.unsolicited, "*ECAV: 1,0,0,,,\"1234567\",129")
}

func TestCallControlNumbers(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.manager.Command("ATD12399;"))
		require.Len(t, h.controlEvents, 1)
		assert.Equal(t, Allowed, h.controlEvents[0].Result)
		assert.Len(t, h.manager.Calls(), 1)
	})
	t.Run("allowed with modification", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.manager.Command("ATD12388;"))
		require.Len(t, h.controlEvents, 1)
		assert.Equal(t, AllowedWithModifications, h.controlEvents[0].Result)
		calls := h.manager.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "12389", calls[0].Number, "the number is modified")
	})
	t.Run("not allowed", func(t *testing.T) {
		h := newHarness()
		require.True(t, h.manager.Command("ATD12377;"))
		require.Len(t, h.controlEvents, 1)
		assert.Equal(t, NotAllowed, h.controlEvents[0].Result)
		assert.Equal(t, []string{"NO CARRIER"}, h.sent)
		assert.Empty(t, h.manager.Calls())
	})
}

func TestDataCall(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD696969"))
	assert.Equal(t, []string{"CONNECT 19200"}, h.sent)
	h.reset()

	require.True(t, h.manager.Command("ATD123456"))
	assert.Equal(t, []string{"NO CARRIER"}, h.sent)
}

func TestCLCC(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD5551234;"))
	h.clock.Advance(3 * time.Second)
	h.manager.StartIncomingCall("+495551111")
	h.reset()

	require.True(t, h.manager.Command("AT+CLCC"))
	require.Len(t, h.sent, 3)
	assert.Equal(t, "+CLCC: 1,0,0,0,0,\"5551234\",129", h.sent[0])
	assert.Equal(t, "+CLCC: 2,1,5,0,0,\"495551111\",145", h.sent[1])
	assert.Equal(t, "OK", h.sent[2])
}

func TestIncomingCallAndRinging(t *testing.T) {
	h := newHarness()
	h.manager.StartIncomingCall("5550000")
	require.Len(t, h.unsolicited, 2)
	assert.Equal(t, "RING\n+CLIP: \"5550000\",129", h.unsolicited[0])
	assert.Equal(t, "*ECAV: 1,5,0,,,\"5550000\",129", h.unsolicited[1])
	h.reset()

	// Four periodic rings, then the unanswered call is dropped.
	for i := 0; i < 4; i++ {
		h.clock.Advance(2 * time.Second)
		assert.Equal(t, []string{"RING"}, h.unsolicited, "ring %d", i+1)
		h.reset()
	}
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"*ECAV: 1,0,0,,,\"5550000\",129"}, h.unsolicited)
	assert.Empty(t, h.manager.Calls())
}

func TestIncomingWhileActiveIsWaiting(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	h.manager.StartIncomingCall("5550000")
	require.Len(t, h.unsolicited, 2)
	assert.Equal(t, "+CCWA: \"5550000\",129,1", h.unsolicited[0])
	assert.Equal(t, StateWaiting, h.stateOf(2))
}

func TestOnlyOneIncomingCall(t *testing.T) {
	h := newHarness()
	h.manager.StartIncomingCall("111")
	h.manager.StartIncomingCall("222")
	assert.Len(t, h.manager.Calls(), 1)
}

func TestAnswerIncomingCall(t *testing.T) {
	h := newHarness()
	h.manager.StartIncomingCall("5550000")
	h.reset()

	require.True(t, h.manager.Command("ATA"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, StateActive, h.stateOf(1))

	// No further RING notifications after the call was accepted.
	h.reset()
	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.unsolicited)
}

func TestAnswerHoldsActiveCall(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	h.manager.StartIncomingCall("222")
	h.reset()

	require.True(t, h.manager.Command("ATA"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, StateHeld, h.stateOf(1))
	assert.Equal(t, StateActive, h.stateOf(2))
}

func TestAnswerWithoutIncomingFails(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATA"))
	assert.Equal(t, []string{"ERROR"}, h.sent)
}

func TestHangupAll(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("ATH"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Contains(t, h.unsolicited, "*ECAV: 1,0,0,,,\"111\",129")
	assert.Empty(t, h.manager.Calls())

	h.reset()
	require.True(t, h.manager.Command("AT+CHUP"))
	assert.Equal(t, []string{"OK"}, h.sent)
}

func TestChld0RejectsIncoming(t *testing.T) {
	h := newHarness()
	h.manager.StartIncomingCall("111")
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=0"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Empty(t, h.manager.Calls())

	// Without held or incoming calls the operation fails.
	h.reset()
	require.True(t, h.manager.Command("AT+CHLD=0"))
	assert.Equal(t, []string{"ERROR"}, h.sent)
}

func TestChld1ReplacesActiveWithHeld(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	require.True(t, h.manager.Command("AT+CHLD=2"))
	require.True(t, h.manager.Command("ATD222;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=1"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, StateHangup, h.stateOf(2))
	assert.Equal(t, StateActive, h.stateOf(1))
}

func TestChld1CancelsDialing(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=1"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Empty(t, h.manager.Calls())

	// The dial progress timers are dead.
	h.reset()
	h.clock.Advance(10 * time.Second)
	assert.Empty(t, h.unsolicited)
}

func TestChld1xReleasesSpecificCall(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	h.manager.StartIncomingCall("222")
	require.True(t, h.manager.Command("AT+CHLD=2"))
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=11"))
	assert.Equal(t, []string{"OK"}, h.sent)
	require.Len(t, h.manager.Calls(), 1)
	assert.Equal(t, 2, h.manager.Calls()[0].ID)

	h.reset()
	require.True(t, h.manager.Command("AT+CHLD=19"))
	assert.Equal(t, []string{"ERROR"}, h.sent, "no call with id 9")
}

func TestChld2Swap(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	require.True(t, h.manager.Command("AT+CHLD=2"))
	require.True(t, h.manager.Command("ATD222;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=2"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, StateActive, h.stateOf(1))
	assert.Equal(t, StateHeld, h.stateOf(2))

	// Exactly two state notifications, none for the swap dummy state.
	require.Len(t, h.unsolicited, 2)
	assert.Equal(t, "*ECAV: 1,3,0,,,\"111\",129", h.unsolicited[0])
	assert.Equal(t, "*ECAV: 2,4,0,,,\"222\",129", h.unsolicited[1])
}

func TestChld2AcceptsWaiting(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	h.manager.StartIncomingCall("222")
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=2"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, StateHeld, h.stateOf(1))
	assert.Equal(t, StateActive, h.stateOf(2))
}

func TestChld2HoldFault(t *testing.T) {
	h := newHarness()
	h.manager.SetHoldWillFail(true)
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=2"))
	assert.Equal(t, []string{"ERROR"}, h.sent)
	assert.Equal(t, StateActive, h.stateOf(1))
}

func TestChld2xActivatesHeld(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	require.True(t, h.manager.Command("AT+CHLD=2"))
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=21"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, StateActive, h.stateOf(1))
}

func TestChld3Join(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	require.True(t, h.manager.Command("AT+CHLD=2"))
	require.True(t, h.manager.Command("ATD222;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=3"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Equal(t, StateActive, h.stateOf(1))
	assert.Equal(t, StateActive, h.stateOf(2))

	// Both calls now report as multiparty in AT+CLCC.
	h.reset()
	require.True(t, h.manager.Command("AT+CLCC"))
	assert.Equal(t, "+CLCC: 1,0,0,0,1,\"111\",129", h.sent[0])
	assert.Equal(t, "+CLCC: 2,0,0,0,1,\"222\",129", h.sent[1])
}

func TestChld3MultipartyLimit(t *testing.T) {
	h := newHarness()
	h.manager.SetMultipartyLimit(1)
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	require.True(t, h.manager.Command("AT+CHLD=2"))
	require.True(t, h.manager.Command("ATD222;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=3"))
	assert.Equal(t, []string{"ERROR"}, h.sent)
}

func TestChld4JoinAndDisconnect(t *testing.T) {
	h := newHarness()
	require.True(t, h.manager.Command("ATD111;"))
	h.clock.Advance(3 * time.Second)
	require.True(t, h.manager.Command("AT+CHLD=2"))
	require.True(t, h.manager.Command("ATD222;"))
	h.clock.Advance(3 * time.Second)
	h.reset()

	require.True(t, h.manager.Command("AT+CHLD=4"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Empty(t, h.manager.Calls())
}

func TestDeflectIncoming(t *testing.T) {
	h := newHarness()
	h.manager.StartIncomingCall("111")
	h.reset()

	require.True(t, h.manager.Command("AT+CTFR=222"))
	assert.Equal(t, []string{"OK"}, h.sent)
	assert.Empty(t, h.manager.Calls())
}

func TestDeflectFault(t *testing.T) {
	h := newHarness()
	h.manager.SetDeflectWillFail(true)
	h.manager.StartIncomingCall("111")
	h.reset()

	require.True(t, h.manager.Command("AT+CTFR=222"))
	assert.Equal(t, []string{"ERROR"}, h.sent)
	assert.Len(t, h.manager.Calls(), 1)
}

func TestUnknownCommandNotHandled(t *testing.T) {
	h := newHarness()
	assert.False(t, h.manager.Command("AT+CGMI"))
	assert.Empty(t, h.sent)
}

func TestControlEventToPDU(t *testing.T) {
	event := ControlEvent{Result: AllowedWithModifications, Text: "ab"}
	assert.Equal(t, []byte{0x02, 0x85, 0x02, 'a', 'b'}, event.ToPDU())
}
