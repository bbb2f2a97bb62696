// Package calls implements the voice call state machine of the
// simulator: dial and answer handling, call hold and multiparty
// operations according to GSM 22.030, and the Ericsson-style *ECAV
// state notifications, with a set of magic test numbers that trigger
// busy, dial-back, and call-control scenarios.
package calls

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ftl/phonesim/clock"
	"github.com/ftl/phonesim/gsm"
)

// State is the lifecycle state of a single call. The values match the
// <stat> coding of AT+CLCC in GSM 27.007.
type State int

// All externally visible call states.
const (
	StateActive State = iota
	StateHeld
	StateDialing
	StateAlerting
	StateIncoming
	StateWaiting
	StateHangup
	// stateSwapDummy parks the active group while swapping the active
	// and held groups. It is never notified.
	stateSwapDummy
)

// ecavStateMap translates State into the *ECAV <ccstatus> coding.
var ecavStateMap = []int{3, 4, 1, 6, 5, 5, 0, 0}

// Call is one entry of the call table.
type Call struct {
	ID       int
	State    State
	Number   string
	Incoming bool
	dialBack bool
}

// ControlResult is the outcome of a call-control-by-SIM check,
// coded as in ETSI TS 11.14.
type ControlResult int

// All call control results.
const (
	Allowed                  ControlResult = 0
	NotAllowed               ControlResult = 1
	AllowedWithModifications ControlResult = 2
)

// ControlEvent describes a call-control-by-SIM decision.
type ControlEvent struct {
	Result ControlResult
	Text   string
}

// ToPDU encodes the event as a result byte followed by an alpha
// identifier TLV.
func (e ControlEvent) ToPDU() []byte {
	result := []byte{byte(e.Result)}
	result = append(result, 0x85, byte(len(e.Text)))
	result = append(result, []byte(e.Text)...)
	return result
}

// Config describes the environment of a call manager. Send, Unsolicited
// and the optional callbacks are invoked on the caller's event loop.
type Config struct {
	Clock clock.Clock
	// Send delivers a final or intermediate response line.
	Send func(text string)
	// Unsolicited delivers an unsolicited notification.
	Unsolicited func(text string)
	// DialCheck vetoes a dialed number, e.g. for fixed dialing.
	// nil allows all numbers.
	DialCheck func(number string) bool
	// ControlEvent receives call-control-by-SIM decisions. nil drops them.
	ControlEvent func(event ControlEvent)
	Log          *slog.Logger
}

// Manager is the call state machine. It is not safe for concurrent use;
// the owning connection serializes all access on its event loop.
type Manager struct {
	clock        clock.Clock
	send         func(string)
	unsolicited  func(string)
	dialCheck    func(string) bool
	controlEvent func(ControlEvent)
	log          *slog.Logger

	calls    []Call
	numRings int

	holdWillFail     bool
	activateWillFail bool
	joinWillFail     bool
	deflectWillFail  bool
	multipartyLimit  int

	connectTimer  clock.Timer
	alertingTimer clock.Timer
	hangupTimer   clock.Timer
	ringTimer     clock.Timer
}

// NewManager creates a call manager with the given configuration.
func NewManager(config Config) *Manager {
	result := &Manager{
		clock:           config.Clock,
		send:            config.Send,
		unsolicited:     config.Unsolicited,
		dialCheck:       config.DialCheck,
		controlEvent:    config.ControlEvent,
		log:             config.Log,
		multipartyLimit: -1,
	}
	if result.clock == nil {
		result.clock = clock.Real()
	}
	if result.log == nil {
		result.log = slog.Default()
	}
	return result
}

// SetHoldWillFail makes hold operations fail, for fault injection.
func (m *Manager) SetHoldWillFail(value bool) { m.holdWillFail = value }

// SetActivateWillFail makes activate operations fail, for fault injection.
func (m *Manager) SetActivateWillFail(value bool) { m.activateWillFail = value }

// SetJoinWillFail makes multiparty join operations fail, for fault injection.
func (m *Manager) SetJoinWillFail(value bool) { m.joinWillFail = value }

// SetDeflectWillFail makes call deflection fail, for fault injection.
func (m *Manager) SetDeflectWillFail(value bool) { m.deflectWillFail = value }

// SetMultipartyLimit limits the number of calls in a multiparty
// conversation, -1 for no limit.
func (m *Manager) SetMultipartyLimit(value int) { m.multipartyLimit = value }

// Calls returns a snapshot of the call table.
func (m *Manager) Calls() []Call {
	result := make([]Call, len(m.calls))
	copy(result, m.calls)
	return result
}

// Command handles a call-related AT command. It reports whether the
// command was understood; unhandled commands fall through to the next
// handler in the dispatch chain.
func (m *Manager) Command(cmd string) bool {
	switch {
	case strings.HasPrefix(cmd, "ATD*") || strings.HasPrefix(cmd, "ATD#"):
		// Supplementary service request.
		m.send("OK")

	case strings.HasPrefix(cmd, "ATD") && strings.HasSuffix(cmd, ";"):
		m.dialVoice(cmd[3 : len(cmd)-1])

	case strings.HasPrefix(cmd, "ATD"):
		m.dialData(cmd[3:])

	case cmd == "AT+CLCC":
		for _, call := range m.calls {
			multiparty := 0
			if m.countForState(call.State) >= 2 {
				multiparty = 1
			}
			line := "+CLCC: " + strconv.Itoa(call.ID) + "," +
				strconv.Itoa(boolToInt(call.Incoming)) + "," +
				strconv.Itoa(int(call.State)) + ",0," +
				strconv.Itoa(multiparty)
			if call.Number != "" {
				line += "," + gsm.EncodeNumber(call.Number)
			}
			m.send(line)
		}
		m.send("OK")

	case strings.HasPrefix(cmd, "ATH") || cmd == "AT+CHUP":
		m.HangupAll()
		m.send("OK")

	case cmd == "AT+CHLD=0":
		m.sendResult(m.chld0())

	case cmd == "AT+CHLD=1":
		m.sendResult(m.chld1())

	case strings.HasPrefix(cmd, "AT+CHLD=1"):
		x, _ := strconv.Atoi(cmd[9:])
		m.sendResult(m.chld1x(x))

	case cmd == "AT+CHLD=2":
		m.sendResult(m.chld2())

	case strings.HasPrefix(cmd, "AT+CHLD=2"):
		x, _ := strconv.Atoi(cmd[9:])
		m.sendResult(m.chld2x(x))

	case cmd == "AT+CHLD=3":
		m.sendResult(m.chld3())

	case cmd == "AT+CHLD=4":
		m.sendResult(m.chld4())

	case cmd == "ATA":
		m.sendResult(m.acceptCall())

	case strings.HasPrefix(cmd, "AT+CTFR="):
		id := m.idForIncoming()
		if id >= 0 && !m.deflectWillFail {
			m.hangupCall(id)
			m.stopTimer(&m.hangupTimer)
			m.stopTimer(&m.ringTimer)
			m.send("OK")
		} else {
			m.send("ERROR")
		}

	default:
		return false
	}
	return true
}

func (m *Manager) sendResult(ok bool) {
	if ok {
		m.send("OK")
	} else {
		m.send("ERROR")
	}
}

func (m *Manager) dialVoice(number string) {
	number = stripDialModifiers(number)

	if m.dialCheck != nil && !m.dialCheck(number) {
		m.send("ERROR")
		return
	}

	// Stop if a dialing call is already in progress, or there are both
	// connected and held calls at the same time.
	if m.hasCall(StateDialing) || m.hasCall(StateAlerting) {
		m.send("ERROR")
		return
	}
	if m.hasCall(StateActive) && m.hasCall(StateHeld) {
		m.send("ERROR")
		return
	}

	// If there is a connected call, place it on hold.
	m.changeGroup(StateActive, StateHeld)

	// Special dial-back numbers.
	switch number {
	case "199":
		m.send("NO CARRIER")
		m.clock.AfterFunc(5*time.Second, m.dialBack)
		return
	case "1993":
		m.send("NO CARRIER")
		m.clock.AfterFunc(30*time.Second, m.dialBack)
		return
	case "177":
		m.send("NO CARRIER")
		m.clock.AfterFunc(2*time.Second, m.dialBackWithHangup(5*time.Second))
		return
	case "166":
		m.send("NO CARRIER")
		m.clock.AfterFunc(time.Second, m.dialBackWithHangup(4*time.Second))
		return
	case "155":
		m.send("BUSY")
		return
	}

	// Call control by SIM on certain numbers.
	switch number {
	case "12399":
		m.emitControlEvent(ControlEvent{Result: Allowed, Text: "12399 allowed by call control"})
	case "12388":
		number = "12389"
		m.emitControlEvent(ControlEvent{Result: AllowedWithModifications, Text: "12388 allowed, but modified to 12389"})
	case "12377":
		m.send("NO CARRIER")
		m.emitControlEvent(ControlEvent{Result: NotAllowed, Text: "12377 disallowed by call control"})
		return
	}

	id := m.newID()
	if id < 0 {
		m.send("ERROR")
		return
	}
	call := Call{ID: id, State: StateDialing, Number: number}
	m.calls = append(m.calls, call)

	m.sendState(call)
	m.send("OK")

	m.startTimer(&m.alertingTimer, 2500*time.Millisecond, m.dialingToAlerting)
	m.startTimer(&m.connectTimer, 3*time.Second, m.dialingToConnected)
}

// dataNumber is the only number that accepts a data call setup.
const dataNumber = "696969"

func (m *Manager) dialData(number string) {
	number = stripDialModifiers(number)

	if number != dataNumber {
		m.send("NO CARRIER")
		return
	}

	id := m.newID()
	if id < 0 {
		m.send("ERROR")
		return
	}
	call := Call{ID: id, State: StateDialing, Number: number}
	m.calls = append(m.calls, call)

	m.sendState(call)
	m.send("CONNECT 19200")

	m.startTimer(&m.alertingTimer, 2500*time.Millisecond, m.dialingToAlerting)
	m.startTimer(&m.connectTimer, 3*time.Second, m.dialingToConnected)
}

// stripDialModifiers removes the closed user group and caller id
// suppression flags from the end of a dialed number.
func stripDialModifiers(number string) string {
	if strings.HasSuffix(number, "g") || strings.HasSuffix(number, "G") {
		number = number[:len(number)-1]
	}
	if strings.HasSuffix(number, "i") || strings.HasSuffix(number, "I") {
		number = number[:len(number)-1]
	}
	return number
}

func (m *Manager) emitControlEvent(event ControlEvent) {
	if m.controlEvent == nil {
		return
	}
	m.controlEvent(event)
}

// StartIncomingCall simulates an incoming call from the given number.
func (m *Manager) StartIncomingCall(number string) {
	m.startIncomingCall(number, false)
}

func (m *Manager) startIncomingCall(number string, dialBack bool) {
	// Only one incoming call at a time.
	if m.idForIncoming() >= 0 {
		m.log.Warn("incoming call already exists, cannot create another")
		return
	}

	id := m.newID()
	if id < 0 {
		m.log.Warn("no free call id for incoming call")
		return
	}
	call := Call{ID: id, Number: number, Incoming: true, dialBack: dialBack}
	if m.hasCall(StateActive) || m.hasCall(StateHeld) {
		call.State = StateWaiting
	} else {
		call.State = StateIncoming
	}
	m.calls = append(m.calls, call)

	// Announce the call using GSM 27.007 notifications.
	if call.State == StateWaiting {
		m.unsolicited("+CCWA: " + gsm.EncodeNumber(number) + ",1")
	} else {
		m.unsolicited("RING\n+CLIP: " + gsm.EncodeNumber(number))
	}

	// Announce the call using Ericsson-style state notifications.
	m.sendState(call)

	// Ring periodically until the call is accepted.
	m.numRings = 0
	m.startTimer(&m.ringTimer, 2*time.Second, m.sendNextRing)
}

// HangupAll hangs up all calls in the system.
func (m *Manager) HangupAll() {
	for i := range m.calls {
		m.calls[i].State = StateHangup
		m.sendState(m.calls[i])
	}
	m.calls = nil
	m.stopTimer(&m.connectTimer)
	m.stopTimer(&m.alertingTimer)
	m.stopTimer(&m.hangupTimer)
}

func (m *Manager) hangupGroup(keep func(Call) bool) {
	remaining := m.calls[:0:0]
	for i := range m.calls {
		if keep(m.calls[i]) {
			remaining = append(remaining, m.calls[i])
			continue
		}
		m.calls[i].State = StateHangup
		m.sendState(m.calls[i])
	}
	m.calls = remaining
}

func (m *Manager) hangupConnected() {
	m.hangupGroup(func(c Call) bool { return c.State != StateActive })
}

func (m *Manager) hangupHeld() {
	m.hangupGroup(func(c Call) bool { return c.State != StateHeld })
}

func (m *Manager) hangupConnectedAndHeld() {
	m.hangupGroup(func(c Call) bool { return c.State != StateActive && c.State != StateHeld })
}

func (m *Manager) hangupCall(id int) {
	m.chld1x(id)
}

func (m *Manager) acceptCall() bool {
	id := m.idForIncoming()
	index := m.indexForID(id)
	switch {
	case id < 0:
		return false
	case m.hasCall(StateActive) && m.hasCall(StateHeld):
		// No open slot to accept the call. AT+CHLD=1 must be used instead.
		return false
	case m.hasCall(StateActive):
		// Put the active calls on hold and accept the incoming call.
		m.changeGroup(StateActive, StateHeld)
		m.calls[index].State = StateActive
		m.sendState(m.calls[index])
		return true
	default:
		// Only held calls, or no other calls.
		m.calls[index].State = StateActive
		m.sendState(m.calls[index])
		return true
	}
}

// chld0 rejects an incoming call, or releases all held calls.
func (m *Manager) chld0() bool {
	if id := m.idForIncoming(); id >= 0 {
		return m.chld1x(id)
	}
	if !m.hasCall(StateHeld) {
		return false
	}
	m.hangupHeld()
	return true
}

// chld1 releases all active calls and accepts the held or waiting ones.
func (m *Manager) chld1() bool {
	if id := m.idForIncoming(); id >= 0 {
		m.hangupConnected()
		index := m.indexForID(id)
		m.calls[index].State = StateActive
		m.sendState(m.calls[index])
		return true
	}
	if m.hasCall(StateHeld) {
		m.hangupConnected()
		for i := range m.calls {
			if m.calls[i].State == StateHeld {
				m.calls[i].State = StateActive
				m.sendState(m.calls[i])
			}
		}
		return true
	}
	if m.hasCall(StateActive) {
		m.hangupConnected()
		return true
	}
	if id := m.idForDialing(); id >= 0 {
		m.hangupCall(id)
		m.stopTimer(&m.connectTimer)
		m.stopTimer(&m.alertingTimer)
		m.stopTimer(&m.hangupTimer)
		return true
	}
	return false
}

// chld1x releases the call with the given id.
func (m *Manager) chld1x(x int) bool {
	found := false
	remaining := m.calls[:0:0]
	for i := range m.calls {
		if m.calls[i].ID != x {
			remaining = append(remaining, m.calls[i])
			continue
		}
		if m.calls[i].State == StateDialing || m.calls[i].State == StateAlerting {
			m.stopTimer(&m.connectTimer)
			m.stopTimer(&m.alertingTimer)
			m.stopTimer(&m.hangupTimer)
		}
		m.calls[i].State = StateHangup
		m.sendState(m.calls[i])
		found = true
	}
	m.calls = remaining
	return found
}

// chld2 places the active calls on hold and accepts the held or waiting
// call, or swaps the active and held groups.
func (m *Manager) chld2() bool {
	if id := m.idForIncoming(); id >= 0 {
		if m.hasCall(StateActive) && m.hasCall(StateHeld) {
			// Three-way calling situation: cannot do anything.
			return false
		}
		if m.holdWillFail && m.hasCall(StateActive) {
			return false
		}
		m.changeGroup(StateActive, StateHeld)
		index := m.indexForID(id)
		m.calls[index].State = StateActive
		m.sendState(m.calls[index])
		return true
	}
	switch {
	case m.hasCall(StateActive) && m.hasCall(StateHeld):
		// Swap the active and held groups.
		if m.activateWillFail || m.holdWillFail {
			return false
		}
		m.changeGroup(StateActive, stateSwapDummy)
		m.changeGroup(StateHeld, StateActive)
		m.changeGroup(stateSwapDummy, StateHeld)
		return true
	case m.hasCall(StateActive):
		if m.holdWillFail {
			return false
		}
		m.changeGroup(StateActive, StateHeld)
		return true
	case m.hasCall(StateHeld):
		if m.activateWillFail {
			return false
		}
		m.changeGroup(StateHeld, StateActive)
		return true
	default:
		return false
	}
}

// chld2x places all active calls on hold except for the specified call.
func (m *Manager) chld2x(x int) bool {
	index := m.indexForID(x)
	if index < 0 {
		return false
	}
	switch m.calls[index].State {
	case StateHeld:
		if m.activateWillFail {
			return false
		}
		if m.hasCall(StateActive) && m.countForState(StateHeld) > 1 {
			// Cannot swap: active calls, but multiple held calls.
			return false
		}
		if m.hasCall(StateActive) {
			if m.holdWillFail {
				return false
			}
			m.changeGroup(StateActive, stateSwapDummy)
			m.changeGroup(StateHeld, StateActive)
			m.changeGroup(stateSwapDummy, StateHeld)
		} else {
			m.calls[index].State = StateActive
			m.sendState(m.calls[index])
		}
		return true
	case StateActive:
		if m.activateWillFail {
			return false
		}
		if m.hasCall(StateHeld) {
			// Cannot do this if there is already a hold group.
			return false
		}
		for i := range m.calls {
			if m.calls[i].State == StateActive && i != index {
				if m.holdWillFail {
					return false
				}
				m.calls[i].State = StateHeld
				m.sendState(m.calls[i])
			}
		}
		return true
	default:
		return false
	}
}

// chld3 adds the held calls to the conversation.
func (m *Manager) chld3() bool {
	if m.joinWillFail {
		return false
	}
	if !m.hasCall(StateActive) || !m.hasCall(StateHeld) {
		return false
	}
	if m.exceedsMultipartyLimit() {
		return false
	}
	m.changeGroup(StateHeld, StateActive)
	return true
}

// chld4 joins the held calls to the conversation and disconnects all.
func (m *Manager) chld4() bool {
	if m.joinWillFail {
		return false
	}
	if !m.hasCall(StateActive) || !m.hasCall(StateHeld) {
		return false
	}
	if m.exceedsMultipartyLimit() {
		return false
	}
	m.hangupConnectedAndHeld()
	return true
}

func (m *Manager) exceedsMultipartyLimit() bool {
	return m.multipartyLimit >= 0 &&
		m.countForState(StateActive)+m.countForState(StateHeld) > m.multipartyLimit
}

func (m *Manager) dialingToConnected() {
	index := m.indexForID(m.idForState(StateDialing))
	if index < 0 {
		index = m.indexForID(m.idForState(StateAlerting))
	}
	if index < 0 {
		return
	}
	m.calls[index].State = StateActive
	m.sendState(m.calls[index])
}

func (m *Manager) dialingToAlerting() {
	index := m.indexForID(m.idForState(StateDialing))
	if index < 0 {
		return
	}
	m.calls[index].State = StateAlerting
	m.sendState(m.calls[index])
}

// dialBackNumber calls back after the dial-back test numbers.
const dialBackNumber = "1234567"

func (m *Manager) dialBack() {
	m.startIncomingCall(dialBackNumber, true)
}

func (m *Manager) dialBackWithHangup(after time.Duration) func() {
	return func() {
		m.startIncomingCall(dialBackNumber, true)
		m.startTimer(&m.hangupTimer, after, m.hangupTimeout)
	}
}

func (m *Manager) hangupTimeout() {
	// Find the call that started off as a dial-back, even if its state
	// changed in the meantime.
	for _, call := range m.calls {
		if call.dialBack {
			m.hangupCall(call.ID)
			break
		}
	}
}

func (m *Manager) sendNextRing() {
	if m.idForIncoming() < 0 {
		return
	}
	if m.numRings >= 4 {
		// Ringing for too long, hang up the call.
		m.hangupCall(m.idForIncoming())
		return
	}
	m.numRings++
	m.unsolicited("RING")
	m.startTimer(&m.ringTimer, 2*time.Second, m.sendNextRing)
}

// newID returns the first unused call id between 1 and 32, or -1 when
// all ids are in use.
func (m *Manager) newID() int {
	for id := 1; id <= 32; id++ {
		seen := false
		for _, call := range m.calls {
			if call.ID == id {
				seen = true
				break
			}
		}
		if !seen {
			return id
		}
	}
	return -1
}

func (m *Manager) idForDialing() int {
	id := m.idForState(StateDialing)
	if id < 0 {
		id = m.idForState(StateAlerting)
	}
	return id
}

func (m *Manager) idForIncoming() int {
	id := m.idForState(StateIncoming)
	if id < 0 {
		id = m.idForState(StateWaiting)
	}
	return id
}

func (m *Manager) idForState(state State) int {
	for _, call := range m.calls {
		if call.State == state {
			return call.ID
		}
	}
	return -1
}

func (m *Manager) countForState(state State) int {
	count := 0
	for _, call := range m.calls {
		if call.State == state {
			count++
		}
	}
	return count
}

func (m *Manager) indexForID(id int) int {
	for i, call := range m.calls {
		if call.ID == id {
			return i
		}
	}
	return -1
}

func (m *Manager) hasCall(state State) bool {
	return m.idForState(state) >= 0
}

func (m *Manager) changeGroup(oldState State, newState State) {
	for i := range m.calls {
		if m.calls[i].State == oldState {
			m.calls[i].State = newState
			m.sendState(m.calls[i])
		}
	}
}

func (m *Manager) sendState(call Call) {
	if call.State == stateSwapDummy {
		// In the middle of a state swap: don't send this.
		return
	}
	line := "*ECAV: " + strconv.Itoa(call.ID) + "," +
		strconv.Itoa(ecavStateMap[call.State]) + ",0"
	if call.Number != "" {
		line += ",,," + gsm.EncodeNumber(call.Number)
	}
	if call.State == StateIncoming || call.State == StateWaiting {
		// Stop sending RING notifications.
		m.stopTimer(&m.ringTimer)
	}
	if call.State == StateHangup && call.dialBack {
		m.stopTimer(&m.hangupTimer)
	}
	m.unsolicited(line)
}

func (m *Manager) startTimer(timer *clock.Timer, d time.Duration, fn func()) {
	m.stopTimer(timer)
	*timer = m.clock.AfterFunc(d, fn)
}

func (m *Manager) stopTimer(timer *clock.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
