// Package sim implements the per-connection simulator: it extracts
// commands from the byte stream in plain and multiplexing mode, runs
// them through the dispatch chain (call manager, toolkit engine, SIM
// commands, rule engine, built-in fallbacks), and writes the responses
// back, optionally delayed. Each connection runs a single event loop
// goroutine; socket input, timer callbacks, and control API calls are
// all serialized on that loop.
package sim

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ftl/phonesim/calls"
	"github.com/ftl/phonesim/clock"
	"github.com/ftl/phonesim/mux"
	"github.com/ftl/phonesim/rules"
	"github.com/ftl/phonesim/sms"
	"github.com/ftl/phonesim/toolkit"
)

const (
	readBufferSize = 1024
	lineBufferSize = 1024
)

// Observer is notified about protocol activity, e.g. for metrics.
type Observer interface {
	// HandledCommand is called for every dispatched command with the
	// name of the handler that took it.
	HandledCommand(handler string)
	// ScannedFrame is called for every multiplexing frame scan outcome.
	ScannedFrame(outcome string)
}

// Config describes a simulator connection.
type Config struct {
	// Rules is the loaded rule definition, required.
	Rules *rules.Definition
	// Clock provides the timers, defaults to the wall clock.
	Clock clock.Clock
	Log   *slog.Logger
	// PhoneNumber becomes the PHONENUMBER variable of the connection.
	PhoneNumber string
	// Messages is the simulated message store, defaults to an empty one.
	Messages *sms.Store
	// Application is the SIM toolkit application, defaults to the
	// demo application.
	Application toolkit.Application
	Observer    Observer
}

// Connection simulates one modem on the given device.
type Connection struct {
	device   io.ReadWriteCloser
	clock    clock.Clock
	log      *slog.Logger
	observer Observer

	definition   *rules.Definition
	currentState *rules.State
	variables    map[string]string

	usedCallIDs       uint64
	returnErrorString string
	returnErrorCount  int

	useMux         bool
	currentChannel int
	frameBuffer    []byte
	lineBuffer     []byte

	callManager *calls.Manager
	engine      *toolkit.Engine
	messages    *sms.Store

	phonebooks       map[string]*PhoneBook
	currentPhoneBook string
	filesystem       *FileSystem

	events    chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// Open starts simulating a modem on the given device. The connection
// takes ownership of the device and closes it when it is closed itself.
func Open(device io.ReadWriteCloser, config Config) *Connection {
	result := &Connection{
		device:         device,
		log:            config.Log,
		observer:       config.Observer,
		definition:     config.Rules,
		variables:      map[string]string{},
		currentChannel: 1,
		messages:       config.Messages,
		events:         make(chan func()),
		closed:         make(chan struct{}),
	}
	if result.log == nil {
		result.log = slog.Default()
	}
	if result.messages == nil {
		result.messages = sms.NewStore()
	}
	innerClock := config.Clock
	if innerClock == nil {
		innerClock = clock.Real()
	}
	result.clock = eventClock{inner: innerClock, conn: result}

	result.callManager = calls.NewManager(calls.Config{
		Clock:       result.clock,
		Send:        func(text string) { result.Respond(text, 0, true) },
		Unsolicited: result.Unsolicited,
		DialCheck:   result.dialCheck,
		ControlEvent: func(event calls.ControlEvent) {
			result.engine.ControlEvent(0, event.ToPDU())
		},
		Log: result.log,
	})

	app := config.Application
	if app == nil {
		app = &toolkit.DemoApplication{}
	}

	result.initPhoneBooks()
	for _, node := range config.Rules.Phonebooks {
		result.loadPhoneBook(node)
	}
	if config.Rules.Filesystem != nil {
		result.filesystem = NewFileSystem(config.Rules.Filesystem)
	}
	for name, value := range config.Rules.Variables {
		result.SetVariable(name, value)
	}
	if config.PhoneNumber != "" {
		result.SetVariable("PHONENUMBER", config.PhoneNumber)
	}

	result.currentState = config.Rules.State(config.Rules.StartState)
	if result.currentState == nil {
		result.currentState = config.Rules.DefaultState
	}

	// The toolkit engine announces its main menu on creation. This
	// happens before the goroutines start, so the announcement is the
	// first thing written to the device.
	result.engine = toolkit.NewEngine(toolkit.Config{
		Respond:     func(text string) { result.Respond(text, 0, true) },
		Unsolicited: result.Unsolicited,
		App:         app,
	})
	result.currentState.Enter(result)

	go result.run()
	go result.readLoop()

	return result
}

func (c *Connection) run() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.device.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.post(func() { c.ingest(data) })
		}
		if err != nil {
			if err != io.EOF {
				c.log.Debug("read failed", "error", err)
			}
			c.Close()
			return
		}
	}
}

// post runs fn on the event loop. It is a no-op after close.
func (c *Connection) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.closed:
	}
}

// do runs fn on the event loop and waits for its completion.
func (c *Connection) do(fn func()) {
	done := make(chan struct{})
	c.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-c.closed:
	}
}

// Close shuts down the connection and its device.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.device.Close()
	})
	return nil
}

// WaitUntilClosed blocks until the connection is closed.
func (c *Connection) WaitUntilClosed() {
	<-c.closed
}

// Closed reports whether the connection is closed.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// ingest splits incoming data into multiplexing frames or text lines.
func (c *Connection) ingest(data []byte) {
	if !c.useMux {
		c.ingestPlain(data)
		return
	}
	c.frameBuffer = append(c.frameBuffer, data...)
	for len(c.frameBuffer) > 0 {
		frame, consumed, result := mux.Scan(c.frameBuffer)
		switch result {
		case mux.ResultIncomplete:
			return
		case mux.ResultGarbage:
			c.scannedFrame("garbage")
			c.frameBuffer = c.frameBuffer[consumed:]
		case mux.ResultBadChecksum:
			c.scannedFrame("bad_checksum")
			c.log.Debug("frame checksum check failed")
			c.frameBuffer = c.frameBuffer[consumed:]
		case mux.ResultFrame:
			c.scannedFrame("frame")
			c.frameBuffer = c.frameBuffer[consumed:]
			if frame.Type != mux.FrameUIH && frame.Type != mux.FrameUI {
				continue
			}
			if frame.IsTerminate() {
				c.useMux = false
				if len(c.frameBuffer) > 0 && c.frameBuffer[0] == mux.Flag {
					// Skip the trailing flag of the terminate.
					c.frameBuffer = c.frameBuffer[1:]
				}
				c.log.Debug("multiplexing deactivated")
				rest := c.frameBuffer
				c.frameBuffer = nil
				c.ingestPlain(rest)
				return
			}
			if frame.Channel != 0 {
				c.ingestChannelData(frame.Channel, frame.Payload)
			}
		}
	}
}

// ingestPlain splits data into text lines terminated by CR, LF, or
// Ctrl-Z. Lines starting with a multiplexing flag byte are dropped.
func (c *Connection) ingestPlain(data []byte) {
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\r':
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
			c.finishLine()
		case 0x1A:
			// Probably the terminator of an SMS PDU, which may or may
			// not be followed by a CR.
			if i+1 < len(data) && data[i+1] == '\r' {
				i++
			}
			c.finishLine()
		case '\n':
			c.finishLine()
		default:
			if len(c.lineBuffer) < lineBufferSize-1 {
				c.lineBuffer = append(c.lineBuffer, data[i])
			}
		}
	}
}

func (c *Connection) finishLine() {
	line := string(c.lineBuffer)
	c.lineBuffer = c.lineBuffer[:0]
	if len(line) > 0 && line[0] == mux.Flag {
		return
	}
	c.command(line)
}

// ingestChannelData handles the payload of a data frame on a channel.
func (c *Connection) ingestChannelData(channel int, payload []byte) {
	c.lineBuffer = append(c.lineBuffer, payload...)
	c.currentChannel = channel
	lastEOL := 0
	i := 0
	for i < len(c.lineBuffer) {
		switch c.lineBuffer[i] {
		case '\r':
			line := string(c.lineBuffer[lastEOL:i])
			i++
			if i < len(c.lineBuffer) && c.lineBuffer[i] == '\n' {
				i++
			}
			lastEOL = i
			c.command(line)
		case 0x1A:
			line := string(c.lineBuffer[lastEOL:i])
			i++
			if i < len(c.lineBuffer) && c.lineBuffer[i] == '\r' {
				i++
			}
			lastEOL = i
			c.command(line)
		case '\n':
			line := string(c.lineBuffer[lastEOL:i])
			i++
			lastEOL = i
			c.command(line)
		default:
			i++
		}
	}
	c.currentChannel = 1
	c.lineBuffer = append(c.lineBuffer[:0], c.lineBuffer[lastEOL:]...)
}

func (c *Connection) scannedFrame(outcome string) {
	if c.observer != nil {
		c.observer.ScannedFrame(outcome)
	}
}

func (c *Connection) handledCommand(handler string) {
	if c.observer != nil {
		c.observer.HandledCommand(handler)
	}
}

// eventClock schedules timer callbacks onto the connection's event loop.
type eventClock struct {
	inner clock.Clock
	conn  *Connection
}

func (c eventClock) Now() time.Time {
	return c.inner.Now()
}

func (c eventClock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	return c.inner.AfterFunc(d, func() {
		c.conn.post(fn)
	})
}
