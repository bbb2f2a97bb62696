// Package server accepts TCP connections and runs one independent
// simulated modem per client.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/ftl/phonesim/clock"
	"github.com/ftl/phonesim/rules"
	"github.com/ftl/phonesim/sim"
)

// Config describes a simulator server.
type Config struct {
	// Rules provides a fresh rule definition for each connection. The
	// rule state is mutable, so definitions cannot be shared between
	// connections.
	Rules func() (*rules.Definition, error)
	// Clock provides the timers, defaults to the wall clock.
	Clock clock.Clock
	Log   *slog.Logger
	// PhoneNumber is the subscriber number of the first connection.
	// Subsequent connections count up from there.
	PhoneNumber string
	Metrics     *Metrics
}

// Server runs the simulator on a TCP listener.
type Server struct {
	config Config
	log    *slog.Logger

	lock        sync.Mutex
	listener    net.Listener
	connections map[*sim.Connection]struct{}
	accepted    int
	closed      bool
}

// New creates a simulator server.
func New(config Config) *Server {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:      config,
		log:         log,
		connections: map[*sim.Connection]struct{}{},
	}
}

// Serve accepts connections on the given listener until the server is
// closed. It takes ownership of the listener.
func (s *Server) Serve(listener net.Listener) error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		listener.Close()
		return fmt.Errorf("server is closed")
	}
	s.listener = listener
	s.lock.Unlock()

	s.log.Info("listening", "address", listener.Addr().String())
	for {
		netConn, err := listener.Accept()
		if err != nil {
			s.lock.Lock()
			closed := s.closed
			s.lock.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		s.lock.Lock()
		s.accepted++
		index := s.accepted
		s.lock.Unlock()
		go s.handle(netConn, index)
	}
}

// Close stops accepting connections and closes all active ones.
func (s *Server) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	connections := make([]*sim.Connection, 0, len(s.connections))
	for conn := range s.connections {
		connections = append(connections, conn)
	}
	s.lock.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, conn := range connections {
		conn.Close()
	}
	return nil
}

func (s *Server) handle(netConn net.Conn, index int) {
	log := s.log.With("remote", netConn.RemoteAddr().String())

	definition, err := s.config.Rules()
	if err != nil {
		log.Error("cannot load rules", "error", err)
		netConn.Close()
		return
	}

	if s.config.Metrics != nil {
		s.config.Metrics.Connections.Inc()
	}

	var connObserver sim.Observer
	if s.config.Metrics != nil {
		connObserver = observer{metrics: s.config.Metrics}
	}

	conn := sim.Open(netConn, sim.Config{
		Rules:       definition,
		Clock:       s.config.Clock,
		Log:         log,
		PhoneNumber: phoneNumber(s.config.PhoneNumber, index-1),
		Observer:    connObserver,
	})

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		conn.Close()
		return
	}
	s.connections[conn] = struct{}{}
	s.lock.Unlock()

	log.Info("connected", "number", phoneNumber(s.config.PhoneNumber, index-1))
	conn.WaitUntilClosed()
	log.Info("disconnected")

	s.lock.Lock()
	delete(s.connections, conn)
	s.lock.Unlock()
}

// phoneNumber derives the subscriber number of the nth connection by
// counting up from the base number. Non-numeric bases are used as-is.
func phoneNumber(base string, n int) string {
	if base == "" || n == 0 {
		return base
	}
	digits := strings.TrimPrefix(base, "+")
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return base
	}
	result := strconv.FormatUint(value+uint64(n), 10)
	// Keep leading zeros of the base number.
	if len(result) < len(digits) {
		result = digits[:len(digits)-len(result)] + result
	}
	if strings.HasPrefix(base, "+") {
		result = "+" + result
	}
	return result
}
