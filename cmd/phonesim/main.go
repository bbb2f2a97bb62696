// The phonesim command serves simulated GSM modems, either to any
// number of TCP clients or on a single serial port.
package main

import (
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/ftl/phonesim/rules"
	"github.com/ftl/phonesim/serial"
	"github.com/ftl/phonesim/server"
	"github.com/ftl/phonesim/sim"
)

var opts struct {
	Rules        string `short:"r" long:"rules" description:"the simulator rule file" required:"true"`
	Listen       string `short:"l" long:"listen" description:"the TCP address to listen on" default:"localhost:12345"`
	Serial       string `short:"s" long:"serial" description:"serve the modem on this serial port instead of TCP"`
	DetectSerial string `long:"detect-serial" description:"serve the modem on the first serial port matching this description"`
	Metrics      string `short:"m" long:"metrics" description:"the HTTP address to serve Prometheus metrics on"`
	PhoneNumber  string `short:"n" long:"number" description:"the subscriber number of the first connection" default:"15551234567"`
	LogLevel     string `long:"log-level" description:"the log level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`
}

func main() {
	_, err := flags.Parse(&opts)
	if flags.WroteHelp(err) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(1)
	}

	log := newLogger(opts.LogLevel)

	loadRules := func() (*rules.Definition, error) {
		return rules.LoadFile(opts.Rules)
	}
	// Fail early on a broken rule file.
	if _, err := loadRules(); err != nil {
		log.Error("cannot load rules", "error", err)
		os.Exit(1)
	}

	var metrics *server.Metrics
	if opts.Metrics != "" {
		metrics, err = server.NewMetrics(nil)
		if err != nil {
			log.Error("cannot register metrics", "error", err)
			os.Exit(1)
		}
		go serveMetrics(log, opts.Metrics, metrics)
	}

	if opts.Serial != "" || opts.DetectSerial != "" {
		if err := serveSerial(log, loadRules); err != nil {
			log.Error("serial modem failed", "error", err)
			os.Exit(1)
		}
		return
	}

	listener, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		log.Error("cannot listen", "address", opts.Listen, "error", err)
		os.Exit(1)
	}
	srv := server.New(server.Config{
		Rules:       loadRules,
		Log:         log,
		PhoneNumber: opts.PhoneNumber,
		Metrics:     metrics,
	})
	if err := srv.Serve(listener); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}

func serveMetrics(log *slog.Logger, address string, metrics *server.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info("serving metrics", "address", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		log.Error("metrics endpoint failed", "error", err)
	}
}

func serveSerial(log *slog.Logger, loadRules func() (*rules.Definition, error)) error {
	portName := opts.Serial
	if portName == "" {
		var err error
		portName, err = serial.FindModemPortName(opts.DetectSerial)
		if err != nil {
			return err
		}
	}

	device, err := serial.Open(portName)
	if err != nil {
		return err
	}

	definition, err := loadRules()
	if err != nil {
		return err
	}

	log.Info("serving modem", "port", portName)
	conn := sim.Open(device, sim.Config{
		Rules:       definition,
		Log:         log,
		PhoneNumber: opts.PhoneNumber,
	})
	conn.WaitUntilClosed()
	return nil
}
