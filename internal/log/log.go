// Package log wires zerolog for the whole node: one root logger, derived
// per-component loggers, and an Init that the daemons call once after
// config parsing.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root. Components derive from it so a level
// or output change in Init reaches everything.
var Logger zerolog.Logger

// Pre-built loggers for the chattiest subsystems. Everything else derives
// its own with WithComponent.
var (
	P2P       zerolog.Logger
	Importer  zerolog.Logger
	Consensus zerolog.Logger
	EVM       zerolog.Logger
	Task      zerolog.Logger
)

func init() {
	// Colored console at info until Init runs with the real config.
	Logger = newConsoleLogger(os.Stdout, "info")
	rebuildComponents()
}

// Init configures the root logger. With a file set, output goes to both
// the console (colored, or raw JSON when jsonOutput is set) and the file,
// which always gets JSON so it stays machine-parseable.
func Init(level string, jsonOutput bool, file string) error {
	switch {
	case file != "":
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		var console io.Writer = os.Stdout
		if !jsonOutput {
			console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		}
		Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).
			Level(parseLevel(level)).
			With().
			Timestamp().
			Logger()
	case jsonOutput:
		Logger = zerolog.New(os.Stdout).
			Level(parseLevel(level)).
			With().
			Timestamp().
			Logger()
	default:
		Logger = newConsoleLogger(os.Stdout, level)
	}

	rebuildComponents()
	return nil
}

func newConsoleLogger(w io.Writer, level string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(console).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func rebuildComponents() {
	P2P = WithComponent("p2p")
	Importer = WithComponent("importer")
	Consensus = WithComponent("consensus")
	EVM = WithComponent("evm")
	Task = WithComponent("task")
}

// WithComponent derives a logger tagged with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
