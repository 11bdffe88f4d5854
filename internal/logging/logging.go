// Package logging configures the zerolog logger used by the CLI.
package logging

import (
	"fmt"
	"io"
	stdlog "log"
	"os"

	"github.com/rs/zerolog"
)

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// Setup builds a logger for the given level name and destination.
//
//	""   pretty text on stderr
//	"-"  JSON on stderr
//	path JSON appended to the file
//
// The returned closer releases the log file, if one was opened.
func Setup(levelName, logFile string) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = rfc3339Milli
	zerolog.DurationFieldInteger = true

	var out io.Writer
	var closer io.Closer = nopCloser{}
	switch logFile {
	case "-":
		out = os.Stderr
	case "":
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	default:
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("log_file: %w", err)
		}
		out = f
		closer = f
	}

	if levelName == "" {
		levelName = zerolog.InfoLevel.String()
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		closer.Close()
		return zerolog.Nop(), nil, fmt.Errorf("log_level: %w", err)
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	// pass stdlib logger through
	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
