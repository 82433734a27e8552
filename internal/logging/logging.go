// Package logging configures the zerolog logger used across the daemon,
// replacing the teacher's ad-hoc log.Print/fmt.Println calls with leveled,
// structured output suitable for a long-running process.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger, writing to w (stderr when w is
// nil). In debug mode it writes a human-friendly console format;
// otherwise it writes compact JSON, which is what a daemon started under
// a process supervisor should emit.
func New(debug bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
