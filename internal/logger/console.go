package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// NewOperational builds the structured logger used for everything that is
// not a per-task progress line: request logs, breaker trips, sweep runs,
// and shutdown. Pretty-prints to a TTY, JSON otherwise.
func NewOperational(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// PrintBanner writes a short human-facing startup banner, colorized when
// stdout is a terminal.
func PrintBanner(version, addr string) {
	bold := color.New(color.Bold)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		bold.Println("taskforge " + version)
		color.Green("listening on %s", addr)
		return
	}
	fmt.Printf("taskforge %s listening on %s\n", version, addr)
}
