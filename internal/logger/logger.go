package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
)

// Level returns the log level for the --verbose flag.
func Level(verbose bool) slog.Level {
	if verbose {
		return log.LevelDebug
	}
	return log.LevelInfo
}

// New creates a terminal logger writing to w, colored when w is a terminal.
func New(w io.Writer, verbose bool) log.Logger {
	return log.NewLogger(log.NewTerminalHandlerWithLevel(w, Level(verbose), useColor(w)))
}

// NewFile creates a logfmt logger appending to path. The caller closes the file.
func NewFile(path string, verbose bool) (log.Logger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, err
	}
	return log.NewLogger(log.LogfmtHandlerWithLevel(f, Level(verbose))), f, nil
}

// Setup picks the file logger when path is set and stdout otherwise, and
// installs the result as the process default.
func Setup(path string, verbose bool) (log.Logger, io.Closer, error) {
	var (
		l      log.Logger
		closer io.Closer = io.NopCloser(nil)
	)
	if path != "" {
		var err error
		if l, closer, err = NewFile(path, verbose); err != nil {
			return nil, nil, err
		}
	} else {
		l = New(os.Stdout, verbose)
	}
	log.SetDefault(l)
	return l, closer, nil
}

func useColor(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
