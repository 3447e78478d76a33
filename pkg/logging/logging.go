// Package logging provides a simple leveled logger. Time/date are left
// off by default since most deployments run under systemd or a
// container runtime that timestamps stdout/stderr for us.
//
// Uses these prefixes: https://www.freedesktop.org/software/systemd/man/sd-daemon.html
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

var logDateTime bool

var (
	DebugWriter io.Writer = os.Stderr
	InfoWriter  io.Writer = os.Stderr
	WarnWriter  io.Writer = os.Stderr
	ErrWriter   io.Writer = os.Stderr
)

var (
	DebugPrefix string = "<7>[DEBUG]   "
	InfoPrefix  string = "<6>[INFO]    "
	WarnPrefix  string = "<4>[WARNING] "
	ErrPrefix   string = "<3>[ERROR]   "
)

var (
	DebugLog *log.Logger = log.New(DebugWriter, DebugPrefix, 0)
	InfoLog  *log.Logger = log.New(InfoWriter, InfoPrefix, 0)
	WarnLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.Lshortfile)
	ErrLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.Llongfile)

	DebugTimeLog *log.Logger = log.New(DebugWriter, DebugPrefix, log.LstdFlags)
	InfoTimeLog  *log.Logger = log.New(InfoWriter, InfoPrefix, log.LstdFlags)
	WarnTimeLog  *log.Logger = log.New(WarnWriter, WarnPrefix, log.LstdFlags|log.Lshortfile)
	ErrTimeLog   *log.Logger = log.New(ErrWriter, ErrPrefix, log.LstdFlags|log.Llongfile)
)

// SetLevel silences writers below lvl: one of "debug", "info", "warn", "err".
func SetLevel(lvl string) {
	switch lvl {
	case "err", "fatal":
		WarnWriter = io.Discard
		fallthrough
	case "warn":
		InfoWriter = io.Discard
		fallthrough
	case "info":
		DebugWriter = io.Discard
	case "debug":
		// nothing silenced
	default:
		fmt.Fprintf(os.Stderr, "logging: unknown level %q, defaulting to debug\n", lvl)
		SetLevel("debug")
	}
}

func SetLogDateTime(v bool) {
	logDateTime = v
}

func Debug(v ...interface{}) {
	if DebugWriter == io.Discard {
		return
	}
	out := fmt.Sprint(v...)
	if logDateTime {
		DebugTimeLog.Output(2, out)
	} else {
		DebugLog.Output(2, out)
	}
}

func Info(v ...interface{}) {
	if InfoWriter == io.Discard {
		return
	}
	out := fmt.Sprint(v...)
	if logDateTime {
		InfoTimeLog.Output(2, out)
	} else {
		InfoLog.Output(2, out)
	}
}

func Warn(v ...interface{}) {
	if WarnWriter == io.Discard {
		return
	}
	out := fmt.Sprint(v...)
	if logDateTime {
		WarnTimeLog.Output(2, out)
	} else {
		WarnLog.Output(2, out)
	}
}

func Error(v ...interface{}) {
	if ErrWriter == io.Discard {
		return
	}
	out := fmt.Sprint(v...)
	if logDateTime {
		ErrTimeLog.Output(2, out)
	} else {
		ErrLog.Output(2, out)
	}
}

// Fatal logs at error level and terminates the process. Reserved for
// startup configuration failures; nothing in the write or read loops
// may call this.
func Fatal(v ...interface{}) {
	Error(v...)
	os.Exit(1)
}

func Debugf(format string, v ...interface{}) {
	if DebugWriter == io.Discard {
		return
	}
	out := fmt.Sprintf(format, v...)
	if logDateTime {
		DebugTimeLog.Output(2, out)
	} else {
		DebugLog.Output(2, out)
	}
}

func Infof(format string, v ...interface{}) {
	if InfoWriter == io.Discard {
		return
	}
	out := fmt.Sprintf(format, v...)
	if logDateTime {
		InfoTimeLog.Output(2, out)
	} else {
		InfoLog.Output(2, out)
	}
}

func Warnf(format string, v ...interface{}) {
	if WarnWriter == io.Discard {
		return
	}
	out := fmt.Sprintf(format, v...)
	if logDateTime {
		WarnTimeLog.Output(2, out)
	} else {
		WarnLog.Output(2, out)
	}
}

func Errorf(format string, v ...interface{}) {
	if ErrWriter == io.Discard {
		return
	}
	out := fmt.Sprintf(format, v...)
	if logDateTime {
		ErrTimeLog.Output(2, out)
	} else {
		ErrLog.Output(2, out)
	}
}

func Fatalf(format string, v ...interface{}) {
	Errorf(format, v...)
	os.Exit(1)
}
