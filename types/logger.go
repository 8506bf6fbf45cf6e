package types

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

const logDir = "/var/log/hotspot"

// NewHotspotLogger creates a new logger with the given name and level.
// The level is used to set the log level, defaulting to info.
// The log level can be overridden by setting the environment variable
// $NAME_DEBUG or $NAME_TRACE to any non-empty value.
// If quiet is true, the logger will not log to the console.
func NewHotspotLogger(name, level string, quiet bool) HotspotLogger {
	var loggers []io.Writer
	var l zerolog.Level
	var fileLock *flock.Flock
	var logfile *os.File
	var err error

	if isJournaldAvailable() {
		loggers = append(loggers, getJournaldWriter())
	} else {
		// Default to file logging
		logName := fmt.Sprintf("%s.log", name)
		_ = os.MkdirAll(logDir, os.ModeDir|os.ModePerm)
		logFileName := filepath.Join(logDir, logName)

		logfile, err = os.OpenFile(logFileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			loggers = append(loggers, zerolog.ConsoleWriter{Out: logfile, TimeFormat: time.RFC3339, NoColor: true})
		}

		fileLock = flock.New(logFileName + ".lock")
	}

	if !quiet {
		loggers = append(loggers, zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.TimeFormat = time.RFC3339
		}))
	}

	// Parse the level, default to info
	l, err = zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}

	multi := zerolog.MultiLevelWriter(loggers...)

	// Env overrides so operators can crank verbosity without flags
	if os.Getenv(fmt.Sprintf("%s_DEBUG", strings.ToUpper(name))) != "" {
		l = zerolog.DebugLevel
	}
	if os.Getenv(fmt.Sprintf("%s_TRACE", strings.ToUpper(name))) != "" {
		l = zerolog.TraceLevel
	}
	h := HotspotLogger{
		zerolog.New(multi).With().Timestamp().Logger().Level(l),
		fileLock,
		logfile,
		isJournaldAvailable(),
	}

	runtime.SetFinalizer(&h, func(h *HotspotLogger) {
		h.Cleanup()
	})

	return h
}

func (m *HotspotLogger) Cleanup() {
	if m.fileLock != nil {
		m.fileLock.Lock()
	}

	if m.logFile != nil {
		m.logFile.Close()
		m.logFile = nil
	}
	if m.fileLock != nil {
		m.fileLock.Unlock()
		m.fileLock = nil
	}
}

func NewBufferLogger(b *bytes.Buffer) HotspotLogger {
	return HotspotLogger{
		zerolog.New(b).With().Timestamp().Logger(),
		nil,
		nil,
		true,
	}
}

func NewNullLogger() HotspotLogger {
	return HotspotLogger{
		zerolog.New(io.Discard).With().Timestamp().Logger(),
		nil,
		nil,
		true,
	}
}

// HotspotLogger wraps zerolog with journald or locked-file output plus the
// printf-style methods the rest of the codebase expects.
type HotspotLogger struct {
	zerolog.Logger
	fileLock *flock.Flock
	logFile  *os.File
	journald bool // Whether we are logging to journald, to avoid the file lock
}

func (m *HotspotLogger) SetLevel(level string) {
	l, _ := zerolog.ParseLevel(level)
	// Level() returns a child logger so we need to overwrite the logger
	m.Logger = m.Logger.Level(l)
}

func (m HotspotLogger) GetLevel() zerolog.Level {
	return m.Logger.GetLevel()
}

func (m HotspotLogger) IsDebug() bool {
	return m.Logger.GetLevel() == zerolog.DebugLevel
}

// Printf-style bridge used by components that take a plain logger.

func (m HotspotLogger) Infof(tpl string, args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		// Add the pid to the log line so searching for it is easier
		tpl = fmt.Sprintf("[%v] ", os.Getpid()) + tpl
	}
	m.Logger.Info().Msg(fmt.Sprintf(tpl, args...))
}

func (m HotspotLogger) Info(args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		args = append([]interface{}{fmt.Sprintf("[%v]", os.Getpid())}, args...)
	}
	m.Logger.Info().Msg(fmt.Sprint(args...))
}

func (m HotspotLogger) Warnf(tpl string, args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		tpl = fmt.Sprintf("[%v] ", os.Getpid()) + tpl
	}
	m.Logger.Warn().Msg(fmt.Sprintf(tpl, args...))
}

func (m HotspotLogger) Warn(args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		args = append([]interface{}{fmt.Sprintf("[%v]", os.Getpid())}, args...)
	}
	m.Logger.Warn().Msg(fmt.Sprint(args...))
}

func (m HotspotLogger) Debugf(tpl string, args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		tpl = fmt.Sprintf("[%v] ", os.Getpid()) + tpl
	}
	m.Logger.Debug().Msg(fmt.Sprintf(tpl, args...))
}

func (m HotspotLogger) Debug(args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		args = append([]interface{}{fmt.Sprintf("[%v]", os.Getpid())}, args...)
	}
	m.Logger.Debug().Msg(fmt.Sprint(args...))
}

func (m HotspotLogger) Errorf(tpl string, args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		tpl = fmt.Sprintf("[%v] ", os.Getpid()) + tpl
	}
	m.Logger.Error().Msg(fmt.Sprintf(tpl, args...))
}

func (m HotspotLogger) Error(args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		args = append([]interface{}{fmt.Sprintf("[%v]", os.Getpid())}, args...)
	}
	m.Logger.Error().Msg(fmt.Sprint(args...))
}

func (m HotspotLogger) Tracef(tpl string, args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		tpl = fmt.Sprintf("[%v] ", os.Getpid()) + tpl
	}
	m.Logger.Trace().Msg(fmt.Sprintf(tpl, args...))
}

func (m HotspotLogger) Trace(args ...interface{}) {
	if !m.journald {
		m.fileLock.Lock()
		defer m.fileLock.Unlock()
		args = append([]interface{}{fmt.Sprintf("[%v]", os.Getpid())}, args...)
	}
	m.Logger.Trace().Msg(fmt.Sprint(args...))
}
