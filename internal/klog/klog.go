// Package klog is the kernel's leveled console logger. No pack repo reaches
// for a structured logging library below the application layer (biscuit
// itself only ever calls fmt.Printf from mem/vm), so this stays on the
// standard library's log.Logger with a custom io.Writer sink, matching that
// texture while still giving each subsystem its own prefix and level gate.
package klog

import (
	"io"
	"log"
	"os"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu      sync.Mutex
	sink    io.Writer = os.Stderr
	minimum Level     = LevelInfo
)

// SetSink redirects all kernel log output, e.g. to the framebuffer console
// once it is mapped.
func SetSink(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	sink = w
}

// SetLevel gates which levels are actually printed.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	minimum = l
}

// Logger is a subsystem-scoped logger, e.g. klog.New("pmap").
type Logger struct {
	prefix string
}

func New(prefix string) *Logger {
	return &Logger{prefix: prefix}
}

func (l *Logger) log(lvl Level, tag string, format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl < minimum {
		return
	}
	out := log.New(sink, "["+l.prefix+"] "+tag+" ", 0)
	out.Printf(format, args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, "dbg", format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.log(LevelInfo, "inf", format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.log(LevelWarn, "wrn", format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(LevelError, "err", format, args...) }
