// Package ulog is the uPCN agent's logger: severity-leveled, line-size
// bounded, unbuffered (each line is written straight to the output), with
// optional file rotation. Adapted from aistore's
// cmn/nlog rather than reaching for a third-party structured logger, because
// that is the ambient-logging idiom this codebase's lineage already uses.
package ulog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type severity int

const (
	SevInfo severity = iota
	SevWarn
	SevErr
)

const maxLineSize = 2 * 1024

var sevChar = "IWE"

type logger struct {
	mu      sync.Mutex
	out     io.Writer
	title   string
	written atomic.Int64
	maxSize int64 // 0 disables rotation
	rotate  func(prev io.Writer) (io.Writer, error)
}

var (
	def = &logger{out: os.Stderr}
)

// SetOutput redirects all log output. Used by tests and by cmd/upcnd when a
// log file path is configured.
func SetOutput(w io.Writer) {
	def.mu.Lock()
	def.out = w
	def.mu.Unlock()
}

// SetTitle sets a banner line written after each rotation.
func SetTitle(s string) { def.mu.Lock(); def.title = s; def.mu.Unlock() }

// SetMaxSize enables rotation through rotateFn once written bytes exceed n.
func SetMaxSize(n int64, rotateFn func(prev io.Writer) (io.Writer, error)) {
	def.mu.Lock()
	def.maxSize, def.rotate = n, rotateFn
	def.mu.Unlock()
}

func Infof(format string, args ...any)  { def.printf(SevInfo, format, args...) }
func Warnf(format string, args ...any)  { def.printf(SevWarn, format, args...) }
func Errorf(format string, args ...any) { def.printf(SevErr, format, args...) }

func Infoln(args ...any)  { def.println(SevInfo, args...) }
func Warnln(args ...any)  { def.println(SevWarn, args...) }
func Errorln(args ...any) { def.println(SevErr, args...) }

func Flush() {
	def.mu.Lock()
	defer def.mu.Unlock()
	if f, ok := def.out.(interface{ Sync() error }); ok {
		f.Sync()
	}
}

func (l *logger) printf(sev severity, format string, args ...any) {
	line := l.render(sev, fmt.Sprintf(format, args...))
	l.write(line)
}

func (l *logger) println(sev severity, args ...any) {
	line := l.render(sev, strings.TrimRight(fmt.Sprintln(args...), "\n"))
	l.write(line)
}

func (l *logger) render(sev severity, msg string) string {
	now := time.Now()
	line := fmt.Sprintf("%c %s %s\n", sevChar[sev], now.Format("15:04:05.000000"), msg)
	if len(line) > maxLineSize {
		line = line[:maxLineSize-1] + "\n"
	}
	return line
}

func (l *logger) write(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, _ := io.WriteString(l.out, line)
	l.written.Add(int64(n))
	if l.maxSize > 0 && l.rotate != nil && l.written.Load() >= l.maxSize {
		next, err := l.rotate(l.out)
		if err == nil {
			l.out = next
			l.written.Store(0)
			if l.title != "" {
				io.WriteString(l.out, "rotated at "+time.Now().Format("2006/01/02 15:04:05")+", "+l.title+"\n")
			}
		}
	}
}
