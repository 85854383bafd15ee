// Package aputil provides small process-wide utilities shared by the
// bridge engine's components: structured logging and a handful of
// daemon-lifecycle helpers that have no natural home in a single
// component package.
package aputil

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ThrottledLogger wraps a zap sugared logger so that a caller which might
// fire on every packet in a tight loop (a malformed frame, a repeated
// driver error) can log at a decaying rate instead of flooding the log.
type ThrottledLogger struct {
	slog      *zap.SugaredLogger
	next      time.Time
	baseDelay time.Duration
	maxDelay  time.Duration
	curDelay  time.Duration
}

var (
	atomicLevel = zap.NewAtomicLevel()
	procName    string
	tloggers    = make(map[string]*ThrottledLogger)
)

// Clear resets the logger's timeout to its base delay.
func (t *ThrottledLogger) Clear() {
	t.next = time.Now()
	t.curDelay = t.baseDelay
}

func (t *ThrottledLogger) ready() bool {
	var rval bool

	if now := time.Now(); now.After(t.next) {
		t.next = now.Add(t.curDelay)
		t.curDelay *= 2
		if t.curDelay > t.maxDelay {
			t.curDelay = t.maxDelay
		}
		rval = true
	}

	return rval
}

// Errorf issues an ERROR message if the throttle window has elapsed.
func (t *ThrottledLogger) Errorf(fmt string, a ...interface{}) {
	if t.ready() {
		t.slog.Errorf(fmt, a...)
	}
}

// Warnf issues a WARN message if the throttle window has elapsed.
func (t *ThrottledLogger) Warnf(fmt string, a ...interface{}) {
	if t.ready() {
		t.slog.Warnf(fmt, a...)
	}
}

// GetThrottledLogger returns a throttled logger unique to the call site it
// was requested from. The first call from a given line allocates the
// logger; later calls from that same line reuse it.
func GetThrottledLogger(base *zap.SugaredLogger, start, max time.Duration) *ThrottledLogger {
	var key string
	if _, file, line, ok := runtime.Caller(1); ok {
		key = file + ":" + strconv.Itoa(line)
	} else {
		key = "unknown"
	}

	t, ok := tloggers[key]
	if !ok {
		logger := base.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
		t = &ThrottledLogger{
			slog:      logger,
			next:      time.Now(),
			baseDelay: start,
			curDelay:  start,
			maxDelay:  max,
		}
		tloggers[key] = t
	}

	return t
}

func zapTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006/01/02 15:04:05.000"))
}

func zapCallerEncoder(caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
	dir, fileName := filepath.Split(caller.File)
	dir = filepath.Base(dir)
	if dir != procName {
		fileName = filepath.Join(dir, fileName)
	}
	enc.AppendString(fmt.Sprintf("%s:%s:%d", procName, fileName, caller.Line))
}

// LogSetLevel adjusts the log level at runtime; it is suitable for wiring
// to a config-store watch callback.
func LogSetLevel(level string) error {
	var newLevel zapcore.Level

	err := (&newLevel).UnmarshalText([]byte(level))
	if err == nil {
		atomicLevel.SetLevel(newLevel)
	}
	return err
}

// NewLogger returns a 'sugared' zap logger. Every line carries a
// timestamp, level, and enough context (process:file:line) to find the
// call site, e.g.:
//	2026/03/05 09:12:03.118	INFO	apbridged:clonefsm/clonefsm.go:142	clone: target=aa:bb:cc:01:02:03
func NewLogger(name string) *zap.SugaredLogger {
	procName = name

	zapConfig := zap.NewDevelopmentConfig()
	zapConfig.Level = atomicLevel
	zapConfig.DisableStacktrace = true
	zapConfig.EncoderConfig.EncodeTime = zapTimeEncoder
	zapConfig.EncoderConfig.EncodeCaller = zapCallerEncoder

	logger, err := zapConfig.Build()
	if err != nil {
		log.Panicf("can't build logger: %s", err)
	}

	_ = zap.RedirectStdLog(logger)

	return logger.Sugar()
}

// Fatalf prints to stderr and exits; used only for startup failures before
// the logger (or the radio) is up, matching spec.md §7 item 5.
func Fatalf(format string, v ...interface{}) {
	fmt.Fprintf(os.Stderr, format, v...)
	os.Exit(1)
}
