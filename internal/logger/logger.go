// Package logger предоставляет логирование с префиксом сервиса поверх zerolog.
// API сохранён прежним (Info/Infof/Error/Errorf/DeferLogDuration), чтобы вызывающий код не зависел от бэкенда.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

const asyncBufferSize = 8192

var (
	mu     sync.RWMutex
	prefix string
	base   = newBase(os.Stderr, os.Getenv("APP_ENV") == "production")
)

func newBase(out io.Writer, jsonOutput bool) zerolog.Logger {
	var w io.Writer = out
	if !jsonOutput {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	// Запись через diode: при переполнении буфера теряем лог, но не блокируем вызывающего.
	dw := diode.NewWriter(w, asyncBufferSize, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(out, "logger: dropped %d messages\n", missed)
	})
	lvl := zerolog.InfoLevel
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug", "trace":
		lvl = zerolog.DebugLevel
	}
	return zerolog.New(dw).Level(lvl).With().Timestamp().Logger()
}

// SetOutput переключает вывод (используется в тестах и при --log-file).
func SetOutput(w io.Writer, jsonOutput bool) {
	l := newBase(w, jsonOutput)
	mu.Lock()
	l = l.Level(base.GetLevel())
	base = l
	mu.Unlock()
}

// SetLevel задаёт уровень логирования ("debug", "info", "warn", "error").
func SetLevel(level string) error {
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}
	mu.Lock()
	base = base.Level(parsed)
	mu.Unlock()
	return nil
}

// SetPrefix задаёт префикс для всех последующих логов (например "live").
func SetPrefix(p string) {
	mu.Lock()
	prefix = p
	mu.Unlock()
}

func current() (zerolog.Logger, string) {
	mu.RLock()
	defer mu.RUnlock()
	return base, prefix
}

func emit(e func(zerolog.Logger) *zerolog.Event, msg string) {
	l, p := current()
	ev := e(l)
	if p != "" {
		ev = ev.Str("svc", p)
	}
	ev.Msg(msg)
}

// Debugf пишет отладочное сообщение (только при LOG_LEVEL=debug).
func Debugf(format string, v ...any) {
	emit(func(l zerolog.Logger) *zerolog.Event { return l.Debug() }, fmt.Sprintf(format, v...))
}

// Info пишет в лог с префиксом.
func Info(v ...any) {
	emit(func(l zerolog.Logger) *zerolog.Event { return l.Info() }, fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом.
func Infof(format string, v ...any) {
	emit(func(l zerolog.Logger) *zerolog.Event { return l.Info() }, fmt.Sprintf(format, v...))
}

// Warnf пишет предупреждение.
func Warnf(format string, v ...any) {
	emit(func(l zerolog.Logger) *zerolog.Event { return l.Warn() }, fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом.
func Error(v ...any) {
	emit(func(l zerolog.Logger) *zerolog.Event { return l.Error() }, fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом.
func Errorf(format string, v ...any) {
	emit(func(l zerolog.Logger) *zerolog.Event { return l.Error() }, fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах.
// На уровне info логирует только вызовы дольше 100ms; на debug логирует все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l, p := current()
	if l.GetLevel() > zerolog.DebugLevel && elapsed < 100*time.Millisecond {
		return
	}
	ev := l.Info().Str("fn", fn).Int64("duration_ms", elapsed.Milliseconds())
	if p != "" {
		ev = ev.Str("svc", p)
	}
	ev.Send()
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("HandlerName", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}

// HTTPRequest логирует обслуженный запрос полями method/path/status/duration_ms.
// 5xx всегда уходит на warn; остальное подчиняется тем же правилам, что LogDuration.
func HTTPRequest(method, path string, status int, elapsed time.Duration) {
	l, p := current()
	var ev *zerolog.Event
	switch {
	case status >= 500:
		ev = l.Warn()
	case l.GetLevel() > zerolog.DebugLevel && elapsed < 100*time.Millisecond:
		return
	default:
		ev = l.Info()
	}
	ev = ev.Str("method", method).Str("path", path).Int("status", status).Int64("duration_ms", elapsed.Milliseconds())
	if p != "" {
		ev = ev.Str("svc", p)
	}
	ev.Msg("http request")
}

// Panic логирует восстановленную панику вместе со стеком.
func Panic(method, path string, v any, stack []byte) {
	l, p := current()
	ev := l.Error().Str("method", method).Str("path", path).Str("panic", fmt.Sprint(v)).Bytes("stack", stack)
	if p != "" {
		ev = ev.Str("svc", p)
	}
	ev.Msg("panic recovered")
}
