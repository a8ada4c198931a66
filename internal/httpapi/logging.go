package httpapi

import (
	"bytes"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the HTTP layer logger. Nop until SetLogger is called.
var zlog = zerolog.Nop()

// SetLogger installs the structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// LogLevel controls per-request logging of generation endpoints.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

// ParseLogLevel maps off, error, info and debug to a LogLevel. Unknown
// values mean info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug", "1":
		return LevelDebug
	default:
		return LevelInfo
	}
}

var defaultLogLevel = ParseLogLevel(os.Getenv("INFERD_HTTP_LOG"))

// SetDefaultLogLevel sets the level used when a request does not ask for one.
func SetDefaultLogLevel(l LogLevel) { defaultLogLevel = l }

// requestLogLevel honors ?log= and X-Log-Level before the default.
func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		return ParseLogLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return ParseLogLevel(v)
	}
	return defaultLogLevel
}

// requestLog carries the per-request logging decision through a handler.
type requestLog struct {
	lvl   LogLevel
	path  string
	rid   string
	start time.Time
}

func newRequestLog(r *http.Request) *requestLog {
	return &requestLog{
		lvl:   requestLogLevel(r),
		path:  r.URL.Path,
		rid:   middleware.GetReqID(r.Context()),
		start: time.Now(),
	}
}

func (l *requestLog) begin(model string) {
	if l.lvl < LevelInfo {
		return
	}
	zlog.Info().Str("event", "request_start").Str("path", l.path).Str("request_id", l.rid).Str("model", model).Msg("request start")
}

// end logs the outcome. Failures are logged from LevelError up.
func (l *requestLog) end(status int, err error) {
	switch {
	case err != nil && l.lvl >= LevelError:
		zlog.Warn().Str("event", "request_end").Str("path", l.path).Str("request_id", l.rid).
			Int("status", status).Dur("dur", time.Since(l.start)).Err(err).Msg("request end")
	case err == nil && l.lvl >= LevelInfo:
		zlog.Info().Str("event", "request_end").Str("path", l.path).Str("request_id", l.rid).
			Int("status", status).Dur("dur", time.Since(l.start)).Msg("request end")
	}
}

// lineLogger logs complete NDJSON lines at debug level.
type lineLogger struct {
	rid string
	buf []byte
}

func (lw *lineLogger) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > 0 {
			zlog.Debug().Str("request_id", lw.rid).RawJSON("line", lw.buf[:idx]).Msg("infer>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
