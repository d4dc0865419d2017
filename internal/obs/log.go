package obs

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync/atomic"
	"time"
)

var (
	base         = log.New(os.Stdout, "", 0)
	debugEnabled atomic.Bool
	component    atomic.Value // string
)

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) { debugEnabled.Store(v) }

// SetOutput redirects log lines, e.g. to a file or a test buffer.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// SetComponent tags every subsequent line with "component" (server or client).
func SetComponent(name string) { component.Store(name) }

type Fields map[string]any

func logWith(level, msg string, f Fields) {
	out := make(Fields, len(f)+4)
	for k, v := range f {
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["level"] = level
	out["msg"] = msg
	if c, ok := component.Load().(string); ok && c != "" {
		out["component"] = c
	}
	b, err := json.Marshal(out)
	if err != nil {
		base.Printf("{\"level\":\"error\",\"msg\":\"log marshal failure\",\"err\":%q}", err.Error())
		return
	}
	base.Println(string(b))
}

func Info(msg string, f Fields)  { logWith("info", msg, f) }
func Warn(msg string, f Fields)  { logWith("warn", msg, f) }
func Error(msg string, f Fields) { logWith("error", msg, f) }
func Debug(msg string, f Fields) {
	if debugEnabled.Load() {
		logWith("debug", msg, f)
	}
}

// Setup configures the process logger: component tag, debug level and an
// optional log file (appended to). The returned closer is nil when logging
// to stdout.
func Setup(name string, debug bool, file string) (io.Closer, error) {
	SetComponent(name)
	EnableDebug(debug)
	if file == "" {
		return nil, nil
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	SetOutput(f)
	return f, nil
}
