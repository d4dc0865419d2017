package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func TestLogLineIsJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)
	SetComponent("server")
	defer SetComponent("")

	f := Fields{"session": "abc", "port": 6001}
	Info("session_opened", f)
	if _, ok := f["msg"]; ok {
		t.Error("Expected caller fields to be left untouched")
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "session_opened" || line["level"] != "info" || line["component"] != "server" {
		t.Errorf("unexpected line %v", line)
	}
	if line["port"] != float64(6001) {
		t.Errorf("Expected port field, got %v", line["port"])
	}
}

func TestDebugGate(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stdout)

	Debug("hidden", nil)
	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got %q", buf.String())
	}
	EnableDebug(true)
	defer EnableDebug(false)
	Debug("shown", nil)
	if !strings.Contains(buf.String(), `"shown"`) {
		t.Errorf("Expected debug line, got %q", buf.String())
	}
}

func TestSetupLogFile(t *testing.T) {
	path := t.TempDir() + "/burrow.log"
	closer, err := Setup("client", false, path)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer SetComponent("")
	Info("client.start", nil)
	SetOutput(os.Stdout)
	closer.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), `"component":"client"`) {
		t.Errorf("Expected component in log file, got %q", b)
	}
}
