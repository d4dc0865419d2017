package web

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

type exposure struct {
	RemotePort    uint16
	Service, Name string
	Bound         time.Time
}

type session struct {
	ID, Remote, Fingerprint string
	Created, LastActivity   time.Time
	ActiveStreams           int
	Exposures               []exposure
}

func TestRenderDashboard(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, "dashboard", map[string]any{
		"Title":    "dashboard",
		"Sessions": 1,
		"Ports":    1,
		"Streams":  2,
		"Opened":   int64(9),
		"Started":  time.Now().Add(-time.Minute),
		"List": []session{{
			ID:        "sid-1",
			Remote:    "1.2.3.4:5000",
			Created:   time.Now(),
			Exposures: []exposure{{RemotePort: 6001, Service: "ssh", Name: "<laptop>", Bound: time.Now()}},
		}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"sid-1", "6001", "&lt;laptop&gt;", "Streams opened: <b>9</b>", "rendered "} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output", want)
		}
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	var buf bytes.Buffer
	if err := Render(&buf, "missing", nil); err == nil {
		t.Error("Expected error for unknown template")
	}
}
