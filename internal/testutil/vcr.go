// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// AgentCassette replays recorded agent traffic from testdata/fixtures/<name>.yaml.
// Set VCR_MODE=record and AGENT_URL to re-record against a live agent.
func AgentCassette(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("Failed to create VCR recorder: %v", err)
	}

	// Request ids are fresh per call, so bodies and ids are not compared;
	// the header must still be present on every outbound call.
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method &&
			req.URL.String() == i.URL &&
			req.Header.Get("X-Request-ID") != ""
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("Failed to stop VCR recorder: %v", err)
		}
	})

	return &http.Client{Transport: r}
}

// AgentURL is the base URL cassettes were recorded against.
func AgentURL() string {
	if u := os.Getenv("AGENT_URL"); u != "" {
		return u
	}
	return "http://agent.test"
}
