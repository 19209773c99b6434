package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridian-obs/meridian/internal/errors"
)

func TestRootCommandWiring(t *testing.T) {
	if rootCmd.Use != "meridian" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "meridian")
	}

	names := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"serve", "status", "publish-retry", "queue", "logs"} {
		if !names[want] {
			t.Errorf("subcommand %q not registered", want)
		}
	}

	var reset bool
	for _, sub := range queueCmd.Commands() {
		if sub.Name() == "reset" {
			reset = true
		}
	}
	if !reset {
		t.Error("queue has no reset subcommand")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"generic failure", fail(errors.New("boom")), 1},
		{"unreachable", unreachable(errors.New("refused")), 3},
		{"wrapped exit error", fmt.Errorf("running: %w", fail(errors.New("boom"))), 1},
		{"bare error is a usage error", errors.New("unknown flag"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func testClient(base string, out io.Writer) *controlClient {
	return &controlClient{
		base: base,
		hc:   &http.Client{Timeout: 2 * time.Second},
		out:  out,
	}
}

func TestClientRendersJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"groups":{"pending":2},"uptime_s":31}`)
	}))
	defer ts.Close()

	var out bytes.Buffer
	if err := testClient(ts.URL, &out).get("/status"); err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !strings.Contains(out.String(), "\"pending\": 2") {
		t.Errorf("output not indented JSON:\n%s", out.String())
	}
}

func TestClientMapsErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"not_found","message":"group unknown: g1"}}`)
	}))
	defer ts.Close()

	err := testClient(ts.URL, io.Discard).get("/groups/g1")
	if err == nil {
		t.Fatal("expected an error for HTTP 404")
	}
	if !strings.Contains(err.Error(), "not_found: group unknown: g1") {
		t.Errorf("error = %q, want the envelope code and message", err)
	}
	if got := exitCode(err); got != 1 {
		t.Errorf("exitCode = %d, want 1", got)
	}
}

func TestClientErrorWithoutEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	}))
	defer ts.Close()

	err := testClient(ts.URL, io.Discard).get("/status")
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("error = %v, want the HTTP status fallback", err)
	}
}

func TestClientUnreachableExitCode(t *testing.T) {
	// Grab a free port and close it again so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	err = testClient("http://"+addr, io.Discard).get("/status")
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
	if got := exitCode(err); got != 3 {
		t.Errorf("exitCode = %d, want 3", got)
	}
}

func TestClientEscapesPathSegments(t *testing.T) {
	var seen string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.EscapedPath()
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	dataID := "staging/2026-08-25T01:02:03/mosaic.fits"
	path := "/products/" + url.PathEscape(dataID) + "/publish"
	if err := testClient(ts.URL, io.Discard).post(path, nil); err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if !strings.Contains(seen, "%2F") {
		t.Errorf("request path %q lost the encoded slashes", seen)
	}
	if strings.Count(strings.TrimPrefix(seen, "/products/"), "/") != 1 {
		t.Errorf("data ID split across segments: %q", seen)
	}
}

// setLogsFlags points the logs command at a fixture file and restores every
// flag variable afterwards, since they are package globals.
func setLogsFlags(t *testing.T, file string) {
	t.Helper()
	t.Cleanup(func() {
		logsFile, logsTail, logsLevel, logsSince = "", 50, "", ""
		logsGroup, logsStage, logsComponent, logsGrep = "", "", "", ""
		logsExport, logsFormat = "", "text"
	})
	logsFile = file
	logsTail = 0
}

func writeLogFixture(t *testing.T) string {
	t.Helper()
	lines := []string{
		`{"time":"2026-08-25T10:00:00.000Z","level":"INFO","msg":"group claimed","component":"scheduler","group_id":"2026-08-25T01:02:03"}`,
		`{"time":"2026-08-25T10:00:05.000Z","level":"WARN","msg":"stage failed, group will retry","component":"scheduler","group_id":"2026-08-25T01:02:03","stage":"calibrate"}`,
		`{"time":"2026-08-25T10:00:09.000Z","level":"ERROR","msg":"group failed permanently","component":"scheduler","group_id":"2026-08-25T04:05:06","stage":"image"}`,
		`not json at all`,
	}
	path := filepath.Join(t.TempDir(), "meridian.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("writing log fixture: %v", err)
	}
	return path
}

func runLogsInto(t *testing.T, out io.Writer) error {
	t.Helper()
	c := &cobra.Command{}
	c.SetOut(out)
	return runLogs(c, nil)
}

func TestLogsFilterByGroupAndLevel(t *testing.T) {
	setLogsFlags(t, writeLogFixture(t))
	logsGroup = "2026-08-25T01:02:03"
	logsLevel = "warn"

	var out bytes.Buffer
	if err := runLogsInto(t, &out); err != nil {
		t.Fatalf("runLogs failed: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "stage failed, group will retry") {
		t.Errorf("output missing the matching entry:\n%s", got)
	}
	if strings.Contains(got, "group claimed") || strings.Contains(got, "group failed permanently") {
		t.Errorf("filters leaked entries:\n%s", got)
	}
}

func TestLogsTailKeepsNewest(t *testing.T) {
	setLogsFlags(t, writeLogFixture(t))
	logsTail = 1

	var out bytes.Buffer
	if err := runLogsInto(t, &out); err != nil {
		t.Fatalf("runLogs failed: %v", err)
	}
	if !strings.Contains(out.String(), "group failed permanently") {
		t.Errorf("tail should keep the newest entry:\n%s", out.String())
	}
	if strings.Contains(out.String(), "group claimed") {
		t.Errorf("tail of 1 showed more than one entry:\n%s", out.String())
	}
}

func TestLogsExportCSV(t *testing.T) {
	setLogsFlags(t, writeLogFixture(t))
	logsExport = filepath.Join(t.TempDir(), "out.csv")
	logsFormat = "csv"

	if err := runLogsInto(t, io.Discard); err != nil {
		t.Fatalf("runLogs failed: %v", err)
	}
	data, err := os.ReadFile(logsExport)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if !strings.Contains(string(data), "timestamp,level,message") {
		t.Errorf("export missing the CSV header:\n%s", data)
	}
	if !strings.Contains(string(data), "group failed permanently") {
		t.Errorf("export missing entries:\n%s", data)
	}
}

func TestLogsBadSinceIsUsageError(t *testing.T) {
	setLogsFlags(t, writeLogFixture(t))
	logsSince = "bananas"

	err := runLogsInto(t, io.Discard)
	if err == nil {
		t.Fatal("expected an error for a malformed duration")
	}
	if got := exitCode(err); got != 2 {
		t.Errorf("exitCode = %d, want 2", got)
	}
}

func TestLogsWithoutFileFails(t *testing.T) {
	setLogsFlags(t, "")

	err := runLogsInto(t, io.Discard)
	if err == nil {
		t.Fatal("expected an error with no log file configured")
	}
	if got := exitCode(err); got != 1 {
		t.Errorf("exitCode = %d, want 1", got)
	}
}
