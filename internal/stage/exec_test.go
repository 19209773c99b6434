package stage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
)

// shRunner builds an ExecRunner around an inline shell script.
func shRunner(t *testing.T, script string) *ExecRunner {
	t.Helper()
	return NewExecRunner("convert", []string{"sh", "-c", script}, time.Second, logging.NopLogger())
}

func TestExecRunner_Success(t *testing.T) {
	stdinCopy := filepath.Join(t.TempDir(), "request.json")
	r := shRunner(t, `cat > `+stdinCopy+`; echo '{"ok":true,"produced":[{"data_type":"ms","stage_path":"/stage/g1.ms","metadata":{"has_calibrator":true}}],"next_stage_hint":""}'`)

	req := Request{
		GroupID: "2026-02-11T04:00:00",
		Stage:   "convert",
		MSPath:  "/stage/2026-02-11T04:00:00.ms",
		Subbands: []groupqueue.SubbandFile{
			{GroupID: "2026-02-11T04:00:00", SubbandIdx: 0, Path: "/input/sb00.hdf5", Size: 42},
		},
	}
	res, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.OK {
		t.Error("expected ok result")
	}
	if len(res.Produced) != 1 {
		t.Fatalf("produced = %d artifacts, want 1", len(res.Produced))
	}
	if res.Produced[0].DataType != "ms" || res.Produced[0].StagePath != "/stage/g1.ms" {
		t.Errorf("artifact = %+v", res.Produced[0])
	}

	// The worker must have received the request JSON on stdin.
	data, err := os.ReadFile(stdinCopy)
	if err != nil {
		t.Fatalf("stdin copy unreadable: %v", err)
	}
	var got Request
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("stdin was not request JSON: %v", err)
	}
	if got.GroupID != req.GroupID || got.Stage != "convert" || len(got.Subbands) != 1 {
		t.Errorf("worker saw request %+v", got)
	}
}

func TestExecRunner_StructuredFailureWithNonZeroExit(t *testing.T) {
	r := shRunner(t, `echo '{"ok":false,"error":"rfi mask rejected","fatal":true}'; exit 1`)

	res, err := r.Run(context.Background(), Request{GroupID: "g1", Stage: "convert"})
	if err != nil {
		t.Fatalf("structured verdict should win over the exit code: %v", err)
	}
	if res.OK {
		t.Error("expected failed result")
	}
	if !res.Fatal {
		t.Error("expected fatal flag")
	}
	if res.Error != "rfi mask rejected" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestExecRunner_NonZeroExitWithoutResult(t *testing.T) {
	r := shRunner(t, `echo "boom" >&2; exit 3`)

	_, err := r.Run(context.Background(), Request{GroupID: "g1", Stage: "convert"})
	if err == nil {
		t.Fatal("expected error")
	}
	var serr *errors.StageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StageError, got %T", err)
	}
	if serr.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", serr.ExitCode)
	}
	if errors.IsFatal(err) {
		t.Error("bare non-zero exit must stay transient")
	}
}

func TestExecRunner_UnparseableOutput(t *testing.T) {
	r := shRunner(t, `echo "did some science"`)

	_, err := r.Run(context.Background(), Request{GroupID: "g1", Stage: "convert"})
	if err == nil {
		t.Fatal("expected error for unparseable output")
	}
	if errors.IsFatal(err) {
		t.Error("unparseable output must stay transient")
	}
}

func TestExecRunner_Cancellation(t *testing.T) {
	r := shRunner(t, `sleep 30`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Request{GroupID: "g1", Stage: "convert"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline cause, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancellation took %v, grace not honored", elapsed)
	}
}

func TestExecRunner_NoCommandConfigured(t *testing.T) {
	r := NewExecRunner("flag", nil, 0, logging.NopLogger())

	_, err := r.Run(context.Background(), Request{GroupID: "g1", Stage: "flag"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsFatal(err) {
		t.Errorf("missing command must be fatal, got kind %v", errors.KindOf(err))
	}
}

func TestExecRunner_Name(t *testing.T) {
	if got := shRunner(t, "true").Name(); got != "convert" {
		t.Errorf("Name = %s", got)
	}
}

func TestTail(t *testing.T) {
	if got := tail("short", 10); got != "short" {
		t.Errorf("tail = %q", got)
	}
	long := "0123456789abcdef"
	if got := tail(long, 6); got != "...abcdef" {
		t.Errorf("tail = %q", got)
	}
}
