package stage

import (
	"context"
	"fmt"
	"testing"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/errors"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
)

func TestPipeline_Order(t *testing.T) {
	want := []string{"convert", "flag", "calibrate", "apply", "image", "mosaic", "publish"}
	got := Pipeline()
	if len(got) != len(want) {
		t.Fatalf("pipeline has %d stages, want %d", len(got), len(want))
	}
	for i, d := range got {
		if d.Name != want[i] {
			t.Errorf("stage %d = %s, want %s", i, d.Name, want[i])
		}
	}
}

func TestPipeline_LockScope(t *testing.T) {
	for _, d := range Pipeline() {
		mutates := d.Name != config.StageMosaic && d.Name != config.StagePublish
		if d.MutatesMS != mutates {
			t.Errorf("%s: MutatesMS = %v, want %v", d.Name, d.MutatesMS, mutates)
		}
	}
}

func TestPipeline_Labels(t *testing.T) {
	want := map[string]string{
		config.StageConvert:   groupqueue.LabelConverting,
		config.StageFlag:      groupqueue.LabelCalibrating,
		config.StageCalibrate: groupqueue.LabelCalibrating,
		config.StageApply:     groupqueue.LabelCalibrating,
		config.StageImage:     groupqueue.LabelImaging,
		config.StageMosaic:    groupqueue.LabelMosaicing,
		config.StagePublish:   "",
	}
	for _, d := range Pipeline() {
		if d.Label != want[d.Name] {
			t.Errorf("%s: label = %q, want %q", d.Name, d.Label, want[d.Name])
		}
	}
}

func TestPipeline_Timeouts(t *testing.T) {
	defaults := config.DefaultStageTimeouts()
	for _, d := range Pipeline() {
		if d.DefaultTimeoutS != defaults[d.Name] {
			t.Errorf("%s: timeout = %d, want %d", d.Name, d.DefaultTimeoutS, defaults[d.Name])
		}
		if d.DefaultTimeoutS <= 0 {
			t.Errorf("%s: no default timeout", d.Name)
		}
	}
}

func TestIndexOf(t *testing.T) {
	if got := IndexOf(config.StageConvert); got != 0 {
		t.Errorf("IndexOf(convert) = %d, want 0", got)
	}
	if got := IndexOf(config.StagePublish); got != 6 {
		t.Errorf("IndexOf(publish) = %d, want 6", got)
	}
	if got := IndexOf("transmogrify"); got != -1 {
		t.Errorf("IndexOf(unknown) = %d, want -1", got)
	}
}

func TestDescribe(t *testing.T) {
	d, ok := Describe(config.StageImage)
	if !ok {
		t.Fatal("Describe(image) not found")
	}
	if !d.MutatesMS {
		t.Error("image must mutate the MS")
	}
	if _, ok := Describe("transmogrify"); ok {
		t.Error("Describe(unknown) reported found")
	}
}

type fakePublisher struct {
	published int
	err       error
	calls     []string
}

func (f *fakePublisher) PublishGroup(ctx context.Context, groupID string) (int, error) {
	f.calls = append(f.calls, groupID)
	return f.published, f.err
}

func TestPublishRunner(t *testing.T) {
	pub := &fakePublisher{published: 3}
	r := NewPublishRunner(pub, logging.NopLogger())

	if r.Name() != config.StagePublish {
		t.Errorf("Name = %s", r.Name())
	}

	res, err := r.Run(context.Background(), Request{GroupID: "g1", Stage: config.StagePublish})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.OK {
		t.Error("expected ok result")
	}
	if len(pub.calls) != 1 || pub.calls[0] != "g1" {
		t.Errorf("publisher calls = %v", pub.calls)
	}
}

func TestPublishRunner_TransientFailure(t *testing.T) {
	pub := &fakePublisher{err: fmt.Errorf("nfs went away")}
	r := NewPublishRunner(pub, logging.NopLogger())

	res, err := r.Run(context.Background(), Request{GroupID: "g1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.OK {
		t.Error("expected failed result")
	}
	if res.Fatal {
		t.Error("transient publish failure marked fatal")
	}
	if res.Error == "" {
		t.Error("error text missing")
	}
}

func TestPublishRunner_FatalFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.Fatal(fmt.Errorf("no group products"))}
	r := NewPublishRunner(pub, logging.NopLogger())

	res, err := r.Run(context.Background(), Request{GroupID: "g1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.OK || !res.Fatal {
		t.Errorf("result = %+v, want fatal failure", res)
	}
}
