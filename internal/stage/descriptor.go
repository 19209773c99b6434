package stage

import (
	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/groupqueue"
)

// Descriptor is one row of the pipeline table: what the stage is called,
// whether it needs the MS write lock, which operator-facing label the group
// wears while the stage runs, and the built-in timeout.
type Descriptor struct {
	Name string

	// MutatesMS marks stages that write into the measurement set and so
	// must hold its exclusive lease.
	MutatesMS bool

	// Label is the processing_stage value shown while this stage runs.
	// Empty means no label change (publish; done is recorded on group
	// completion instead).
	Label string

	DefaultTimeoutS int
}

// Pipeline returns the stage descriptors in execution order.
func Pipeline() []Descriptor {
	defaults := config.DefaultStageTimeouts()
	return []Descriptor{
		{Name: config.StageConvert, MutatesMS: true, Label: groupqueue.LabelConverting, DefaultTimeoutS: defaults[config.StageConvert]},
		{Name: config.StageFlag, MutatesMS: true, Label: groupqueue.LabelCalibrating, DefaultTimeoutS: defaults[config.StageFlag]},
		{Name: config.StageCalibrate, MutatesMS: true, Label: groupqueue.LabelCalibrating, DefaultTimeoutS: defaults[config.StageCalibrate]},
		{Name: config.StageApply, MutatesMS: true, Label: groupqueue.LabelCalibrating, DefaultTimeoutS: defaults[config.StageApply]},
		{Name: config.StageImage, MutatesMS: true, Label: groupqueue.LabelImaging, DefaultTimeoutS: defaults[config.StageImage]},
		{Name: config.StageMosaic, MutatesMS: false, Label: groupqueue.LabelMosaicing, DefaultTimeoutS: defaults[config.StageMosaic]},
		{Name: config.StagePublish, MutatesMS: false, Label: "", DefaultTimeoutS: defaults[config.StagePublish]},
	}
}

// IndexOf returns the pipeline position of a stage, or -1 for unknown names.
func IndexOf(name string) int {
	for i, d := range Pipeline() {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// Describe returns the descriptor for a stage name.
func Describe(name string) (Descriptor, bool) {
	for _, d := range Pipeline() {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}
