package stage

import (
	"context"

	"github.com/meridian-obs/meridian/internal/groupqueue"
)

// Request is the input handed to a stage worker. It travels as JSON on the
// worker's stdin, so external stage implementations in any language see the
// same shape.
type Request struct {
	GroupID  string                   `json:"group_id"`
	Stage    string                   `json:"stage_name"`
	MSPath   string                   `json:"ms_path"`
	Inputs   map[string]string        `json:"inputs,omitempty"`
	Subbands []groupqueue.SubbandFile `json:"subbands,omitempty"`
	Metadata map[string]any           `json:"metadata,omitempty"`
}

// Artifact is one data product a stage produced, registered with the product
// registry in the order listed.
type Artifact struct {
	DataType  string         `json:"data_type"`
	StagePath string         `json:"stage_path"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is a stage worker's verdict, read as JSON from its stdout. A worker
// that cannot even produce this shape is treated as a transient failure.
type Result struct {
	OK bool `json:"ok"`

	// Produced lists artifacts in registration order.
	Produced []Artifact `json:"produced,omitempty"`

	// NextStageHint optionally names a later pipeline stage to jump to.
	// Hints pointing backward are ignored.
	NextStageHint string `json:"next_stage_hint,omitempty"`

	// Error describes the failure when OK is false.
	Error string `json:"error,omitempty"`

	// Fatal marks a failure that retrying cannot fix (validation errors,
	// missing required inputs).
	Fatal bool `json:"fatal,omitempty"`
}

// Runner executes one pipeline stage for one group.
type Runner interface {
	Name() string
	Run(ctx context.Context, req Request) (*Result, error)
}
