package groupqueue

import (
	"time"
)

// State is the lifecycle state of an observation group.
type State string

// Group lifecycle states.
const (
	// StateCollecting means subband files are still arriving.
	StateCollecting State = "collecting"

	// StatePending means the group is eligible for claiming by a worker.
	StatePending State = "pending"

	// StateInProgress means a worker has claimed the group and is running
	// pipeline stages.
	StateInProgress State = "in_progress"

	// StateCompleted means the final stage succeeded. Terminal.
	StateCompleted State = "completed"

	// StateFailed means the group gave up: insufficient subbands, a fatal
	// stage error, or exhausted retries. Escapes only via ResetFailed.
	StateFailed State = "failed"
)

// States returns all group states in lifecycle order.
func States() []State {
	return []State{StateCollecting, StatePending, StateInProgress, StateCompleted, StateFailed}
}

// IsTerminal returns true if the state is terminal. Failed groups can still
// be returned to pending by an operator reset; completed groups cannot.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsValid returns true for a recognized state value.
func (s State) IsValid() bool {
	switch s {
	case StateCollecting, StatePending, StateInProgress, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Operator-facing processing stage labels, coarser than pipeline stages.
const (
	LabelCollecting  = "collecting"
	LabelQueued      = "queued"
	LabelConverting  = "converting"
	LabelCalibrating = "calibrating"
	LabelImaging     = "imaging"
	LabelMosaicing   = "mosaicing"
	LabelDone        = "done"
)

// transitions maps each state to the states it may legally move to.
var transitions = map[State][]State{
	StateCollecting: {StatePending, StateFailed},
	StatePending:    {StateInProgress, StateFailed},
	StateInProgress: {StateCompleted, StateFailed, StatePending},
	StateFailed:     {StatePending},
	StateCompleted:  {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Group is one observation group: all subbands sharing a timestamp.
// The group ID is the normalized observation timestamp.
type Group struct {
	GroupID          string     `db:"group_id" json:"group_id"`
	State            State      `db:"state" json:"state"`
	ProcessingStage  string     `db:"processing_stage" json:"processing_stage"`
	ExpectedSubbands int        `db:"expected_subbands" json:"expected_subbands"`
	ReceivedAt       time.Time  `db:"received_at" json:"received_at"`
	LastUpdate       time.Time  `db:"last_update" json:"last_update"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	RetryCount       int        `db:"retry_count" json:"retry_count"`
	NotBefore        *time.Time `db:"not_before" json:"not_before,omitempty"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	CheckpointStage  *string    `db:"checkpoint_stage" json:"checkpoint_stage,omitempty"`
	CheckpointPath   *string    `db:"checkpoint_path" json:"checkpoint_path,omitempty"`
	HasCalibrator    *bool      `db:"has_calibrator" json:"has_calibrator,omitempty"`
	Calibrators      *string    `db:"calibrators" json:"calibrators,omitempty"` // JSON array, opaque
}

// SubbandFile is one recorded subband of a group. The (group, index) pair is
// unique; a re-delivered index replaces the previous path.
type SubbandFile struct {
	GroupID    string    `db:"group_id" json:"group_id"`
	SubbandIdx int       `db:"subband_idx" json:"subband_idx"`
	Path       string    `db:"path" json:"path"`
	Size       int64     `db:"size" json:"size"`
	AddedAt    time.Time `db:"added_at" json:"added_at"`
}

// PointingSample is one telescope pointing report.
type PointingSample struct {
	TS     time.Time `db:"ts" json:"ts"`
	RADeg  float64   `db:"ra_deg" json:"ra_deg"`
	DecDeg float64   `db:"dec_deg" json:"dec_deg"`
}
