package registry

import "time"

// Status is the publish lifecycle state of a data product.
type Status string

// Product publish states.
const (
	// StatusStaging means the product lives on the staging tier only.
	StatusStaging Status = "staging"

	// StatusPublishing means a move to the durable tier is in flight.
	StatusPublishing Status = "publishing"

	// StatusPublished means the product reached the durable tier. Terminal.
	StatusPublished Status = "published"

	// StatusFailedPublish means the last publish attempt failed and retries
	// remain.
	StatusFailedPublish Status = "failed_publish"

	// StatusMaxAttemptsExceeded means the attempt cap was reached.
	// Irreversible without operator surgery; Retry refuses these.
	StatusMaxAttemptsExceeded Status = "max_attempts_exceeded"
)

// IsValid returns true for a recognized publish state.
func (s Status) IsValid() bool {
	switch s {
	case StatusStaging, StatusPublishing, StatusPublished, StatusFailedPublish, StatusMaxAttemptsExceeded:
		return true
	}
	return false
}

// DataType classifies a product.
type DataType string

// Product data types.
const (
	TypeMS       DataType = "ms"
	TypeCaltable DataType = "caltable"
	TypeImage    DataType = "image"
	TypeMosaic   DataType = "mosaic"
)

// IsValid returns true for a recognized data type.
func (d DataType) IsValid() bool {
	switch d {
	case TypeMS, TypeCaltable, TypeImage, TypeMosaic:
		return true
	}
	return false
}

// Finalization states.
const (
	FinalizationPending   = "pending"
	FinalizationFinalized = "finalized"
)

// Product is one registered data product. The data ID is the staged path,
// which is unique per artifact by construction.
type Product struct {
	DataID             string     `db:"data_id" json:"data_id"`
	DataType           DataType   `db:"data_type" json:"data_type"`
	GroupID            *string    `db:"group_id" json:"group_id,omitempty"`
	Status             Status     `db:"status" json:"status"`
	FinalizationStatus string     `db:"finalization_status" json:"finalization_status"`
	QAStatus           *string    `db:"qa_status" json:"qa_status,omitempty"`
	ValidationStatus   *string    `db:"validation_status" json:"validation_status,omitempty"`
	StagePath          *string    `db:"stage_path" json:"stage_path,omitempty"`
	PublishedPath      *string    `db:"published_path" json:"published_path,omitempty"`
	Metadata           *string    `db:"metadata" json:"metadata,omitempty"` // opaque JSON
	AutoPublish        bool       `db:"auto_publish" json:"auto_publish"`
	PublishAttempts    int        `db:"publish_attempts" json:"publish_attempts"`
	PublishError       *string    `db:"publish_error" json:"publish_error,omitempty"`
	StagedAt           time.Time  `db:"staged_at" json:"staged_at"`
	PublishedAt        *time.Time `db:"published_at" json:"published_at,omitempty"`
}

// RegisterRequest describes a new product to record.
type RegisterRequest struct {
	DataType    DataType       `json:"data_type"`
	StagePath   string         `json:"stage_path"`
	GroupID     string         `json:"group_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	AutoPublish bool           `json:"auto_publish"`
}

// PublishResult reports the outcome of a publish call.
type PublishResult struct {
	Product          *Product `json:"product"`
	AlreadyPublished bool     `json:"already_published"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status   Status
	DataType DataType
	GroupID  string
	Limit    int
	Offset   int
}

// RetryAllOutcome is one product's fate in a bulk retry.
type RetryAllOutcome struct {
	DataID string `json:"data_id"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RetryAllResult summarizes a bulk retry.
type RetryAllResult struct {
	Attempted  int               `json:"attempted"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []RetryAllOutcome `json:"results"`
}
