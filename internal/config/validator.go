package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "expected_subbands")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate storage paths
	errors = append(errors, c.validatePaths()...)

	// Validate assembly options
	errors = append(errors, c.validateAssembly()...)

	// Validate scheduler options
	errors = append(errors, c.validateScheduler()...)

	// Validate stage tables
	errors = append(errors, c.validateStages()...)

	// Validate lock options
	errors = append(errors, c.validateLocks()...)

	// Validate watcher options
	errors = append(errors, c.validateWatch()...)

	// Validate publish options
	errors = append(errors, c.validatePublish()...)

	// Validate control-plane options
	errors = append(errors, c.validateControl()...)

	// Validate logging options
	errors = append(errors, c.validateLogging()...)

	return errors
}

// validatePaths validates the storage tier and database locations
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	paths := []struct {
		field string
		value string
		abs   bool
	}{
		{"input_dir", c.InputDir, true},
		{"staging_dir", c.StagingDir, true},
		{"published_dir", c.PublishedDir, true},
		{"queue_db_path", c.QueueDBPath, false},
		{"registry_db_path", c.RegistryDBPath, false},
	}

	for _, p := range paths {
		if p.value == "" {
			errors = append(errors, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "cannot be empty",
			})
			continue
		}
		errors = append(errors, checkPath(p.field, p.value, p.abs)...)
	}

	// The watched directory cannot double as a tier root; staged or
	// published writes would feed back into the watcher
	if c.InputDir != "" {
		if c.InputDir == c.StagingDir {
			errors = append(errors, ValidationError{
				Field:   "staging_dir",
				Value:   c.StagingDir,
				Message: "must differ from input_dir",
			})
		}
		if c.InputDir == c.PublishedDir {
			errors = append(errors, ValidationError{
				Field:   "published_dir",
				Value:   c.PublishedDir,
				Message: "must differ from input_dir",
			})
		}
	}

	return errors
}

// checkPath validates the form of a single configured path
func checkPath(field, path string, requireAbs bool) []ValidationError {
	var errors []ValidationError

	// Check for null bytes which are invalid in paths
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	// Reasonable path length limit (most filesystems have limits around 4096)
	const maxPathLength = 4096
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	if requireAbs && !filepath.IsAbs(path) {
		errors = append(errors, ValidationError{
			Field:   field,
			Value:   path,
			Message: "must be an absolute path",
		})
	}

	return errors
}

// validateAssembly validates the group assembly options
func (c *Config) validateAssembly() []ValidationError {
	var errors []ValidationError

	// The filename grammar carries two subband digits
	const maxSubbands = 100

	if c.ExpectedSubbands < 1 {
		errors = append(errors, ValidationError{
			Field:   "expected_subbands",
			Value:   c.ExpectedSubbands,
			Message: "must be at least 1",
		})
	}
	if c.ExpectedSubbands > maxSubbands {
		errors = append(errors, ValidationError{
			Field:   "expected_subbands",
			Value:   c.ExpectedSubbands,
			Message: fmt.Sprintf("exceeds maximum of %d", maxSubbands),
		})
	}

	if c.MinSubbands < 1 {
		errors = append(errors, ValidationError{
			Field:   "min_subbands",
			Value:   c.MinSubbands,
			Message: "must be at least 1",
		})
	}
	if c.MinSubbands > c.ExpectedSubbands {
		errors = append(errors, ValidationError{
			Field:   "min_subbands",
			Value:   c.MinSubbands,
			Message: fmt.Sprintf("cannot exceed expected_subbands (%v)", c.ExpectedSubbands),
		})
	}

	const maxCompletenessTimeout = 86400 // one day
	if c.CompletenessTimeoutS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "completeness_timeout_s",
			Value:   c.CompletenessTimeoutS,
			Message: "must be positive",
		})
	}
	if c.CompletenessTimeoutS > maxCompletenessTimeout {
		errors = append(errors, ValidationError{
			Field:   "completeness_timeout_s",
			Value:   c.CompletenessTimeoutS,
			Message: fmt.Sprintf("exceeds maximum of %ds", maxCompletenessTimeout),
		})
	}

	const maxSweepInterval = 3600
	if c.SweepIntervalS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sweep_interval_s",
			Value:   c.SweepIntervalS,
			Message: "must be positive",
		})
	}
	if c.SweepIntervalS > maxSweepInterval {
		errors = append(errors, ValidationError{
			Field:   "sweep_interval_s",
			Value:   c.SweepIntervalS,
			Message: fmt.Sprintf("exceeds maximum of %ds", maxSweepInterval),
		})
	}

	return errors
}

// validateScheduler validates the worker pool and retry options
func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	const maxWorkers = 256
	if c.NWorkers < 0 {
		errors = append(errors, ValidationError{
			Field:   "n_workers",
			Value:   c.NWorkers,
			Message: "must be non-negative (0 = CPU count)",
		})
	}
	if c.NWorkers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "n_workers",
			Value:   c.NWorkers,
			Message: fmt.Sprintf("exceeds maximum of %d", maxWorkers),
		})
	}

	const maxRetriesLimit = 100
	if c.MaxGroupRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "max_group_retries",
			Value:   c.MaxGroupRetries,
			Message: "must be non-negative (0 disables retries)",
		})
	}
	if c.MaxGroupRetries > maxRetriesLimit {
		errors = append(errors, ValidationError{
			Field:   "max_group_retries",
			Value:   c.MaxGroupRetries,
			Message: fmt.Sprintf("exceeds maximum of %d", maxRetriesLimit),
		})
	}

	if c.BaseBackoffS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "base_backoff_s",
			Value:   c.BaseBackoffS,
			Message: "must be positive",
		})
	}
	if c.MaxBackoffS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "max_backoff_s",
			Value:   c.MaxBackoffS,
			Message: "must be positive",
		})
	}

	// If both are set, the base delay should be below the ceiling
	if c.MaxBackoffS > 0 && c.BaseBackoffS > c.MaxBackoffS {
		errors = append(errors, ValidationError{
			Field:   "base_backoff_s",
			Value:   c.BaseBackoffS,
			Message: fmt.Sprintf("should not exceed max_backoff_s (%v)", c.MaxBackoffS),
		})
	}

	if c.ClaimPollIntervalS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "claim_poll_interval_s",
			Value:   c.ClaimPollIntervalS,
			Message: "must be positive",
		})
	}
	if c.ClaimReaperAgeS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "claim_reaper_age_s",
			Value:   c.ClaimReaperAgeS,
			Message: "must be positive",
		})
	}

	return errors
}

// validateStages validates the per-stage timeout and command tables
func (c *Config) validateStages() []ValidationError {
	var errors []ValidationError

	const maxStageTimeout = 86400 // one day

	for stage, secs := range c.StageTimeoutS {
		field := "stage_timeout_s." + stage
		if !IsValidStage(stage) {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   secs,
				Message: fmt.Sprintf("unknown stage; must be one of: %s", strings.Join(ValidStages(), ", ")),
			})
			continue
		}
		if secs <= 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   secs,
				Message: "must be positive",
			})
		}
		if secs > maxStageTimeout {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   secs,
				Message: fmt.Sprintf("exceeds maximum of %ds", maxStageTimeout),
			})
		}
	}

	for stage, argv := range c.StageCmd {
		field := "stage_cmd." + stage
		if !IsValidStage(stage) {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   argv,
				Message: fmt.Sprintf("unknown stage; must be one of: %s", strings.Join(ValidStages(), ", ")),
			})
			continue
		}
		if stage == StagePublish {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   argv,
				Message: "publish is built in and cannot be overridden",
			})
			continue
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   argv,
				Message: "command cannot be empty",
			})
		}
	}

	// Every external stage needs a command before the daemon can run it
	for _, stage := range ValidStages() {
		if stage == StagePublish {
			continue
		}
		if _, ok := c.StageCmd[stage]; !ok {
			errors = append(errors, ValidationError{
				Field:   "stage_cmd." + stage,
				Value:   nil,
				Message: "no command configured",
			})
		}
	}

	return errors
}

// validateLocks validates the measurement-set lock options
func (c *Config) validateLocks() []ValidationError {
	var errors []ValidationError

	if c.MSLockTimeoutS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "ms_lock_timeout_s",
			Value:   c.MSLockTimeoutS,
			Message: "must be positive",
		})
	}
	if c.StaleLockAgeS <= 0 {
		errors = append(errors, ValidationError{
			Field:   "stale_lock_age_s",
			Value:   c.StaleLockAgeS,
			Message: "must be positive",
		})
	}

	return errors
}

// validateWatch validates the file watcher options
func (c *Config) validateWatch() []ValidationError {
	var errors []ValidationError

	const maxWindowMs = 60000 // one minute

	if c.WatchSettleMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "watch_settle_ms",
			Value:   c.WatchSettleMs,
			Message: "must be positive",
		})
	}
	if c.WatchSettleMs > maxWindowMs {
		errors = append(errors, ValidationError{
			Field:   "watch_settle_ms",
			Value:   c.WatchSettleMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxWindowMs),
		})
	}

	if c.WatchDebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "watch_debounce_ms",
			Value:   c.WatchDebounceMs,
			Message: "must be non-negative (0 disables debouncing)",
		})
	}
	if c.WatchDebounceMs > maxWindowMs {
		errors = append(errors, ValidationError{
			Field:   "watch_debounce_ms",
			Value:   c.WatchDebounceMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxWindowMs),
		})
	}

	const maxEventBuffer = 1_000_000
	if c.EventBuffer < 1 {
		errors = append(errors, ValidationError{
			Field:   "event_buffer",
			Value:   c.EventBuffer,
			Message: "must be at least 1",
		})
	}
	if c.EventBuffer > maxEventBuffer {
		errors = append(errors, ValidationError{
			Field:   "event_buffer",
			Value:   c.EventBuffer,
			Message: fmt.Sprintf("exceeds maximum of %d", maxEventBuffer),
		})
	}

	return errors
}

// validatePublish validates the product publish options
func (c *Config) validatePublish() []ValidationError {
	var errors []ValidationError

	const maxAttemptsLimit = 100
	if c.MaxPublishAttempts < 1 {
		errors = append(errors, ValidationError{
			Field:   "max_publish_attempts",
			Value:   c.MaxPublishAttempts,
			Message: "must be at least 1",
		})
	}
	if c.MaxPublishAttempts > maxAttemptsLimit {
		errors = append(errors, ValidationError{
			Field:   "max_publish_attempts",
			Value:   c.MaxPublishAttempts,
			Message: fmt.Sprintf("exceeds maximum of %d", maxAttemptsLimit),
		})
	}

	return errors
}

// validateControl validates the control-plane addresses
func (c *Config) validateControl() []ValidationError {
	var errors []ValidationError

	if c.ListenAddr == "" {
		errors = append(errors, ValidationError{
			Field:   "listen_addr",
			Value:   c.ListenAddr,
			Message: "cannot be empty",
		})
	} else if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "listen_addr",
			Value:   c.ListenAddr,
			Message: "must be a host:port address",
		})
	}

	if c.ControlURL == "" {
		errors = append(errors, ValidationError{
			Field:   "control_url",
			Value:   c.ControlURL,
			Message: "cannot be empty",
		})
	} else {
		u, err := url.Parse(c.ControlURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "control_url",
				Value:   c.ControlURL,
				Message: "must be an http or https URL",
			})
		}
	}

	return errors
}

// validateLogging validates the logging options
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.LogLevel != "" && !slices.Contains(ValidLogLevels(), c.LogLevel) {
		errors = append(errors, ValidationError{
			Field:   "log_level",
			Value:   c.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.LogMaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "log_max_size_mb",
			Value:   c.LogMaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.LogMaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "log_max_size_mb",
			Value:   c.LogMaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.LogMaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "log_max_backups",
			Value:   c.LogMaxBackups,
			Message: "must be non-negative",
		})
	}

	if c.LogFile != "" {
		errors = append(errors, checkPath("log_file", c.LogFile, false)...)
	}

	return errors
}
