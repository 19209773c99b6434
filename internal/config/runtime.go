package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// liveKeys are options the control plane can apply to a running daemon
// without a restart.
var liveKeys = map[string]bool{
	"expected_subbands":      true,
	"min_subbands":           true,
	"completeness_timeout_s": true,
	"max_group_retries":      true,
	"max_publish_attempts":   true,
	"base_backoff_s":         true,
	"max_backoff_s":          true,
	"ms_lock_timeout_s":      true,
	"stale_lock_age_s":       true,
	"claim_reaper_age_s":     true,
	"stage_timeout_s":        true,
	"auto_publish":           true,
	"log_level":              true,
}

// deferredKeys are recognized options that only take effect after a restart.
var deferredKeys = map[string]bool{
	"input_dir":             true,
	"staging_dir":           true,
	"published_dir":         true,
	"queue_db_path":         true,
	"registry_db_path":      true,
	"sweep_interval_s":      true,
	"n_workers":             true,
	"claim_poll_interval_s": true,
	"reap_on_start":         true,
	"stage_cmd":             true,
	"watch_settle_ms":       true,
	"watch_debounce_ms":     true,
	"watch_recursive":       true,
	"event_buffer":          true,
	"listen_addr":           true,
	"control_url":           true,
	"log_file":              true,
	"log_max_size_mb":       true,
	"log_max_backups":       true,
}

// IsLiveKey reports whether the given flat key can be applied without a restart
func IsLiveKey(key string) bool {
	if strings.HasPrefix(key, "stage_timeout_s.") {
		return IsValidStage(strings.TrimPrefix(key, "stage_timeout_s."))
	}
	return liveKeys[key]
}

// IsKnownKey reports whether the given flat key is a recognized option
func IsKnownKey(key string) bool {
	if strings.HasPrefix(key, "stage_timeout_s.") {
		return IsValidStage(strings.TrimPrefix(key, "stage_timeout_s."))
	}
	if strings.HasPrefix(key, "stage_cmd.") {
		return IsValidStage(strings.TrimPrefix(key, "stage_cmd."))
	}
	return liveKeys[key] || deferredKeys[key]
}

// Runtime holds the effective configuration behind an atomic pointer.
// Components take a snapshot per operation, so a live update from the
// control plane never produces a torn read.
type Runtime struct {
	mu  sync.Mutex // serializes writers; readers load the pointer directly
	cfg atomic.Pointer[Config]
}

// NewRuntime creates a Runtime seeded with the given configuration
func NewRuntime(cfg *Config) *Runtime {
	r := &Runtime{}
	r.cfg.Store(cfg)
	return r
}

// Snapshot returns the current effective configuration.
// Callers must treat the returned value as read-only.
func (r *Runtime) Snapshot() *Config {
	return r.cfg.Load()
}

// Replace swaps in a new configuration wholesale
func (r *Runtime) Replace(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Store(cfg)
}

// Apply validates and applies a partial configuration update. Keys that can
// change at runtime are applied to a new snapshot; recognized keys that
// require a restart are reported as deferred and left untouched. An unknown
// key, a malformed value, or a validation failure rejects the whole update
// and leaves the current snapshot in place.
func (r *Runtime) Apply(updates map[string]any) (applied, deferred []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.cfg.Load().Clone()

	for _, key := range slices.Sorted(maps.Keys(updates)) {
		value := updates[key]

		// Nested object form: {"stage_timeout_s": {"convert": 900}}
		if key == "stage_timeout_s" {
			nested, ok := value.(map[string]any)
			if !ok {
				return nil, nil, ValidationError{Field: key, Value: value, Message: "must be an object mapping stage to seconds"}
			}
			for _, stage := range slices.Sorted(maps.Keys(nested)) {
				sub := key + "." + stage
				if !IsKnownKey(sub) {
					return nil, nil, ValidationError{Field: sub, Value: nested[stage], Message: "unknown configuration key"}
				}
				if err := applyKey(next, sub, nested[stage]); err != nil {
					return nil, nil, err
				}
				applied = append(applied, sub)
			}
			continue
		}

		if !IsKnownKey(key) {
			return nil, nil, ValidationError{Field: key, Value: value, Message: "unknown configuration key"}
		}

		if !IsLiveKey(key) {
			deferred = append(deferred, key)
			continue
		}

		if err := applyKey(next, key, value); err != nil {
			return nil, nil, err
		}
		applied = append(applied, key)
	}

	if len(applied) > 0 {
		if errs := next.Validate(); len(errs) > 0 {
			return nil, nil, ValidationErrors(errs)
		}
		r.cfg.Store(next)
	}

	return applied, deferred, nil
}

// applyKey sets a single live option on cfg, coercing the JSON-decoded value
func applyKey(cfg *Config, key string, value any) error {
	if strings.HasPrefix(key, "stage_timeout_s.") {
		stage := strings.TrimPrefix(key, "stage_timeout_s.")
		secs, err := coerceInt(value)
		if err != nil {
			return ValidationError{Field: key, Value: value, Message: err.Error()}
		}
		cfg.StageTimeoutS[stage] = secs
		return nil
	}

	switch key {
	case "expected_subbands":
		return setInt(&cfg.ExpectedSubbands, key, value)
	case "min_subbands":
		return setInt(&cfg.MinSubbands, key, value)
	case "completeness_timeout_s":
		return setInt(&cfg.CompletenessTimeoutS, key, value)
	case "max_group_retries":
		return setInt(&cfg.MaxGroupRetries, key, value)
	case "max_publish_attempts":
		return setInt(&cfg.MaxPublishAttempts, key, value)
	case "base_backoff_s":
		return setInt(&cfg.BaseBackoffS, key, value)
	case "max_backoff_s":
		return setInt(&cfg.MaxBackoffS, key, value)
	case "ms_lock_timeout_s":
		return setInt(&cfg.MSLockTimeoutS, key, value)
	case "stale_lock_age_s":
		return setInt(&cfg.StaleLockAgeS, key, value)
	case "claim_reaper_age_s":
		return setInt(&cfg.ClaimReaperAgeS, key, value)
	case "auto_publish":
		b, err := coerceBool(value)
		if err != nil {
			return ValidationError{Field: key, Value: value, Message: err.Error()}
		}
		cfg.AutoPublish = b
	case "log_level":
		s, ok := value.(string)
		if !ok {
			return ValidationError{Field: key, Value: value, Message: "must be a string"}
		}
		cfg.LogLevel = s
	default:
		return ValidationError{Field: key, Value: value, Message: "unknown configuration key"}
	}
	return nil
}

// setInt coerces and assigns an integer option
func setInt(dst *int, key string, value any) error {
	n, err := coerceInt(value)
	if err != nil {
		return ValidationError{Field: key, Value: value, Message: err.Error()}
	}
	*dst = n
	return nil
}

// coerceInt converts a JSON-decoded numeric value to an int.
// JSON numbers arrive as float64; whole values are accepted.
func coerceInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("must be an integer")
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("must be an integer")
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("must be an integer")
	}
}

// coerceBool converts a JSON-decoded value to a bool
func coerceBool(value any) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("must be a boolean")
}
