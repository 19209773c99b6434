package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Meridian configuration. Options are flat
// keys (matching the config file and MERIDIAN_* environment variables); the
// two stage maps are keyed by pipeline stage name.
type Config struct {
	// InputDir is the directory watched for incoming subband capture files
	InputDir string `mapstructure:"input_dir"`
	// StagingDir is the staging tier root where under-construction
	// measurement sets and intermediate artifacts live
	StagingDir string `mapstructure:"staging_dir"`
	// PublishedDir is the durable tier root where finalized products are
	// published
	PublishedDir string `mapstructure:"published_dir"`
	// QueueDBPath is the group queue database file
	QueueDBPath string `mapstructure:"queue_db_path"`
	// RegistryDBPath is the product registry database file
	RegistryDBPath string `mapstructure:"registry_db_path"`

	// ExpectedSubbands is the subband count of a complete observation group
	ExpectedSubbands int `mapstructure:"expected_subbands"`
	// MinSubbands is the degraded-accept threshold: groups that time out
	// with at least this many subbands are still queued
	MinSubbands int `mapstructure:"min_subbands"`
	// CompletenessTimeoutS is how long the assembler waits for a group to
	// become complete before accepting or failing it (in seconds)
	CompletenessTimeoutS int `mapstructure:"completeness_timeout_s"`
	// SweepIntervalS is how often the assembler sweeps for timed-out
	// collecting groups (in seconds)
	SweepIntervalS int `mapstructure:"sweep_interval_s"`

	// NWorkers is the scheduler worker pool size (0 = number of CPUs)
	NWorkers int `mapstructure:"n_workers"`
	// MaxGroupRetries is the retry cap before a group is marked failed
	MaxGroupRetries int `mapstructure:"max_group_retries"`
	// BaseBackoffS is the base retry delay; the effective delay doubles per
	// retry (in seconds)
	BaseBackoffS int `mapstructure:"base_backoff_s"`
	// MaxBackoffS is the retry backoff ceiling (in seconds)
	MaxBackoffS int `mapstructure:"max_backoff_s"`
	// ClaimPollIntervalS is the idle-worker claim poll interval (in seconds)
	ClaimPollIntervalS int `mapstructure:"claim_poll_interval_s"`
	// ClaimReaperAgeS is the age after which an in_progress claim with no
	// progress is considered orphaned and reset to pending (in seconds)
	ClaimReaperAgeS int `mapstructure:"claim_reaper_age_s"`
	// ReapOnStart runs a claim-reaper pass immediately at boot, recovering
	// groups orphaned by a crash
	ReapOnStart bool `mapstructure:"reap_on_start"`

	// StageTimeoutS is the per-stage wall-clock timeout in seconds, keyed by
	// stage name; stages absent from the map use built-in defaults
	StageTimeoutS map[string]int `mapstructure:"stage_timeout_s"`
	// StageCmd is the external command argv per stage, keyed by stage name.
	// Every stage except the built-in publish stage requires one at serve
	// time.
	StageCmd map[string][]string `mapstructure:"stage_cmd"`

	// MSLockTimeoutS is how long a stage waits for a measurement-set write
	// lock before failing with a lock timeout (in seconds)
	MSLockTimeoutS int `mapstructure:"ms_lock_timeout_s"`
	// StaleLockAgeS is the age after which an on-disk lock file may be
	// preempted (in seconds)
	StaleLockAgeS int `mapstructure:"stale_lock_age_s"`

	// WatchSettleMs is the quiet window a new file must hold its size before
	// it is treated as fully written (in milliseconds)
	WatchSettleMs int `mapstructure:"watch_settle_ms"`
	// WatchDebounceMs coalesces rapid duplicate events per path (in
	// milliseconds)
	WatchDebounceMs int `mapstructure:"watch_debounce_ms"`
	// WatchRecursive also watches subdirectories of input_dir
	WatchRecursive bool `mapstructure:"watch_recursive"`
	// EventBuffer is the watcher output channel capacity; when full the
	// watcher blocks rather than dropping files
	EventBuffer int `mapstructure:"event_buffer"`

	// MaxPublishAttempts is the publish retry cap per product
	MaxPublishAttempts int `mapstructure:"max_publish_attempts"`
	// AutoPublish publishes products automatically when they are finalized
	AutoPublish bool `mapstructure:"auto_publish"`

	// ListenAddr is the control-plane HTTP listen address
	ListenAddr string `mapstructure:"listen_addr"`
	// ControlURL is the control-plane base URL used by client commands
	ControlURL string `mapstructure:"control_url"`

	// LogLevel is the minimum log level: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`
	// LogFile is the log destination (empty = stderr)
	LogFile string `mapstructure:"log_file"`
	// LogMaxSizeMB rotates the log file when it exceeds this size
	LogMaxSizeMB int `mapstructure:"log_max_size_mb"`
	// LogMaxBackups is how many rotated log files to keep
	LogMaxBackups int `mapstructure:"log_max_backups"`
}

// Default returns a Config with sensible default values.
// The storage paths and stage commands have no defaults; they must be
// provided before the daemon can serve.
func Default() *Config {
	return &Config{
		ExpectedSubbands:     16,
		MinSubbands:          12,
		CompletenessTimeoutS: 120,
		SweepIntervalS:       30,

		NWorkers:           runtime.NumCPU(),
		MaxGroupRetries:    3,
		BaseBackoffS:       10,
		MaxBackoffS:        600, // 10 minute ceiling
		ClaimPollIntervalS: 2,
		ClaimReaperAgeS:    3600,
		ReapOnStart:        true,

		StageTimeoutS: DefaultStageTimeouts(),
		StageCmd:      map[string][]string{},

		MSLockTimeoutS: 3600,
		StaleLockAgeS:  3600,

		WatchSettleMs:   200,
		WatchDebounceMs: 50,
		WatchRecursive:  false,
		EventBuffer:     1024,

		MaxPublishAttempts: 5,
		AutoPublish:        false, // operators publish explicitly unless enabled

		ListenAddr: "127.0.0.1:8478",
		ControlURL: "http://127.0.0.1:8478",

		LogLevel:      "info",
		LogFile:       "", // stderr
		LogMaxSizeMB:  50,
		LogMaxBackups: 5,
	}
}

// Pipeline stage names, in execution order.
const (
	StageConvert   = "convert"
	StageFlag      = "flag"
	StageCalibrate = "calibrate"
	StageApply     = "apply"
	StageImage     = "image"
	StageMosaic    = "mosaic"
	StagePublish   = "publish"
)

// DefaultStageTimeouts returns the built-in per-stage timeout table in
// seconds. Entries in stage_timeout_s override these.
func DefaultStageTimeouts() map[string]int {
	return map[string]int{
		StageConvert:   1800,
		StageFlag:      600,
		StageCalibrate: 1200,
		StageApply:     600,
		StageImage:     3600,
		StageMosaic:    1800,
		StagePublish:   300,
	}
}

// ValidStages returns the pipeline stage names in execution order
func ValidStages() []string {
	return []string{StageConvert, StageFlag, StageCalibrate, StageApply, StageImage, StageMosaic, StagePublish}
}

// IsValidStage checks if the given stage name is recognized
func IsValidStage(stage string) bool {
	for _, valid := range ValidStages() {
		if stage == valid {
			return true
		}
	}
	return false
}

// CompletenessTimeout returns the assembler wait as a time.Duration
func (c *Config) CompletenessTimeout() time.Duration {
	return time.Duration(c.CompletenessTimeoutS) * time.Second
}

// SweepInterval returns the assembler sweep interval as a time.Duration
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalS) * time.Second
}

// BaseBackoff returns the base retry delay as a time.Duration
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffS) * time.Second
}

// MaxBackoff returns the retry backoff ceiling as a time.Duration
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffS) * time.Second
}

// ClaimPollInterval returns the claim poll interval as a time.Duration
func (c *Config) ClaimPollInterval() time.Duration {
	return time.Duration(c.ClaimPollIntervalS) * time.Second
}

// ClaimReaperAge returns the orphaned-claim age as a time.Duration
func (c *Config) ClaimReaperAge() time.Duration {
	return time.Duration(c.ClaimReaperAgeS) * time.Second
}

// MSLockTimeout returns the MS lock wait cap as a time.Duration
func (c *Config) MSLockTimeout() time.Duration {
	return time.Duration(c.MSLockTimeoutS) * time.Second
}

// StaleLockAge returns the lock-file preempt threshold as a time.Duration
func (c *Config) StaleLockAge() time.Duration {
	return time.Duration(c.StaleLockAgeS) * time.Second
}

// WatchSettle returns the file settle window as a time.Duration
func (c *Config) WatchSettle() time.Duration {
	return time.Duration(c.WatchSettleMs) * time.Millisecond
}

// WatchDebounce returns the per-path debounce window as a time.Duration
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMs) * time.Millisecond
}

// StageTimeout returns the wall-clock timeout for the given stage, falling
// back to the built-in default table when the stage is not configured.
// Unknown stages return 0.
func (c *Config) StageTimeout(stage string) time.Duration {
	if secs, ok := c.StageTimeoutS[stage]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if secs, ok := DefaultStageTimeouts()[stage]; ok {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Workers returns the effective scheduler pool size (0 means CPU count)
func (c *Config) Workers() int {
	if c.NWorkers > 0 {
		return c.NWorkers
	}
	return runtime.NumCPU()
}

// Clone returns a copy of the configuration with the stage maps deep-copied,
// so the clone can be mutated without affecting the original.
func (c *Config) Clone() *Config {
	next := *c

	next.StageTimeoutS = make(map[string]int, len(c.StageTimeoutS))
	for stage, secs := range c.StageTimeoutS {
		next.StageTimeoutS[stage] = secs
	}

	next.StageCmd = make(map[string][]string, len(c.StageCmd))
	for stage, argv := range c.StageCmd {
		next.StageCmd[stage] = append([]string(nil), argv...)
	}

	return &next
}

// Flat returns the configuration as a flat key-to-value map using the
// recognized option names, suitable for JSON rendering by the control plane.
func (c *Config) Flat() map[string]any {
	clone := c.Clone()
	return map[string]any{
		"input_dir":              clone.InputDir,
		"staging_dir":            clone.StagingDir,
		"published_dir":          clone.PublishedDir,
		"queue_db_path":          clone.QueueDBPath,
		"registry_db_path":       clone.RegistryDBPath,
		"expected_subbands":      clone.ExpectedSubbands,
		"min_subbands":           clone.MinSubbands,
		"completeness_timeout_s": clone.CompletenessTimeoutS,
		"sweep_interval_s":       clone.SweepIntervalS,
		"n_workers":              clone.NWorkers,
		"max_group_retries":      clone.MaxGroupRetries,
		"base_backoff_s":         clone.BaseBackoffS,
		"max_backoff_s":          clone.MaxBackoffS,
		"claim_poll_interval_s":  clone.ClaimPollIntervalS,
		"claim_reaper_age_s":     clone.ClaimReaperAgeS,
		"reap_on_start":          clone.ReapOnStart,
		"stage_timeout_s":        clone.StageTimeoutS,
		"stage_cmd":              clone.StageCmd,
		"ms_lock_timeout_s":      clone.MSLockTimeoutS,
		"stale_lock_age_s":       clone.StaleLockAgeS,
		"watch_settle_ms":        clone.WatchSettleMs,
		"watch_debounce_ms":      clone.WatchDebounceMs,
		"watch_recursive":        clone.WatchRecursive,
		"event_buffer":           clone.EventBuffer,
		"max_publish_attempts":   clone.MaxPublishAttempts,
		"auto_publish":           clone.AutoPublish,
		"listen_addr":            clone.ListenAddr,
		"control_url":            clone.ControlURL,
		"log_level":              clone.LogLevel,
		"log_file":               clone.LogFile,
		"log_max_size_mb":        clone.LogMaxSizeMB,
		"log_max_backups":        clone.LogMaxBackups,
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Assembly defaults
	viper.SetDefault("expected_subbands", defaults.ExpectedSubbands)
	viper.SetDefault("min_subbands", defaults.MinSubbands)
	viper.SetDefault("completeness_timeout_s", defaults.CompletenessTimeoutS)
	viper.SetDefault("sweep_interval_s", defaults.SweepIntervalS)

	// Scheduler defaults
	viper.SetDefault("n_workers", defaults.NWorkers)
	viper.SetDefault("max_group_retries", defaults.MaxGroupRetries)
	viper.SetDefault("base_backoff_s", defaults.BaseBackoffS)
	viper.SetDefault("max_backoff_s", defaults.MaxBackoffS)
	viper.SetDefault("claim_poll_interval_s", defaults.ClaimPollIntervalS)
	viper.SetDefault("claim_reaper_age_s", defaults.ClaimReaperAgeS)
	viper.SetDefault("reap_on_start", defaults.ReapOnStart)

	// Stage timeout defaults are registered per key so a config file can
	// override a single stage without shadowing the rest of the table
	for stage, secs := range defaults.StageTimeoutS {
		viper.SetDefault("stage_timeout_s."+stage, secs)
	}

	// Lock defaults
	viper.SetDefault("ms_lock_timeout_s", defaults.MSLockTimeoutS)
	viper.SetDefault("stale_lock_age_s", defaults.StaleLockAgeS)

	// Watcher defaults
	viper.SetDefault("watch_settle_ms", defaults.WatchSettleMs)
	viper.SetDefault("watch_debounce_ms", defaults.WatchDebounceMs)
	viper.SetDefault("watch_recursive", defaults.WatchRecursive)
	viper.SetDefault("event_buffer", defaults.EventBuffer)

	// Publish defaults
	viper.SetDefault("max_publish_attempts", defaults.MaxPublishAttempts)
	viper.SetDefault("auto_publish", defaults.AutoPublish)

	// Control-plane defaults
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("control_url", defaults.ControlURL)

	// Logging defaults
	viper.SetDefault("log_level", defaults.LogLevel)
	viper.SetDefault("log_file", defaults.LogFile)
	viper.SetDefault("log_max_size_mb", defaults.LogMaxSizeMB)
	viper.SetDefault("log_max_backups", defaults.LogMaxBackups)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.StageTimeoutS == nil {
		cfg.StageTimeoutS = map[string]int{}
	}
	if cfg.StageCmd == nil {
		cfg.StageCmd = map[string][]string{}
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meridian"
	}
	return filepath.Join(home, ".meridian")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "meridian.yaml")
}
