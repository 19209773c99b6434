// Package logging provides structured logging for the Meridian service.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// context propagation support for debugging and post-hoc analysis. The
// service processes observation groups across many concurrent workers, so
// every log line carries the component, group, and stage it belongs to and
// can be filtered after the fact.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (component, group ID, pipeline stage)
//   - Log rotation with configurable size limits
//   - Optional gzip compression for rotated logs
//   - Log aggregation and filtering utilities
//   - Export to JSON, text, or CSV formats
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. The [Logger] type
// uses Go's slog internally which is designed for concurrent access. The
// [RotatingWriter] type uses a mutex to protect file operations during
// rotation. Child loggers created via With* methods share the underlying
// writer safely.
//
// # Basic Usage
//
// Create a logger writing to a file (empty path writes to stderr):
//
//	logger, err := logging.NewLogger("/var/log/meridian/meridian.log", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	// Log messages at various levels
//	logger.Debug("detailed info", "key", "value")
//	logger.Info("operation completed", "duration_ms", 150)
//	logger.Warn("potential issue", "threshold", 100)
//	logger.Error("operation failed", "error", err.Error())
//
// # Context Propagation
//
// Create child loggers with persistent context attributes:
//
//	// Add component context
//	schedLogger := logger.WithComponent("scheduler")
//
//	// Add group context
//	groupLogger := schedLogger.WithGroup("2026-08-25T01:02:03")
//
//	// Add stage context
//	stageLogger := groupLogger.WithStage("calibrate")
//
//	// All logs from stageLogger will include component, group_id, and stage
//	stageLogger.Info("stage completed", "duration_s", 412)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"stage completed","component":"scheduler","group_id":"2026-08-25T01:02:03","stage":"calibrate","duration_s":412}
//
// # Log Rotation
//
// The service runs unattended for long stretches, so use rotation to prevent
// unbounded growth:
//
//	config := logging.RotationConfig{
//	    MaxSizeMB:  50,    // Rotate when file exceeds 50MB
//	    MaxBackups: 5,     // Keep 5 backup files
//	    Compress:   true,  // Gzip compress rotated files
//	}
//
//	logger, err := logging.NewRotatingLogger("/var/log/meridian/meridian.log", "INFO", config)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
// Rotated files are named: meridian.log.1, meridian.log.2, etc., where .1 is
// the most recent backup. When compression is enabled, rotated files become
// meridian.log.1.gz, etc.
//
// # Testing
//
// For testing, use [NopLogger] to discard all log output:
//
//	func TestSomething(t *testing.T) {
//	    logger := logging.NopLogger()
//	    // Use logger in tests without creating files
//	}
//
// # Log Aggregation and Filtering
//
// Read and analyze logs after an incident:
//
//	// Load all entries from the service log
//	entries, err := logging.AggregateLogs("/var/log/meridian/meridian.log")
//	if err != nil {
//	    return err
//	}
//
//	// Filter logs by various criteria
//	filter := logging.LogFilter{
//	    Level:     "WARN",                  // Minimum level
//	    GroupID:   "2026-08-25T01:02:03",   // Specific observation group
//	    Stage:     "calibrate",             // Specific pipeline stage
//	    StartTime: time.Now().Add(-1 * time.Hour), // Last hour
//	}
//	filtered := logging.FilterLogs(entries, filter)
//
//	// Export to various formats
//	logging.ExportLogEntries(filtered, "errors.json", "json")
//	logging.ExportLogEntries(filtered, "errors.txt", "text")
//	logging.ExportLogEntries(filtered, "errors.csv", "csv")
//
// # Log Levels
//
// The package defines four log levels:
//
//   - [LevelDebug]: Detailed information for debugging
//   - [LevelInfo]: General operational information (default)
//   - [LevelWarn]: Warning conditions that may need attention
//   - [LevelError]: Error conditions that affect functionality
//
// Use [ValidLevels] to get the list of valid level strings, and [ParseLevel]
// to normalize user-provided level strings.
//
// # Configuration
//
// The logging system is typically configured via the service config file:
//
//	log_file: /var/log/meridian/meridian.log
//	log_level: info
//	log_max_size_mb: 50
//	log_max_backups: 5
//
// See the README for complete configuration documentation.
package logging
