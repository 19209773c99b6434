package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View daemon logs",
	Long: `Logs reads the daemon's JSON log file, filters it, and renders the
entries for the terminal.

Examples:
  # Show the last 50 entries
  meridian logs

  # Everything that went wrong for one observation group
  meridian logs --group 2026-08-25T01:02:03 --level warn -n 0

  # Calibration stage activity from the last hour
  meridian logs --stage calibrate --since 1h

  # Export matching entries for a bug report
  meridian logs --level error --export errors.csv --format csv`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsFile      string
	logsTail      int
	logsLevel     string
	logsSince     string
	logsGroup     string
	logsStage     string
	logsComponent string
	logsGrep      string
	logsExport    string
	logsFormat    string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsFile, "file", "", "log file to read (default: the configured log_file)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "only entries newer than this duration (e.g. 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGroup, "group", "", "only entries for this observation group")
	logsCmd.Flags().StringVar(&logsStage, "stage", "", "only entries from this pipeline stage")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "only entries from this component")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "only entries whose message contains this text")
	logsCmd.Flags().StringVar(&logsExport, "export", "", "write matching entries to a file instead of the terminal")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "export format: json, text, or csv")
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := logsFile
	if path == "" {
		path = viper.GetString("log_file")
	}
	if path == "" {
		return fail(fmt.Errorf("no log file configured; set log_file or pass --file"))
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		Component:       logsComponent,
		GroupID:         logsGroup,
		Stage:           logsStage,
		MessageContains: logsGrep,
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			// A bad flag value is a usage error, so this stays unwrapped.
			return fmt.Errorf("invalid --since duration %q: %w", logsSince, err)
		}
		filter.StartTime = time.Now().Add(-d)
	}

	entries, err := logging.AggregateLogs(path)
	if err != nil {
		return fail(err)
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	if logsExport != "" {
		if err := logging.ExportLogEntries(entries, logsExport, logsFormat); err != nil {
			return fail(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d entries to %s\n", len(entries), logsExport)
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No matching log entries found.")
		return nil
	}
	for i := range entries {
		fmt.Fprintln(cmd.OutOrStdout(), formatLogEntry(&entries[i]))
	}
	return nil
}

// ANSI color codes for terminal output
const (
	colorReset  = "\033[0m"
	colorGray   = "\033[90m"
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// levelColor returns the ANSI color code for a log level
func levelColor(level string) string {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return colorGray
	case logging.LevelInfo:
		return colorBlue
	case logging.LevelWarn:
		return colorYellow
	case logging.LevelError:
		return colorRed
	default:
		return colorReset
	}
}

// formatLogEntry renders one entry for the terminal:
// [HH:MM:SS.mmm] [LEVEL] message component=... group=... stage=... extras
func formatLogEntry(entry *logging.LogEntry) string {
	var sb strings.Builder

	sb.WriteString(colorGray)
	sb.WriteString("[")
	sb.WriteString(entry.Timestamp.Format("15:04:05.000"))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(levelColor(entry.Level))
	sb.WriteString("[")
	sb.WriteString(strings.ToUpper(entry.Level))
	sb.WriteString("]")
	sb.WriteString(colorReset)

	sb.WriteString(" ")
	sb.WriteString(entry.Message)

	writeField := func(key, value string) {
		sb.WriteString(" ")
		sb.WriteString(colorCyan)
		sb.WriteString(key)
		sb.WriteString("=")
		sb.WriteString(colorReset)
		sb.WriteString(value)
	}
	if entry.Component != "" {
		writeField("component", entry.Component)
	}
	if entry.GroupID != "" {
		writeField("group", entry.GroupID)
	}
	if entry.Stage != "" {
		writeField("stage", entry.Stage)
	}
	for key, value := range entry.Attrs {
		writeField(key, fmt.Sprintf("%v", value))
	}

	return sb.String()
}
