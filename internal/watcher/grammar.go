package watcher

import (
	"regexp"
	"strconv"
)

// filePattern matches subband capture filenames. Capture recorders disagree
// on timestamp separators, so both of these are accepted:
//
//	2026-08-25T01:02:03_sb00.hdf5
//	2026-08-25_01_02_03_sb00.hdf5
var filePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T_]\d{2}[:_]\d{2}[:_]\d{2})_sb(\d{2})\.hdf5$`)

// ParseFilename extracts the group ID and subband index from a capture
// filename. The group ID is the observation timestamp normalized to
// YYYY-MM-DDTHH:MM:SS regardless of which separators the recorder used.
// ok is false for names that are not subband captures.
func ParseFilename(name string) (groupID string, subband int, ok bool) {
	m := filePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false
	}
	subband, _ = strconv.Atoi(m[2]) // two digits by construction
	return normalizeTimestamp(m[1]), subband, true
}

// normalizeTimestamp rewrites the separator positions of a matched
// timestamp in place: index 10 is the date/time separator, 13 and 16
// separate the time fields.
func normalizeTimestamp(ts string) string {
	b := []byte(ts)
	b[10] = 'T'
	b[13] = ':'
	b[16] = ':'
	return string(b)
}
