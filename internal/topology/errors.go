package topology

import (
	"fmt"
	"time"
)

// ConfigurationError reports malformed or inconsistent static input. A graph
// is never built from input that produced one.
type ConfigurationError struct {
	Source string // file name, empty when not file-backed
	Line   int    // 1-based, 0 when not line-oriented
	Msg    string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Source != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.Source, e.Line, e.Msg)
	case e.Source != "":
		return fmt.Sprintf("%s: %s", e.Source, e.Msg)
	default:
		return "topology: " + e.Msg
	}
}

func configErrorf(source string, line int, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Source: source, Line: line, Msg: fmt.Sprintf(format, args...)}
}

// VisibilityGapError records that no satellite met the elevation threshold
// for a facility at a refresh time. The facility is disconnected for that
// tick; it is reported, not returned as a failure.
type VisibilityGapError struct {
	Facility string
	Time     time.Time
}

func (e *VisibilityGapError) Error() string {
	return fmt.Sprintf("no satellite visible from facility %q at %s", e.Facility, e.Time.UTC().Format(time.RFC3339))
}
