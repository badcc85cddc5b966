package logentry

import (
	"fmt"
	"strings"
)

// Level is the enumerated severity of a log entry.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

var levelRank = map[Level]int{
	LevelTrace: 0,
	LevelDebug: 1,
	LevelInfo:  2,
	LevelWarn:  3,
	LevelError: 4,
	LevelFatal: 5,
}

// ParseLevel normalizes a severity string to a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Valid reports whether l is one of the six defined severities.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank returns the ordering of the level, TRACE lowest.
func (l Level) Rank() int {
	return levelRank[l]
}
