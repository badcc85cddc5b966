package query

import (
	"strconv"
	"strings"

	"heimdall-backend/internal/domain/logentry"
)

// fieldValue resolves the dotted field paths the filter language understands.
// Unknown paths resolve to absent, which fails every operator except a negated
// exists.
func fieldValue(e *logentry.Entry, field string) (string, bool) {
	switch field {
	case "id":
		return e.ID, true
	case "level":
		return string(e.Level), true
	case "message.raw":
		return e.Message.Raw, true
	case "message.template":
		return e.Message.Template, e.Message.Template != ""
	case "source.service":
		return e.Source.Service, true
	case "source.instance":
		return e.Source.Instance, e.Source.Instance != ""
	case "source.region":
		return e.Source.Region, e.Source.Region != ""
	case "source.environment":
		return e.Source.Environment, e.Source.Environment != ""
	case "source.hostname":
		return e.Source.Hostname, e.Source.Hostname != ""
	case "security.classification":
		return e.Security.Classification, true
	case "trace.traceId":
		if e.Trace == nil {
			return "", false
		}
		return e.Trace.TraceID, true
	case "entities.user":
		if e.Entities == nil {
			return "", false
		}
		return e.Entities.User, e.Entities.User != ""
	case "entities.request":
		if e.Entities == nil {
			return "", false
		}
		return e.Entities.Request, e.Entities.Request != ""
	case "metrics.durationMs":
		if e.Metrics == nil || e.Metrics.DurationMS == nil {
			return "", false
		}
		return strconv.FormatFloat(*e.Metrics.DurationMS, 'f', -1, 64), true
	}
	if v, ok := e.Message.Parameters[strings.TrimPrefix(field, "message.parameters.")]; ok &&
		strings.HasPrefix(field, "message.parameters.") {
		return v, true
	}
	return "", false
}

func matchFilter(e *logentry.Entry, f Filter) bool {
	val, present := fieldValue(e, f.Field)

	switch f.Operator {
	case OpExists:
		want := f.Value != "false"
		return present == want
	case OpEquals:
		return present && val == f.Value
	case OpNotEquals:
		return !present || val != f.Value
	case OpContains:
		return present && strings.Contains(val, f.Value)
	case OpGreaterThan, OpLessThan:
		if !present {
			return false
		}
		// Numeric comparison when both sides parse, lexicographic otherwise.
		a, errA := strconv.ParseFloat(val, 64)
		b, errB := strconv.ParseFloat(f.Value, 64)
		if errA == nil && errB == nil {
			if f.Operator == OpGreaterThan {
				return a > b
			}
			return a < b
		}
		if f.Operator == OpGreaterThan {
			return val > f.Value
		}
		return val < f.Value
	}
	return false
}
