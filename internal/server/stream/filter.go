package stream

import (
	"fmt"
	"net/url"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/batchwatch/pkg/events"
)

// Filter selects the events a client receives. Empty fields match
// everything.
type Filter struct {
	Topics        map[events.Topic]struct{}
	JobIDs        map[string]struct{}
	CorrelationID string
	// PathPattern is a doublestar glob matched against the event path.
	PathPattern string
}

// ParseFilter reads a filter from query parameters: topic and job_id may
// repeat, path is a glob and correlation_id an exact match.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter

	for _, raw := range q["topic"] {
		topic := events.Topic(raw)
		if !topic.Valid() {
			return Filter{}, fmt.Errorf("%w: %q", events.ErrUnknownTopic, raw)
		}
		if f.Topics == nil {
			f.Topics = make(map[events.Topic]struct{})
		}
		f.Topics[topic] = struct{}{}
	}

	for _, id := range q["job_id"] {
		if id == "" {
			continue
		}
		if f.JobIDs == nil {
			f.JobIDs = make(map[string]struct{})
		}
		f.JobIDs[id] = struct{}{}
	}

	f.CorrelationID = q.Get("correlation_id")

	if p := q.Get("path"); p != "" {
		if !doublestar.ValidatePattern(p) {
			return Filter{}, fmt.Errorf("invalid path pattern %q", p)
		}
		f.PathPattern = p
	}
	return f, nil
}

// Match reports whether ev passes the filter.
func (f Filter) Match(ev events.Event) bool {
	if len(f.Topics) > 0 {
		if _, ok := f.Topics[ev.Topic]; !ok {
			return false
		}
	}
	if len(f.JobIDs) > 0 {
		if _, ok := f.JobIDs[ev.JobID]; !ok {
			return false
		}
	}
	if f.CorrelationID != "" && f.CorrelationID != ev.CorrelationID {
		return false
	}
	if f.PathPattern != "" {
		ok, err := doublestar.Match(f.PathPattern, ev.Path)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
