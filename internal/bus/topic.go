package bus

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTopic is returned for malformed topic names and filters.
var ErrInvalidTopic = errors.New("invalid topic")

// ValidateTopic checks a concrete publish topic: non-empty, no empty levels,
// no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	for _, level := range strings.Split(topic, "/") {
		if level == "" {
			return fmt.Errorf("%w: %q has an empty level", ErrInvalidTopic, topic)
		}
		if strings.ContainsAny(level, "+#") {
			return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// ValidateFilter checks a subscription filter. "+" and "#" must occupy a whole
// level and "#" must be last.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty filter", ErrInvalidTopic)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "":
			return fmt.Errorf("%w: filter %q has an empty level", ErrInvalidTopic, filter)
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidTopic, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

// Match reports whether topic is selected by filter.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}

// Join appends id as a new level under prefix.
func Join(prefix, id string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + id
}

// Wildcard returns the single-level filter covering every child of prefix.
func Wildcard(prefix string) string {
	return Join(prefix, "+")
}

// LastLevel returns the final level of topic.
func LastLevel(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
