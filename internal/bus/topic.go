package bus

import (
	"fmt"
	"strings"
)

const (
	separator = "/"
	wildcard  = "*"
)

// checkTopic validates a topic or pattern. Wildcards are only allowed when
// pattern is true and must occupy a whole segment.
func checkTopic(topic string, pattern bool) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	for _, seg := range strings.Split(topic, separator) {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
		if seg == wildcard {
			if !pattern {
				return fmt.Errorf("%w: wildcard in publish topic %q", ErrInvalidTopic, topic)
			}
			continue
		}
		if strings.Contains(seg, wildcard) {
			return fmt.Errorf("%w: partial wildcard in %q", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// matches reports whether topic matches pattern segment by segment.
func matches(pattern, topic string) bool {
	ps := strings.Split(pattern, separator)
	ts := strings.Split(topic, separator)
	if len(ps) != len(ts) {
		return false
	}
	for i := range ps {
		if ps[i] != wildcard && ps[i] != ts[i] {
			return false
		}
	}
	return true
}
