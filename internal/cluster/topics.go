package cluster

import (
	"fmt"
	"strings"
)

const (
	// Separator splits topic segments.
	Separator = "/"

	// Wildcard matches exactly one topic segment in subscription patterns.
	Wildcard = "*"

	// StatusPattern matches the status topic of every node.
	StatusPattern = "fabric/" + Wildcard + "/status"
)

// reservedChars are rejected in node ids. Besides the separator they cover
// the wildcard and level characters of the transports the bus adapters map
// onto (NATS uses '.', '*' and '>', MQTT uses '+' and '#').
const reservedChars = "/*.>+# \t\r\n"

// ValidateNodeID checks that id can be embedded in a topic as one segment.
func ValidateNodeID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNodeID)
	}
	if i := strings.IndexAny(id, reservedChars); i >= 0 {
		return fmt.Errorf("%w: %q contains reserved character %q", ErrInvalidNodeID, id, id[i])
	}
	return nil
}

// StatusTopic is where node id publishes its heartbeats.
func StatusTopic(id string) (string, error) {
	if err := ValidateNodeID(id); err != nil {
		return "", err
	}
	return "fabric/" + id + "/status", nil
}

// ConfigTopic is where the orchestrator publishes configuration for node id.
func ConfigTopic(id string) (string, error) {
	if err := ValidateNodeID(id); err != nil {
		return "", err
	}
	return "node/" + id + "/config", nil
}

// EventTopic is where the orchestrator publishes events for node id.
func EventTopic(id string) (string, error) {
	if err := ValidateNodeID(id); err != nil {
		return "", err
	}
	return "node/" + id + "/events", nil
}

// NodeIDFromStatusTopic extracts the node id from a status topic.
func NodeIDFromStatusTopic(topic string) (string, error) {
	parts := strings.Split(topic, Separator)
	if len(parts) != 3 || parts[0] != "fabric" || parts[2] != "status" {
		return "", fmt.Errorf("%w: %q is not a status topic", ErrInvalidTopic, topic)
	}
	if err := ValidateNodeID(parts[1]); err != nil {
		return "", err
	}
	return parts[1], nil
}
