package schema

import (
	"fmt"
	"strings"
)

// Connection is a directed edge between two tasks of the same project.
// Its identity is the ordered (Source, Target) pair.
type Connection struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Validate checks if the Connection has valid field values.
func (c *Connection) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.Target == "" {
		return fmt.Errorf("target is required")
	}
	if c.Source == c.Target {
		return fmt.Errorf("connection %s cannot point at itself", c.Source)
	}
	return nil
}

// Key returns the identity key for this connection.
// Format: {source}--{target}
func (c Connection) Key() string {
	return c.Source + "--" + c.Target
}

// ParseConnectionKey splits a key produced by Key.
// Returns (source, target, error)
func ParseConnectionKey(key string) (string, string, error) {
	parts := strings.Split(key, "--")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid connection key: expected {source}--{target}, got %s", key)
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid connection key: source and target cannot be empty")
	}
	return parts[0], parts[1], nil
}

// DedupeConnections drops repeated (source, target) pairs, keeping the first
// occurrence and the original order.
func DedupeConnections(conns []Connection) []Connection {
	if conns == nil {
		return nil
	}
	seen := make(map[string]bool, len(conns))
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, c)
	}
	return out
}
