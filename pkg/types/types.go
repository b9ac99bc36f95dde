package types

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the backend that serves an operation.
type Mode int

const (
	ModePassthru Mode = iota
	ModeMemory
	ModeRemote
)

// String returns the configuration name of the mode.
func (m Mode) String() string {
	switch m {
	case ModePassthru:
		return "passthru"
	case ModeMemory:
		return "memory"
	case ModeRemote:
		return "remote"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "passthru", "memory" or "remote".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passthru", "pass-through", "passthrough", "disk":
		return ModePassthru, nil
	case "memory", "mem":
		return ModeMemory, nil
	case "remote", "dist":
		return ModeRemote, nil
	default:
		return ModePassthru, fmt.Errorf("unknown routing mode: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// OpClass groups intercepted operations for routing purposes.
type OpClass uint8

const (
	OpStructural OpClass = 1 << iota
	OpDataRead
	OpDataWrite

	OpAll = OpStructural | OpDataRead | OpDataWrite
)

// String returns a "|"-joined list of the classes in c.
func (c OpClass) String() string {
	var parts []string
	if c&OpStructural != 0 {
		parts = append(parts, "structural")
	}
	if c&OpDataRead != 0 {
		parts = append(parts, "read")
	}
	if c&OpDataWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseOpClasses parses a list such as ["structural", "write"]; an empty
// list means all classes.
func ParseOpClasses(names []string) (OpClass, error) {
	if len(names) == 0 {
		return OpAll, nil
	}
	var c OpClass
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "structural", "structure", "meta":
			c |= OpStructural
		case "read", "data-read":
			c |= OpDataRead
		case "write", "data-write":
			c |= OpDataWrite
		case "all", "*":
			c |= OpAll
		default:
			return 0, fmt.Errorf("unknown operation class: %q", name)
		}
	}
	return c, nil
}

// ObjectInfo represents metadata about a stored blob
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// FileStatus describes a resident file for diagnostics.
type FileStatus struct {
	Name        string `json:"name"`
	Mode        Mode   `json:"mode"`
	Kept        bool   `json:"kept"`
	OpenHandles int    `json:"open_handles"`
	Nodes       int    `json:"nodes"`
	Bytes       int64  `json:"bytes"`
	Sealed      bool   `json:"sealed"`
	Placeholder bool   `json:"placeholder"`
}

// ChannelStatus describes a transport channel for diagnostics.
type ChannelStatus struct {
	ID         string    `json:"id"`
	Local      string    `json:"local"`
	Remote     string    `json:"remote"`
	Role       string    `json:"role"`
	State      string    `json:"state"`
	Rounds     int       `json:"rounds"`
	Failed     int       `json:"failed"`
	BytesMoved int64     `json:"bytes_moved"`
	LastRound  time.Time `json:"last_round,omitempty"`
	Valid      bool      `json:"valid"`
}

// RuleStatus describes a routing rule for diagnostics.
type RuleStatus struct {
	Category string `json:"category"`
	File     string `json:"file"`
	Object   string `json:"object"`
	Mode     string `json:"mode,omitempty"`
	Ops      string `json:"ops,omitempty"`
	Channel  string `json:"channel,omitempty"`
}
