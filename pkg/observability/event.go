package observability

import "time"

// Level represents the severity of an emitted event.
type Level string

const (
	// LevelDebug is for high-volume detail such as individual offer decisions.
	LevelDebug Level = "debug"
	// LevelInfo represents informational events that describe normal behaviour.
	LevelInfo Level = "info"
	// LevelWarn represents conditions that may require operator attention.
	LevelWarn Level = "warn"
	// LevelError captures failures that prevent progress.
	LevelError Level = "error"
)

// Event models a structured log entry emitted by scheduler components.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Level     Level                  `json:"level"`
	Node      string                 `json:"node,omitempty"`
	Component string                 `json:"component,omitempty"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Clone returns a copy of the event with its own fields map.
func (e Event) Clone() Event {
	clone := e
	if len(e.Fields) > 0 {
		copied := make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			copied[k] = v
		}
		clone.Fields = copied
	}
	return clone
}

// With returns a clone of the event with key set in its fields.
func (e Event) With(key string, value interface{}) Event {
	clone := e.Clone()
	if clone.Fields == nil {
		clone.Fields = make(map[string]interface{}, 1)
	}
	clone.Fields[key] = value
	return clone
}
