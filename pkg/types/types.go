// Package types provides common type definitions used across the training
// engine: run identifiers, timestamps, and loosely-typed metadata carried by
// logging outputs.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// ID Types
// ============================================================================

// ID represents a unique identifier using UUID v4
type ID string

// NewID generates a new unique ID
func NewID() ID {
	return ID(uuid.New().String())
}

// String returns the string representation of ID
func (id ID) String() string {
	return string(id)
}

// IsZero checks if ID is empty
func (id ID) IsZero() bool {
	return id == ""
}

// Valid checks if ID is a valid UUID
func (id ID) Valid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}

// MarshalJSON implements json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// UnmarshalJSON implements json.Unmarshaler
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ID(s)
	return nil
}

// ============================================================================
// Timestamp Types
// ============================================================================

// Timestamp represents a point in time with millisecond precision
type Timestamp time.Time

// Now returns the current timestamp
func Now() Timestamp {
	return Timestamp(time.Now())
}

// Time converts Timestamp to time.Time
func (ts Timestamp) Time() time.Time {
	return time.Time(ts)
}

// Unix returns the Unix timestamp in seconds
func (ts Timestamp) Unix() int64 {
	return time.Time(ts).Unix()
}

// IsZero checks if timestamp is zero value
func (ts Timestamp) IsZero() bool {
	return time.Time(ts).IsZero()
}

// String returns RFC3339 formatted string
func (ts Timestamp) String() string {
	return time.Time(ts).Format(time.RFC3339)
}

// MarshalJSON implements json.Marshaler
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(ts).Format(time.RFC3339Nano))
}

// UnmarshalJSON implements json.Unmarshaler
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*ts = Timestamp(t)
	return nil
}

// ============================================================================
// Metadata Types
// ============================================================================

// Metadata is a loosely-typed key/value bag used by logging outputs and
// checkpoint annotations. Values must stay JSON-serializable because
// metadata crosses worker boundaries through all-gather.
type Metadata map[string]interface{}

// Get retrieves a value by key
func (m Metadata) Get(key string) (interface{}, bool) {
	v, ok := m[key]
	return v, ok
}

// GetString retrieves a string value, empty when absent or mistyped
func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat retrieves a numeric value as float64. JSON decoding turns all
// numbers into float64, so ints logged on one rank arrive here as floats.
func (m Metadata) GetFloat(key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// GetBool retrieves a boolean value, false when absent or mistyped
func (m Metadata) GetBool(key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

// Set stores a value by key
func (m Metadata) Set(key string, value interface{}) {
	m[key] = value
}

// Clone returns a shallow copy
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
