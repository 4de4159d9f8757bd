// Package utils provides JSON utility functions for the training engine.
// It includes serialization/deserialization, pretty printing, line-oriented
// streaming for progress sinks, and conversions between structs and maps.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

// ============================================================================
// JSON Serialization/Deserialization Functions
// ============================================================================

// ToJSON converts any value to JSON string
func ToJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// ToJSONBytes converts any value to JSON bytes
func ToJSONBytes(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// FromJSON parses JSON string into target value
func FromJSON(jsonStr string, target interface{}) error {
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

// FromJSONBytes parses JSON bytes into target value
func FromJSONBytes(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}

// FromJSONReader parses JSON from reader into target value
func FromJSONReader(reader io.Reader, target interface{}) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	return nil
}

// ============================================================================
// Pretty Print Functions
// ============================================================================

// PrettyJSON formats JSON string with indentation
func PrettyJSON(jsonStr string) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(jsonStr), "", "  "); err != nil {
		return "", fmt.Errorf("failed to format JSON: %w", err)
	}
	return buf.String(), nil
}

// PrettyPrint converts value to pretty-printed JSON string
func PrettyPrint(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to pretty print: %w", err)
	}
	return string(data), nil
}

// CompactJSON removes whitespace from JSON string
func CompactJSON(jsonStr string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(jsonStr)); err != nil {
		return "", fmt.Errorf("failed to compact JSON: %w", err)
	}
	return buf.String(), nil
}

// ============================================================================
// Line-Oriented JSON Functions
// ============================================================================

// WriteJSONLine encodes a value as a single JSON line terminated by a newline
func WriteJSONLine(writer io.Writer, v interface{}) error {
	encoder := json.NewEncoder(writer)
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON line: %w", err)
	}
	return nil
}

// StreamJSONLines decodes newline-delimited JSON values and passes each to
// the handler until the reader is drained or the handler fails
func StreamJSONLines(reader io.Reader, handler func(json.RawMessage) error) error {
	decoder := json.NewDecoder(reader)
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to decode JSON line: %w", err)
		}
		if err := handler(raw); err != nil {
			return fmt.Errorf("handler error: %w", err)
		}
	}
}

// ============================================================================
// JSON Validation Functions
// ============================================================================

// IsValidJSON checks if string is valid JSON
func IsValidJSON(jsonStr string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(jsonStr), &js) == nil
}

// IsJSONObject checks if string is a valid JSON object
func IsJSONObject(jsonStr string) bool {
	var obj map[string]interface{}
	return json.Unmarshal([]byte(jsonStr), &obj) == nil
}

// ============================================================================
// JSON Transformation Functions
// ============================================================================

// FlattenJSON flattens nested JSON to single level with dot notation
func FlattenJSON(jsonStr string) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := FromJSON(jsonStr, &data); err != nil {
		return nil, err
	}

	flattened := make(map[string]interface{})
	flattenRecursive(data, "", flattened)
	return flattened, nil
}

// flattenRecursive recursively flattens nested maps
func flattenRecursive(data map[string]interface{}, prefix string, result map[string]interface{}) {
	for key, val := range data {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}

		if nested, ok := val.(map[string]interface{}); ok {
			flattenRecursive(nested, fullKey, result)
		} else {
			result[fullKey] = val
		}
	}
}

// ============================================================================
// JSON Conversion Utilities
// ============================================================================

// StructToMap converts struct to map[string]interface{} using JSON tags
func StructToMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal struct: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal to map: %w", err)
	}

	return result, nil
}

// MapToStruct converts map to struct using JSON tags
func MapToStruct(m map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal map: %w", err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal to struct: %w", err)
	}

	return nil
}

// CloneJSON deep clones a JSON-serializable value
func CloneJSON(src interface{}) (interface{}, error) {
	data, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for cloning: %w", err)
	}

	// Determine target type
	var clone interface{}
	srcType := reflect.TypeOf(src)

	if srcType.Kind() == reflect.Ptr {
		clone = reflect.New(srcType.Elem()).Interface()
	} else {
		clone = reflect.New(srcType).Interface()
	}

	if err := json.Unmarshal(data, clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal clone: %w", err)
	}

	return clone, nil
}
