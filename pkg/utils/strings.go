// Package utils provides common utility functions for string manipulation.
// It includes case conversion, truncation, validation, and fixed-width
// formatting to be reused across all layers of the training engine.
package utils

import (
	"strings"
	"unicode"
)

// ============================================================================
// Case Conversion Functions
// ============================================================================

// ToSnakeCase converts a string to snake_case
// Example: "HelloWorld" -> "hello_world", "helloWorld" -> "hello_world"
func ToSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := rune(s[i-1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) {
					result.WriteRune('_')
				}
			}
			result.WriteRune(unicode.ToLower(r))
		} else if r == '-' || r == ' ' {
			result.WriteRune('_')
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// ToKebabCase converts a string to kebab-case
// Example: "HelloWorld" -> "hello-world", "hello_world" -> "hello-world"
func ToKebabCase(s string) string {
	return strings.ReplaceAll(ToSnakeCase(s), "_", "-")
}

// ============================================================================
// String Manipulation Functions
// ============================================================================

// Truncate truncates a string to the specified length
// If the string is longer, it appends suffix (default "...")
func Truncate(s string, length int) string {
	return TruncateWithSuffix(s, length, "...")
}

// TruncateWithSuffix truncates a string with a custom suffix
func TruncateWithSuffix(s string, length int, suffix string) string {
	runes := []rune(s)
	if len(runes) <= length {
		return s
	}

	keep := length - len([]rune(suffix))
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + suffix
}

// CompactWhitespace replaces multiple consecutive whitespace with single space
func CompactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ============================================================================
// String Validation Functions
// ============================================================================

// IsEmpty checks if string is empty or contains only whitespace
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// IsNotEmpty checks if string is not empty
func IsNotEmpty(s string) bool {
	return !IsEmpty(s)
}

// ContainsIgnoreCase checks if string contains substring (case-insensitive)
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsNumeric checks if string contains only numeric characters
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// ============================================================================
// String Formatting Functions
// ============================================================================

// PadLeft pads string on the left to reach specified length
func PadLeft(s string, length int, padChar rune) string {
	runes := []rune(s)
	if len(runes) >= length {
		return s
	}

	padding := strings.Repeat(string(padChar), length-len(runes))
	return padding + s
}

// PadRight pads string on the right to reach specified length
func PadRight(s string, length int, padChar rune) string {
	runes := []rune(s)
	if len(runes) >= length {
		return s
	}

	padding := strings.Repeat(string(padChar), length-len(runes))
	return s + padding
}

// Indent indents each line of text with specified prefix
func Indent(s string, indent string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}
