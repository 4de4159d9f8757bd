// Package validator provides unified parameter validation for the training
// engine. It uses validator.v10 library and supports custom validation rules
// for use across the configuration and CLI layers.
package validator

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ============================================================================
// Validator Instance
// ============================================================================

var (
	// Global validator instance
	validate *validator.Validate
	once     sync.Once
)

// Validator wraps go-playground validator with custom rules
type Validator struct {
	validator *validator.Validate
}

// ============================================================================
// Validator Initialization
// ============================================================================

// New creates a new validator instance with custom rules
func New() *Validator {
	v := validator.New()

	// Register custom tag name function
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validation rules
	registerCustomValidations(v)

	return &Validator{validator: v}
}

// GetValidator returns the global validator instance
func GetValidator() *Validator {
	once.Do(func() {
		validate = validator.New()
		registerCustomValidations(validate)
	})
	return &Validator{validator: validate}
}

// ============================================================================
// Validation Methods
// ============================================================================

// Validate validates a struct based on tags
func (v *Validator) Validate(i interface{}) error {
	if err := v.validator.Struct(i); err != nil {
		return v.formatValidationError(err)
	}
	return nil
}

// ValidateVar validates a single variable
func (v *Validator) ValidateVar(field interface{}, tag string) error {
	if err := v.validator.Var(field, tag); err != nil {
		return v.formatValidationError(err)
	}
	return nil
}

// ============================================================================
// Custom Validation Rules
// ============================================================================

// registerCustomValidations registers all custom validation rules
func registerCustomValidations(v *validator.Validate) {
	// Adam betas pair validation
	_ = v.RegisterValidation("adam_betas", validateAdamBetas)

	// Run ID validation
	_ = v.RegisterValidation("run_id", validateRunID)

	// Checkpoint file name validation
	_ = v.RegisterValidation("checkpoint_name", validateCheckpointName)

	// Rendezvous init method validation
	_ = v.RegisterValidation("init_method", validateInitMethod)

	// Log level validation
	_ = v.RegisterValidation("log_level", validateLogLevel)

	// JSON string validation
	_ = v.RegisterValidation("json_string", validateJSONString)

	// UUID validation (v4)
	_ = v.RegisterValidation("uuid4", validateUUID4)

	// ISO8601 date validation
	_ = v.RegisterValidation("iso8601", validateISO8601)
}

// validateAdamBetas validates the "(beta1, beta2)" coefficient pair
func validateAdamBetas(fl validator.FieldLevel) bool {
	s := strings.TrimSpace(fl.Field().String())
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return false
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 {
		return false
	}
	for _, p := range parts {
		beta, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || beta < 0 || beta >= 1 {
			return false
		}
	}
	return true
}

// validateRunID validates run ID format
func validateRunID(fl validator.FieldLevel) bool {
	runID := fl.Field().String()
	// Format: run_[UUID]
	matched, _ := regexp.MatchString(`^run_[a-f0-9]{8}-[a-f0-9]{4}-4[a-f0-9]{3}-[89ab][a-f0-9]{3}-[a-f0-9]{12}$`, runID)
	return matched
}

// validateCheckpointName validates checkpoint file name format
func validateCheckpointName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	// checkpoint<N>.json, checkpoint_best.json, checkpoint_last.json,
	// optionally with a -rank<R> suffix
	matched, _ := regexp.MatchString(`^checkpoint(\d+|_best|_last)(-rank\d+)?\.json$`, name)
	return matched
}

// validateInitMethod validates rendezvous address format
func validateInitMethod(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	if addr == "" {
		return true
	}
	matched, _ := regexp.MatchString(`^tcp://[^\s:]+:\d+$`, addr)
	return matched
}

// validateLogLevel validates log verbosity names
func validateLogLevel(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "debug", "info", "warn", "warning", "error", "fatal":
		return true
	}
	return false
}

// validateJSONString validates if string is valid JSON
func validateJSONString(fl validator.FieldLevel) bool {
	jsonStr := fl.Field().String()
	if jsonStr == "" {
		return true
	}
	// Simple JSON validation
	trimmed := strings.TrimSpace(jsonStr)
	return (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"))
}

// validateUUID4 validates UUID v4 format
func validateUUID4(fl validator.FieldLevel) bool {
	uuid := fl.Field().String()
	matched, _ := regexp.MatchString(`^[a-f0-9]{8}-[a-f0-9]{4}-4[a-f0-9]{3}-[89ab][a-f0-9]{3}-[a-f0-9]{12}$`, uuid)
	return matched
}

// validateISO8601 validates ISO8601 date format
func validateISO8601(fl validator.FieldLevel) bool {
	date := fl.Field().String()
	matched, _ := regexp.MatchString(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})$`, date)
	return matched
}

// ============================================================================
// Error Formatting
// ============================================================================

// ValidationError represents a formatted validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Tag     string `json:"tag"`
	Value   string `json:"value,omitempty"`
}

// formatValidationError formats validation errors into readable messages
func (v *Validator) formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errors []ValidationError

		for _, e := range validationErrors {
			errors = append(errors, ValidationError{
				Field:   e.Field(),
				Message: getErrorMessage(e),
				Tag:     e.Tag(),
				Value:   fmt.Sprintf("%v", e.Value()),
			})
		}

		return &FormattedValidationError{Errors: errors}
	}

	return err
}

// FormattedValidationError contains multiple validation errors
type FormattedValidationError struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements error interface
func (f *FormattedValidationError) Error() string {
	var messages []string
	for _, e := range f.Errors {
		messages = append(messages, e.Message)
	}
	return strings.Join(messages, "; ")
}

// getErrorMessage returns human-readable error message for validation tag
func getErrorMessage(fe validator.FieldError) string {
	field := fe.Field()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "len":
		return fmt.Sprintf("%s must have exactly %s elements", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "alpha":
		return fmt.Sprintf("%s must contain only alphabetic characters", field)
	case "alphanum":
		return fmt.Sprintf("%s must contain only alphanumeric characters", field)
	case "numeric":
		return fmt.Sprintf("%s must be numeric", field)
	case "adam_betas":
		return fmt.Sprintf("%s must be a pair \"(beta1, beta2)\" with both values in [0, 1)", field)
	case "run_id":
		return fmt.Sprintf("%s must be a valid run ID (format: run_[UUID])", field)
	case "checkpoint_name":
		return fmt.Sprintf("%s must be a valid checkpoint file name", field)
	case "init_method":
		return fmt.Sprintf("%s must be a tcp://host:port address", field)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error", field)
	case "json_string":
		return fmt.Sprintf("%s must be valid JSON", field)
	case "uuid4":
		return fmt.Sprintf("%s must be a valid UUID v4", field)
	case "iso8601":
		return fmt.Sprintf("%s must be in ISO8601 format", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// ============================================================================
// Utility Functions
// ============================================================================

// RegisterCustomValidation registers a custom validation function
func (v *Validator) RegisterCustomValidation(tag string, fn validator.Func) error {
	return v.validator.RegisterValidation(tag, fn)
}

// RegisterStructValidation registers a custom struct validation function
func (v *Validator) RegisterStructValidation(fn validator.StructLevelFunc, types ...interface{}) {
	v.validator.RegisterStructValidation(fn, types...)
}

// ValidateStruct is a convenience function for validating structs
func ValidateStruct(s interface{}) error {
	return GetValidator().Validate(s)
}

// ValidateField is a convenience function for validating single fields
func ValidateField(field interface{}, tag string) error {
	return GetValidator().ValidateVar(field, tag)
}

// ============================================================================
// Common Validation Helpers
// ============================================================================

// IsURL validates URL format
func IsURL(url string) bool {
	matched, _ := regexp.MatchString(`^https?://[^\s/$.?#].[^\s]*$`, url)
	return matched
}

// IsUUID validates UUID format (any version)
func IsUUID(uuid string) bool {
	matched, _ := regexp.MatchString(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`, uuid)
	return matched
}

// IsAlphanumeric checks if string is alphanumeric
func IsAlphanumeric(s string) bool {
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9]+$`, s)
	return matched
}

// IsNumeric checks if string is numeric
func IsNumeric(s string) bool {
	matched, _ := regexp.MatchString(`^[0-9]+$`, s)
	return matched
}

// InRange checks if value is within range
func InRange(value, min, max int) bool {
	return value >= min && value <= max
}

// IsOneOf checks if value is in allowed list
func IsOneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
