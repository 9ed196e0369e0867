package errors

import (
	"fmt"
	"strings"
)

// Validation codes
const (
	CodeRequired      = "required"
	CodeType          = "type"
	CodeMin           = "min"
	CodeMax           = "max"
	CodeMinLength     = "min_length"
	CodeMaxLength     = "max_length"
	CodePattern       = "pattern"
	CodeEnum          = "enum"
	CodeExtra         = "extra"
	CodeMinItems      = "min_items"
	CodeMaxItems      = "max_items"
	CodeUnion         = "union"
	CodeUnresolvedRef = "unresolved_ref"
)

// ValidationError is one problem found while validating a value
type ValidationError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationErrors is an ordered bundle of validation problems
type ValidationErrors struct {
	items []ValidationError
}

// Add appends a problem at path
func (v *ValidationErrors) Add(path, code, format string, args ...any) {
	v.items = append(v.items, ValidationError{
		Path:    path,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
}

// Extend appends every problem from other
func (v *ValidationErrors) Extend(other *ValidationErrors) {
	if other == nil {
		return
	}
	v.items = append(v.items, other.items...)
}

// Items returns a copy of the problems in insertion order
func (v *ValidationErrors) Items() []ValidationError {
	out := make([]ValidationError, len(v.items))
	copy(out, v.items)
	return out
}

// Len returns the number of problems
func (v *ValidationErrors) Len() int {
	if v == nil {
		return 0
	}
	return len(v.items)
}

// Err returns v as an error, or nil if there are no problems
func (v *ValidationErrors) Err() error {
	if v.Len() == 0 {
		return nil
	}
	return v
}

// Error implements the error interface
func (v *ValidationErrors) Error() string {
	parts := make([]string, 0, len(v.items))
	for _, item := range v.items {
		if item.Path == "" {
			parts = append(parts, fmt.Sprintf("[%s] %s", item.Code, item.Message))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: [%s] %s", item.Path, item.Code, item.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
