// Package schema validates records against a JSON Schema subset.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Schema is a parsed JSON Schema (draft-07 subset).
//
// Supported keywords: type, enum, required, properties, additionalProperties,
// items, minimum, maximum, exclusiveMinimum, exclusiveMaximum, minLength,
// maxLength, minItems, maxItems.
type Schema struct {
	Type                 string             `json:"type,omitempty"`
	Enum                 []any              `json:"enum,omitempty"`
	Required             []string           `json:"required,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Minimum              *float64           `json:"minimum,omitempty"`
	Maximum              *float64           `json:"maximum,omitempty"`
	ExclusiveMinimum     *float64           `json:"exclusiveMinimum,omitempty"`
	ExclusiveMaximum     *float64           `json:"exclusiveMaximum,omitempty"`
	MinLength            *int               `json:"minLength,omitempty"`
	MaxLength            *int               `json:"maxLength,omitempty"`
	MinItems             *int               `json:"minItems,omitempty"`
	MaxItems             *int               `json:"maxItems,omitempty"`
}

// Parse converts a decoded JSON Schema document into a Schema.
func Parse(raw map[string]any) (*Schema, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "encode schema")
	}
	var s Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "decode schema")
	}
	return &s, nil
}

// Validate checks a record. A nil Schema accepts everything.
func (s *Schema) Validate(doc map[string]any) error {
	if s == nil {
		return nil
	}
	return s.check(doc, "$")
}

func (s *Schema) check(value any, path string) error {
	if s.Type != "" {
		if err := checkType(s.Type, value, path); err != nil {
			return err
		}
	}
	if len(s.Enum) > 0 && !inEnum(s.Enum, value) {
		return fmt.Errorf("%s: value not in enum %v", path, s.Enum)
	}
	switch v := value.(type) {
	case map[string]any:
		return s.checkObject(v, path)
	case []any:
		return s.checkArray(v, path)
	case string:
		return s.checkString(v, path)
	case float64:
		return s.checkNumber(v, path)
	case int:
		return s.checkNumber(float64(v), path)
	case int64:
		return s.checkNumber(float64(v), path)
	}
	return nil
}

func checkType(expected string, value any, path string) error {
	actual := jsonType(value)
	switch {
	case actual == expected:
		return nil
	case expected == "number" && actual == "integer":
		return nil
	case expected == "integer" && actual == "number":
		if f := value.(float64); f == float64(int64(f)) {
			return nil
		}
	}
	return fmt.Errorf("%s: expected type %q, got %q", path, expected, actual)
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case int, int64:
		return "integer"
	default:
		return reflect.TypeOf(v).String()
	}
}

func inEnum(allowed []any, value any) bool {
	for _, a := range allowed {
		if reflect.DeepEqual(a, value) {
			return true
		}
	}
	return false
}

func (s *Schema) checkObject(obj map[string]any, path string) error {
	for _, field := range s.Required {
		if _, ok := obj[field]; !ok {
			return fmt.Errorf("%s: missing required field %q", path, field)
		}
	}
	for field, sub := range s.Properties {
		val, ok := obj[field]
		if !ok || sub == nil {
			continue
		}
		if err := sub.check(val, path+"."+field); err != nil {
			return err
		}
	}
	if s.AdditionalProperties != nil && !*s.AdditionalProperties {
		var extra []string
		for field := range obj {
			if _, ok := s.Properties[field]; !ok {
				extra = append(extra, field)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return fmt.Errorf("%s: additional properties not allowed: %s", path, strings.Join(extra, ", "))
		}
	}
	return nil
}

func (s *Schema) checkArray(arr []any, path string) error {
	if s.MinItems != nil && len(arr) < *s.MinItems {
		return fmt.Errorf("%s: array length %d is less than minItems %d", path, len(arr), *s.MinItems)
	}
	if s.MaxItems != nil && len(arr) > *s.MaxItems {
		return fmt.Errorf("%s: array length %d is greater than maxItems %d", path, len(arr), *s.MaxItems)
	}
	if s.Items != nil {
		for i, elem := range arr {
			if err := s.Items.check(elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Schema) checkString(str string, path string) error {
	if s.MinLength != nil && len(str) < *s.MinLength {
		return fmt.Errorf("%s: string length %d is less than minLength %d", path, len(str), *s.MinLength)
	}
	if s.MaxLength != nil && len(str) > *s.MaxLength {
		return fmt.Errorf("%s: string length %d is greater than maxLength %d", path, len(str), *s.MaxLength)
	}
	return nil
}

func (s *Schema) checkNumber(n float64, path string) error {
	switch {
	case s.Minimum != nil && n < *s.Minimum:
		return fmt.Errorf("%s: %v is less than minimum %v", path, n, *s.Minimum)
	case s.Maximum != nil && n > *s.Maximum:
		return fmt.Errorf("%s: %v is greater than maximum %v", path, n, *s.Maximum)
	case s.ExclusiveMinimum != nil && n <= *s.ExclusiveMinimum:
		return fmt.Errorf("%s: %v is not greater than exclusiveMinimum %v", path, n, *s.ExclusiveMinimum)
	case s.ExclusiveMaximum != nil && n >= *s.ExclusiveMaximum:
		return fmt.Errorf("%s: %v is not less than exclusiveMaximum %v", path, n, *s.ExclusiveMaximum)
	}
	return nil
}
