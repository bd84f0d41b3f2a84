// Package validation wraps the struct validator shared by request and config checks.
package validation

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	instance *validator.Validate
	once     sync.Once
)

// Get returns the shared validator. Field names in errors use json tag names.
func Get() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return fld.Name
			}
			return name
		})
		instance = v
	})
	return instance
}

// Struct validates s and returns a readable error.
func Struct(s interface{}) error {
	if err := Get().Struct(s); err != nil {
		return fmt.Errorf("%s", Format(err))
	}
	return nil
}

// Format renders validator errors as one comma-separated message.
func Format(err error) string {
	if err == nil {
		return ""
	}
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	out := make([]string, 0, len(ve))
	for _, fe := range ve {
		out = append(out, formatFieldError(fe))
	}
	return strings.Join(out, ", ")
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("'%s' is required", field)
	case "oneof":
		return fmt.Sprintf("'%s' must be one of [%s]", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("'%s' must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("'%s' must be at most %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("'%s' must be a valid URL", field)
	default:
		return fmt.Sprintf("'%s' failed on '%s'", field, fe.Tag())
	}
}
