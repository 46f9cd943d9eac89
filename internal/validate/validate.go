// Package validate checks request structs with go-playground/validator and
// reports the first failure as an apperr validation error.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"hexpulse/api/internal/apperr"
)

var (
	instance *validator.Validate
	once     sync.Once
)

func get() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		// report json names so messages match the wire fields
		instance.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return field.Name
			}
			return name
		})
	})
	return instance
}

// Messages overrides the generic wording, keyed by "field.tag" (e.g. "details.max").
type Messages map[string]string

// Struct returns nil or an *apperr.Error for the first failing field.
func Struct(s any, messages Messages) error {
	err := get().Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Validation("invalid request")
	}
	fe := fieldErrs[0]
	if msg, ok := messages[fe.Field()+"."+fe.Tag()]; ok {
		return apperr.Validation(msg)
	}
	return apperr.Validation(translate(fe))
}

func translate(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " required"
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "latitude", "longitude":
		return field + " out of range"
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
