package service

import (
	"errors"
	"reflect"
	"strings"

	"greencart/internal/apperr"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validateInput turns struct tag violations into a ValidationError naming
// the first offending field
func validateInput(in interface{}) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.Validation("", "%v", err)
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Validation(fe.Field(), "is required")
	case "max":
		return apperr.Validation(fe.Field(), "must be at most %s characters", fe.Param())
	case "min", "gte":
		return apperr.Validation(fe.Field(), "must be at least %s", fe.Param())
	case "gt":
		return apperr.Validation(fe.Field(), "must be greater than %s", fe.Param())
	case "oneof":
		return apperr.Validation(fe.Field(), "must be one of [%s]", fe.Param())
	case "datetime":
		return apperr.Validation(fe.Field(), "must be a date formatted %s", fe.Param())
	default:
		return apperr.Validation(fe.Field(), "failed %q check", fe.Tag())
	}
}
