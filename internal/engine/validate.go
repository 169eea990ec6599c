package engine

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// validateInput runs struct tag validation and reports the first failure as
// a validation error naming the JSON field.
func validateInput(op string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return validationErr(op, "invalid input: %v", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required", "notblank":
		return validationErr(op, "%s is required", fe.Field())
	case "max":
		return validationErr(op, "%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return validationErr(op, "%s must be one of %s", fe.Field(), fe.Param())
	default:
		return validationErr(op, "%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}
