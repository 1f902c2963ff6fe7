package coordinator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: "request", Reason: err.Error()}
	}
	fe := verrs[0]
	reason := fe.Tag()
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "gte", "gt":
		reason = "must be " + fe.Tag() + " " + fe.Param()
	case "max":
		reason = "longer than " + fe.Param()
	}
	return &ValidationError{Field: fe.Field(), Reason: reason}
}
