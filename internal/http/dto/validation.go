package dto

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/voicecrm/auditcore/internal/models"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("operation", func(fl validator.FieldLevel) bool {
		_, ok := models.ParseOperationType(fl.Field().String())
		return ok
	})
	_ = validate.RegisterValidation("timestamp", func(fl validator.FieldLevel) bool {
		_, err := parseTime(fl.Field().String(), false)
		return err == nil
	})
}

// ValidateStruct runs the struct tags of s and returns a *ValidationError
// describing every failing field.
func ValidateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return newValidationError(verrs)
		}
		return err
	}
	return nil
}

type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func fieldError(field, msg string) *ValidationError {
	return &ValidationError{Message: "validation failed", Fields: map[string]string{field: msg}}
}

func newValidationError(errs validator.ValidationErrors) *ValidationError {
	fields := make(map[string]string, len(errs))
	for _, err := range errs {
		field := err.Field()
		switch err.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "email":
			fields[field] = fmt.Sprintf("%s must be a valid email", field)
		case "min":
			fields[field] = fmt.Sprintf("%s must be at least %s", field, err.Param())
		case "max":
			fields[field] = fmt.Sprintf("%s must be at most %s", field, err.Param())
		case "operation":
			fields[field] = fmt.Sprintf("%s must be one of %s", field, operationList())
		case "timestamp":
			fields[field] = fmt.Sprintf("%s must be RFC3339 or YYYY-MM-DD", field)
		default:
			fields[field] = fmt.Sprintf("%s validation failed on '%s' tag", field, err.Tag())
		}
	}
	return &ValidationError{Message: "validation failed", Fields: fields}
}

func operationList() string {
	ops := models.OperationTypes()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = string(op)
	}
	return strings.Join(names, ", ")
}

func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
