package internal

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/lychee-technology/occams"
)

// identifierPattern is the legal form of attribute names, which double as
// report column names.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// specValidate checks request structs tagged with `validate`.
// Initialized in init() with the custom identifier rule.
var specValidate *validator.Validate

func init() {
	specValidate = validator.New(validator.WithRequiredStructEnabled())
	specValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = specValidate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
}

// tagCodes maps validator tags to the error code reported for them.
var tagCodes = map[string]string{
	"identifier": occams.ErrCodeInvalidName,
	"numeric":    occams.ErrCodeInvalidChoiceName,
}

// validateStruct runs tag validation and reports the first failing field as
// an occams validation error naming that field.
func validateStruct(v any) error {
	err := specValidate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return occams.NewInternalError("struct validation failed", err)
	}
	fe := fieldErrs[0]
	field := fieldPath(fe)
	code, ok := tagCodes[fe.Tag()]
	if !ok {
		code = occams.ErrCodeValidationFailed
		if strings.HasSuffix(field, "name") && strings.Contains(field, "choices") {
			code = occams.ErrCodeInvalidChoiceName
		}
	}
	return occams.NewValidationErrorCode(code, field, describeFieldError(fe)).WithCause(err)
}

// fieldPath drops the struct name from the namespace, e.g.
// "AttributeSpec.choices[0].name" becomes "choices[0].name".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "identifier":
		return fmt.Sprintf("%q must match %s", fe.Value(), identifierPattern.String())
	case "numeric":
		return fmt.Sprintf("%q must be numeric", fe.Value())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
