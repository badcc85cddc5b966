package httpapi

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"heimdall-backend/internal/errors"
)

// One validator instance for the package; it caches struct metadata, so
// sharing it keeps request validation cheap.
var validate = validator.New()

// checkStruct runs struct tag validation and folds the field errors into a
// single actionable message.
func checkStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return errors.Validation(errors.CodeInvalidQuery, "request validation failed").
			WithCause(err).Build()
	}

	reasons := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "oneof":
			reasons = append(reasons, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "gte":
			reasons = append(reasons, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
		case "lte":
			reasons = append(reasons, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			reasons = append(reasons, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return errors.Validation(errors.CodeInvalidQuery, strings.Join(reasons, "; ")).Build()
}
