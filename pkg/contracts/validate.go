package contracts

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
			p := fl.Field().Int()
			return p == 0 || (p >= MinPriority && p <= MaxPriority)
		})
	})
	return validate
}

// ValidateCase checks a case's struct constraints and returns a
// *ValidationError naming the first offending field.
func ValidateCase(c Case) error {
	return validateStruct(c)
}

// ValidateEnvelope checks an event envelope's struct constraints.
func ValidateEnvelope(env EventEnvelope) error {
	return validateStruct(env)
}

func validateStruct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
		}
		return &ValidationError{
			Code:   CodeValidation,
			Field:  verrs[0].Namespace(),
			Reason: "failed constraints: " + strings.Join(fields, ", "),
		}
	}
	return &ValidationError{Code: CodeValidation, Reason: err.Error()}
}
