package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"jewelerp/internal/types"
)

// Validator wraps go-playground/validator with the scheduler's enum tags.
type Validator struct {
	validate *validator.Validate
}

// NewValidator registers batchkind, frequency and channel tags and reports
// field names by their json tag.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("batchkind", func(fl validator.FieldLevel) bool {
		return types.BatchKind(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("frequency", func(fl validator.FieldLevel) bool {
		return types.Frequency(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return types.ChannelType(fl.Field().String()).IsValid()
	})
	return &Validator{validate: v}
}

// Struct validates s and converts the first violation into an AppError whose
// code matches the domain validators in the types package.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid request", err)
	}

	fe := verrs[0]
	code := types.ErrCodeValidationInvalidPayload
	msg := fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	switch fe.Tag() {
	case "required":
		code = types.ErrCodeValidationMissingField
		msg = fe.Field() + " is required"
	case "batchkind":
		code = types.ErrCodeValidationInvalidKind
		msg = fmt.Sprintf("unknown batch kind %q", fe.Value())
	case "frequency":
		code = types.ErrCodeValidationFrequency
		msg = fmt.Sprintf("unknown frequency %q", fe.Value())
	case "channel":
		code = types.ErrCodeValidationInvalidChannel
		msg = fmt.Sprintf("unknown channel %q", fe.Value())
	case "max":
		if fe.Field() == "items" {
			code = types.ErrCodeValidationBatchSize
		}
	}
	return types.NewAppErrorWithDetails(code, msg, nil, map[string]any{"field": fe.Field()})
}
