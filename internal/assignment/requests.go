package assignment

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/certflow/model"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateRequest creates an assignment for a known assignee.
type CreateRequest struct {
	CaseID           string  `json:"case_id"            validate:"required"`
	AssignedTo       string  `json:"assigned_to"        validate:"required"`
	Role             string  `json:"role"               validate:"required"`
	Priority         string  `json:"priority"           validate:"omitempty,oneof=low medium high urgent"`
	JobType          string  `json:"job_type,omitempty"`
	SLAOverrideHours float64 `json:"sla_override_hours" validate:"gte=0"`
	AssignedBy       string  `json:"assigned_by,omitempty"`
	Strategy         string  `json:"strategy,omitempty"`
}

type autoAssignRequest struct {
	CaseID   string `json:"case_id"  validate:"required"`
	Role     string `json:"role"     validate:"required"`
	Priority string `json:"priority" validate:"omitempty,oneof=low medium high urgent"`
}

type reassignRequest struct {
	ID           string `json:"id"            validate:"required"`
	NewUserID    string `json:"new_user_id"   validate:"required"`
	Reason       string `json:"reason"        validate:"required"`
	ReassignedBy string `json:"reassigned_by" validate:"required"`
}

type commentRequest struct {
	Author string `json:"author" validate:"required"`
	Text   string `json:"text"   validate:"required,max=4000"`
}

// validateStruct runs the struct tags of v and converts failures into a
// VALIDATION_ERROR envelope keyed by JSON field name.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	return model.NewValidationError(fieldErrors(verrs))
}

func fieldErrors(verrs validator.ValidationErrors) []model.FieldError {
	out := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		code := "INVALID_VALUE"
		msg := fmt.Sprintf("failed %q constraint", fe.Tag())
		switch fe.Tag() {
		case "required":
			code = "REQUIRED"
			msg = "is required"
		case "oneof":
			msg = fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fe.Param(), " ", ", "))
		case "url":
			msg = "must be a valid URL"
		}
		out = append(out, model.FieldError{
			Field:   fe.Field(),
			Code:    code,
			Message: msg,
		})
	}
	return out
}
