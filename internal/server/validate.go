package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

type reconcileRequest struct {
	StartDate    string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate      string `json:"end_date" validate:"required,datetime=2006-01-02"`
	CampaignType string `json:"campaign_type" validate:"required,oneof=students teachers"`
	Async        bool   `json:"async"`
}

type listRunsQuery struct {
	Status       string `validate:"omitempty,oneof=queued running success error"`
	CampaignType string `validate:"omitempty,oneof=students teachers"`
	Limit        int    `validate:"gte=0,lte=1000"`
	Offset       int    `validate:"gte=0"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		req := sl.Current().Interface().(reconcileRequest)
		// Both dates are YYYY-MM-DD, so string order is date order.
		if req.StartDate != "" && req.EndDate != "" && req.EndDate < req.StartDate {
			sl.ReportError(req.EndDate, "end_date", "EndDate", "period", "")
		}
	}, reconcileRequest{})
	return v
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return strings.Join(msgs, "; ")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "datetime":
		return fmt.Sprintf("%s must be a date in %s format", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "period":
		return "end_date must not be before start_date"
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range", strings.ToLower(fe.Field()))
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
