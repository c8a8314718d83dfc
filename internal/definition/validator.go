package definition

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"github.com/pitabwire/slatrack/internal/policy"
	"github.com/pitabwire/slatrack/model"
)

// VError describes a single validation error in a definition.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definitions structurally before they are published.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a single definition. Step orders must be unique and
// contiguous from zero, step codes unique, and every callback well formed.
func (v *Validator) Validate(def model.WorkflowDefinition) []VError {
	var errs []VError

	if def.FlowName == "" {
		errs = append(errs, VError{Path: "flow_name", Code: "REQUIRED", Message: "flow_name is required"})
	}
	if def.Model == "" {
		errs = append(errs, VError{Path: "model", Code: "REQUIRED", Message: "model is required"})
	}
	if def.GraceWindowMinutes < 0 {
		errs = append(errs, VError{Path: "grace_window_minutes", Code: "OUT_OF_RANGE", Message: "grace_window_minutes must not be negative"})
	}
	if len(def.Steps) == 0 {
		errs = append(errs, VError{Path: "steps", Code: "REQUIRED", Message: "at least one step is required"})
	}

	errs = append(errs, validateCallback("notify_callback", def.NotifyCallback)...)
	errs = append(errs, validateCallback("auto_approve_callback", def.AutoApproveCallback)...)

	codes := make(map[string]bool)
	orders := make([]int, 0, len(def.Steps))
	for i, s := range def.Steps {
		sp := fmt.Sprintf("steps[%d]", i)
		if s.Code == "" {
			errs = append(errs, VError{Path: sp + ".code", Code: "REQUIRED", Message: "step code is required"})
		} else if codes[s.Code] {
			errs = append(errs, VError{Path: sp + ".code", Code: "DUPLICATE", Message: fmt.Sprintf("duplicate step code %q", s.Code)})
		}
		codes[s.Code] = true

		if s.SLAHours < 0 {
			errs = append(errs, VError{Path: sp + ".sla_hours", Code: "OUT_OF_RANGE", Message: "sla_hours must not be negative"})
		}
		if s.MaxNotifications < 0 {
			errs = append(errs, VError{Path: sp + ".max_notifications", Code: "OUT_OF_RANGE", Message: "max_notifications must not be negative"})
		}
		if s.Action.Kind == "" {
			errs = append(errs, VError{Path: sp + ".action.kind", Code: "REQUIRED", Message: "action kind is required"})
		} else if !s.Action.Kind.Valid() {
			errs = append(errs, VError{Path: sp + ".action.kind", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid action kind %q", s.Action.Kind)})
		}
		errs = append(errs, validateCallback(sp+".action.callback", s.Action.Callback)...)
		orders = append(orders, s.Order)
	}

	sort.Ints(orders)
	for i, o := range orders {
		if o != i {
			errs = append(errs, VError{
				Path:    "steps",
				Code:    "NON_CONTIGUOUS",
				Message: fmt.Sprintf("step orders must be unique and contiguous from 0, got %v", orders),
			})
			break
		}
	}

	return errs
}

var validCallbackMethods = map[string]bool{
	"": true, http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true,
}

func validateCallback(prefix string, cb *model.CallbackConfig) []VError {
	if cb == nil {
		return nil
	}
	var errs []VError

	if cb.URL == "" {
		errs = append(errs, VError{Path: prefix + ".url", Code: "REQUIRED", Message: "callback url is required"})
	} else if u, err := url.Parse(cb.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, VError{Path: prefix + ".url", Code: "INVALID_URL", Message: fmt.Sprintf("invalid callback url %q", cb.URL)})
	}
	if !validCallbackMethods[cb.Method] {
		errs = append(errs, VError{Path: prefix + ".method", Code: "INVALID_ENUM", Message: fmt.Sprintf("invalid callback method %q", cb.Method)})
	}
	if cb.TimeoutSeconds < 0 {
		errs = append(errs, VError{Path: prefix + ".timeout_seconds", Code: "OUT_OF_RANGE", Message: "timeout_seconds must not be negative"})
	}

	keys := make([]string, 0, len(cb.Payload))
	for k := range cb.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := policy.ValidateTemplate(cb.Payload[k]); err != nil {
			errs = append(errs, VError{Path: prefix + ".payload." + k, Code: "INVALID_EXPRESSION", Message: err.Error()})
		}
	}

	return errs
}

// ToFieldErrors converts validation errors to envelope field errors.
func ToFieldErrors(errs []VError) []model.FieldError {
	out := make([]model.FieldError, len(errs))
	for i, e := range errs {
		out[i] = model.FieldError{Field: e.Path, Code: e.Code, Message: e.Message}
	}
	return out
}
