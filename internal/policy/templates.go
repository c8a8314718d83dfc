package policy

import (
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/pitabwire/slatrack/model"
)

// Templates compiles and caches callback payload expressions. Every
// expression is compiled against the same environment shape so a program
// compiled once can be run for any record.
type Templates struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewTemplates creates an empty template cache.
func NewTemplates() *Templates {
	return &Templates{programs: make(map[string]*vm.Program)}
}

// ValidateTemplate reports whether src compiles against the payload
// environment. It is used when definitions are published.
func ValidateTemplate(src string) error {
	_, err := compile(src)
	return err
}

// Evaluate runs src against env.
func (t *Templates) Evaluate(src string, env map[string]any) (any, error) {
	program, err := t.program(src)
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}

// Render evaluates every payload expression and returns the resulting body
// fragment. Any failing expression fails the whole render.
func (t *Templates) Render(payload map[string]string, env map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(payload))
	for key, src := range payload {
		v, err := t.Evaluate(src, env)
		if err != nil {
			return nil, fmt.Errorf("payload %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

func (t *Templates) program(src string) (*vm.Program, error) {
	t.mu.RLock()
	if p, ok := t.programs[src]; ok {
		t.mu.RUnlock()
		return p, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.programs[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		return nil, err
	}
	t.programs[src] = p
	return p, nil
}

func compile(src string) (*vm.Program, error) {
	return expr.Compile(src, expr.Env(sampleEnv()))
}

// TemplateEnv builds the expression environment for one violation.
func TemplateEnv(rec model.Record, step model.Step, overdueHours float64, now time.Time) map[string]any {
	remaining, _ := rec.RemainingHours.Float64()
	return map[string]any{
		"record": map[string]any{
			"id":                 rec.ID,
			"definition_id":      rec.DefinitionID,
			"model":              rec.Model,
			"business_record_id": rec.BusinessRecordID,
			"activity_id":        rec.ActivityID,
			"owner_id":           rec.OwnerID,
			"state":              string(rec.State),
			"current_step_code":  rec.CurrentStepCode,
			"current_step_order": rec.CurrentStepOrder,
			"step_started_at":    rec.StepStartedAt,
			"remaining_hours":    remaining,
			"notify_count":       rec.NotifyCount,
			"created_at":         rec.CreatedAt,
		},
		"step": map[string]any{
			"id":        step.ID,
			"code":      step.Code,
			"name":      step.Name,
			"order":     step.Order,
			"sla_hours": step.SLAHours,
			"action":    string(step.Action.Kind),
		},
		"overdue_hours": overdueHours,
		"now":           now,
	}
}

func sampleEnv() map[string]any {
	return TemplateEnv(model.Record{}, model.Step{}, 0, time.Time{})
}
