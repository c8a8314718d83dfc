package definition

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/model"
)

// Service publishes and versions workflow definitions.
type Service struct {
	store     Store
	validator *Validator
	now       func() time.Time
}

// NewService creates a definition service over store.
func NewService(store Store) *Service {
	return &Service{
		store:     store,
		validator: NewValidator(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Publish validates def and stores it as a new definition. IDs are
// generated when absent and steps are normalised into order.
func (s *Service) Publish(ctx context.Context, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	if verrs := s.validator.Validate(def); len(verrs) > 0 {
		return model.WorkflowDefinition{}, model.NewValidationError(ToFieldErrors(verrs))
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.Version == 0 {
		def.Version = 1
	}
	def.CreatedAt = s.now()

	steps := make([]model.Step, len(def.Steps))
	copy(steps, def.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.New().String()
		}
		steps[i].DefinitionID = def.ID
	}
	def.Steps = steps

	if err := s.store.Create(ctx, def); err != nil {
		return model.WorkflowDefinition{}, err
	}
	return def, nil
}

// NewVersion publishes def as the next version of the definition prevID.
// Flow name and model are inherited when omitted; step IDs are always
// regenerated so records on the previous version are unaffected.
func (s *Service) NewVersion(ctx context.Context, prevID string, def model.WorkflowDefinition) (model.WorkflowDefinition, error) {
	prev, err := s.store.Get(ctx, prevID)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}

	if def.FlowName == "" {
		def.FlowName = prev.FlowName
	}
	if def.Model == "" {
		def.Model = prev.Model
	}
	if def.FlowName != prev.FlowName || def.Model != prev.Model {
		return model.WorkflowDefinition{}, model.NewBadRequestError(
			fmt.Sprintf("a new version must keep flow %q and model %q", prev.FlowName, prev.Model),
		)
	}

	latest, err := s.store.List(ctx, Filters{FlowName: prev.FlowName, Model: prev.Model, Limit: 1})
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	def.Version = prev.Version + 1
	if len(latest) > 0 && latest[0].Version >= def.Version {
		def.Version = latest[0].Version + 1
	}

	def.ID = ""
	def.PreviousVersionID = prev.ID
	steps := make([]model.Step, len(def.Steps))
	copy(steps, def.Steps)
	for i := range steps {
		steps[i].ID = ""
	}
	def.Steps = steps
	return s.Publish(ctx, def)
}

// Get returns a definition by ID.
func (s *Service) Get(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	return s.store.Get(ctx, id)
}

// List returns definitions matching filters.
func (s *Service) List(ctx context.Context, filters Filters) ([]model.WorkflowDefinition, error) {
	return s.store.List(ctx, filters)
}

// Seed publishes seed definitions that are not stored yet. A seed is
// considered present when its ID exists, or when a definition with the same
// flow name, model and version exists.
func (s *Service) Seed(ctx context.Context, seeds []Seed, logger *zap.Logger) (int, error) {
	published := 0
	for _, seed := range seeds {
		def := seed.Definition

		if def.ID != "" {
			if _, err := s.store.Get(ctx, def.ID); err == nil {
				continue
			} else if !model.IsCode(err, model.ErrNotFound) {
				return published, err
			}
		}

		existing, err := s.store.List(ctx, Filters{FlowName: def.FlowName, Model: def.Model, Version: def.Version})
		if err != nil {
			return published, err
		}
		if len(existing) > 0 {
			continue
		}

		stored, err := s.Publish(ctx, def)
		if err != nil {
			return published, fmt.Errorf("seed %s: %w", seed.SourceFile, err)
		}
		logger.Info("seed definition published",
			zap.String("definition_id", stored.ID),
			zap.String("flow_name", stored.FlowName),
			zap.Int("version", stored.Version),
			zap.String("source", seed.SourceFile),
			zap.String("checksum", seed.Checksum),
		)
		published++
	}
	return published, nil
}
