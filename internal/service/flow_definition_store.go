package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// FlowDefinitionStore validates and stores the approval chain of each request
// category, and materializes chains for new requests.
type FlowDefinitionStore struct {
	repo       repository.FlowRepository
	roles      *RoleCatalog
	conditions *ConditionEvaluator
	log        *logger.Logger
}

// NewFlowDefinitionStore creates a FlowDefinitionStore.
func NewFlowDefinitionStore(
	repo repository.FlowRepository,
	roles *RoleCatalog,
	conditions *ConditionEvaluator,
	log *logger.Logger,
) *FlowDefinitionStore {
	return &FlowDefinitionStore{
		repo:       repo,
		roles:      roles,
		conditions: conditions,
		log:        log.Component("flow_store"),
	}
}

// Get returns the flow for category.
func (s *FlowDefinitionStore) Get(ctx context.Context, category string) (*repository.FlowDefinition, error) {
	return s.repo.GetFlow(ctx, category)
}

// List returns every stored flow.
func (s *FlowDefinitionStore) List(ctx context.Context) ([]*repository.FlowDefinition, error) {
	return s.repo.ListFlows(ctx)
}

// Create validates and stores a new flow.
func (s *FlowDefinitionStore) Create(ctx context.Context, flow *repository.FlowDefinition) error {
	if err := s.Validate(ctx, flow); err != nil {
		return err
	}
	if err := s.repo.CreateFlow(ctx, flow); err != nil {
		return err
	}
	s.log.Info().Str("category", flow.Category).Int("steps", len(flow.Steps)).Msg("Flow definition created")
	return nil
}

// Update validates and replaces a flow. Requests already created keep the
// chain they were created with.
func (s *FlowDefinitionStore) Update(ctx context.Context, flow *repository.FlowDefinition) error {
	if err := s.Validate(ctx, flow); err != nil {
		return err
	}
	if err := s.repo.UpdateFlow(ctx, flow); err != nil {
		return err
	}
	s.log.Info().Str("category", flow.Category).Int("version", flow.Version).Msg("Flow definition updated")
	return nil
}

// Delete removes the flow for category.
func (s *FlowDefinitionStore) Delete(ctx context.Context, category string) error {
	if err := s.repo.DeleteFlow(ctx, category); err != nil {
		return err
	}
	s.log.Info().Str("category", category).Msg("Flow definition deleted")
	return nil
}

// Validate normalizes flow in place (steps sorted by order) and checks it.
func (s *FlowDefinitionStore) Validate(ctx context.Context, flow *repository.FlowDefinition) error {
	flow.Category = strings.TrimSpace(flow.Category)
	if flow.Category == "" {
		return errors.InvalidInput("category", "category is required")
	}
	if flow.RequiresApproval && len(flow.Steps) == 0 {
		return errors.Configuration(fmt.Sprintf("flow '%s' requires approval but has no steps", flow.Category))
	}
	if flow.EscalationTimeoutHours < 0 {
		return errors.Configuration("escalation_timeout_hours cannot be negative")
	}

	sort.SliceStable(flow.Steps, func(i, j int) bool { return flow.Steps[i].Order < flow.Steps[j].Order })

	prevRank := 0
	for i, step := range flow.Steps {
		if step.Order != i+1 {
			return errors.Configuration(fmt.Sprintf(
				"flow '%s': step orders must be contiguous from 1, found %d at position %d", flow.Category, step.Order, i+1))
		}
		if step.TimeoutHours < 0 {
			return errors.Configuration(fmt.Sprintf("flow '%s': step %d has a negative timeout", flow.Category, step.Order))
		}
		rank, err := s.roleRank(ctx, flow.Category, step.Role)
		if err != nil {
			return err
		}
		if i > 0 && rank <= prevRank {
			return errors.Configuration(fmt.Sprintf(
				"flow '%s': step %d role '%s' (rank %d) must outrank the previous step (rank %d)",
				flow.Category, step.Order, step.Role, rank, prevRank))
		}
		prevRank = rank
		if step.Condition != "" {
			if err := s.conditions.Compile(step.Condition); err != nil {
				return errors.Configuration(fmt.Sprintf("flow '%s': step %d condition: %v", flow.Category, step.Order, err))
			}
		}
	}

	if flow.DefaultEscalationRole != nil {
		if *flow.DefaultEscalationRole == "" {
			flow.DefaultEscalationRole = nil
		} else if _, err := s.roleRank(ctx, flow.Category, *flow.DefaultEscalationRole); err != nil {
			return err
		}
	}
	for _, r := range flow.OutcomeNotifyRoles {
		if _, err := s.roleRank(ctx, flow.Category, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *FlowDefinitionStore) roleRank(ctx context.Context, category, role string) (int, error) {
	rank, err := s.roles.Rank(ctx, role)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return 0, errors.Configuration(fmt.Sprintf("flow '%s' references unknown role '%s'", category, role))
	}
	return rank, err
}

// Requester identifies who submits a request.
type Requester struct {
	ID   string
	Role string
}

// Materialize builds the step instances a new request by requester would get:
// leading steps the requester already outranks or equals are dropped, then
// steps whose condition is false for the payload.
func (s *FlowDefinitionStore) Materialize(
	ctx context.Context,
	flow *repository.FlowDefinition,
	requester Requester,
	payload map[string]any,
) ([]repository.StepInstance, error) {
	if !flow.RequiresApproval {
		return []repository.StepInstance{}, nil
	}

	requesterRank, err := s.roles.Rank(ctx, requester.Role)
	if err != nil {
		return nil, err
	}

	env := ConditionEnv{
		Payload:       payload,
		RequesterID:   requester.ID,
		RequesterRole: requester.Role,
		RequesterRank: requesterRank,
		Category:      flow.Category,
	}

	steps := make([]repository.StepInstance, 0, len(flow.Steps))
	skipping := true
	for _, tmpl := range flow.Steps {
		rank, err := s.roleRank(ctx, flow.Category, tmpl.Role)
		if err != nil {
			return nil, err
		}
		if skipping && rank <= requesterRank {
			continue
		}
		skipping = false

		ok, err := s.conditions.Evaluate(tmpl.Condition, env)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidInput,
				fmt.Sprintf("condition of step %d could not be evaluated against the payload", tmpl.Order))
		}
		if !ok {
			continue
		}

		steps = append(steps, repository.StepInstance{
			Order:        tmpl.Order,
			Role:         tmpl.Role,
			OriginalRole: tmpl.Role,
			Mandatory:    tmpl.Mandatory,
			TimeoutHours: tmpl.TimeoutHours,
		})
	}
	return steps, nil
}
