package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// RoleCatalog is the read-mostly registry of roles. Reads are served from an
// in-process cache that every write refreshes.
type RoleCatalog struct {
	repo  repository.RoleRepository
	flows repository.FlowRepository
	log   *logger.Logger

	mu     sync.RWMutex
	cache  map[string]*repository.Role
	loaded bool
}

// NewRoleCatalog creates a RoleCatalog. flows is consulted before a role is
// changed or removed so no stored flow is left referencing a broken role.
func NewRoleCatalog(repo repository.RoleRepository, flows repository.FlowRepository, log *logger.Logger) *RoleCatalog {
	return &RoleCatalog{
		repo:  repo,
		flows: flows,
		log:   log.Component("role_catalog"),
		cache: make(map[string]*repository.Role),
	}
}

// Get returns the role with the given id.
func (c *RoleCatalog) Get(ctx context.Context, id string) (*repository.Role, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	role, ok := c.cache[id]
	if !ok {
		return nil, errors.NotFound("role", id)
	}
	return copyRole(role), nil
}

// List returns every role ordered by rank.
func (c *RoleCatalog) List(ctx context.Context) ([]*repository.Role, error) {
	return c.repo.ListRoles(ctx)
}

// Rank returns the rank of role id.
func (c *RoleCatalog) Rank(ctx context.Context, id string) (int, error) {
	role, err := c.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return role.Rank, nil
}

// Create adds a role to the catalog.
func (c *RoleCatalog) Create(ctx context.Context, role *repository.Role) error {
	if err := c.validate(ctx, role); err != nil {
		return err
	}
	if err := c.repo.CreateRole(ctx, role); err != nil {
		return err
	}
	c.put(role)
	c.log.Info().Str("role", role.ID).Int("rank", role.Rank).Msg("Role created")
	return nil
}

// Update replaces a role. A rank change that would break the ordering of any
// stored flow is refused.
func (c *RoleCatalog) Update(ctx context.Context, role *repository.Role) error {
	if err := c.validate(ctx, role); err != nil {
		return err
	}
	if err := c.checkFlowRanks(ctx, role); err != nil {
		return err
	}
	if err := c.repo.UpdateRole(ctx, role); err != nil {
		return err
	}
	c.put(role)
	c.log.Info().Str("role", role.ID).Int("rank", role.Rank).Msg("Role updated")
	return nil
}

// Delete removes a role that no flow or other role references.
func (c *RoleCatalog) Delete(ctx context.Context, id string) error {
	if err := c.checkUnreferenced(ctx, id); err != nil {
		return err
	}
	if err := c.repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, id)
	c.mu.Unlock()
	c.log.Info().Str("role", id).Msg("Role deleted")
	return nil
}

// Invalidate drops the cache so the next read reloads from the repository.
func (c *RoleCatalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*repository.Role)
	c.loaded = false
}

func (c *RoleCatalog) ensureLoaded(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	roles, err := c.repo.ListRoles(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range roles {
		c.cache[r.ID] = r
	}
	c.loaded = true
	return nil
}

func (c *RoleCatalog) put(role *repository.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[role.ID] = copyRole(role)
}

func (c *RoleCatalog) validate(ctx context.Context, role *repository.Role) error {
	role.ID = strings.TrimSpace(role.ID)
	if role.ID == "" {
		return errors.InvalidInput("id", "role id is required")
	}
	if role.EscalationTarget == nil {
		return nil
	}
	target := strings.TrimSpace(*role.EscalationTarget)
	if target == "" {
		role.EscalationTarget = nil
		return nil
	}
	if target == role.ID {
		return errors.Configuration(fmt.Sprintf("role '%s' cannot escalate to itself", role.ID))
	}
	if _, err := c.Get(ctx, target); err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return errors.Configuration(fmt.Sprintf("escalation target '%s' of role '%s' does not exist", target, role.ID))
		}
		return err
	}
	role.EscalationTarget = &target
	return nil
}

// checkFlowRanks re-validates the rank ordering of every flow that uses role,
// as if role already had its new rank.
func (c *RoleCatalog) checkFlowRanks(ctx context.Context, role *repository.Role) error {
	flows, err := c.flows.ListFlows(ctx)
	if err != nil {
		return err
	}
	for _, flow := range flows {
		if !flowUsesRole(flow, role.ID) {
			continue
		}
		prev := 0
		for i, step := range flow.Steps {
			rank := role.Rank
			if step.Role != role.ID {
				if rank, err = c.Rank(ctx, step.Role); err != nil {
					return err
				}
			}
			if i > 0 && rank <= prev {
				return errors.Configuration(fmt.Sprintf(
					"rank %d for role '%s' breaks the ordering of flow '%s'", role.Rank, role.ID, flow.Category))
			}
			prev = rank
		}
	}
	return nil
}

func (c *RoleCatalog) checkUnreferenced(ctx context.Context, id string) error {
	flows, err := c.flows.ListFlows(ctx)
	if err != nil {
		return err
	}
	for _, flow := range flows {
		if flowUsesRole(flow, id) {
			return errors.Configuration(fmt.Sprintf("role '%s' is used by flow '%s'", id, flow.Category))
		}
		if flow.DefaultEscalationRole != nil && *flow.DefaultEscalationRole == id {
			return errors.Configuration(fmt.Sprintf("role '%s' is the default escalation role of flow '%s'", id, flow.Category))
		}
		for _, r := range flow.OutcomeNotifyRoles {
			if r == id {
				return errors.Configuration(fmt.Sprintf("role '%s' is notified by flow '%s'", id, flow.Category))
			}
		}
	}

	roles, err := c.repo.ListRoles(ctx)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if r.EscalationTarget != nil && *r.EscalationTarget == id {
			return errors.Configuration(fmt.Sprintf("role '%s' is the escalation target of '%s'", id, r.ID))
		}
	}
	return nil
}

func flowUsesRole(flow *repository.FlowDefinition, id string) bool {
	for _, s := range flow.Steps {
		if s.Role == id {
			return true
		}
	}
	return false
}

func copyRole(r *repository.Role) *repository.Role {
	c := *r
	if r.EscalationTarget != nil {
		t := *r.EscalationTarget
		c.EscalationTarget = &t
	}
	return &c
}
