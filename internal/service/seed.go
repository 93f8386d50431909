package service

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-hr-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// Seed is a YAML bundle of roles and flow definitions.
type Seed struct {
	Roles []*repository.Role           `yaml:"roles"`
	Flows []*repository.FlowDefinition `yaml:"flows"`
}

// LoadSeedFile reads and parses a seed file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed parses a seed document. Unknown keys are rejected.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "invalid seed document")
	}
	return &seed, nil
}

// ApplySeed creates or updates every role, then every flow. Roles are written
// without escalation targets first so targets may point at roles defined later
// in the file.
func ApplySeed(ctx context.Context, roles *RoleCatalog, flows *FlowDefinitionStore, seed *Seed, log *logger.Logger) error {
	for _, r := range seed.Roles {
		bare := *r
		bare.EscalationTarget = nil
		if err := upsertRole(ctx, roles, &bare); err != nil {
			return fmt.Errorf("seed role %s: %w", r.ID, err)
		}
	}
	for _, r := range seed.Roles {
		if r.EscalationTarget == nil {
			continue
		}
		if err := roles.Update(ctx, r); err != nil {
			return fmt.Errorf("seed role %s: %w", r.ID, err)
		}
	}

	for _, f := range seed.Flows {
		err := flows.Create(ctx, f)
		if errors.HasCode(err, errors.ErrCodeConflict) {
			err = flows.Update(ctx, f)
		}
		if err != nil {
			return fmt.Errorf("seed flow %s: %w", f.Category, err)
		}
	}

	log.Info().Int("roles", len(seed.Roles)).Int("flows", len(seed.Flows)).Msg("Seed applied")
	return nil
}

func upsertRole(ctx context.Context, roles *RoleCatalog, role *repository.Role) error {
	_, err := roles.Get(ctx, role.ID)
	switch {
	case err == nil:
		return roles.Update(ctx, role)
	case errors.HasCode(err, errors.ErrCodeNotFound):
		return roles.Create(ctx, role)
	default:
		return err
	}
}
