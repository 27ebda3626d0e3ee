package agent

import (
	"context"

	apperrors "github.com/novahq/nova/internal/common/errors"
)

// Repository is the storage contract for agent configurations.
type Repository interface {
	// CreateConfig persists a new agent after validating that its sub-agent
	// references form no cycle.
	CreateConfig(ctx context.Context, config *Config) error
	GetConfig(ctx context.Context, userID, id string) (*Config, error)
	ListConfigs(ctx context.Context, userID string) ([]*Config, error)
	UpdateConfig(ctx context.Context, config *Config) error
	DeleteConfig(ctx context.Context, userID, id string) error
	Close() error
}

// CheckCycles rejects a candidate config whose sub-agent graph would contain a
// cycle. lookup resolves already-persisted configs; the candidate itself is
// overlaid so self-references and back-edges through it are caught before the
// row exists.
func CheckCycles(ctx context.Context, candidate *Config, lookup func(ctx context.Context, id string) (*Config, error)) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return apperrors.ValidationError("sub_agents", "references form a cycle involving "+id)
		case done:
			return nil
		}
		state[id] = visiting

		var subIDs []string
		if id == candidate.ID {
			subIDs = candidate.SubAgentIDs
		} else {
			config, err := lookup(ctx, id)
			if err != nil {
				if apperrors.IsNotFound(err) {
					return apperrors.ValidationError("sub_agents", "sub-agent not found: "+id)
				}
				return err
			}
			subIDs = config.SubAgentIDs
		}
		for _, subID := range subIDs {
			if subID == candidate.ID {
				return apperrors.ValidationError("sub_agents", "references form a cycle involving "+candidate.ID)
			}
			if err := visit(subID); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	return visit(candidate.ID)
}
