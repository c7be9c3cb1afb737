package reconcile

import (
	"context"
	"errors"
	"fmt"

	"lockpoint/internal/domain"
	"lockpoint/internal/store"
)

// DefaultMaxDepth bounds the upward unit walk
const DefaultMaxDepth = 6

var ErrHierarchyCycle = errors.New("unit hierarchy cycle")

type UnitReader interface {
	GetUnit(ctx context.Context, id string) (domain.Unit, error)
}

// CommanderResolver walks parent links from a unit collecting commander ids.
type CommanderResolver struct {
	units    UnitReader
	maxDepth int
}

func NewCommanderResolver(units UnitReader, maxDepth int) *CommanderResolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &CommanderResolver{units: units, maxDepth: maxDepth}
}

// Resolve returns commander ids bottom-up without duplicates. The walk ends at
// a root, a missing unit, or after maxDepth units. On a cycle it returns what
// was collected together with ErrHierarchyCycle.
func (r *CommanderResolver) Resolve(ctx context.Context, unitID string) ([]string, error) {
	var ids []string
	seenUnit := make(map[string]struct{})
	seenCommander := make(map[string]struct{})

	current := unitID
	for depth := 0; depth < r.maxDepth && current != ""; depth++ {
		if _, ok := seenUnit[current]; ok {
			return ids, fmt.Errorf("unit %s: %w", current, ErrHierarchyCycle)
		}
		seenUnit[current] = struct{}{}

		unit, err := r.units.GetUnit(ctx, current)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return ids, fmt.Errorf("resolve commanders for %s: %w", unitID, err)
		}

		if unit.CommanderID != "" {
			if _, dup := seenCommander[unit.CommanderID]; !dup {
				seenCommander[unit.CommanderID] = struct{}{}
				ids = append(ids, unit.CommanderID)
			}
		}
		current = unit.ParentID
	}

	return ids, nil
}
