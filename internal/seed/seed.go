// Package seed loads YAML fixtures of units, soldiers and zones into a store.
package seed

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"lockpoint/internal/domain"
)

type Fixture struct {
	Units    []domain.Unit    `yaml:"units"`
	Soldiers []domain.Soldier `yaml:"soldiers"`
	Zones    []domain.Zone    `yaml:"zones"`
}

type Writer interface {
	UpsertUnit(ctx context.Context, unit domain.Unit) error
	UpsertSoldier(ctx context.Context, soldier domain.Soldier) error
	UpsertZone(ctx context.Context, zone domain.Zone) (domain.Zone, error)
}

type Summary struct {
	Units    int `json:"units"`
	Soldiers int `json:"soldiers"`
	Zones    int `json:"zones"`
}

func LoadFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a fixture. Unknown fields are rejected.
func Parse(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids, references within the fixture, and zone shapes.
func (f *Fixture) Validate() error {
	var errs []error

	units := make(map[string]struct{}, len(f.Units))
	for i, u := range f.Units {
		if u.ID == "" {
			errs = append(errs, fmt.Errorf("units[%d]: id is required", i))
			continue
		}
		if _, dup := units[u.ID]; dup {
			errs = append(errs, fmt.Errorf("units[%d]: duplicate id %q", i, u.ID))
		}
		units[u.ID] = struct{}{}
	}
	for i, u := range f.Units {
		if u.ParentID == "" {
			continue
		}
		if u.ParentID == u.ID {
			errs = append(errs, fmt.Errorf("units[%d]: %q is its own parent", i, u.ID))
		} else if _, ok := units[u.ParentID]; !ok {
			errs = append(errs, fmt.Errorf("units[%d]: unknown parent %q", i, u.ParentID))
		}
	}

	soldiers := make(map[string]struct{}, len(f.Soldiers))
	for i, s := range f.Soldiers {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("soldiers[%d]: id is required", i))
			continue
		}
		if _, dup := soldiers[s.ID]; dup {
			errs = append(errs, fmt.Errorf("soldiers[%d]: duplicate id %q", i, s.ID))
		}
		soldiers[s.ID] = struct{}{}
		if _, ok := units[s.UnitID]; !ok {
			errs = append(errs, fmt.Errorf("soldiers[%d]: unknown unit %q", i, s.UnitID))
		}
		if s.Status != "" && !s.Status.Valid() {
			errs = append(errs, fmt.Errorf("soldiers[%d]: invalid status %q", i, s.Status))
		}
		switch s.Role {
		case "", domain.RoleSoldier, domain.RoleCommander, domain.RoleSeniorCommander:
		default:
			errs = append(errs, fmt.Errorf("soldiers[%d]: invalid role %q", i, s.Role))
		}
	}
	for i, u := range f.Units {
		if u.CommanderID == "" {
			continue
		}
		if _, ok := soldiers[u.CommanderID]; !ok {
			errs = append(errs, fmt.Errorf("units[%d]: unknown commander %q", i, u.CommanderID))
		}
	}

	zones := make(map[string]struct{}, len(f.Zones))
	for i, z := range f.Zones {
		if z.ID == "" {
			errs = append(errs, fmt.Errorf("zones[%d]: id is required", i))
		} else if _, dup := zones[z.ID]; dup {
			errs = append(errs, fmt.Errorf("zones[%d]: duplicate id %q", i, z.ID))
		}
		zones[z.ID] = struct{}{}
		if err := z.Shape.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("zones[%d]: %w", i, err))
		}
		if z.UnitID != "" {
			if _, ok := units[z.UnitID]; !ok {
				errs = append(errs, fmt.Errorf("zones[%d]: unknown unit %q", i, z.UnitID))
			}
		}
	}

	return errors.Join(errs...)
}

// Apply upserts units, then soldiers, then zones. Reapplying a fixture is a no-op.
func Apply(ctx context.Context, w Writer, f *Fixture) (Summary, error) {
	var sum Summary
	for _, u := range f.Units {
		if err := w.UpsertUnit(ctx, u); err != nil {
			return sum, fmt.Errorf("upsert unit %s: %w", u.ID, err)
		}
		sum.Units++
	}
	for _, s := range f.Soldiers {
		if err := w.UpsertSoldier(ctx, s); err != nil {
			return sum, fmt.Errorf("upsert soldier %s: %w", s.ID, err)
		}
		sum.Soldiers++
	}
	for _, z := range f.Zones {
		if _, err := w.UpsertZone(ctx, z); err != nil {
			return sum, fmt.Errorf("upsert zone %s: %w", z.ID, err)
		}
		sum.Zones++
	}
	return sum, nil
}
