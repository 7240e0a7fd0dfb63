// Package resolver computes the installation order for a module from the
// catalog's dependency graph. Resolution is a pure function of catalog state:
// no side effects, deterministic for the same catalog snapshot.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/dberror"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/moderror"
)

type Resolver struct {
	store db.CatalogStore
}

func New(store db.CatalogStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the modules to install for target, dependencies first,
// target last. The order is a stable depth-first post-order: ties are broken
// by declaration order in each module's dependency list. Optional
// dependencies that are absent from the catalog or fail their version range
// are skipped, together with anything reachable only through them. Deprecated
// dependencies resolve normally; installing a deprecated target is rejected
// upstream, not here. A draft dependency resolves only when the target itself
// is still draft.
func (r *Resolver) Resolve(ctx context.Context, target string) ([]*models.Module, apperrors.Error) {
	targetModule, err := r.store.GetModule(ctx, target)
	if err != nil {
		if errors.Is(err, dberror.ErrNotFound) {
			return nil, moderror.ErrModuleNotFound.Msg(target)
		}
		return nil, moderror.ErrInternal.Err(err)
	}

	s := &resolution{
		store:       r.store,
		draftTarget: targetModule.Status == models.ModuleStatusDraft,
		visited:     make(map[string]bool),
		inProgress:  make(map[string]bool),
	}
	if err := s.visit(ctx, targetModule, nil); err != nil {
		return nil, err
	}
	return s.order, nil
}

type resolution struct {
	store       db.CatalogStore
	draftTarget bool
	visited     map[string]bool
	inProgress  map[string]bool
	order       []*models.Module
}

// visit walks the graph depth-first. inProgress is the recursion stack:
// reaching a module that is still in progress means the walk has come back
// around to it, which is a cycle.
func (s *resolution) visit(ctx context.Context, module *models.Module, path []string) apperrors.Error {
	name := module.Name
	if s.inProgress[name] {
		return moderror.ErrCyclicDependency.Msg(cyclePath(path, name))
	}
	if s.visited[name] {
		return nil
	}
	s.inProgress[name] = true
	path = append(path, name)

	for _, dep := range module.Dependencies {
		depModule, err := s.store.GetModule(ctx, dep.Module)
		if err != nil {
			if errors.Is(err, dberror.ErrNotFound) {
				if !dep.Required {
					continue
				}
				return moderror.ErrMissingDependency.Msg(
					fmt.Sprintf("%s requires %s, which is not in the catalog", name, dep.Module))
			}
			return moderror.ErrInternal.Err(err)
		}

		ok, err := rangeSatisfied(dep, depModule)
		if err != nil {
			return err
		}
		if !ok {
			if !dep.Required {
				continue
			}
			return moderror.ErrVersionConflict.Msg(
				fmt.Sprintf("%s requires %s %s, catalog has %s", name, dep.Module, dep.VersionRange, depModule.Version))
		}

		if depModule.Status == models.ModuleStatusDraft && !s.draftTarget {
			if !dep.Required {
				continue
			}
			return moderror.ErrModuleNotPublished.Msg(
				fmt.Sprintf("%s requires %s, which is still draft", name, dep.Module))
		}

		if err := s.visit(ctx, depModule, path); err != nil {
			return err
		}
	}

	s.inProgress[name] = false
	s.visited[name] = true
	s.order = append(s.order, module)
	return nil
}

func rangeSatisfied(dep models.Dependency, depModule *models.Module) (bool, apperrors.Error) {
	constraint, err := semver.NewConstraint(dep.VersionRange)
	if err != nil {
		return false, moderror.ErrInvalidVersionRange.Msg(
			fmt.Sprintf("%s: %s", dep.Module, dep.VersionRange))
	}
	version, err := semver.NewVersion(depModule.Version)
	if err != nil {
		return false, moderror.ErrInvalidVersion.Msg(
			fmt.Sprintf("%s: %s", depModule.Name, depModule.Version))
	}
	return constraint.Check(version), nil
}

func cyclePath(path []string, name string) string {
	start := 0
	for i, p := range path {
		if p == name {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, path[start:]...), name)
	return strings.Join(cycle, " -> ")
}
