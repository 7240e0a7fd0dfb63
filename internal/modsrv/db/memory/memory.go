// Package memory is an in-process implementation of the db store interfaces.
// It backs the test suites and lets light embedders run without Postgres.
// A single mutex gives RecordStepResult and TransitionStatus the same
// atomicity the postgresql adapter gets from transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modforge/modforge-internal/internal/common/apperrors"
	"github.com/modforge/modforge-internal/internal/common/uuidv7utils"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/dberror"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

type tenantModuleKey struct {
	tenantID modcommon.TenantId
	module   string
}

type store struct {
	mu            sync.Mutex
	modules       map[string]*models.Module
	tenantModules map[tenantModuleKey]*models.TenantModule
	jobs          map[uuid.UUID]*models.Job
}

var _ db.Store = (*store)(nil)

func New() db.Store {
	return &store{
		modules:       make(map[string]*models.Module),
		tenantModules: make(map[tenantModuleKey]*models.TenantModule),
		jobs:          make(map[uuid.UUID]*models.Job),
	}
}

func (s *store) Close(ctx context.Context) error {
	return nil
}

func copyModule(m *models.Module) *models.Module {
	c := *m
	c.Dependencies = append([]models.Dependency(nil), m.Dependencies...)
	c.ConfigSchema = append([]byte(nil), m.ConfigSchema...)
	c.ConfigDefaults = append([]byte(nil), m.ConfigDefaults...)
	return &c
}

func copyTenantModule(tm *models.TenantModule) *models.TenantModule {
	c := *tm
	if tm.CurrentJobID != nil {
		id := *tm.CurrentJobID
		c.CurrentJobID = &id
	}
	c.Configuration = append([]byte(nil), tm.Configuration...)
	return &c
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	c.Steps = append([]models.Step(nil), j.Steps...)
	c.Configuration = append([]byte(nil), j.Configuration...)
	if j.RetryOf != nil {
		id := *j.RetryOf
		c.RetryOf = &id
	}
	return &c
}

func (s *store) CreateModule(ctx context.Context, module *models.Module) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.modules[module.Name]; ok {
		return dberror.ErrAlreadyExists.Msg("module already exists")
	}
	if module.CreatedAt.IsZero() {
		module.CreatedAt = time.Now().UTC()
	}
	s.modules[module.Name] = copyModule(module)
	return nil
}

func (s *store) GetModule(ctx context.Context, name string) (*models.Module, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[name]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("module not found")
	}
	return copyModule(m), nil
}

func (s *store) ListModules(ctx context.Context) ([]*models.Module, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Module, 0, len(s.modules))
	for _, m := range s.modules {
		out = append(out, copyModule(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *store) UpdateModuleStatus(ctx context.Context, name string, from, to models.ModuleStatus, reason string) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[name]
	if !ok {
		return dberror.ErrNotFound.Msg("module not found")
	}
	if m.Status != from {
		return dberror.ErrStateMismatch.Msg("module is " + string(m.Status))
	}
	now := time.Now().UTC()
	m.Status = to
	switch to {
	case models.ModuleStatusPublished:
		m.PublishedAt = &now
	case models.ModuleStatusDeprecated:
		m.DeprecatedAt = &now
		m.DeprecationReason = reason
	}
	return nil
}

func (s *store) GetTenantModule(ctx context.Context, tenantID modcommon.TenantId, moduleName string) (*models.TenantModule, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tm, ok := s.tenantModules[tenantModuleKey{tenantID, moduleName}]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("tenant module not found")
	}
	return copyTenantModule(tm), nil
}

func (s *store) ListTenantModules(ctx context.Context, tenantID modcommon.TenantId) ([]*models.TenantModule, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.TenantModule, 0)
	for k, tm := range s.tenantModules {
		if k.tenantID == tenantID {
			out = append(out, copyTenantModule(tm))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModuleName < out[j].ModuleName })
	return out, nil
}

func (s *store) TransitionStatus(ctx context.Context, tenantID modcommon.TenantId, moduleName string, from []models.TenantModuleStatus, to models.TenantModuleStatus, jobID *uuid.UUID) (*models.TenantModule, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantModuleKey{tenantID, moduleName}
	tm, ok := s.tenantModules[key]
	current := models.TenantModuleStatusNotInstalled
	if ok {
		current = tm.Status
	}

	allowed := false
	for _, f := range from {
		if f == current {
			allowed = true
			break
		}
	}
	if !allowed {
		if !ok {
			return nil, dberror.ErrStateMismatch.Msg("tenant module is not_installed")
		}
		return copyTenantModule(tm), dberror.ErrStateMismatch.Msg("tenant module is " + string(current))
	}

	if !ok {
		tm = &models.TenantModule{
			TenantID:   tenantID,
			ModuleName: moduleName,
			Status:     models.TenantModuleStatusNotInstalled,
		}
		s.tenantModules[key] = tm
	}
	tm.Status = to
	tm.CurrentJobID = jobID
	tm.UpdatedAt = time.Now().UTC()
	return copyTenantModule(tm), nil
}

func (s *store) CreateJob(ctx context.Context, job *models.Job) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return dberror.ErrAlreadyExists.Msg("job already exists")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *store) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, dberror.ErrNotFound.Msg("job not found")
	}
	return copyJob(j), nil
}

func (s *store) ListJobsByTenant(ctx context.Context, tenantID modcommon.TenantId) ([]*models.Job, apperrors.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Job, 0)
	for _, j := range s.jobs {
		if j.TenantID == tenantID {
			out = append(out, copyJob(j))
		}
	}
	// UUIDv7 job IDs sort by creation time; newest first.
	sort.Slice(out, func(i, j int) bool {
		return uuidv7utils.IsBefore(out[j].ID, out[i].ID)
	})
	return out, nil
}

func (s *store) MarkJobRunning(ctx context.Context, jobID uuid.UUID, at time.Time) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return dberror.ErrNotFound.Msg("job not found")
	}
	if j.Status != models.JobStatusPending {
		return dberror.ErrStateMismatch.Msg("job is " + string(j.Status))
	}
	j.Status = models.JobStatusRunning
	j.StartedAt = &at
	return nil
}

func (s *store) MarkStepRunning(ctx context.Context, jobID uuid.UUID, order int, at time.Time) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return dberror.ErrNotFound.Msg("job not found")
	}
	for i := range j.Steps {
		if j.Steps[i].Order == order {
			if j.Steps[i].Status != models.StepStatusPending {
				return dberror.ErrStateMismatch.Msg("step is " + string(j.Steps[i].Status))
			}
			j.Steps[i].Status = models.StepStatusRunning
			j.Steps[i].StartedAt = &at
			return nil
		}
	}
	return dberror.ErrNotFound.Msg("step not found")
}

func (s *store) RecordStepResult(ctx context.Context, jobID uuid.UUID, result db.StepResult) apperrors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return dberror.ErrNotFound.Msg("job not found")
	}
	if j.Terminal() {
		return dberror.ErrStateMismatch.Msg("job is " + string(j.Status))
	}

	if result.Order > 0 {
		found := false
		for i := range j.Steps {
			if j.Steps[i].Order == result.Order {
				at := result.CompletedAt
				j.Steps[i].Status = result.Status
				j.Steps[i].Error = result.Error
				j.Steps[i].CompletedAt = &at
				found = true
				break
			}
		}
		if !found {
			return dberror.ErrNotFound.Msg("step not found")
		}
	}

	if result.JobStatus != nil {
		at := result.CompletedAt
		j.Status = *result.JobStatus
		j.Error = result.JobError
		j.CompletedAt = &at
	}

	for _, tr := range result.Transitions {
		s.applyTransition(jobID, tr)
	}
	return nil
}

// applyTransition upserts a tenant-module record as part of a step result.
// A record currently attached to a different in-flight job is left alone.
func (s *store) applyTransition(jobID uuid.UUID, tr db.TenantTransition) {
	key := tenantModuleKey{tr.TenantID, tr.ModuleName}
	tm, ok := s.tenantModules[key]
	if !ok {
		tm = &models.TenantModule{
			TenantID:   tr.TenantID,
			ModuleName: tr.ModuleName,
		}
		s.tenantModules[key] = tm
	}
	if tm.CurrentJobID != nil && *tm.CurrentJobID != jobID &&
		(tm.Status == models.TenantModuleStatusInstalling || tm.Status == models.TenantModuleStatusUninstalling) {
		return
	}

	now := time.Now().UTC()
	tm.Status = tr.To
	tm.UpdatedAt = now
	if tr.SetInstalledAt {
		tm.InstalledAt = &now
	}
	if tr.SetConfiguration != nil {
		tm.Configuration = append([]byte(nil), tr.SetConfiguration...)
	}
	if tr.ClearConfig {
		tm.Configuration = nil
	}
	if tr.ClearJobID {
		tm.CurrentJobID = nil
	}
}
