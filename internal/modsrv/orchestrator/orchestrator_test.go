package orchestrator

import (
	"context"
	gojson "encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modforge/modforge-internal/internal/modsrv/catalog"
	"github.com/modforge/modforge-internal/internal/modsrv/config"
	"github.com/modforge/modforge-internal/internal/modsrv/db"
	"github.com/modforge/modforge-internal/internal/modsrv/db/memory"
	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/eventbus"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
	"github.com/modforge/modforge-internal/internal/modsrv/moderror"
	"github.com/modforge/modforge-internal/internal/modsrv/resolver"
	"github.com/modforge/modforge-internal/internal/modsrv/steps"
)

const tenant = modcommon.TenantId("TACME1")

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

// fakeExecutor records calls and can be told to block or fail.
type fakeExecutor struct {
	mu           sync.Mutex
	name         string
	log          *callLog
	installErr   error
	uninstallErr error
	gate         chan struct{}
	lastConfig   gojson.RawMessage
	lastKeepData bool
	installs     int
	uninstalls   int
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, name)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (f *fakeExecutor) Install(ctx context.Context, tenantID modcommon.TenantId, configuration gojson.RawMessage) error {
	f.mu.Lock()
	f.installs++
	f.lastConfig = append(gojson.RawMessage(nil), configuration...)
	gate := f.gate
	err := f.installErr
	f.mu.Unlock()

	if f.log != nil {
		f.log.add(f.name)
	}
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeExecutor) Uninstall(ctx context.Context, tenantID modcommon.TenantId, keepData bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls++
	f.lastKeepData = keepData
	return f.uninstallErr
}

func (f *fakeExecutor) setInstallErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installErr = err
}

func (f *fakeExecutor) setUninstallErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstallErr = err
}

func (f *fakeExecutor) installCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs
}

func (f *fakeExecutor) config() gojson.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastConfig
}

func (f *fakeExecutor) keepData() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastKeepData
}

// denyList denies installs for the named modules, or fails every check when
// checkErr is set.
type denyList struct {
	denied   map[string]bool
	checkErr error
}

func (d denyList) CanInstall(ctx context.Context, tenantID modcommon.TenantId, moduleName string) (bool, error) {
	if d.checkErr != nil {
		return false, d.checkErr
	}
	return !d.denied[moduleName], nil
}

type env struct {
	store    db.Store
	catalog  *catalog.Manager
	registry *steps.Registry
	bus      *eventbus.Bus
	orch     *Orchestrator
	log      *callLog
}

func newEnv(t *testing.T, validator SubscriptionValidator) *env {
	t.Helper()
	store := memory.New()
	cm := catalog.NewManager(store)
	registry := steps.NewRegistry()
	bus := eventbus.New()
	orch := New(store, cm, resolver.New(store), validator, registry, bus, &config.ConfigParam{
		WorkerCount:      2,
		JobQueueSize:     8,
		PublishTimeoutMs: 100,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &env{store: store, catalog: cm, registry: registry, bus: bus, orch: orch, log: &callLog{}}
}

func dep(module, versionRange string, required bool) map[string]any {
	return map[string]any{"module": module, "versionRange": versionRange, "required": required}
}

// addModule registers and publishes a module definition built from the given
// spec fields.
func (e *env) addModule(t *testing.T, name string, spec map[string]any) {
	t.Helper()
	if _, ok := spec["version"]; !ok {
		spec["version"] = "1.0.0"
	}
	doc, err := gojson.Marshal(map[string]any{
		"version":  "v1",
		"kind":     "Module",
		"metadata": map[string]any{"name": name},
		"spec":     spec,
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, aerr := e.catalog.RegisterJSON(ctx, doc)
	require.Nil(t, aerr)
	require.Nil(t, e.catalog.Publish(ctx, name))
}

// exec registers a recording executor for the module.
func (e *env) exec(name string) *fakeExecutor {
	f := &fakeExecutor{name: name, log: e.log}
	e.registry.Register(name, f)
	return f
}

func (e *env) waitJob(t *testing.T, jobID uuid.UUID, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := e.orch.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, waitFor, tick, "job never reached %s", want)
	return job
}

func (e *env) tenantModule(t *testing.T, moduleName string) *models.TenantModule {
	t.Helper()
	tm, err := e.store.GetTenantModule(context.Background(), tenant, moduleName)
	require.Nil(t, err)
	return tm
}

// seedMembershipChain registers the three-module fixture used across tests:
// portal -> {membership, billing}, each with its own executor.
func seedMembershipChain(t *testing.T, e *env) (membership, billing, portal *fakeExecutor) {
	e.addModule(t, "membership", map[string]any{
		"configDefaults": gojson.RawMessage(`{"maxMembers": 100}`),
	})
	e.addModule(t, "billing", map[string]any{})
	e.addModule(t, "portal", map[string]any{
		"dependencies": []any{dep("membership", ">=1.0.0", true), dep("billing", ">=1.0.0", true)},
	})
	return e.exec("membership"), e.exec("billing"), e.exec("portal")
}

func TestInstallHappyPath(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{
		"configDefaults": gojson.RawMessage(`{"maxMembers": 100, "welcomeEmail": true}`),
		"configSchema": gojson.RawMessage(`{
			"type": "object",
			"properties": {
				"maxMembers": {"type": "integer"},
				"welcomeEmail": {"type": "boolean"}
			},
			"additionalProperties": false
		}`),
	})
	e.addModule(t, "digital-card", map[string]any{
		"dependencies": []any{dep("membership", ">=1.0.0", true)},
	})
	membership := e.exec("membership")
	card := e.exec("digital-card")

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "digital-card", nil)
	require.Nil(t, err)
	require.NotEqual(t, uuid.Nil, jobID)

	job := e.waitJob(t, jobID, models.JobStatusCompleted)
	require.Len(t, job.Steps, 2)
	assert.Equal(t, "membership", job.Steps[0].Name)
	assert.Equal(t, "digital-card", job.Steps[1].Name)
	for _, step := range job.Steps {
		assert.Equal(t, models.StepStatusCompleted, step.Status)
		assert.NotNil(t, step.StartedAt)
		assert.NotNil(t, step.CompletedAt)
	}
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)

	assert.Equal(t, []string{"membership", "digital-card"}, e.log.snapshot())
	assert.Equal(t, 1, membership.installCount())
	assert.Equal(t, 1, card.installCount())

	tmCard := e.tenantModule(t, "digital-card")
	assert.Equal(t, models.TenantModuleStatusActive, tmCard.Status)
	assert.NotNil(t, tmCard.InstalledAt)
	assert.Nil(t, tmCard.CurrentJobID)

	tmMembership := e.tenantModule(t, "membership")
	assert.Equal(t, models.TenantModuleStatusActive, tmMembership.Status)
	assert.NotNil(t, tmMembership.InstalledAt)
}

func TestInstallStoresEffectiveConfiguration(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{
		"configDefaults": gojson.RawMessage(`{"maxMembers": 100, "welcomeEmail": true}`),
	})
	membership := e.exec("membership")

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "membership", gojson.RawMessage(`{"maxMembers": 500}`))
	require.Nil(t, err)
	e.waitJob(t, jobID, models.JobStatusCompleted)

	// defaults overlaid with the caller's values, stored and handed to the step
	tm := e.tenantModule(t, "membership")
	assert.JSONEq(t, `{"maxMembers": 500, "welcomeEmail": true}`, string(tm.Configuration))
	assert.JSONEq(t, `{"maxMembers": 500, "welcomeEmail": true}`, string(membership.config()))
}

func TestInstallSkipsActiveDependencies(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	membership, _, _ := seedMembershipChain(t, e)
	e.addModule(t, "alerts", map[string]any{
		"dependencies": []any{dep("membership", ">=1.0.0", true)},
	})
	e.exec("alerts")

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err)
	e.waitJob(t, jobID, models.JobStatusCompleted)

	jobID, err = e.orch.Install(ctx, tenant, "alerts", nil)
	require.Nil(t, err)
	job := e.waitJob(t, jobID, models.JobStatusCompleted)

	require.Len(t, job.Steps, 1)
	assert.Equal(t, "alerts", job.Steps[0].Name)
	assert.Equal(t, 1, membership.installCount())
}

func TestInstallIdempotentWhileInFlight(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{})
	membership := e.exec("membership")
	gate := make(chan struct{})
	membership.gate = gate

	e.orch.Start(ctx)
	first, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err)

	require.Eventually(t, func() bool { return membership.installCount() == 1 }, waitFor, tick)

	second, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err)
	assert.Equal(t, first, second)

	close(gate)
	e.waitJob(t, first, models.JobStatusCompleted)

	_, err = e.orch.Install(ctx, tenant, "membership", nil)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, moderror.ErrAlreadyInstalled)
}

func TestInstallRejections(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{
		"configSchema": gojson.RawMessage(`{"type": "object", "properties": {"n": {"type": "integer"}}, "additionalProperties": false}`),
	})
	e.addModule(t, "legacy", map[string]any{})
	require.Nil(t, e.catalog.Deprecate(ctx, "legacy", "superseded"))
	_, aerr := e.catalog.RegisterJSON(ctx, []byte(`{"version": "v1", "kind": "Module", "metadata": {"name": "preview"}, "spec": {"version": "0.1.0"}}`))
	require.Nil(t, aerr)
	e.orch.Start(ctx)

	tests := []struct {
		name    string
		tenant  modcommon.TenantId
		module  string
		cfg     gojson.RawMessage
		wantErr error
	}{
		{"empty tenant", "", "membership", nil, moderror.ErrInvalidRequest},
		{"empty module", tenant, "", nil, moderror.ErrInvalidRequest},
		{"unknown module", tenant, "ghost", nil, moderror.ErrModuleNotFound},
		{"deprecated module", tenant, "legacy", nil, moderror.ErrModuleDeprecated},
		{"draft module", tenant, "preview", nil, moderror.ErrModuleNotPublished},
		{"invalid configuration", tenant, "membership", gojson.RawMessage(`{"n": "NaN"}`), moderror.ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobID, err := e.orch.Install(ctx, tt.tenant, tt.module, tt.cfg)
			require.NotNil(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, uuid.Nil, jobID)
		})
	}

	// nothing was submitted
	jobs, err := e.orch.ListJobs(ctx, tenant)
	require.Nil(t, err)
	assert.Empty(t, jobs)
	_, tmErr := e.store.GetTenantModule(ctx, tenant, "membership")
	assert.NotNil(t, tmErr)
}

func TestSubscriptionEnforcement(t *testing.T) {
	ctx := context.Background()

	t.Run("target denied", func(t *testing.T) {
		e := newEnv(t, denyList{denied: map[string]bool{"premium": true}})
		e.addModule(t, "premium", map[string]any{"requiresSubscription": true})
		e.exec("premium")
		e.orch.Start(ctx)

		_, err := e.orch.Install(ctx, tenant, "premium", nil)
		require.NotNil(t, err)
		assert.ErrorIs(t, err, moderror.ErrSubscriptionRequired)
		_, tmErr := e.store.GetTenantModule(ctx, tenant, "premium")
		assert.NotNil(t, tmErr)
	})

	t.Run("gated dependency denied", func(t *testing.T) {
		e := newEnv(t, denyList{denied: map[string]bool{"billing": true}})
		e.addModule(t, "billing", map[string]any{"requiresSubscription": true})
		e.addModule(t, "portal", map[string]any{
			"dependencies": []any{dep("billing", ">=1.0.0", true)},
		})
		e.exec("billing")
		e.exec("portal")
		e.orch.Start(ctx)

		_, err := e.orch.Install(ctx, tenant, "portal", nil)
		require.NotNil(t, err)
		assert.ErrorIs(t, err, moderror.ErrSubscriptionRequired)
		assert.Contains(t, err.Error(), "billing")
	})

	t.Run("ungated dependency not checked", func(t *testing.T) {
		e := newEnv(t, denyList{denied: map[string]bool{"billing": true}})
		e.addModule(t, "billing", map[string]any{})
		e.addModule(t, "portal", map[string]any{
			"dependencies": []any{dep("billing", ">=1.0.0", true)},
		})
		e.exec("billing")
		e.exec("portal")
		e.orch.Start(ctx)

		jobID, err := e.orch.Install(ctx, tenant, "portal", nil)
		require.Nil(t, err)
		e.waitJob(t, jobID, models.JobStatusCompleted)
	})

	t.Run("check failure is not a denial", func(t *testing.T) {
		e := newEnv(t, denyList{checkErr: errors.New("entitlement service unavailable")})
		e.addModule(t, "membership", map[string]any{})
		e.exec("membership")
		e.orch.Start(ctx)

		_, err := e.orch.Install(ctx, tenant, "membership", nil)
		require.NotNil(t, err)
		assert.ErrorIs(t, err, moderror.ErrSubscriptionCheckFailed)
		assert.NotErrorIs(t, err, moderror.ErrSubscriptionRequired)
	})
}

func TestInstallStepFailure(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, billing, portal := seedMembershipChain(t, e)
	billing.setInstallErr(errors.New("provisioning quota exceeded"))

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "portal", nil)
	require.Nil(t, err)

	job := e.waitJob(t, jobID, models.JobStatusFailed)
	require.Len(t, job.Steps, 3)
	assert.Equal(t, models.StepStatusCompleted, job.Steps[0].Status)
	assert.Equal(t, models.StepStatusFailed, job.Steps[1].Status)
	assert.Contains(t, job.Steps[1].Error, "provisioning quota exceeded")
	assert.Equal(t, models.StepStatusPending, job.Steps[2].Status)
	assert.Contains(t, job.Error, "billing")

	// the completed dependency step stays installed
	assert.Equal(t, models.TenantModuleStatusActive, e.tenantModule(t, "membership").Status)
	// the target carries the failure and is open for retry
	tmPortal := e.tenantModule(t, "portal")
	assert.Equal(t, models.TenantModuleStatusFailed, tmPortal.Status)
	assert.Nil(t, tmPortal.CurrentJobID)
	// the module whose step failed never got a record
	_, tmErr := e.store.GetTenantModule(ctx, tenant, "billing")
	assert.NotNil(t, tmErr)
	// portal's executor never ran
	assert.Equal(t, 0, portal.installCount())
}

func TestInstallMissingExecutorFailsJob(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.addModule(t, "membership", map[string]any{})

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err)

	job := e.waitJob(t, jobID, models.JobStatusFailed)
	assert.Contains(t, job.Error, "membership")
	assert.Equal(t, models.TenantModuleStatusFailed, e.tenantModule(t, "membership").Status)
}

func TestRetryInstall(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, billing, _ := seedMembershipChain(t, e)
	billing.setInstallErr(errors.New("provisioning quota exceeded"))

	e.orch.Start(ctx)
	originalID, err := e.orch.Install(ctx, tenant, "portal", nil)
	require.Nil(t, err)
	original := e.waitJob(t, originalID, models.JobStatusFailed)

	billing.setInstallErr(nil)
	retryID, err := e.orch.Retry(ctx, originalID)
	require.Nil(t, err)
	require.NotEqual(t, originalID, retryID)

	retried := e.waitJob(t, retryID, models.JobStatusCompleted)
	require.NotNil(t, retried.RetryOf)
	assert.Equal(t, originalID, *retried.RetryOf)

	// membership was already active, so the retry only re-runs what failed
	require.Len(t, retried.Steps, 2)
	assert.Equal(t, "billing", retried.Steps[0].Name)
	assert.Equal(t, "portal", retried.Steps[1].Name)

	assert.Equal(t, models.TenantModuleStatusActive, e.tenantModule(t, "portal").Status)

	// the original job is immutable history
	after, gerr := e.orch.GetJob(ctx, originalID)
	require.Nil(t, gerr)
	assert.Equal(t, models.JobStatusFailed, after.Status)
	assert.Equal(t, original.Error, after.Error)
	assert.Equal(t, original.Steps, after.Steps)
}

func TestRetryRejections(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.addModule(t, "membership", map[string]any{})
	e.exec("membership")
	e.orch.Start(ctx)

	t.Run("unknown job", func(t *testing.T) {
		_, err := e.orch.Retry(ctx, uuid.New())
		require.NotNil(t, err)
		assert.ErrorIs(t, err, moderror.ErrJobNotFound)
	})

	t.Run("completed job", func(t *testing.T) {
		jobID, err := e.orch.Install(ctx, tenant, "membership", nil)
		require.Nil(t, err)
		e.waitJob(t, jobID, models.JobStatusCompleted)

		_, rerr := e.orch.Retry(ctx, jobID)
		require.NotNil(t, rerr)
		assert.ErrorIs(t, rerr, moderror.ErrJobNotRetryable)
	})
}

func TestUninstall(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{
		"configDefaults": gojson.RawMessage(`{"maxMembers": 100}`),
	})
	e.addModule(t, "digital-card", map[string]any{
		"dependencies": []any{dep("membership", ">=1.0.0", true)},
	})
	membership := e.exec("membership")
	e.exec("digital-card")

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "digital-card", nil)
	require.Nil(t, err)
	e.waitJob(t, jobID, models.JobStatusCompleted)

	t.Run("blocked while a dependent is active", func(t *testing.T) {
		_, err := e.orch.Uninstall(ctx, tenant, "membership", false)
		require.NotNil(t, err)
		assert.ErrorIs(t, err, moderror.ErrDependentModulesExist)
		assert.Contains(t, err.Error(), "digital-card")
	})

	t.Run("uninstall target", func(t *testing.T) {
		jobID, err := e.orch.Uninstall(ctx, tenant, "digital-card", false)
		require.Nil(t, err)
		job := e.waitJob(t, jobID, models.JobStatusCompleted)
		require.Len(t, job.Steps, 1)
		assert.Equal(t, "digital-card", job.Steps[0].Name)

		tm := e.tenantModule(t, "digital-card")
		assert.Equal(t, models.TenantModuleStatusNotInstalled, tm.Status)
		assert.Empty(t, tm.Configuration)
		assert.Nil(t, tm.CurrentJobID)
	})

	t.Run("dependency uninstalls once dependent is gone", func(t *testing.T) {
		jobID, err := e.orch.Uninstall(ctx, tenant, "membership", false)
		require.Nil(t, err)
		e.waitJob(t, jobID, models.JobStatusCompleted)
		assert.False(t, membership.keepData())
		assert.Equal(t, models.TenantModuleStatusNotInstalled, e.tenantModule(t, "membership").Status)
	})

	t.Run("already uninstalled", func(t *testing.T) {
		_, err := e.orch.Uninstall(ctx, tenant, "membership", false)
		require.NotNil(t, err)
		assert.ErrorIs(t, err, moderror.ErrNotInstalled)
	})

	t.Run("never installed", func(t *testing.T) {
		_, err := e.orch.Uninstall(ctx, tenant, "ghost", false)
		require.NotNil(t, err)
		assert.ErrorIs(t, err, moderror.ErrNotInstalled)
	})
}

func TestUninstallKeepData(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{
		"configDefaults": gojson.RawMessage(`{"maxMembers": 100}`),
	})
	membership := e.exec("membership")

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "membership", gojson.RawMessage(`{"maxMembers": 500}`))
	require.Nil(t, err)
	e.waitJob(t, jobID, models.JobStatusCompleted)

	jobID, err = e.orch.Uninstall(ctx, tenant, "membership", true)
	require.Nil(t, err)
	e.waitJob(t, jobID, models.JobStatusCompleted)

	assert.True(t, membership.keepData())
	tm := e.tenantModule(t, "membership")
	assert.Equal(t, models.TenantModuleStatusNotInstalled, tm.Status)
	// configuration survives for a later reinstall
	assert.JSONEq(t, `{"maxMembers": 500}`, string(tm.Configuration))
}

func TestRetryUninstall(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{})
	membership := e.exec("membership")

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err)
	e.waitJob(t, jobID, models.JobStatusCompleted)

	membership.setUninstallErr(errors.New("data export still running"))
	failedID, err := e.orch.Uninstall(ctx, tenant, "membership", true)
	require.Nil(t, err)
	e.waitJob(t, failedID, models.JobStatusFailed)
	assert.Equal(t, models.TenantModuleStatusFailed, e.tenantModule(t, "membership").Status)

	membership.setUninstallErr(nil)
	retryID, err := e.orch.Retry(ctx, failedID)
	require.Nil(t, err)
	retried := e.waitJob(t, retryID, models.JobStatusCompleted)
	require.NotNil(t, retried.RetryOf)
	assert.Equal(t, failedID, *retried.RetryOf)
	assert.Equal(t, models.JobTypeUninstall, retried.Type)
	assert.True(t, membership.keepData())
	assert.Equal(t, models.TenantModuleStatusNotInstalled, e.tenantModule(t, "membership").Status)
}

func TestInstallBeforeStartFailsAndRollsBack(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.addModule(t, "membership", map[string]any{})
	e.exec("membership")

	jobID, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, moderror.ErrQueueFull)
	assert.Equal(t, uuid.Nil, jobID)

	// the job row remains as an audit record of the rejection
	jobs, lerr := e.orch.ListJobs(ctx, tenant)
	require.Nil(t, lerr)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, "job queue is full", jobs[0].Error)

	// the slot was rolled back, so the same install works once started
	tm := e.tenantModule(t, "membership")
	assert.Equal(t, models.TenantModuleStatusNotInstalled, tm.Status)
	assert.Nil(t, tm.CurrentJobID)

	e.orch.Start(ctx)
	jobID, err2 := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err2)
	e.waitJob(t, jobID, models.JobStatusCompleted)
}

func TestJobNotifications(t *testing.T) {
	ctx := context.Background()

	t.Run("install lifecycle", func(t *testing.T) {
		e := newEnv(t, nil)
		e.addModule(t, "membership", map[string]any{})
		e.exec("membership")

		events, unsub := e.bus.Subscribe("job.install.*", 8)
		defer unsub()

		e.orch.Start(ctx)
		jobID, err := e.orch.Install(ctx, tenant, "membership", nil)
		require.Nil(t, err)
		e.waitJob(t, jobID, models.JobStatusCompleted)

		topics := map[string]Notification{}
		for len(topics) < 2 {
			select {
			case ev := <-events:
				topics[ev.Topic] = ev.Data.(Notification)
			case <-time.After(waitFor):
				t.Fatalf("got topics %v, want started and completed", topics)
			}
		}
		started := topics[TopicInstallStarted]
		assert.Equal(t, jobID, started.JobID)
		assert.Equal(t, tenant, started.TenantID)
		assert.Equal(t, "membership", started.ModuleName)
		assert.Equal(t, models.JobTypeInstall, started.JobType)

		completed := topics[TopicInstallCompleted]
		assert.Equal(t, jobID, completed.JobID)
		assert.Empty(t, completed.Error)
	})

	t.Run("failure names the failing step", func(t *testing.T) {
		e := newEnv(t, nil)
		_, billing, _ := seedMembershipChain(t, e)
		billing.setInstallErr(errors.New("provisioning quota exceeded"))

		events, unsub := e.bus.Subscribe("job.*.failed", 8)
		defer unsub()

		e.orch.Start(ctx)
		jobID, err := e.orch.Install(ctx, tenant, "portal", nil)
		require.Nil(t, err)
		e.waitJob(t, jobID, models.JobStatusFailed)

		select {
		case ev := <-events:
			assert.Equal(t, TopicInstallFailed, ev.Topic)
			n := ev.Data.(Notification)
			assert.Equal(t, jobID, n.JobID)
			assert.Equal(t, "portal", n.ModuleName)
			assert.Equal(t, "billing", n.FailedStep)
			assert.Contains(t, n.Error, "provisioning quota exceeded")
		case <-time.After(waitFor):
			t.Fatal("no failure notification")
		}
	})
}

func TestShutdownDrainsInFlightJobs(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{})
	e.addModule(t, "digital-card", map[string]any{})
	membership := e.exec("membership")
	e.exec("digital-card")
	gate := make(chan struct{})
	membership.gate = gate

	e.orch.Start(ctx)
	jobID, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err)
	require.Eventually(t, func() bool { return membership.installCount() == 1 }, waitFor, tick)

	close(gate)
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, e.orch.Shutdown(shutdownCtx))

	job, gerr := e.orch.GetJob(ctx, jobID)
	require.Nil(t, gerr)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	// no new work after shutdown
	_, err = e.orch.Install(ctx, tenant, "digital-card", nil)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, moderror.ErrQueueFull)
}

func TestTenantModuleQueries(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{})
	e.addModule(t, "billing", map[string]any{})
	e.exec("membership")
	e.exec("billing")
	e.orch.Start(ctx)

	for _, name := range []string{"membership", "billing"} {
		jobID, err := e.orch.Install(ctx, tenant, name, nil)
		require.Nil(t, err)
		e.waitJob(t, jobID, models.JobStatusCompleted)
	}

	tm, err := e.orch.GetTenantModule(ctx, tenant, "membership")
	require.Nil(t, err)
	assert.Equal(t, models.TenantModuleStatusActive, tm.Status)

	_, err = e.orch.GetTenantModule(ctx, tenant, "ghost")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, moderror.ErrTenantModuleNotFound)

	list, err := e.orch.ListTenantModules(ctx, tenant)
	require.Nil(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "billing", list[0].ModuleName)
	assert.Equal(t, "membership", list[1].ModuleName)

	_, err = e.orch.ListTenantModules(ctx, "")
	require.NotNil(t, err)
	assert.ErrorIs(t, err, moderror.ErrInvalidRequest)
}

func TestListJobsNewestFirst(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.addModule(t, "membership", map[string]any{})
	e.exec("membership")
	e.orch.Start(ctx)

	installID, err := e.orch.Install(ctx, tenant, "membership", nil)
	require.Nil(t, err)
	e.waitJob(t, installID, models.JobStatusCompleted)

	uninstallID, err := e.orch.Uninstall(ctx, tenant, "membership", false)
	require.Nil(t, err)
	e.waitJob(t, uninstallID, models.JobStatusCompleted)

	jobs, lerr := e.orch.ListJobs(ctx, tenant)
	require.Nil(t, lerr)
	require.Len(t, jobs, 2)
	assert.Equal(t, uninstallID, jobs[0].ID)
	assert.Equal(t, installID, jobs[1].ID)
}
