// Package steps defines the per-module provisioning contract and the typed
// registry the orchestrator uses to look executors up by module name.
package steps

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

// Executor provisions and tears down one module for a tenant. Implementations
// own their timeouts and must fail the call rather than hang; they are
// invoked at most once per step, but a retried job re-runs every step, so
// they may be re-invoked after a partial failure.
type Executor interface {
	// Install provisions the module for the tenant using the job's effective
	// configuration.
	Install(ctx context.Context, tenantID modcommon.TenantId, configuration json.RawMessage) error
	// Uninstall tears the module down. keepData preserves tenant data for a
	// later reinstall.
	Uninstall(ctx context.Context, tenantID modcommon.TenantId, keepData bool) error
}

// Registry maps module names to their executors. It is populated at startup
// from explicit configuration; lookups at job time are read-only.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a module name, replacing any previous
// binding.
func (r *Registry) Register(moduleName string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[moduleName] = executor
}

// Lookup returns the executor for a module name.
func (r *Registry) Lookup(moduleName string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[moduleName]
	return executor, ok
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
