package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

/*
   Column        | Type                    | Nullable | Default
---------------+-------------------------+----------+---------
 tenant_id      | character varying(10)   | not null |
 module_name    | character varying(128)  | not null |
 status         | character varying(16)   | not null |
 current_job_id | uuid                    |          |
 configuration  | jsonb                   |          |
 installed_at   | timestamptz             |          |
 updated_at     | timestamptz             | not null | now()

 Primary key (tenant_id, module_name): at most one record per pair.
*/

type TenantModuleStatus string

const (
	TenantModuleStatusNotInstalled TenantModuleStatus = "not_installed"
	TenantModuleStatusInstalling   TenantModuleStatus = "installing"
	TenantModuleStatusActive       TenantModuleStatus = "active"
	TenantModuleStatusFailed       TenantModuleStatus = "failed"
	TenantModuleStatusUninstalling TenantModuleStatus = "uninstalling"
)

// TenantModule is the installation-state record of one module for one
// tenant. It is owned exclusively by the orchestrator; status changes happen
// only as a side effect of job submission and recorded step results.
// CurrentJobID carries the in-flight job while status is installing or
// uninstalling, which is what makes resubmission idempotent.
type TenantModule struct {
	TenantID      modcommon.TenantId `db:"tenant_id"`
	ModuleName    string             `db:"module_name"`
	Status        TenantModuleStatus `db:"status"`
	CurrentJobID  *uuid.UUID         `db:"current_job_id"`
	Configuration json.RawMessage    `db:"configuration"`
	InstalledAt   *time.Time         `db:"installed_at"`
	UpdatedAt     time.Time          `db:"updated_at"`
}
