package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

/*
 installation_jobs
   Column        | Type                    | Nullable | Default
---------------+-------------------------+----------+---------
 job_id         | uuid                    | not null |
 tenant_id      | character varying(10)   | not null |
 module_name    | character varying(128)  | not null |
 job_type       | character varying(16)   | not null |
 status         | character varying(16)   | not null | 'pending'
 error          | character varying(2048) |          |
 retry_of       | uuid                    |          |
 keep_data      | boolean                 | not null | false
 configuration  | jsonb                   |          |
 created_at     | timestamptz             | not null | now()
 started_at     | timestamptz             |          |
 completed_at   | timestamptz             |          |

 installation_steps
   Column        | Type                    | Nullable |
 job_id         | uuid                    | not null |
 step_order     | integer                 | not null |
 module_name    | character varying(128)  | not null |
 status         | character varying(16)   | not null |
 error          | character varying(2048) |          |
 started_at     | timestamptz             |          |
 completed_at   | timestamptz             |          |
*/

type JobType string

const (
	JobTypeInstall   JobType = "install"
	JobTypeUninstall JobType = "uninstall"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Step is one unit of per-module provisioning or teardown work within a job.
// Order is 1-based and matches the resolved install order.
type Step struct {
	Name        string     `db:"module_name"`
	Order       int        `db:"step_order"`
	Status      StepStatus `db:"status"`
	Error       string     `db:"error"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

// Job is an asynchronous, auditable unit of work that transitions one
// TenantModule between states. A completed or failed job's steps are
// immutable history; retry creates a new job referencing the original
// through RetryOf, never mutating it. Job IDs are UUIDv7 so a tenant's job
// listing sorts by creation time.
type Job struct {
	ID            uuid.UUID          `db:"job_id"`
	TenantID      modcommon.TenantId `db:"tenant_id"`
	ModuleName    string             `db:"module_name"`
	Type          JobType            `db:"job_type"`
	Status        JobStatus          `db:"status"`
	Steps         []Step             `db:"-"`
	Error         string             `db:"error"`
	RetryOf       *uuid.UUID         `db:"retry_of"`
	KeepData      bool               `db:"keep_data"`
	Configuration json.RawMessage    `db:"configuration"`
	CreatedAt     time.Time          `db:"created_at"`
	StartedAt     *time.Time         `db:"started_at"`
	CompletedAt   *time.Time         `db:"completed_at"`
}

// Terminal reports whether the job has reached a terminal status.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
