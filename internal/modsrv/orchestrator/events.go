package orchestrator

import (
	"github.com/google/uuid"

	"github.com/modforge/modforge-internal/internal/modsrv/db/models"
	"github.com/modforge/modforge-internal/internal/modsrv/modcommon"
)

// Topics published on the event bus. Subscribers can use wildcard patterns
// such as "job.install.*" or "job.*.failed".
const (
	TopicInstallStarted     = "job.install.started"
	TopicInstallCompleted   = "job.install.completed"
	TopicInstallFailed      = "job.install.failed"
	TopicUninstallStarted   = "job.uninstall.started"
	TopicUninstallCompleted = "job.uninstall.completed"
	TopicUninstallFailed    = "job.uninstall.failed"
)

// Notification is the payload carried by every job lifecycle event. On
// failure it names the failing step and its error.
type Notification struct {
	JobID      uuid.UUID          `json:"jobId"`
	TenantID   modcommon.TenantId `json:"tenantId"`
	ModuleName string             `json:"moduleName"`
	JobType    models.JobType     `json:"jobType"`
	FailedStep string             `json:"failedStep,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func startedTopic(jobType models.JobType) string {
	if jobType == models.JobTypeUninstall {
		return TopicUninstallStarted
	}
	return TopicInstallStarted
}

func completedTopic(jobType models.JobType) string {
	if jobType == models.JobTypeUninstall {
		return TopicUninstallCompleted
	}
	return TopicInstallCompleted
}

func failedTopic(jobType models.JobType) string {
	if jobType == models.JobTypeUninstall {
		return TopicUninstallFailed
	}
	return TopicInstallFailed
}

// publish is best-effort: a full subscriber drops the event after the
// configured timeout rather than stalling a worker.
func (o *Orchestrator) publish(topic string, job *models.Job, failedStep, errMsg string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, Notification{
		JobID:      job.ID,
		TenantID:   job.TenantID,
		ModuleName: job.ModuleName,
		JobType:    job.Type,
		FailedStep: failedStep,
		Error:      errMsg,
	}, o.publishTimeout)
}
