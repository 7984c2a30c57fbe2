package worker

import "healthchat/internal/models"

type JobType int

const (
	Deliver JobType = iota
	Stop
)

// Job is the unit of work handed to a pool worker.
type Job struct {
	Type JobType
	Task *DeliveryTask
}

// DeliveryTask carries one recorded emergency alert to the webhook.
type DeliveryTask struct {
	Event *models.SOSEvent
}

func (job Job) userID() int64 {
	if job.Task != nil && job.Task.Event != nil {
		return job.Task.Event.UserID
	}
	return 0
}
