package eventbus

import "time"

// Job lifecycle event types.
const (
	JobQueued    = "job.queued"
	JobStarted   = "job.started"
	JobProgress  = "job.progress"
	JobCompleted = "job.completed"
	JobRetrying  = "job.retrying"
	JobFailed    = "job.failed"
	JobRecovered = "job.recovered"
)

// JobEvent is the Data payload of job.* events.
type JobEvent struct {
	JobID       string        `json:"job_id"`
	Topic       string        `json:"topic"`
	Requester   string        `json:"requester,omitempty"`
	Priority    int           `json:"priority"`
	Attempt     int           `json:"attempt"`
	Progress    int           `json:"progress,omitempty"`
	ResultCount int           `json:"result_count,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Retryable   bool          `json:"retryable,omitempty"`
}

// PublishJob publishes a job event on b. A nil bus is a no-op.
func PublishJob(b Bus, typ string, ev JobEvent) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: ev})
}
