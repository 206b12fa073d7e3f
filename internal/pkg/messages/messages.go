package messages

//Queue names
const (
	// ProcessMedia wakes the pipeline worker up after a job was created
	ProcessMedia = "ProcessMedia"
	// JobEvent carries job id notifications for progress push consumers
	JobEvent = "JobEvent"
)

//QueueMessage is the wake-up message going through the broker
type QueueMessage struct {
	JobID int64  `json:"job_id"`
	Error string `json:"error,omitempty"`
}

//NewQueueMessage creates the message with job id
func NewQueueMessage(jobID int64) *QueueMessage {
	return &QueueMessage{JobID: jobID}
}

// Sender sends a message to the message broker
type Sender interface {
	Send(message *QueueMessage, queue string, replyQueue string) error
}
