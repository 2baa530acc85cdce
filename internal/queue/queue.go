package queue

import (
	"context"
	"time"
)

// Message is one unit of work delivered to an executor. The body is the job
// id; Receipt identifies the delivery for acknowledgement.
type Message struct {
	JobID   string
	Receipt string
}

// Queue is the durable work queue shared by dispatchers and executors.
// Publish with a non-zero delay schedules the message for future delivery,
// which is how retries wait out their backoff without holding a worker.
type Queue interface {
	Publish(ctx context.Context, jobID string, delay time.Duration) error
	// Receive blocks up to the implementation's poll window and returns
	// nil, nil when no work is available.
	Receive(ctx context.Context) (*Message, error)
	Delete(ctx context.Context, m *Message) error
}
