package queue

import (
	"context"
	"time"
)

// Memory is an in-process Queue for tests and single-process deployments.
// Delayed messages are delivered by timers; nothing survives a restart, so
// the sweep command is the recovery path in this mode.
type Memory struct {
	ch chan string
}

func NewMemory() *Memory {
	return &Memory{ch: make(chan string, 1024)}
}

func (q *Memory) Publish(ctx context.Context, jobID string, delay time.Duration) error {
	if delay <= 0 {
		select {
		case q.ch <- jobID:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.AfterFunc(delay, func() {
		q.ch <- jobID
	})
	return nil
}

func (q *Memory) Receive(ctx context.Context) (*Message, error) {
	select {
	case id := <-q.ch:
		return &Message{JobID: id}, nil
	case <-time.After(time.Second):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Memory) Delete(ctx context.Context, m *Message) error { return nil }
