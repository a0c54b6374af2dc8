package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// queueKey ist die Redis-Liste, über die Tasks an Worker verteilt werden.
const queueKey = "veridoc:task_queue"

// TaskType unterscheidet die Arbeitsaufträge der Worker.
type TaskType string

const (
	TaskIndexDocument TaskType = "index_document"
	TaskIndexProject  TaskType = "index_project"
	TaskVerify        TaskType = "verify"
)

// Task ist ein Arbeitsauftrag in der Queue. Tasks überleben einen
// Prozess-Neustart, solange Redis persistiert.
type Task struct {
	ID         string    `json:"id"`
	Type       TaskType  `json:"type"`
	ProjectID  uuid.UUID `json:"project_id,omitempty"`
	DocumentID uuid.UUID `json:"document_id,omitempty"`
	JobID      uuid.UUID `json:"job_id,omitempty"`
	Force      bool      `json:"force,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue ist eine einfache, dauerhafte FIFO-Queue auf einer Redis-Liste.
type Queue struct {
	Client *redis.Client
}

// NewQueue erstellt eine neue Queue.
func NewQueue(client *redis.Client) *Queue {
	return &Queue{Client: client}
}

// Enqueue stellt einen Task hinten in die Queue.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := q.Client.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Dequeue blockiert bis zu timeout auf den nächsten Task. Ohne Task wird
// (nil, nil) geliefert.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	values, err := q.Client.BRPop(ctx, timeout, queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue task: %w", err)
	}
	// BRPop liefert [key, value].
	var task Task
	if err := json.Unmarshal([]byte(values[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// Length liefert die Anzahl wartender Tasks.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.Client.LLen(ctx, queueKey).Result()
}
