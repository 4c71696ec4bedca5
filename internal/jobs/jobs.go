package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskWarmCache    = "cache:warm"
	TaskPurgeExpired = "cache:purge"
	QueueWarm        = "warm"
)

// WarmCachePayload names one provider request whose response should be
// pulled into the cache ahead of a user asking for it
type WarmCachePayload struct {
	Source string            `json:"source"`
	Entity string            `json:"entity"`
	Params map[string]string `json:"params,omitempty"`
}

// NewWarmCacheTask builds the asynq task for p. Identical payloads enqueued
// within uniqueFor collapse into one task.
func NewWarmCacheTask(p WarmCachePayload, uniqueFor time.Duration) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal warm payload: %w", err)
	}
	opts := []asynq.Option{
		asynq.Queue(QueueWarm),
		asynq.MaxRetry(3),
		asynq.Timeout(time.Minute),
	}
	if uniqueFor > 0 {
		opts = append(opts, asynq.Unique(uniqueFor))
	}
	return asynq.NewTask(TaskWarmCache, b, opts...), nil
}

// ParseWarmCache decodes a warm task payload
func ParseWarmCache(b []byte) (WarmCachePayload, error) {
	var p WarmCachePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("unmarshal warm payload: %w", err)
	}
	if p.Source == "" || p.Entity == "" {
		return p, fmt.Errorf("warm payload needs source and entity")
	}
	return p, nil
}

// NewPurgeTask builds the periodic task that drops shared cache rows past
// retention. It carries no payload.
func NewPurgeTask() *asynq.Task {
	return asynq.NewTask(TaskPurgeExpired, nil,
		asynq.MaxRetry(1),
		asynq.Timeout(5*time.Minute),
		asynq.Unique(time.Minute),
	)
}
