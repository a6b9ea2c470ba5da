// Package queue is a small delayed job queue with named lanes. Jobs become
// visible at RunAt; a Worker drains each lane with a fixed concurrency.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

var (
	// ErrDuplicate 同 lane 下已有同 DedupeKey 的待执行任务
	ErrDuplicate = errors.New("queue: duplicate pending job")
	ErrClosed    = errors.New("queue: closed")
)

type Job struct {
	ID        string          `json:"id"`
	Lane      string          `json:"lane"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RunAt     time.Time       `json:"run_at"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
	Attempt   int             `json:"attempt"`
}

type Queue interface {
	// Enqueue 放入任务，RunAt 之前不可见
	Enqueue(ctx context.Context, j Job) error
	// Dequeue 阻塞直到 lane 上有到期任务或 ctx 结束。
	// 取出的同时清掉它的 DedupeKey，所以 handler 里可以立刻入队同 key 的后继
	Dequeue(ctx context.Context, lane string) (Job, error)
	Close() error
}

// NewJob payload 用 json 编码，delay<=0 表示立即可执行
func NewJob(lane, kind string, payload interface{}, delay time.Duration) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:      uuid.NewString(),
		Lane:    lane,
		Kind:    kind,
		Payload: raw,
		RunAt:   time.Now().Add(delay),
	}, nil
}

// Decode 把 payload 解到 out
func (j Job) Decode(out interface{}) error {
	return json.Unmarshal(j.Payload, out)
}
