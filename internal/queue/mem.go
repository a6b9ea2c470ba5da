package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemQueue 进程内实现，单机部署和单测用
type MemQueue struct {
	mu     sync.Mutex
	lanes  map[string]*jobHeap
	dedupe map[string]map[string]string // lane -> dedupeKey -> jobID
	notify chan struct{}
	seq    uint64
	closed bool
	now    func() time.Time
}

func NewMemQueue() *MemQueue {
	return &MemQueue{
		lanes:  make(map[string]*jobHeap),
		dedupe: make(map[string]map[string]string),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

func (q *MemQueue) Enqueue(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if j.DedupeKey != "" {
		keys := q.dedupe[j.Lane]
		if keys == nil {
			keys = make(map[string]string)
			q.dedupe[j.Lane] = keys
		}
		if _, ok := keys[j.DedupeKey]; ok {
			return ErrDuplicate
		}
		keys[j.DedupeKey] = j.ID
	}

	h := q.lanes[j.Lane]
	if h == nil {
		h = &jobHeap{}
		q.lanes[j.Lane] = h
	}
	q.seq++
	heap.Push(h, &item{job: j, seq: q.seq})
	q.wakeLocked()
	return nil
}

func (q *MemQueue) Dequeue(ctx context.Context, lane string) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		var wait time.Duration = -1
		if h := q.lanes[lane]; h != nil && h.Len() > 0 {
			top := (*h)[0]
			wait = top.job.RunAt.Sub(q.now())
			if wait <= 0 {
				heap.Pop(h)
				if top.job.DedupeKey != "" && q.dedupe[lane][top.job.DedupeKey] == top.job.ID {
					delete(q.dedupe[lane], top.job.DedupeKey)
				}
				q.mu.Unlock()
				return top.job, nil
			}
		}
		notify := q.notify
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}
		select {
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return Job{}, ctx.Err()
		case <-notify:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// Len lane 上待执行的任务数（含未到期）
func (q *MemQueue) Len(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h := q.lanes[lane]; h != nil {
		return h.Len()
	}
	return 0
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.wakeLocked()
	}
	return nil
}

// wakeLocked 关闭旧 chan 唤醒所有等待者，再换一个新的
func (q *MemQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

type item struct {
	job Job
	seq uint64
}

// jobHeap 按 RunAt 升序，相同时间按入队顺序
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.RunAt.Equal(h[j].job.RunAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].job.RunAt.Before(h[j].job.RunAt)
}
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ Queue = (*MemQueue)(nil)
