// ============================================================================
// 任務事件匯流排 (Event Bus)
// ============================================================================
//
// Package: internal/notify
// 文件: bus.go
// 功能: 將任務事件推送給當下訂閱該任務的連線
//
// 投遞語意:
//   1. 盡力而為、至多一次：只送給發布當下已訂閱的訂閱者
//   2. 每個訂閱者一個有界 channel，滿了就丟棄該事件，Publish 永不阻塞
//   3. 重新訂閱不會重送舊事件，缺漏的資訊由呼叫者重新讀取任務補齊
//
// 生命週期:
//   Open()        - 建立任務時開啟主題
//   Subscribe()   - 加入訂閱者
//   Unsubscribe() - 移除訂閱者並關閉其 channel
//   Drop()        - 任務銷毀時移除主題，關閉所有訂閱 channel
//
// 併發安全:
//   - mu (RWMutex) 只保護 topics map
//   - topic.mu 保護單一任務的序號與訂閱者集合
//
// ============================================================================

package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// SubscriberID identifies one live connection interested in a job.
type SubscriberID string

// Subscription is the receiving end of one subscriber's attachment to a job.
// C is closed on Unsubscribe, when the job's topic is dropped, or on Close.
type Subscription struct {
	JobID      types.JobID
	Subscriber SubscriberID
	C          <-chan types.Event
}

// Observer receives bus activity for metrics. Methods must not block.
type Observer interface {
	EventPublished(kind types.EventKind, delivered int)
	EventDropped(kind types.EventKind)
	SubscribersChanged(delta int)
}

// topic holds the subscriber set of a single job.
type topic struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[SubscriberID]chan types.Event
	dropped bool
}

// Bus maps job ids to subscriber sets.
type Bus struct {
	mu     sync.RWMutex
	topics map[types.JobID]*topic
	buffer int
	obs    Observer
}

// DefaultBuffer is the per-subscriber channel capacity when none is given.
const DefaultBuffer = 16

// NewBus creates a bus whose subscriber channels hold buffer events.
func NewBus(buffer int, obs Observer) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		topics: make(map[types.JobID]*topic),
		buffer: buffer,
		obs:    obs,
	}
}

// Open creates the topic for a job. Opening an existing topic is a no-op.
func (b *Bus) Open(jobID types.JobID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[jobID]; !ok {
		b.topics[jobID] = &topic{subs: make(map[SubscriberID]chan types.Event)}
	}
}

// Drop removes a job's topic and closes every subscription on it.
func (b *Bus) Drop(jobID types.JobID) {
	b.mu.Lock()
	t, ok := b.topics[jobID]
	delete(b.topics, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.dropped = true
	n := len(t.subs)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.mu.Unlock()
	b.changed(-n)
}

// Subscribe attaches sub to a job. Subscribing twice returns the existing
// subscription.
func (b *Bus) Subscribe(jobID types.JobID, sub SubscriberID) (Subscription, error) {
	t, err := b.topic(jobID)
	if err != nil {
		return Subscription{}, err
	}

	t.mu.Lock()
	if t.dropped {
		t.mu.Unlock()
		return Subscription{}, notFound(jobID)
	}
	ch, exists := t.subs[sub]
	if !exists {
		ch = make(chan types.Event, b.buffer)
		t.subs[sub] = ch
	}
	t.mu.Unlock()

	if !exists {
		b.changed(1)
	}
	return Subscription{JobID: jobID, Subscriber: sub, C: ch}, nil
}

// Unsubscribe detaches sub from a job and closes its channel. It reports
// whether the subscriber was attached. The job itself is never affected.
func (b *Bus) Unsubscribe(jobID types.JobID, sub SubscriberID) bool {
	t, err := b.topic(jobID)
	if err != nil {
		return false
	}

	t.mu.Lock()
	ch, ok := t.subs[sub]
	if ok {
		delete(t.subs, sub)
		close(ch)
	}
	t.mu.Unlock()

	if ok {
		b.changed(-1)
	}
	return ok
}

// Publish stamps ev with the job's next sequence number and hands it to every
// current subscriber without blocking. It returns the stamped event and the
// number of subscribers that received it.
func (b *Bus) Publish(ev types.Event) (types.Event, int, error) {
	t, err := b.topic(ev.JobID)
	if err != nil {
		return ev, 0, err
	}

	t.mu.Lock()
	if t.dropped {
		t.mu.Unlock()
		return ev, 0, notFound(ev.JobID)
	}
	t.seq++
	ev.Seq = t.seq
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	delivered := 0
	for _, ch := range t.subs {
		select {
		case ch <- ev:
			delivered++
		default:
			if b.obs != nil {
				b.obs.EventDropped(ev.Kind)
			}
		}
	}
	t.mu.Unlock()

	if b.obs != nil {
		b.obs.EventPublished(ev.Kind, delivered)
	}
	return ev, delivered, nil
}

// SubscriberCount returns the number of subscribers attached to a job.
func (b *Bus) SubscriberCount(jobID types.JobID) int {
	t, err := b.topic(jobID)
	if err != nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close drops every topic.
func (b *Bus) Close() {
	b.mu.RLock()
	ids := make([]types.JobID, 0, len(b.topics))
	for id := range b.topics {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	for _, id := range ids {
		b.Drop(id)
	}
}

func (b *Bus) topic(jobID types.JobID) (*topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[jobID]
	if !ok {
		return nil, notFound(jobID)
	}
	return t, nil
}

func notFound(jobID types.JobID) error {
	return fmt.Errorf("%w: no event topic for job %s", types.ErrNotFound, jobID)
}

func (b *Bus) changed(delta int) {
	if b.obs != nil && delta != 0 {
		b.obs.SubscribersChanged(delta)
	}
}
