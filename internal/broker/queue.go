package broker

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// Entry is one delivered message held in a queue: the payload plus the
// topics that matched it for this particular subscriber. The same payload
// slice is shared across every queue a publish fans out to, so entries
// must never be mutated after enqueue.
type Entry struct {
	// Topics lists the published topics this queue was subscribed to,
	// in the order they appeared in the publish. A queue subscribed to
	// both "a" and "b" receiving a publish to (a, b) sees both here.
	Topics []string

	// Payload is the opaque message body. Binary-safe.
	Payload []byte
}

// Queue is the per-client mailbox. Messages fan in from router shards as
// publishes arrive and fan out in a single batch when the owning
// connection drains it. FIFO order is preserved per queue.
//
// A queue holds strong references to its entries; shards hold only
// routing references to the queue itself. Once Stop is called the queue
// accepts nothing new, so a dropped client cannot accumulate messages
// after teardown has begun.
type Queue struct {
	id int64

	mu      sync.Mutex
	entries []Entry
	topics  map[string]struct{} // topics this queue is subscribed to, for introspection
	stopped bool

	enqueued atomic.Int64 // total entries accepted since creation
	dropped  atomic.Int64 // entries rejected because the queue was stopped
}

func newQueue(id int64) *Queue {
	return &Queue{
		id:     id,
		topics: make(map[string]struct{}),
	}
}

// ID returns the queue's process-unique numeric id.
func (q *Queue) ID() int64 {
	return q.id
}

// Name returns the stable client identifier derived from the queue id.
// It shows up in logs and metrics labels.
func (q *Queue) Name() string {
	return "queue-" + strconv.FormatInt(q.id, 10)
}

// Enqueue appends one entry to the mailbox. Calls against a stopped
// queue are silently discarded: a shard may race a publish against
// connection teardown, and losing that message is the correct outcome
// for a client that is already gone.
func (q *Queue) Enqueue(topics []string, payload []byte) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.dropped.Add(1)
		return
	}
	q.entries = append(q.entries, Entry{Topics: topics, Payload: payload})
	q.mu.Unlock()
	q.enqueued.Add(1)
}

// Drain atomically removes and returns every queued entry in FIFO
// order. An empty (or stopped) queue yields nil. Entries enqueued
// concurrently with a drain land in either this batch or the next,
// never both.
func (q *Queue) Drain() []Entry {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()
	return entries
}

// Depth reports how many entries are currently waiting.
func (q *Queue) Depth() int {
	q.mu.Lock()
	n := len(q.entries)
	q.mu.Unlock()
	return n
}

// Enqueued returns the total number of entries this queue has accepted.
func (q *Queue) Enqueued() int64 {
	return q.enqueued.Load()
}

// RecordSubscription notes topics this queue is subscribed to.
// Duplicates are no-ops. The set exists for observability; routing
// itself lives in the shards.
func (q *Queue) RecordSubscription(topics []string) {
	q.mu.Lock()
	for _, t := range topics {
		q.topics[t] = struct{}{}
	}
	q.mu.Unlock()
}

// ForgetSubscription removes topics from the recorded subscription set.
// Unknown topics are ignored.
func (q *Queue) ForgetSubscription(topics []string) {
	q.mu.Lock()
	for _, t := range topics {
		delete(q.topics, t)
	}
	q.mu.Unlock()
}

// SubscribedTopics returns a snapshot of the recorded subscription set.
// Order is unspecified.
func (q *Queue) SubscribedTopics() []string {
	q.mu.Lock()
	out := make([]string, 0, len(q.topics))
	for t := range q.topics {
		out = append(out, t)
	}
	q.mu.Unlock()
	return out
}

// Stop marks the queue as dead and discards anything still buffered.
// Subsequent enqueues are dropped. Stop is idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.entries = nil
	q.mu.Unlock()
}

// Stopped reports whether Stop has been called.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	s := q.stopped
	q.mu.Unlock()
	return s
}
