package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Shard owns one partition of the topic space. Every topic maps to
// exactly one shard, so a single mutex per shard serializes subscribe,
// unsubscribe, publish and drop for the topics it owns while the other
// shards keep running in parallel.
//
// The shard keeps two views of the same state: subs indexes queues by
// topic for publish fan-out, owned indexes topics by queue so that
// dropping a queue never has to scan the whole topic table. The two
// maps are updated together under the mutex and must stay mirror
// images of each other.
type Shard struct {
	id int

	mu    sync.Mutex
	subs  map[string]map[*Queue]struct{} // topic -> subscribed queues
	owned map[*Queue]map[string]struct{} // queue -> topics held on this shard

	minFanoutToWarn int // fan-outs beyond this get logged
	warnLimit       *rate.Limiter
	logger          zerolog.Logger
}

// ShardStats is a point-in-time snapshot of one shard's routing state.
type ShardStats struct {
	ID            int `json:"id"`
	Topics        int `json:"topics"`
	Subscriptions int `json:"subscriptions"`
	Queues        int `json:"queues"`
}

func newShard(id, minFanoutToWarn int, logger zerolog.Logger) *Shard {
	return &Shard{
		id:              id,
		subs:            make(map[string]map[*Queue]struct{}),
		owned:           make(map[*Queue]map[string]struct{}),
		minFanoutToWarn: minFanoutToWarn,
		// Metrics count every oversized fan-out; the log line itself is
		// throttled so a hot topic cannot flood the log stream.
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
		logger:    logger.With().Int("shard_id", id).Logger(),
	}
}

// Subscribe registers q for every topic in topics. Topics the queue is
// already subscribed to are no-ops, so replayed subscribes are safe.
func (s *Shard) Subscribe(q *Queue, topics []string) {
	if len(topics) == 0 {
		return
	}
	s.mu.Lock()
	for _, t := range topics {
		set, ok := s.subs[t]
		if !ok {
			set = make(map[*Queue]struct{})
			s.subs[t] = set
		}
		set[q] = struct{}{}

		held, ok := s.owned[q]
		if !ok {
			held = make(map[string]struct{})
			s.owned[q] = held
		}
		held[t] = struct{}{}
	}
	s.mu.Unlock()

	q.RecordSubscription(topics)
}

// Unsubscribe removes q from every topic in topics. Topics the queue
// never subscribed to are ignored. Topic sets left empty are deleted
// rather than kept around as tombstones.
func (s *Shard) Unsubscribe(q *Queue, topics []string) {
	if len(topics) == 0 {
		return
	}
	s.mu.Lock()
	for _, t := range topics {
		if set, ok := s.subs[t]; ok {
			delete(set, q)
			if len(set) == 0 {
				delete(s.subs, t)
			}
		}
		if held, ok := s.owned[q]; ok {
			delete(held, t)
			if len(held) == 0 {
				delete(s.owned, q)
			}
		}
	}
	s.mu.Unlock()

	q.ForgetSubscription(topics)
}

// Publish delivers one message to every queue subscribed to at least
// one of topics. A queue subscribed to several of the published topics
// receives a single entry listing every topic that matched, in publish
// order. Delivery happens under the shard mutex: two publishes hitting
// the same shard are observed in the same order by every queue.
//
// The returned count is the number of queues the entry was delivered to.
func (s *Shard) Publish(topics []string, payload []byte) int {
	s.mu.Lock()
	var targets map[*Queue][]string
	for _, t := range topics {
		for q := range s.subs[t] {
			if targets == nil {
				targets = make(map[*Queue][]string)
			}
			targets[q] = append(targets[q], t)
		}
	}
	for q, matched := range targets {
		q.Enqueue(matched, payload)
	}
	s.mu.Unlock()

	fanout := len(targets)
	if s.minFanoutToWarn > 0 && fanout > s.minFanoutToWarn && s.warnLimit.Allow() {
		s.logger.Warn().
			Int("fanout", fanout).
			Int("topics", len(topics)).
			Int("threshold", s.minFanoutToWarn).
			Msg("Large publish fan-out")
	}
	return fanout
}

// DropQueue erases every reference to q from the shard. Called once per
// shard when the owning connection goes away; afterwards nothing in the
// shard can reach the queue and the garbage collector can reclaim it.
func (s *Shard) DropQueue(q *Queue) {
	s.mu.Lock()
	held, ok := s.owned[q]
	if ok {
		for t := range held {
			if set, exists := s.subs[t]; exists {
				delete(set, q)
				if len(set) == 0 {
					delete(s.subs, t)
				}
			}
		}
		delete(s.owned, q)
	}
	s.mu.Unlock()
}

// SubscriberCount reports how many queues are subscribed to topic on
// this shard. Zero for unknown topics.
func (s *Shard) SubscriberCount(topic string) int {
	s.mu.Lock()
	n := len(s.subs[topic])
	s.mu.Unlock()
	return n
}

// Stats snapshots the shard's routing state for health and debug
// endpoints.
func (s *Shard) Stats() ShardStats {
	s.mu.Lock()
	st := ShardStats{
		ID:     s.id,
		Topics: len(s.subs),
		Queues: len(s.owned),
	}
	for _, set := range s.subs {
		st.Subscriptions += len(set)
	}
	s.mu.Unlock()
	return st
}
