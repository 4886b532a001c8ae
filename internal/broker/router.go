package broker

import (
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/minio/highwayhash"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bosky101/kraken/internal/monitoring"
)

// Topic-to-shard assignment uses a keyed HighwayHash so the mapping is
// deterministic for a given shard count. The key is an arbitrary fixed
// constant ("kraken.router.shard.assignment.v" as bytes); it only has
// to be stable, not secret.
var shardHashKey, _ = hex.DecodeString("6b72616b656e2e726f757465722e73686172642e61737369676e6d656e742e76")

const (
	defaultShardCount             = 4
	defaultMinFanoutToWarn        = 100
	defaultMinPublishTopicsToWarn = 10
)

// RouterConfig sizes a Router. Zero values fall back to defaults, so
// tests can construct routers with an empty config.
type RouterConfig struct {
	// Shards is the number of topic-space partitions. More shards means
	// more parallelism between publishes to unrelated topics.
	Shards int

	// MinFanoutToWarn is the delivery count beyond which a single
	// publish gets flagged in the logs. Zero disables the warning.
	MinFanoutToWarn int

	// MinPublishTopicsToWarn is the per-publish topic count beyond
	// which the publish gets flagged in the logs. Zero disables the
	// warning.
	MinPublishTopicsToWarn int
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.Shards <= 0 {
		c.Shards = defaultShardCount
	}
	if c.MinFanoutToWarn == 0 {
		c.MinFanoutToWarn = defaultMinFanoutToWarn
	}
	if c.MinPublishTopicsToWarn == 0 {
		c.MinPublishTopicsToWarn = defaultMinPublishTopicsToWarn
	}
	return c
}

// Router is the process-wide topic index. It owns a fixed set of shards,
// assigns each topic to one of them by hash, and fans every operation
// out to exactly the shards that own the topics involved. Operations
// touching disjoint shards run concurrently; the router itself holds no
// lock of its own.
type Router struct {
	shards                 []*Shard
	minPublishTopicsToWarn int
	warnLimit              *rate.Limiter
	logger                 zerolog.Logger

	nextQueueID atomic.Int64
}

// RouterStats aggregates the routing state across all shards. Topic and
// subscription counts are exact sums; every topic lives on exactly one
// shard.
type RouterStats struct {
	Topics        int          `json:"topics"`
	Subscriptions int          `json:"subscriptions"`
	Shards        []ShardStats `json:"shards"`
}

// NewRouter builds a router with cfg.Shards independent shards.
func NewRouter(cfg RouterConfig, logger zerolog.Logger) *Router {
	cfg = cfg.withDefaults()

	routerLogger := logger.With().Str("component", "router").Logger()
	r := &Router{
		shards:                 make([]*Shard, cfg.Shards),
		minPublishTopicsToWarn: cfg.MinPublishTopicsToWarn,
		warnLimit:              rate.NewLimiter(rate.Every(5*time.Second), 1),
		logger:                 routerLogger,
	}
	for i := range r.shards {
		r.shards[i] = newShard(i, cfg.MinFanoutToWarn, routerLogger)
	}

	routerLogger.Info().
		Int("shards", cfg.Shards).
		Int("min_fanout_to_warn", cfg.MinFanoutToWarn).
		Int("min_publish_topics_to_warn", cfg.MinPublishTopicsToWarn).
		Msg("Router initialized")
	return r
}

// NewQueue allocates a queue with a process-unique id. The caller owns
// the queue's lifecycle; the router only ever holds routing references
// to it, released by DropQueue.
func (r *Router) NewQueue() *Queue {
	return newQueue(r.nextQueueID.Add(1))
}

// NumShards returns the number of shards the router was built with.
func (r *Router) NumShards() int {
	return len(r.shards)
}

func (r *Router) shardOf(topic string) int {
	return int(highwayhash.Sum64([]byte(topic), shardHashKey) % uint64(len(r.shards)))
}

// partition groups topics by owning shard, deduplicating while
// preserving first-occurrence order. Duplicate topics in a publish must
// deliver once, and per-queue matched-topic lists must follow publish
// order.
func (r *Router) partition(topics []string) map[int][]string {
	if len(topics) == 0 {
		return nil
	}
	parts := make(map[int][]string)
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		idx := r.shardOf(t)
		parts[idx] = append(parts[idx], t)
	}
	return parts
}

// dispatch runs op against every involved shard and waits for all of
// them. The single-shard case stays on the caller's goroutine; anything
// wider runs one goroutine per shard.
func (r *Router) dispatch(parts map[int][]string, op func(*Shard, []string)) {
	if len(parts) == 0 {
		return
	}
	if len(parts) == 1 {
		for idx, topics := range parts {
			op(r.shards[idx], topics)
		}
		return
	}

	var wg sync.WaitGroup
	for idx, topics := range parts {
		wg.Add(1)
		go func(s *Shard, topics []string) {
			defer wg.Done()
			defer monitoring.RecoverPanic(r.logger, "router-dispatch", map[string]any{
				"shard_id": s.id,
			})
			op(s, topics)
		}(r.shards[idx], topics)
	}
	wg.Wait()
}

// Subscribe registers q for topics across the owning shards and returns
// once every shard has applied the change. An empty topic list is a
// no-op.
func (r *Router) Subscribe(q *Queue, topics []string) {
	parts := r.partition(topics)
	r.dispatch(parts, func(s *Shard, st []string) {
		s.Subscribe(q, st)
	})
	monitoring.RecordSubscribe(len(topics))
}

// Unsubscribe removes q from topics across the owning shards. Unknown
// topics are ignored.
func (r *Router) Unsubscribe(q *Queue, topics []string) {
	parts := r.partition(topics)
	r.dispatch(parts, func(s *Shard, st []string) {
		s.Unsubscribe(q, st)
	})
	monitoring.RecordUnsubscribe(len(topics))
}

// Publish delivers payload to every queue subscribed to at least one of
// topics and returns the total number of queues reached. The origin
// queue identifies the publisher for diagnostics only; it is never
// filtered from delivery, so a publisher subscribed to its own topic
// receives its own message. The call blocks until every involved shard
// has finished delivery, so a publisher that later drains its own queue
// observes that message.
func (r *Router) Publish(origin *Queue, topics []string, payload []byte) int {
	parts := r.partition(topics)
	if parts == nil {
		return 0
	}

	if r.minPublishTopicsToWarn > 0 && len(topics) > r.minPublishTopicsToWarn {
		monitoring.RecordWideTopicPublish()
		if r.warnLimit.Allow() {
			evt := r.logger.Warn().
				Int("topics", len(topics)).
				Int("threshold", r.minPublishTopicsToWarn)
			if origin != nil {
				evt = evt.Str("origin", origin.Name())
			}
			evt.Msg("Publish spans many topics")
		}
	}

	var delivered atomic.Int64
	r.dispatch(parts, func(s *Shard, st []string) {
		delivered.Add(int64(s.Publish(st, payload)))
	})

	fanout := int(delivered.Load())
	monitoring.RecordPublish(len(topics), fanout, len(payload))
	return fanout
}

// DropQueue erases q's routing state from every shard. Afterwards no
// shard holds a reference to q. Safe to call for queues that never
// subscribed, and safe to call more than once.
func (r *Router) DropQueue(q *Queue) {
	var wg sync.WaitGroup
	for _, s := range r.shards {
		wg.Add(1)
		go func(s *Shard) {
			defer wg.Done()
			s.DropQueue(q)
		}(s)
	}
	wg.Wait()
	monitoring.RecordQueueDrop()
}

// TopicSubscribers reports how many queues are currently subscribed to
// topic.
func (r *Router) TopicSubscribers(topic string) int {
	return r.shards[r.shardOf(topic)].SubscriberCount(topic)
}

// Stats snapshots every shard. Shards are sampled one after another,
// not atomically; counts can skew under concurrent churn.
func (r *Router) Stats() RouterStats {
	st := RouterStats{Shards: make([]ShardStats, 0, len(r.shards))}
	for _, s := range r.shards {
		ss := s.Stats()
		st.Topics += ss.Topics
		st.Subscriptions += ss.Subscriptions
		st.Shards = append(st.Shards, ss)
	}
	return st
}
