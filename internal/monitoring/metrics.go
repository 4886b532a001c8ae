package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Disconnect reasons recorded on kraken_disconnects_total. Connection
// teardown picks exactly one.
const (
	DisconnectReasonQuit          = "quit"
	DisconnectReasonReadError     = "read_error"
	DisconnectReasonIdleTimeout   = "idle_timeout"
	DisconnectReasonProtocolError = "protocol_error"
	DisconnectReasonWriteError    = "write_error"
	DisconnectReasonShutdown      = "server_shutdown"
	DisconnectReasonPanic         = "panic"
)

// Prometheus metrics for the broker. Scraped from the metrics listener
// and meant to be dashboarded next to the structured logs.
var (
	// Connection lifecycle
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_connections_total",
		Help: "Total number of TCP client connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_connections_active",
		Help: "Current number of connected clients",
	})

	connectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_connections_max",
		Help: "Configured client connection limit",
	})

	connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_connections_rejected_total",
		Help: "Connections refused because the client limit was reached",
	})

	disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kraken_disconnects_total",
		Help: "Disconnections by reason",
	}, []string{"reason"})

	// Protocol traffic
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kraken_requests_total",
		Help: "Protocol requests by command",
	}, []string{"command"})

	protocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_protocol_errors_total",
		Help: "Requests that failed protocol parsing or framing",
	})

	bytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_bytes_read_total",
		Help: "Total bytes read from clients",
	})

	bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_bytes_written_total",
		Help: "Total bytes written to clients",
	})

	// Routing
	publishesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_publishes_total",
		Help: "Messages routed through the router",
	})

	deliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_deliveries_total",
		Help: "Message deliveries into client queues (one per receiving queue)",
	})

	publishTopics = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kraken_publish_topics",
		Help:    "Topics named per published message",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	publishFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kraken_publish_fanout",
		Help:    "Queues reached per published message",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000},
	})

	publishPayloadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kraken_publish_payload_bytes",
		Help:    "Payload size per published message",
		Buckets: []float64{16, 64, 256, 1024, 4096, 16384, 65536},
	})

	widePublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_wide_topic_publishes_total",
		Help: "Publishes naming at least the configured warning number of topics",
	})

	subscribeTopics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_subscribe_topics_total",
		Help: "Topics subscribed, summed over all subscribe requests",
	})

	unsubscribeTopics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_unsubscribe_topics_total",
		Help: "Topics unsubscribed, summed over all unsubscribe requests",
	})

	queueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_queue_drops_total",
		Help: "Queues torn out of the router after client disconnect",
	})

	drainsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kraken_drains_total",
		Help: "Mailbox drains served (get messages requests)",
	})

	drainEntries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kraken_drain_entries",
		Help:    "Entries returned per mailbox drain",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500},
	})

	topicsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_topics_active",
		Help: "Topics with at least one subscriber",
	})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_subscriptions_active",
		Help: "Live (topic, queue) subscription pairs",
	})

	// Process health, sampled by the system monitor
	cpuPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_cpu_percent",
		Help: "Host CPU usage percentage",
	})

	memoryRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_memory_rss_bytes",
		Help: "Resident set size of the broker process",
	})

	hostMemoryUsedPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_host_memory_used_percent",
		Help: "Host memory usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kraken_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsMax)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(disconnectsTotal)

	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(protocolErrors)
	prometheus.MustRegister(bytesRead)
	prometheus.MustRegister(bytesWritten)

	prometheus.MustRegister(publishesTotal)
	prometheus.MustRegister(deliveriesTotal)
	prometheus.MustRegister(publishTopics)
	prometheus.MustRegister(publishFanout)
	prometheus.MustRegister(publishPayloadBytes)
	prometheus.MustRegister(widePublishes)
	prometheus.MustRegister(subscribeTopics)
	prometheus.MustRegister(unsubscribeTopics)
	prometheus.MustRegister(queueDrops)
	prometheus.MustRegister(drainsTotal)
	prometheus.MustRegister(drainEntries)
	prometheus.MustRegister(topicsActive)
	prometheus.MustRegister(subscriptionsActive)

	prometheus.MustRegister(cpuPercent)
	prometheus.MustRegister(memoryRSSBytes)
	prometheus.MustRegister(hostMemoryUsedPercent)
	prometheus.MustRegister(goroutinesActive)
}

// RecordConnectionAccepted counts an accepted client and bumps the
// active gauge.
func RecordConnectionAccepted() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordConnectionRejected counts a client turned away at the
// connection limit.
func RecordConnectionRejected() {
	connectionsRejected.Inc()
}

// RecordDisconnect drops the active gauge and attributes the
// disconnect to one of the DisconnectReason constants.
func RecordDisconnect(reason string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(reason).Inc()
}

// SetMaxConnections publishes the configured connection limit.
func SetMaxConnections(max int) {
	connectionsMax.Set(float64(max))
}

// RecordRequest counts one parsed protocol request by command name.
func RecordRequest(command string) {
	requestsTotal.WithLabelValues(command).Inc()
}

// RecordProtocolError counts a request rejected by parsing or framing.
func RecordProtocolError() {
	protocolErrors.Inc()
}

// RecordBytesRead adds to the inbound byte counter.
func RecordBytesRead(n int) {
	bytesRead.Add(float64(n))
}

// RecordBytesWritten adds to the outbound byte counter.
func RecordBytesWritten(n int) {
	bytesWritten.Add(float64(n))
}

// RecordPublish captures one routed message: how many topics it named,
// how many queues it reached and how large the payload was.
func RecordPublish(topics, fanout, payloadLen int) {
	publishesTotal.Inc()
	deliveriesTotal.Add(float64(fanout))
	publishTopics.Observe(float64(topics))
	publishFanout.Observe(float64(fanout))
	publishPayloadBytes.Observe(float64(payloadLen))
}

// RecordWideTopicPublish counts a publish that crossed the configured
// topic-count warning threshold.
func RecordWideTopicPublish() {
	widePublishes.Inc()
}

// RecordSubscribe adds the number of topics named by one subscribe.
func RecordSubscribe(n int) {
	subscribeTopics.Add(float64(n))
}

// RecordUnsubscribe adds the number of topics named by one unsubscribe.
func RecordUnsubscribe(n int) {
	unsubscribeTopics.Add(float64(n))
}

// RecordQueueDrop counts a queue removed from the router.
func RecordQueueDrop() {
	queueDrops.Inc()
}

// RecordDrain captures one mailbox drain and the number of entries it
// returned.
func RecordDrain(entries int) {
	drainsTotal.Inc()
	drainEntries.Observe(float64(entries))
}

// UpdateRouterMetrics publishes the router's aggregate gauges.
func UpdateRouterMetrics(topics, subscriptions int) {
	topicsActive.Set(float64(topics))
	subscriptionsActive.Set(float64(subscriptions))
}

// UpdateSystemMetrics publishes process health gauges sampled by the
// system monitor.
func UpdateSystemMetrics(cpu float64, rssBytes uint64, hostMemPercent float64, goroutines int) {
	cpuPercent.Set(cpu)
	memoryRSSBytes.Set(float64(rssBytes))
	hostMemoryUsedPercent.Set(hostMemPercent)
	goroutinesActive.Set(float64(goroutines))
}
