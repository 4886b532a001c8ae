// kraken-loadtest drives a running broker with a configurable mix of
// subscribers, publishers and fetch traffic, then reports delivery
// throughput. It speaks the broker's own wire protocol over plain TCP,
// so it doubles as a smoke test for the framing.
//
// Usage:
//
//	kraken-loadtest -addr localhost:12355 -subscribers 500 -publishers 10 -duration 60
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/bosky101/kraken/internal/protocol"
)

type testConfig struct {
	Addr              string
	Subscribers       int
	Publishers        int
	Topics            int
	TopicsPerClient   int
	PublishRate       int // messages per second per publisher
	PayloadBytes      int
	FetchIntervalMs   int
	RampRate          int // new subscriber connections per second
	DurationSec       int
	ReportIntervalSec int
}

type testState struct {
	connected        atomic.Int64
	failed           atomic.Int64
	published        atomic.Int64
	delivered        atomic.Int64
	fetches          atomic.Int64
	protocolErrors   atomic.Int64
	startTime        time.Time
	lastReported     atomic.Int64 // delivered at previous report, for rate math
	lastReportedTime atomic.Int64 // unix nanos of previous report
}

var (
	cfg   testConfig
	state testState
)

func parseFlags() {
	flag.StringVar(&cfg.Addr, "addr", "localhost:12355", "broker address")
	flag.IntVar(&cfg.Subscribers, "subscribers", 100, "subscriber connections")
	flag.IntVar(&cfg.Publishers, "publishers", 5, "publisher connections")
	flag.IntVar(&cfg.Topics, "topics", 20, "distinct topics in play")
	flag.IntVar(&cfg.TopicsPerClient, "topics-per-client", 3, "topics each subscriber picks at random")
	flag.IntVar(&cfg.PublishRate, "publish-rate", 50, "messages per second per publisher")
	flag.IntVar(&cfg.PayloadBytes, "payload-bytes", 128, "payload size per message")
	flag.IntVar(&cfg.FetchIntervalMs, "fetch-interval", 250, "milliseconds between mailbox fetches")
	flag.IntVar(&cfg.RampRate, "ramp-rate", 100, "subscriber connections opened per second")
	flag.IntVar(&cfg.DurationSec, "duration", 30, "sustain duration in seconds after ramp-up")
	flag.IntVar(&cfg.ReportIntervalSec, "report-interval", 5, "seconds between progress reports")
	flag.Parse()
}

func topicName(i int) string {
	return fmt.Sprintf("load.topic-%d", i)
}

// client wraps one TCP connection speaking the broker protocol.
type client struct {
	nc net.Conn
	r  *bufio.Reader
}

func dial() (*client, error) {
	nc, err := net.DialTimeout("tcp", cfg.Addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &client{nc: nc, r: bufio.NewReader(nc)}, nil
}

func (c *client) close() {
	_ = c.nc.Close()
}

// roundTrip sends one framed set request and expects STORED.
func (c *client) roundTrip(command string, body []byte) error {
	req := fmt.Sprintf("set %s 0 0 %d\r\n", command, len(body))
	if _, err := c.nc.Write(append(append([]byte(req), body...), '\r', '\n')); err != nil {
		return err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return err
	}
	if line != "STORED\r\n" {
		return fmt.Errorf("expected STORED, got %q", line)
	}
	return nil
}

// fetch drains the mailbox and returns the number of entries received.
func (c *client) fetch() (int, error) {
	if _, err := c.nc.Write([]byte("get messages\r\n")); err != nil {
		return 0, err
	}
	line, err := c.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	if line == "END\r\n" {
		return 0, nil
	}

	var n int
	if _, err := fmt.Sscanf(line, "VALUE messages 0 %d\r\n", &n); err != nil {
		return 0, fmt.Errorf("unexpected fetch response %q", line)
	}
	block := make([]byte, n+2)
	if _, err := io.ReadFull(c.r, block); err != nil {
		return 0, err
	}
	end, err := c.r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	if end != "END\r\n" {
		return 0, fmt.Errorf("expected END, got %q", end)
	}

	msgs, err := protocol.ParsePublishBlock(block[:n])
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func pickTopics(rng *rand.Rand) []string {
	count := cfg.TopicsPerClient
	if count > cfg.Topics {
		count = cfg.Topics
	}
	picked := rng.Perm(cfg.Topics)[:count]
	topics := make([]string, count)
	for i, idx := range picked {
		topics[i] = topicName(idx)
	}
	return topics
}

// runSubscriber subscribes to a random topic set and drains its mailbox
// on a fixed cadence until the test ends.
func runSubscriber(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()

	c, err := dial()
	if err != nil {
		state.failed.Add(1)
		return
	}
	defer c.close()
	state.connected.Add(1)
	defer state.connected.Add(-1)

	rng := rand.New(rand.NewSource(int64(id)))
	if err := c.roundTrip("subscribe", []byte(strings.Join(pickTopics(rng), " "))); err != nil {
		state.protocolErrors.Add(1)
		return
	}

	ticker := time.NewTicker(time.Duration(cfg.FetchIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.fetch()
			if err != nil {
				state.protocolErrors.Add(1)
				return
			}
			state.delivered.Add(int64(n))
			state.fetches.Add(1)
		}
	}
}

// runPublisher publishes single-entry blocks to random topics at the
// configured rate.
func runPublisher(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()

	c, err := dial()
	if err != nil {
		state.failed.Add(1)
		return
	}
	defer c.close()
	state.connected.Add(1)
	defer state.connected.Add(-1)

	rng := rand.New(rand.NewSource(int64(id) * 7919))
	payload := make([]byte, cfg.PayloadBytes)
	rng.Read(payload)

	limiter := rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		topic := topicName(rng.Intn(cfg.Topics))
		block := protocol.AppendMessage(nil, []string{topic}, payload)
		if err := c.roundTrip("publish", block); err != nil {
			state.protocolErrors.Add(1)
			return
		}
		state.published.Add(1)
	}
}

func report() {
	now := time.Now()
	delivered := state.delivered.Load()

	prev := state.lastReported.Swap(delivered)
	prevT := state.lastReportedTime.Swap(now.UnixNano())
	elapsed := time.Duration(now.UnixNano() - prevT)
	var perSec float64
	if elapsed > 0 {
		perSec = float64(delivered-prev) / elapsed.Seconds()
	}

	log.Printf("📊 conns=%d failed=%d published=%d delivered=%d (%.0f/s) fetches=%d errors=%d uptime=%s",
		state.connected.Load(),
		state.failed.Load(),
		state.published.Load(),
		delivered,
		perSec,
		state.fetches.Load(),
		state.protocolErrors.Load(),
		time.Since(state.startTime).Round(time.Second))
}

func main() {
	parseFlags()
	state.startTime = time.Now()
	state.lastReportedTime.Store(state.startTime.UnixNano())

	log.Printf("🚀 kraken load test: %d subscribers, %d publishers, %d topics against %s",
		cfg.Subscribers, cfg.Publishers, cfg.Topics, cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("🛑 Interrupted, shutting down")
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.ReportIntervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report()
			}
		}
	}()

	var wg sync.WaitGroup

	for i := 0; i < cfg.Publishers; i++ {
		wg.Add(1)
		go runPublisher(ctx, i, &wg)
	}

	// Subscribers ramp up at the configured rate so the broker sees a
	// steady arrival curve instead of one thundering herd.
	rampLimiter := rate.NewLimiter(rate.Limit(cfg.RampRate), 1)
	for i := 0; i < cfg.Subscribers; i++ {
		if err := rampLimiter.Wait(ctx); err != nil {
			break
		}
		wg.Add(1)
		go runSubscriber(ctx, i, &wg)
	}

	log.Printf("🔒 Ramp-up complete, sustaining for %ds", cfg.DurationSec)
	select {
	case <-time.After(time.Duration(cfg.DurationSec) * time.Second):
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	log.Printf("✅ Test complete")
	report()
}
