package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bosky101/kraken/internal/broker"
	"github.com/bosky101/kraken/internal/config"
)

// startTestServer brings up a full broker on an ephemeral port. mutate
// tweaks the baseline config before startup.
func startTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := &config.Config{
		ListenIP:                     "127.0.0.1",
		TCPServerPort:                0,
		MaxTCPClients:                32,
		NumRouterShards:              4,
		RouterMinFanoutToWarn:        100,
		RouterMinPublishTopicsToWarn: 10,
		ClientIdleTimeout:            time.Minute,
		MetricsAddr:                  "",
		MetricsInterval:              time.Minute,
		LogLevel:                     "info",
		LogFormat:                    "json",
	}
	if mutate != nil {
		mutate(cfg)
	}

	router := broker.NewRouter(broker.RouterConfig{
		Shards:                 cfg.NumRouterShards,
		MinFanoutToWarn:        cfg.RouterMinFanoutToWarn,
		MinPublishTopicsToWarn: cfg.RouterMinPublishTopicsToWarn,
	}, zerolog.Nop())

	s := New(cfg, router, zerolog.Nop())
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

// testClient drives the wire protocol against a running broker.
type testClient struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func dialBroker(t *testing.T, s *Server) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	require.NoError(t, nc.SetDeadline(time.Now().Add(5*time.Second)))
	return &testClient{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	_, err := c.nc.Write([]byte(raw))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return line
}

func (c *testClient) readN(n int) string {
	c.t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(c.r, buf)
	require.NoError(c.t, err)
	return string(buf)
}

func (c *testClient) subscribe(topics string) {
	c.t.Helper()
	c.send(fmt.Sprintf("set subscribe 0 0 %d\r\n%s\r\n", len(topics), topics))
	require.Equal(c.t, "STORED\r\n", c.readLine())
}

func (c *testClient) unsubscribe(topics string) {
	c.t.Helper()
	c.send(fmt.Sprintf("set unsubscribe 0 0 %d\r\n%s\r\n", len(topics), topics))
	require.Equal(c.t, "STORED\r\n", c.readLine())
}

func (c *testClient) publish(block string) {
	c.t.Helper()
	c.send(fmt.Sprintf("set publish 0 0 %d\r\n%s\r\n", len(block), block))
	require.Equal(c.t, "STORED\r\n", c.readLine())
}

// fetch drains the client's mailbox and returns the raw message block,
// or "" for an empty mailbox.
func (c *testClient) fetch() string {
	c.t.Helper()
	c.send("get messages\r\n")
	line := c.readLine()
	if line == "END\r\n" {
		return ""
	}

	var n int
	_, err := fmt.Sscanf(line, "VALUE messages 0 %d\r\n", &n)
	require.NoError(c.t, err, "unexpected fetch response line %q", line)

	block := c.readN(n)
	require.Equal(c.t, "\r\n", c.readN(2))
	require.Equal(c.t, "END\r\n", c.readLine())
	return block
}

func TestSingleSubscriberRoundTrip(t *testing.T) {
	s := startTestServer(t, nil)
	c1 := dialBroker(t, s)
	c2 := dialBroker(t, s)

	c1.subscribe("a")
	c2.publish("MESSAGE a 2\r\nm1\r\n")

	// Exact wire bytes of the retrieval envelope.
	c1.send("get messages\r\n")
	want := "VALUE messages 0 17\r\nMESSAGE a 2\r\nm1\r\n\r\nEND\r\n"
	require.Equal(t, want, c1.readN(len(want)))

	// The drain emptied the mailbox; a second fetch finds nothing.
	require.Empty(t, c1.fetch())
}

func TestMultiTopicPublishDeliversOnce(t *testing.T) {
	// One shard so both topics share a serialization domain and the
	// delivery collapses into a single entry listing both.
	s := startTestServer(t, func(cfg *config.Config) {
		cfg.NumRouterShards = 1
	})
	c1 := dialBroker(t, s)
	c2 := dialBroker(t, s)

	c1.subscribe("a b")
	c2.publish("MESSAGE a b 2\r\nok\r\n")

	require.Equal(t, "MESSAGE a b 2\r\nok\r\n", c1.fetch())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := startTestServer(t, nil)
	c1 := dialBroker(t, s)
	c2 := dialBroker(t, s)

	c1.subscribe("x")
	c1.unsubscribe("x")
	c2.publish("MESSAGE x 2\r\nmm\r\n")

	require.Empty(t, c1.fetch())
}

func TestSelfDelivery(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.subscribe("t")
	c.publish("MESSAGE t 1\r\nh\r\n")

	require.Equal(t, "MESSAGE t 1\r\nh\r\n", c.fetch())
}

func TestBinarySafePayload(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	payload := "a\r\nb\nc\x00"
	c.subscribe("bin")
	c.publish(fmt.Sprintf("MESSAGE bin %d\r\n%s\r\n", len(payload), payload))

	require.Equal(t, fmt.Sprintf("MESSAGE bin %d\r\n%s\r\n", len(payload), payload), c.fetch())
}

func TestMultiEntryPublishBlock(t *testing.T) {
	s := startTestServer(t, nil)
	c1 := dialBroker(t, s)
	c2 := dialBroker(t, s)

	c1.subscribe("a")
	c2.publish("MESSAGE a 2\r\nm1\r\nMESSAGE a 2\r\nm2\r\nMESSAGE other 2\r\nm3\r\n")

	require.Equal(t, "MESSAGE a 2\r\nm1\r\nMESSAGE a 2\r\nm2\r\n", c1.fetch())
}

func TestEmptySubscribeBodyIsNoop(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.send("set subscribe 0 0 0\r\n\r\n")
	require.Equal(t, "STORED\r\n", c.readLine())
	require.Zero(t, s.router.Stats().Subscriptions)
}

func TestEmptyPublishBlockIsNoop(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.send("set publish 0 0 0\r\n\r\n")
	require.Equal(t, "STORED\r\n", c.readLine())
}

func TestGetMessagesToleratesTrailingSpace(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.send("get messages \r\n")
	require.Equal(t, "END\r\n", c.readLine())
}

func TestPipelinedLineCommands(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.send("get messages\r\nquit\r\n")
	require.Equal(t, "END\r\n", c.readLine())
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestUnknownCommandGetsError(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.send("bogus command\r\n")
	require.Equal(t, "ERROR\r\n", c.readLine())
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestBodyOverrunGetsError(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	// Declared one body byte, shipped two. However the kernel splits
	// the chunks, the broker must refuse the excess.
	c.send("set subscribe 0 0 1\r\nab\r\n")
	require.Equal(t, "ERROR\r\n", c.readLine())
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestMalformedPublishBlockGetsError(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.send("set publish 0 0 4\r\njunk\r\n")
	require.Equal(t, "ERROR\r\n", c.readLine())
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestQuitClosesConnection(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	c.send("quit\r\n")
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestIdleTimeoutClosesConnection(t *testing.T) {
	s := startTestServer(t, func(cfg *config.Config) {
		cfg.ClientIdleTimeout = 100 * time.Millisecond
	})
	c := dialBroker(t, s)

	// Stay silent past the idle bound; the broker closes without a
	// response.
	_, err := c.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)
}

func TestDisconnectCleansUpRouterState(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)

	topics := ""
	for i := 0; i < 100; i++ {
		if i > 0 {
			topics += " "
		}
		topics += fmt.Sprintf("cleanup-%d", i)
	}
	c.subscribe(topics)
	require.Equal(t, 100, s.router.Stats().Subscriptions)

	require.NoError(t, c.nc.Close())

	// Teardown runs on the connection's goroutine after the read
	// fails; give it a moment.
	require.Eventually(t, func() bool {
		st := s.router.Stats()
		return st.Subscriptions == 0 && st.Topics == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect must leave no routing state behind")
}

func TestConnectionLimit(t *testing.T) {
	s := startTestServer(t, func(cfg *config.Config) {
		cfg.MaxTCPClients = 2
	})

	// Fill both slots and prove them live with a round trip.
	c1 := dialBroker(t, s)
	c1.subscribe("a")
	c2 := dialBroker(t, s)
	c2.subscribe("a")

	// The third client is turned away at the door.
	c3 := dialBroker(t, s)
	require.Equal(t, "SERVER_ERROR Too many clients\r\n", c3.readLine())
	_, err := c3.r.ReadByte()
	require.ErrorIs(t, err, io.EOF)

	// A slot frees up once a live client leaves.
	require.NoError(t, c1.nc.Close())
	require.Eventually(t, func() bool {
		nc, err := net.Dial("tcp", s.Addr().String())
		if err != nil {
			return false
		}
		defer nc.Close()
		_ = nc.SetDeadline(time.Now().Add(time.Second))
		if _, err := nc.Write([]byte("get messages\r\n")); err != nil {
			return false
		}
		line, err := bufio.NewReader(nc).ReadString('\n')
		return err == nil && line == "END\r\n"
	}, 2*time.Second, 20*time.Millisecond, "a freed slot must admit a new client")
}

func TestShutdownClosesClients(t *testing.T) {
	s := startTestServer(t, nil)
	c := dialBroker(t, s)
	c.subscribe("t")

	require.NoError(t, s.Shutdown())

	_, err := c.r.ReadByte()
	require.Error(t, err)

	st := s.router.Stats()
	require.Zero(t, st.Subscriptions)
}
