package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bosky101/kraken/internal/broker"
	"github.com/bosky101/kraken/internal/monitoring"
	"github.com/bosky101/kraken/internal/protocol"
)

const (
	// readBufSize is the per-connection read buffer. One Read call
	// yields one chunk for the framing state machine.
	readBufSize = 4096

	// maxLineLen bounds a single command line. Topics travel in
	// request bodies, so real command lines stay tiny.
	maxLineLen = 4096

	// writeTimeout bounds any single response write.
	writeTimeout = 10 * time.Second
)

// Connection-ending conditions that are not protocol violations.
var (
	errQuit        = errors.New("client quit")
	errWriteFailed = errors.New("write failed")
)

type connState int

const (
	// stateLine accumulates bytes until a CRLF-terminated command line.
	stateLine connState = iota
	// stateBody accumulates the declared body of a set command.
	stateBody
)

// conn is one client connection. It owns the socket, the framing state
// machine and the client's queue. All reads and writes happen on the
// connection's own goroutine; the router does its work on whatever
// goroutine calls into it.
type conn struct {
	srv *Server
	nc  net.Conn
	q   *broker.Queue

	logger      zerolog.Logger
	connectedAt time.Time
	closeOnce   sync.Once

	state     connState
	pending   string // set sub-command whose body is being read
	remaining int    // body bytes still owed, including the trailing CRLF
	lineBuf   []byte
	bodyBuf   []byte
}

func newConn(s *Server, nc net.Conn, q *broker.Queue) *conn {
	return &conn{
		srv: s,
		nc:  nc,
		q:   q,
		logger: s.logger.With().
			Str("client", q.Name()).
			Str("remote_addr", nc.RemoteAddr().String()).
			Logger(),
		connectedAt: time.Now(),
		state:       stateLine,
	}
}

// close shuts the socket down at most once. Both the connection's own
// teardown and server shutdown may race to call it.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()
	})
}

// serve runs the read loop until the connection ends and returns the
// disconnect reason for metrics and logs. The idle deadline is re-armed
// before every read, so only a fully silent client trips it.
func (c *conn) serve() string {
	buf := make([]byte, readBufSize)
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.ClientIdleTimeout)); err != nil {
			return monitoring.DisconnectReasonReadError
		}

		n, err := c.nc.Read(buf)
		if n > 0 {
			monitoring.RecordBytesRead(n)
			if ferr := c.feed(buf[:n]); ferr != nil {
				switch {
				case errors.Is(ferr, errQuit):
					return monitoring.DisconnectReasonQuit
				case errors.Is(ferr, errWriteFailed):
					return monitoring.DisconnectReasonWriteError
				default:
					// Anything the grammar rejects: answer ERROR if the
					// socket still takes it, then drop the client.
					c.logger.Warn().Err(ferr).Msg("Protocol error")
					monitoring.RecordProtocolError()
					c.writeBestEffort(protocol.RespError)
					return monitoring.DisconnectReasonProtocolError
				}
			}
		}

		if err != nil {
			if c.srv.shuttingDown.Load() {
				return monitoring.DisconnectReasonShutdown
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.logger.Error().
					Dur("idle_timeout", c.srv.cfg.ClientIdleTimeout).
					Msg("Client idle timeout")
				return monitoring.DisconnectReasonIdleTimeout
			}
			if errors.Is(err, io.EOF) {
				c.logger.Debug().Msg("Client closed connection")
			} else {
				c.logger.Debug().Err(err).Msg("Read failed")
			}
			return monitoring.DisconnectReasonReadError
		}
	}
}

// feed advances the framing state machine by one chunk as returned by a
// single Read. In body state a chunk carrying more bytes than the
// declared remainder is a framing violation, not pipelining.
func (c *conn) feed(data []byte) error {
	for len(data) > 0 {
		switch c.state {
		case stateLine:
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				if len(c.lineBuf)+len(data) > maxLineLen {
					return fmt.Errorf("command line exceeds %d bytes", maxLineLen)
				}
				c.lineBuf = append(c.lineBuf, data...)
				return nil
			}

			var line []byte
			if len(c.lineBuf) > 0 {
				c.lineBuf = append(c.lineBuf, data[:idx]...)
				line = c.lineBuf
			} else {
				line = data[:idx]
			}
			data = data[idx+1:]

			if len(line) > maxLineLen {
				return fmt.Errorf("command line exceeds %d bytes", maxLineLen)
			}
			if len(line) == 0 || line[len(line)-1] != '\r' {
				return errors.New("command line not terminated by CRLF")
			}
			err := c.handleLine(line[:len(line)-1])
			c.lineBuf = c.lineBuf[:0]
			if err != nil {
				return err
			}

		case stateBody:
			if len(data) > c.remaining {
				return fmt.Errorf("body overrun: %d bytes arrived with %d remaining", len(data), c.remaining)
			}
			c.bodyBuf = append(c.bodyBuf, data...)
			c.remaining -= len(data)
			data = nil
			if c.remaining == 0 {
				if err := c.finishBody(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *conn) handleLine(line []byte) error {
	req, err := protocol.ParseRequestLine(line)
	if err != nil {
		return err
	}

	switch req.Kind {
	case protocol.KindQuit:
		monitoring.RecordRequest("quit")
		return errQuit

	case protocol.KindGetMessages:
		monitoring.RecordRequest("get")
		return c.handleFetch()

	case protocol.KindSet:
		monitoring.RecordRequest(req.Command)
		c.state = stateBody
		c.pending = req.Command
		c.remaining = req.BodyLen + len(protocol.CRLF)
		// A fresh buffer per body: published payloads keep aliasing it
		// from inside subscriber queues after this request finishes.
		c.bodyBuf = make([]byte, 0, min(c.remaining, 64*1024))
	}
	return nil
}

// finishBody runs once the declared body has fully arrived.
func (c *conn) finishBody() error {
	body := c.bodyBuf
	cmd := c.pending
	c.bodyBuf = nil
	c.pending = ""
	c.state = stateLine

	if len(body) < 2 || body[len(body)-2] != '\r' || body[len(body)-1] != '\n' {
		return errors.New("body not terminated by CRLF")
	}
	payload := body[:len(body)-2]

	switch cmd {
	case protocol.CmdSubscribe:
		topics := protocol.SplitTopics(payload)
		c.srv.router.Subscribe(c.q, topics)
		c.logger.Debug().Int("topics", len(topics)).Msg("Subscribed")
		return c.write(protocol.RespStored)

	case protocol.CmdUnsubscribe:
		topics := protocol.SplitTopics(payload)
		c.srv.router.Unsubscribe(c.q, topics)
		c.logger.Debug().Int("topics", len(topics)).Msg("Unsubscribed")
		return c.write(protocol.RespStored)

	case protocol.CmdPublish:
		msgs, err := protocol.ParsePublishBlock(payload)
		if err != nil {
			return err
		}
		delivered := 0
		for _, m := range msgs {
			delivered += c.srv.router.Publish(c.q, m.Topics, m.Payload)
		}
		c.logger.Debug().
			Int("messages", len(msgs)).
			Int("deliveries", delivered).
			Msg("Published")
		return c.write(protocol.RespStored)
	}

	return fmt.Errorf("no handler for pending command %q", cmd)
}

// handleFetch drains the client's mailbox into one retrieval response.
func (c *conn) handleFetch() error {
	entries := c.q.Drain()
	monitoring.RecordDrain(len(entries))
	if len(entries) == 0 {
		return c.write(protocol.RespEnd)
	}

	var block []byte
	for _, e := range entries {
		block = protocol.AppendMessage(block, e.Topics, e.Payload)
	}
	resp := protocol.AppendFetchResponse(make([]byte, 0, len(block)+32), block)

	c.logger.Debug().
		Int("entries", len(entries)).
		Int("block_bytes", len(block)).
		Msg("Mailbox drained")
	return c.write(resp)
}

// write sends one complete response. Never called while holding broker
// locks; a stalled client must not stall routing for everyone else.
func (c *conn) write(b []byte) error {
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", errWriteFailed, err)
	}
	n, err := c.nc.Write(b)
	monitoring.RecordBytesWritten(n)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Write failed")
		return fmt.Errorf("%w: %v", errWriteFailed, err)
	}
	return nil
}

func (c *conn) writeBestEffort(b []byte) {
	_ = c.write(b)
}
