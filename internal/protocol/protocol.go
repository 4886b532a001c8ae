// Package protocol implements the memcached-flavored wire grammar the
// broker speaks. Clients issue memcached text commands; the broker maps
// them onto pub/sub verbs:
//
//	set subscribe 0 0 <bytes>\r\n<topics>\r\n      -> STORED
//	set unsubscribe 0 0 <bytes>\r\n<topics>\r\n    -> STORED
//	set publish 0 0 <bytes>\r\n<block>\r\n         -> STORED
//	get messages\r\n                               -> VALUE messages 0 <n>\r\n<block>\r\nEND\r\n, or END\r\n
//	quit\r\n                                       -> connection closed
//
// <bytes> counts the body without its terminating CRLF. A publish body
// is a block of entries, each "MESSAGE <topics...> <len>\r\n<payload>\r\n";
// payloads are binary-safe, so entry boundaries are found by the
// declared lengths, never by scanning for CRLF. Anything outside this
// grammar earns "ERROR\r\n" and the connection is dropped.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// CRLF terminates every line and every body on the wire.
const CRLF = "\r\n"

// Body and payload lengths beyond this are treated as malformed. The
// cap keeps the remaining-bytes arithmetic safe against overflow.
const maxBodyBytes = 1 << 30

// Sub-commands carried by the memcached set verb.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdPublish     = "publish"
)

// Canned responses.
var (
	RespStored         = []byte("STORED" + CRLF)
	RespEnd            = []byte("END" + CRLF)
	RespError          = []byte("ERROR" + CRLF)
	RespTooManyClients = []byte("SERVER_ERROR Too many clients" + CRLF)
)

var (
	// ErrUnknownCommand marks a line whose verb is not part of the
	// grammar. The connection answers ERROR and closes.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMalformedRequest marks a recognized verb with a broken shape,
	// like a set line with a non-numeric byte count.
	ErrMalformedRequest = errors.New("malformed request line")

	// ErrMalformedBlock marks a publish body that does not parse as a
	// sequence of MESSAGE entries.
	ErrMalformedBlock = errors.New("malformed publish block")
)

// RequestKind discriminates the parsed request forms.
type RequestKind int

const (
	// KindSet is a storage command announcing a body of BodyLen bytes.
	KindSet RequestKind = iota
	// KindGetMessages drains the client's mailbox.
	KindGetMessages
	// KindQuit closes the connection cleanly.
	KindQuit
)

// Request is one parsed command line.
type Request struct {
	Kind RequestKind

	// Command is the set sub-command (CmdSubscribe, CmdUnsubscribe or
	// CmdPublish). Only meaningful when Kind is KindSet.
	Command string

	// BodyLen is the declared body size in bytes, excluding the
	// trailing CRLF. Only meaningful when Kind is KindSet.
	BodyLen int
}

// Message is one entry parsed out of a publish block.
type Message struct {
	Topics  []string
	Payload []byte
}

var crlfBytes = []byte(CRLF)

// splitTokens splits on single spaces and drops empty tokens, so runs
// of spaces collapse. Only the space character separates; topics are
// free to contain any other byte except CR and LF.
func splitTokens(b []byte) [][]byte {
	parts := bytes.Split(b, []byte(" "))
	tokens := parts[:0]
	for _, p := range parts {
		if len(p) > 0 {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// SplitTopics tokenizes a subscribe or unsubscribe body into topic
// names. An empty or all-space body yields nil, which callers treat as
// a no-op request.
func SplitTopics(body []byte) []string {
	tokens := splitTokens(body)
	if len(tokens) == 0 {
		return nil
	}
	topics := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		topics = append(topics, string(tok))
	}
	return topics
}

// ParseRequestLine parses one command line, already stripped of its
// CRLF. Unknown verbs and recognized verbs in a broken shape both fail;
// the caller answers ERROR either way and closes the connection.
func ParseRequestLine(line []byte) (Request, error) {
	tokens := splitTokens(line)
	if len(tokens) == 0 {
		return Request{}, fmt.Errorf("%w: empty line", ErrMalformedRequest)
	}

	switch string(tokens[0]) {
	case "quit":
		if len(tokens) != 1 {
			return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
		}
		return Request{Kind: KindQuit}, nil

	case "get":
		// The only key the broker serves is the client's own mailbox.
		if len(tokens) != 2 || string(tokens[1]) != "messages" {
			return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
		}
		return Request{Kind: KindGetMessages}, nil

	case "set":
		if len(tokens) != 5 {
			return Request{}, fmt.Errorf("%w: set needs 5 fields, got %d", ErrMalformedRequest, len(tokens))
		}
		cmd := string(tokens[1])
		switch cmd {
		case CmdSubscribe, CmdUnsubscribe, CmdPublish:
		default:
			return Request{}, fmt.Errorf("%w: set %q", ErrUnknownCommand, cmd)
		}
		// Flags and exptime exist for memcached compatibility. They
		// must be numeric but their values are ignored.
		for _, tok := range tokens[2:4] {
			if _, err := strconv.Atoi(string(tok)); err != nil {
				return Request{}, fmt.Errorf("%w: non-numeric field %q", ErrMalformedRequest, tok)
			}
		}
		size, err := strconv.Atoi(string(tokens[4]))
		if err != nil || size < 0 || size > maxBodyBytes {
			return Request{}, fmt.Errorf("%w: bad body length %q", ErrMalformedRequest, tokens[4])
		}
		return Request{Kind: KindSet, Command: cmd, BodyLen: size}, nil
	}

	return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, tokens[0])
}

// ParsePublishBlock parses a publish body into its entries. Entry
// boundaries follow the declared payload lengths. An empty block
// parses to nil entries: publishing nothing is legal and does nothing.
//
// Any leftover bytes that do not form a complete entry make the whole
// block malformed; no prefix of it is delivered.
func ParsePublishBlock(block []byte) ([]Message, error) {
	var msgs []Message
	rest := block
	for len(rest) > 0 {
		nl := bytes.Index(rest, crlfBytes)
		if nl < 0 {
			return nil, fmt.Errorf("%w: entry header missing CRLF", ErrMalformedBlock)
		}
		tokens := splitTokens(rest[:nl])
		// MESSAGE keyword, at least one topic, payload length.
		if len(tokens) < 3 || !bytes.Equal(tokens[0], []byte("MESSAGE")) {
			return nil, fmt.Errorf("%w: bad entry header %q", ErrMalformedBlock, rest[:nl])
		}
		size, err := strconv.Atoi(string(tokens[len(tokens)-1]))
		if err != nil || size < 0 || size > maxBodyBytes {
			return nil, fmt.Errorf("%w: bad payload length %q", ErrMalformedBlock, tokens[len(tokens)-1])
		}
		topics := make([]string, 0, len(tokens)-2)
		for _, tok := range tokens[1 : len(tokens)-1] {
			topics = append(topics, string(tok))
		}

		body := rest[nl+2:]
		if len(body) < size+2 {
			return nil, fmt.Errorf("%w: payload truncated, want %d bytes", ErrMalformedBlock, size)
		}
		if body[size] != '\r' || body[size+1] != '\n' {
			return nil, fmt.Errorf("%w: payload not terminated by CRLF", ErrMalformedBlock)
		}

		msgs = append(msgs, Message{Topics: topics, Payload: body[:size]})
		rest = body[size+2:]
	}
	return msgs, nil
}

// AppendMessage appends one wire-encoded entry to dst and returns the
// extended slice. The inverse of ParsePublishBlock for a single entry.
func AppendMessage(dst []byte, topics []string, payload []byte) []byte {
	dst = append(dst, "MESSAGE "...)
	for _, t := range topics {
		dst = append(dst, t...)
		dst = append(dst, ' ')
	}
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, payload...)
	dst = append(dst, CRLF...)
	return dst
}

// AppendFetchResponse wraps an already-encoded entry block in the
// memcached retrieval envelope. The VALUE length counts the block
// alone, without the envelope's own CRLF. An empty block answers just
// END: an empty mailbox returns no VALUE line at all.
func AppendFetchResponse(dst, block []byte) []byte {
	if len(block) == 0 {
		return append(dst, RespEnd...)
	}
	dst = append(dst, "VALUE messages 0 "...)
	dst = strconv.AppendInt(dst, int64(len(block)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, block...)
	dst = append(dst, CRLF...)
	return append(dst, RespEnd...)
}
