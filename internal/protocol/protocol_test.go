package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequestLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Request
	}{
		{
			name: "subscribe",
			line: "set subscribe 0 0 3",
			want: Request{Kind: KindSet, Command: CmdSubscribe, BodyLen: 3},
		},
		{
			name: "unsubscribe",
			line: "set unsubscribe 0 0 12",
			want: Request{Kind: KindSet, Command: CmdUnsubscribe, BodyLen: 12},
		},
		{
			name: "publish",
			line: "set publish 0 0 17",
			want: Request{Kind: KindSet, Command: CmdPublish, BodyLen: 17},
		},
		{
			name: "flags and exptime carried but ignored",
			line: "set publish 42 86400 5",
			want: Request{Kind: KindSet, Command: CmdPublish, BodyLen: 5},
		},
		{
			name: "zero length body",
			line: "set subscribe 0 0 0",
			want: Request{Kind: KindSet, Command: CmdSubscribe, BodyLen: 0},
		},
		{
			name: "repeated spaces collapse",
			line: "set  subscribe 0  0 3",
			want: Request{Kind: KindSet, Command: CmdSubscribe, BodyLen: 3},
		},
		{
			name: "get messages",
			line: "get messages",
			want: Request{Kind: KindGetMessages},
		},
		{
			name: "quit",
			line: "quit",
			want: Request{Kind: KindQuit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequestLine([]byte(tt.line))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseRequestLineRejects(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{"empty line", "", ErrMalformedRequest},
		{"spaces only", "   ", ErrMalformedRequest},
		{"unknown verb", "delete messages", ErrUnknownCommand},
		{"get of another key", "get queue", ErrUnknownCommand},
		{"get with extra key", "get messages extra", ErrUnknownCommand},
		{"quit with arguments", "quit now", ErrUnknownCommand},
		{"unknown set command", "set replicate 0 0 5", ErrUnknownCommand},
		{"set missing length", "set publish 0 0", ErrMalformedRequest},
		{"set with extra field", "set publish 0 0 5 6", ErrMalformedRequest},
		{"non-numeric flags", "set publish x 0 5", ErrMalformedRequest},
		{"non-numeric exptime", "set publish 0 x 5", ErrMalformedRequest},
		{"non-numeric length", "set publish 0 0 five", ErrMalformedRequest},
		{"negative length", "set publish 0 0 -1", ErrMalformedRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequestLine([]byte(tt.line))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSplitTopics(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"single topic", "alerts", []string{"alerts"}},
		{"several topics", "a b c", []string{"a", "b", "c"}},
		{"repeated spaces collapse", "a  b", []string{"a", "b"}},
		{"leading and trailing spaces", " a b ", []string{"a", "b"}},
		{"empty body", "", nil},
		{"spaces only", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, SplitTopics([]byte(tt.body)))
		})
	}
}

func TestParsePublishBlock(t *testing.T) {
	t.Run("single entry", func(t *testing.T) {
		msgs, err := ParsePublishBlock([]byte("MESSAGE a 2\r\nm1\r\n"))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, []string{"a"}, msgs[0].Topics)
		require.Equal(t, []byte("m1"), msgs[0].Payload)
	})

	t.Run("several entries", func(t *testing.T) {
		block := []byte("MESSAGE a 2\r\nm1\r\nMESSAGE a b 5\r\nhello\r\n")
		msgs, err := ParsePublishBlock(block)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, []string{"a"}, msgs[0].Topics)
		require.Equal(t, []byte("m1"), msgs[0].Payload)
		require.Equal(t, []string{"a", "b"}, msgs[1].Topics)
		require.Equal(t, []byte("hello"), msgs[1].Payload)
	})

	t.Run("payload may contain CRLF", func(t *testing.T) {
		// Boundaries come from the declared length, never from
		// scanning the payload.
		msgs, err := ParsePublishBlock([]byte("MESSAGE t 4\r\na\r\nb\r\n"))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, []byte("a\r\nb"), msgs[0].Payload)
	})

	t.Run("empty payload", func(t *testing.T) {
		msgs, err := ParsePublishBlock([]byte("MESSAGE t 0\r\n\r\n"))
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Empty(t, msgs[0].Payload)
	})

	t.Run("empty block is no entries", func(t *testing.T) {
		msgs, err := ParsePublishBlock(nil)
		require.NoError(t, err)
		require.Nil(t, msgs)
	})
}

func TestParsePublishBlockRejects(t *testing.T) {
	tests := []struct {
		name  string
		block string
	}{
		{"header missing CRLF", "MESSAGE a 2m1"},
		{"wrong keyword", "NOTICE a 2\r\nm1\r\n"},
		{"no topics", "MESSAGE 2\r\nm1\r\n"},
		{"non-numeric length", "MESSAGE a x\r\nm1\r\n"},
		{"negative length", "MESSAGE a -1\r\nm1\r\n"},
		{"payload shorter than declared", "MESSAGE a 5\r\nm1\r\n"},
		{"payload not CRLF terminated", "MESSAGE a 2\r\nm1XY"},
		{"trailing garbage after entry", "MESSAGE a 2\r\nm1\r\njunk"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublishBlock([]byte(tt.block))
			require.ErrorIs(t, err, ErrMalformedBlock)
		})
	}
}

func TestAppendMessage(t *testing.T) {
	tests := []struct {
		name    string
		topics  []string
		payload string
		want    string
	}{
		{"single topic", []string{"a"}, "m1", "MESSAGE a 2\r\nm1\r\n"},
		{"several topics", []string{"a", "b"}, "hello", "MESSAGE a b 5\r\nhello\r\n"},
		{"empty payload", []string{"t"}, "", "MESSAGE t 0\r\n\r\n"},
		{"binary payload", []string{"t"}, "a\r\nb", "MESSAGE t 4\r\na\r\nb\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AppendMessage(nil, tt.topics, []byte(tt.payload))
			require.Equal(t, tt.want, string(got))
		})
	}
}

func TestAppendFetchResponse(t *testing.T) {
	t.Run("wraps the block with the byte count", func(t *testing.T) {
		block := AppendMessage(nil, []string{"a"}, []byte("m1"))
		got := AppendFetchResponse(nil, block)
		require.Equal(t, "VALUE messages 0 17\r\nMESSAGE a 2\r\nm1\r\n\r\nEND\r\n", string(got))
	})

	t.Run("counts several entries as one block", func(t *testing.T) {
		block := AppendMessage(nil, []string{"a"}, []byte("m1"))
		block = AppendMessage(block, []string{"b"}, []byte("m2"))
		got := AppendFetchResponse(nil, block)
		require.Equal(t, "VALUE messages 0 34\r\nMESSAGE a 2\r\nm1\r\nMESSAGE b 2\r\nm2\r\n\r\nEND\r\n", string(got))
	})

	t.Run("empty block answers bare END", func(t *testing.T) {
		require.Equal(t, "END\r\n", string(AppendFetchResponse(nil, nil)))
	})
}

func TestBlockRoundTrip(t *testing.T) {
	var block []byte
	block = AppendMessage(block, []string{"alpha"}, []byte("first"))
	block = AppendMessage(block, []string{"alpha", "beta"}, []byte("sec\r\nond"))
	block = AppendMessage(block, []string{"gamma"}, nil)

	msgs, err := ParsePublishBlock(block)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"alpha"}, msgs[0].Topics)
	require.Equal(t, []byte("first"), msgs[0].Payload)
	require.Equal(t, []string{"alpha", "beta"}, msgs[1].Topics)
	require.Equal(t, []byte("sec\r\nond"), msgs[1].Payload)
	require.Equal(t, []string{"gamma"}, msgs[2].Topics)
	require.Empty(t, msgs[2].Payload)
}
