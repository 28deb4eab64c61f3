package transport

import (
	"bytes"
	"testing"
)

func TestFramerSingleChunkRoundTrip(t *testing.T) {
	f := NewFramer(MaxChunk)
	msg := AgentMessage{Type: MsgFileXferStatus, Opaque: 1, Payload: []byte("ok")}

	chunks := f.Encode(msg)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}

	rf := NewFramer(MaxChunk)
	got, err := rf.Feed(chunks[0])
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Type != msg.Type || !bytes.Equal(got[0].Payload, msg.Payload) {
		t.Errorf("got %+v, want %+v", got[0], msg)
	}
}

func TestFramerMultiChunkRoundTrip(t *testing.T) {
	const maxChunk = 64
	f := NewFramer(maxChunk)
	payload := bytes.Repeat([]byte{0xAB}, 500)
	msg := AgentMessage{Type: MsgFileXferData, Payload: payload}

	chunks := f.Encode(msg)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several for a %d-byte payload", len(chunks), len(payload))
	}
	for _, c := range chunks {
		if len(c) > maxChunk {
			t.Fatalf("chunk of %d bytes exceeds maxChunk %d", len(c), maxChunk)
		}
	}

	rf := NewFramer(maxChunk)
	var got []AgentMessage
	for _, c := range chunks {
		msgs, err := rf.Feed(c)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if !bytes.Equal(got[0].Payload, payload) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(got[0].Payload), len(payload))
	}
}

func TestFramerFeedByteAtATime(t *testing.T) {
	f := NewFramer(MaxChunk)
	msg := AgentMessage{Type: MsgPortForwardAck, Opaque: 99, Payload: []byte("byte-at-a-time")}
	chunk := f.Encode(msg)[0]

	rf := NewFramer(MaxChunk)
	var got []AgentMessage
	for _, b := range chunk {
		msgs, err := rf.Feed([]byte{b})
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 || string(got[0].Payload) != string(msg.Payload) {
		t.Fatalf("got %+v", got)
	}
}

func TestFramerZeroByteMessage(t *testing.T) {
	f := NewFramer(MaxChunk)
	msg := AgentMessage{Type: MsgFileXferData, Payload: []byte{}}
	chunks := f.Encode(msg)
	if len(chunks) != 1 || len(chunks[0]) != HeaderSize {
		t.Fatalf("zero-payload message should be a single header-only chunk, got %d chunks", len(chunks))
	}

	rf := NewFramer(MaxChunk)
	got, err := rf.Feed(chunks[0])
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(got) != 1 || len(got[0].Payload) != 0 {
		t.Fatalf("got %+v, want one zero-length message", got)
	}
}

func TestFramerRejectsProtocolMismatch(t *testing.T) {
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, AgentMessage{Protocol: Protocol + 1, Type: MsgReply})

	rf := NewFramer(MaxChunk)
	if _, err := rf.Feed(buf); err != ErrHeaderMismatch {
		t.Errorf("got err=%v, want ErrHeaderMismatch", err)
	}
}

func TestFramerRejectsOversizedMessage(t *testing.T) {
	buf := make([]byte, HeaderSize)
	EncodeHeader(buf, AgentMessage{Protocol: Protocol, Type: MsgFileXferData})
	putU32(buf[16:20], MaxMessageSize+1)

	rf := NewFramer(MaxChunk)
	if _, err := rf.Feed(buf); err != ErrMessageTooLarge {
		t.Errorf("got err=%v, want ErrMessageTooLarge", err)
	}
}
