package transport

// Framer serializes AgentMessages into MAX_CHUNK-bounded carrier chunks and
// reassembles inbound chunks back into whole messages (spec.md §4.1).
//
// Encode is stateless. Feed is not: a Framer value holds the partial
// reassembly of the message currently in flight and must not be shared
// across channels — the teacher's ChunkReceiver is likewise one-per-connection
// (daemon/transport/chunk_receiver.go), never shared.
type Framer struct {
	maxChunk int

	state         reassemblyState
	header        [HeaderSize]byte
	headerFilled  int
	body          []byte
	bodyFilled    int
	pendingType   MessageType
	pendingOpaque uint64
}

type reassemblyState int

const (
	readingHeader reassemblyState = iota
	readingBody
)

// NewFramer builds a Framer bounding carrier chunks to maxChunk bytes. Pass
// 0 to use MaxChunk.
func NewFramer(maxChunk int) *Framer {
	if maxChunk <= 0 {
		maxChunk = MaxChunk
	}
	return &Framer{maxChunk: maxChunk, state: readingHeader}
}

// Encode splits msg into one or more carrier chunks, each ready to write
// directly to the byte stream. The first chunk carries the AgentMessage
// header followed by as much payload as fits; later chunks carry raw
// payload only, the last possibly short.
func (f *Framer) Encode(msg AgentMessage) [][]byte {
	msg.Protocol = Protocol
	first := make([]byte, HeaderSize, f.maxChunk)
	EncodeHeader(first, msg)

	room := f.maxChunk - HeaderSize
	if room < 0 {
		room = 0
	}
	n := len(msg.Payload)
	take := n
	if take > room {
		take = room
	}
	first = append(first, msg.Payload[:take]...)
	chunks := [][]byte{first}

	for offset := take; offset < n; {
		end := offset + f.maxChunk
		if end > n {
			end = n
		}
		chunk := make([]byte, end-offset)
		copy(chunk, msg.Payload[offset:end])
		chunks = append(chunks, chunk)
		offset = end
	}
	return chunks
}

// Feed consumes raw bytes arriving off the byte stream and returns every
// AgentMessage that became complete as a result. It may return zero, one, or
// several messages from a single call, and a message may span many calls —
// no partial message is ever handed to the caller.
func (f *Framer) Feed(data []byte) ([]AgentMessage, error) {
	var out []AgentMessage
	for len(data) > 0 {
		switch f.state {
		case readingHeader:
			need := HeaderSize - f.headerFilled
			n := copy(f.header[f.headerFilled:], data[:min(need, len(data))])
			f.headerFilled += n
			data = data[n:]
			if f.headerFilled < HeaderSize {
				continue
			}
			protocol, typ, opaque, size := DecodeHeader(f.header[:])
			if protocol != Protocol {
				return out, ErrHeaderMismatch
			}
			if size > MaxMessageSize {
				return out, ErrMessageTooLarge
			}
			f.pendingType = typ
			f.pendingOpaque = opaque
			f.body = make([]byte, size)
			f.bodyFilled = 0
			f.headerFilled = 0
			f.state = readingBody
			if size == 0 {
				out = append(out, AgentMessage{Protocol: protocol, Type: typ, Opaque: opaque, Payload: f.body})
				f.state = readingHeader
			}
		case readingBody:
			need := len(f.body) - f.bodyFilled
			n := copy(f.body[f.bodyFilled:], data[:min(need, len(data))])
			f.bodyFilled += n
			data = data[n:]
			if f.bodyFilled < len(f.body) {
				continue
			}
			out = append(out, AgentMessage{Protocol: Protocol, Type: f.pendingType, Opaque: f.pendingOpaque, Payload: f.body})
			f.state = readingHeader
		}
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
