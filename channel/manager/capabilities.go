// Package manager holds the Agent Channel Manager's capability bookkeeping
// and transfer task/operation tables (spec.md §4.3, §3 TransferTask/
// TransferOperation).
package manager

import (
	"sync"

	"github.com/spicevd/agentchannel/channel/transport"
)

const bitsPerWord = 32

// CapabilitySet tracks the local and remote capability bitsets for one
// agent channel (spec.md §3 "CapabilityBits", §4.3 "Capability Registry").
// Grounded on the teacher's word-sliced bitmap (formerly
// daemon/manager/bitmap.go, a []uint32 with bit/word indexing for session
// membership flags), repurposed here for two fixed local/remote bitsets
// instead of a single growable set.
type CapabilitySet struct {
	mu       sync.RWMutex
	local    []uint32
	remote   []uint32
	received bool
}

// NewCapabilitySet returns a registry with the given bit positions set
// locally. Unknown or unannounced bits read as false.
func NewCapabilitySet(localBits ...int) *CapabilitySet {
	c := &CapabilitySet{}
	for _, b := range localBits {
		c.setLocal(b)
	}
	return c
}

func (c *CapabilitySet) setLocal(bit int) {
	word, mask := wordMask(bit)
	for len(c.local) <= word {
		c.local = append(c.local, 0)
	}
	c.local[word] |= mask
}

func wordMask(bit int) (word int, mask uint32) {
	return bit / bitsPerWord, 1 << uint(bit%bitsPerWord)
}

// HasCap reports whether bit is negotiated: set in both the local and the
// remote bitset. Returns false unconditionally until the peer's
// announcement has been received, per spec.md §4.3.
func (c *CapabilitySet) HasCap(bit int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.received {
		return false
	}
	word, mask := wordMask(bit)
	if word >= len(c.local) || word >= len(c.remote) {
		return false
	}
	return c.local[word]&mask != 0 && c.remote[word]&mask != 0
}

// HasRemoteCap reports whether bit is set in the peer's own bitset alone,
// regardless of whether the local side advertises it — the test the
// original's test_agent_cap (channel-main.c:235) uses for one-directional
// agent-advertised flags such as file-transfer-disabled, which a client
// never advertises locally and so could never be "negotiated" under
// HasCap's both-bits-set rule.
func (c *CapabilitySet) HasRemoteCap(bit int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.received {
		return false
	}
	word, mask := wordMask(bit)
	if word >= len(c.remote) {
		return false
	}
	return c.remote[word]&mask != 0
}

// Received reports whether the peer's ANNOUNCE_CAPABILITIES has arrived.
func (c *CapabilitySet) Received() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.received
}

// AnnounceLocal builds the outbound ANNOUNCE_CAPABILITIES message carrying
// the local bitset. Pass request=true to ask the peer to reciprocate.
func (c *CapabilitySet) AnnounceLocal(request bool) transport.AgentMessage {
	c.mu.RLock()
	words := make([]uint32, len(c.local))
	copy(words, c.local)
	c.mu.RUnlock()

	return transport.AgentMessage{
		Type:    transport.MsgAnnounceCapabilities,
		Payload: transport.EncodeAnnounceCapabilities(request, words),
	}
}

// OnAnnounce records the peer's bitset from a decoded ANNOUNCE_CAPABILITIES
// payload. If the peer asked for a reciprocal announcement, OnAnnounce
// returns the message to send back with ok=true; the returned message never
// itself carries a set request bit, which is what prevents an announce/
// re-announce loop (spec.md §4.3).
func (c *CapabilitySet) OnAnnounce(remoteWords []uint32, request bool) (reply transport.AgentMessage, ok bool) {
	c.mu.Lock()
	c.remote = append([]uint32(nil), remoteWords...)
	c.received = true
	c.mu.Unlock()

	if !request {
		return transport.AgentMessage{}, false
	}
	return c.AnnounceLocal(false), true
}
