package manager

import (
	"testing"

	"github.com/spicevd/agentchannel/channel/transport"
)

func TestCapabilitySetHasCapFalseUntilReceived(t *testing.T) {
	c := NewCapabilitySet(transport.CapPortForwardPosition)
	if c.HasCap(transport.CapPortForwardPosition) {
		t.Error("HasCap should be false before the peer's announcement arrives")
	}
}

func TestCapabilitySetNegotiation(t *testing.T) {
	c := NewCapabilitySet(transport.CapPortForwardPosition, transport.CapMaxClipboardPosition)

	msg := c.AnnounceLocal(true)
	request, words, err := transport.DecodeAnnounceCapabilities(msg.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !request {
		t.Error("expected request flag set")
	}

	reply, ok := c.OnAnnounce(words, false)
	if ok {
		t.Fatalf("no re-announce expected when request=false, got %+v", reply)
	}

	if !c.Received() {
		t.Error("expected Received() true after OnAnnounce")
	}
	if !c.HasCap(transport.CapPortForwardPosition) {
		t.Error("expected port-forward capability negotiated (set on both sides)")
	}
	if c.HasCap(transport.CapAudioVolumeSyncPosition) {
		t.Error("expected audio-volume-sync capability not negotiated (not locally set)")
	}
}

func TestCapabilitySetReannounceOnRequestDoesNotLoop(t *testing.T) {
	c := NewCapabilitySet(transport.CapReplyPosition)

	reply, ok := c.OnAnnounce([]uint32{0xFF}, true)
	if !ok {
		t.Fatal("expected a reciprocal announcement")
	}
	request, _, err := transport.DecodeAnnounceCapabilities(reply.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if request {
		t.Error("reciprocal announcement must not itself set the request flag")
	}
}

func TestCapabilitySetOnlyNegotiatedWhenBothSidesSet(t *testing.T) {
	c := NewCapabilitySet(transport.CapMaxClipboardPosition)
	c.OnAnnounce([]uint32{0}, false)

	if c.HasCap(transport.CapMaxClipboardPosition) {
		t.Error("capability set only locally must not be negotiated")
	}
}
