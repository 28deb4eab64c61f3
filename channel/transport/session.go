package transport

import (
	"context"
	"sync"

	"github.com/spicevd/agentchannel/channel/manager"
	"github.com/spicevd/agentchannel/internal/observability"
	"github.com/spicevd/agentchannel/internal/validation"
)

// ClipboardSelection is the one-byte selection id carried in the 4-octet
// prefix that precedes CLIPBOARD* payloads once CAP_CLIPBOARD_SELECTION is
// negotiated (spec.md §6 "Clipboard").
type ClipboardSelection byte

// HostCollaborator is the out-of-scope GUI/clipboard/audio/display layer the
// Agent Session raises events to. Every method here is a passthrough: the
// Agent Session never interprets clipboard contents, audio volumes, or
// display geometry itself (spec.md §1 "Deliberately OUT of scope").
type HostCollaborator interface {
	ClipboardGrab(selection ClipboardSelection, types []uint32)
	ClipboardRequest(selection ClipboardSelection, typ uint32)
	Clipboard(selection ClipboardSelection, typ uint32, data []byte)
	ClipboardRelease(selection ClipboardSelection)
	VolumeSync(payload []byte)
}

// TransferEngine is the subset of channel/service.Engine the Agent Session
// drives: routing inbound status and resetting on disconnect. A narrow
// interface here (rather than importing channel/service directly) avoids an
// import cycle, since channel/service already imports channel/transport for
// the wire types and Outbox.
type TransferEngine interface {
	OnStatus(status FileXferStatusPayload)
	Reset()
}

// sessionState is the Agent Session's own connection lifecycle, distinct
// from any one TransferTask's or ForwardConnection's state (spec.md §4.6
// "Connect sequence").
type sessionState int

const (
	sessionIdle sessionState = iota
	sessionConnected
)

// pendingRedirection is a queued associate_remote/associate_local call made
// before the channel connected or before capabilities arrived; replayed once
// both are true (spec.md §4.6 step 3 "pending port-forward redirections").
type pendingRedirection struct {
	remote            bool
	bindAddr, host    string
	port, partnerPort uint16
}

// AgentSession is the top-level orchestrator of spec.md §4.6: it owns the
// Framer, Token Queue (via Outbox), Capability Registry, Transfer Engine,
// and Port Forwarder, and dispatches inbound AgentMessages by type. Grounded
// on the teacher's ChunkWorkerPool as the one place that holds every other
// collaborator and drives their lifecycle together
// (daemon/transport/chunk_sender.go).
type AgentSession struct {
	log     *observability.Logger
	metrics *observability.Metrics

	framer *Framer
	outbox *Outbox
	caps   *manager.CapabilitySet
	xfer   TransferEngine
	fwd    *PortForwarder
	host   HostCollaborator

	maxClipboard int

	mu                  sync.Mutex
	state               sessionState
	sessionID           uint64
	agentTokens         int
	displayConfigSent   bool
	pendingRedirections []pendingRedirection
	queuedTransferSends []AgentMessage

	// persistentRemote/persistentLocal are the config-loaded redirections of
	// spec.md §6 (redirected-remote-ports/redirected-local-ports): unlike
	// pendingRedirections, which fire once and are consumed,  these replay
	// each time the peer's ANNOUNCE_CAPABILITIES arrives, and so again after
	// every reconnect — "On agent reconnect: the Port Forwarder replays
	// associate_remote/associate_local for entries recorded by the session as
	// persistent" (spec.md §4.5.5).
	persistentRemote []validation.Redirection
	persistentLocal  []validation.Redirection
}

// NewAgentSession wires the six subcomponents together. caps should already
// carry the local capability bits this build advertises (spec.md §4.3).
// Grounded on the teacher's NewChunkReceiver, which takes its
// *observability.Logger directly as a constructor parameter rather than
// building one internally (daemon/transport/chunk_receiver.go).
func NewAgentSession(outbox *Outbox, caps *manager.CapabilitySet, xfer TransferEngine, fwd *PortForwarder, host HostCollaborator, maxClipboard int, log *observability.Logger) *AgentSession {
	return &AgentSession{
		log:          log,
		framer:       NewFramer(MaxChunk),
		outbox:       outbox,
		caps:         caps,
		xfer:         xfer,
		fwd:          fwd,
		host:         host,
		maxClipboard: maxClipboard,
	}
}

// SetMetrics installs the Prometheus recorder for token/chunk/capability
// events. Optional: a nil metrics collector (the default) simply skips
// recording.
func (s *AgentSession) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// SetPersistentRedirections installs the redirection lists loaded from
// config/persistence (spec.md §6) to be replayed each time the peer's
// capabilities arrive, in addition to any one-shot pending redirections
// queued at runtime.
func (s *AgentSession) SetPersistentRedirections(remote, local []validation.Redirection) {
	s.mu.Lock()
	s.persistentRemote = remote
	s.persistentLocal = local
	s.mu.Unlock()
}

// Connected reports whether agent_start has run and no Reset has fired
// since (the AgentLink.Connected contract the Transfer Engine depends on).
func (s *AgentSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == sessionConnected
}

// HasCap reports a negotiated capability bit (the AgentLink.HasCap contract).
func (s *AgentSession) HasCap(bit int) bool { return s.caps.HasCap(bit) }

// HasRemoteCap reports a capability bit set in the peer's own
// announcement, regardless of the local side's bitset — the gate one-
// directional agent-advertised flags such as file-transfer-disabled need
// (the AgentLink.HasRemoteCap contract).
func (s *AgentSession) HasRemoteCap(bit int) bool { return s.caps.HasRemoteCap(bit) }

// Outbox exposes the shared send path (the AgentLink.Outbox contract).
func (s *AgentSession) Outbox() *Outbox { return s.outbox }

// OnInit handles the peer's INIT: records the session id and token count,
// and starts the agent link if the peer reports it already connected
// (spec.md §4.6 step 1).
func (s *AgentSession) OnInit(sessionID uint64, agentTokens int, agentConnected bool) {
	s.mu.Lock()
	s.sessionID = sessionID
	s.agentTokens = agentTokens
	s.mu.Unlock()

	s.outbox.Queue().OnTokens(agentTokens)
	if s.metrics != nil {
		s.metrics.RecordTokensCredited(agentTokens)
	}
	if agentConnected {
		s.AgentStart()
	}
}

// OnToken handles an inbound TOKEN{n}: credits tokens and lets the caller's
// I/O driver pump the queue (spec.md §4.6 "Token handling"). Pumping itself
// happens on whatever goroutine owns the byte-stream writer; OnToken only
// updates the budget.
func (s *AgentSession) OnToken(n int) {
	s.outbox.Queue().OnTokens(n)
	if s.metrics != nil {
		s.metrics.RecordTokensCredited(n)
	}
}

// AgentStart marks the channel connected and announces local capabilities,
// requesting the peer reciprocate (spec.md §4.6 step 2). Safe to call again
// after a Reset.
func (s *AgentSession) AgentStart() {
	s.mu.Lock()
	s.state = sessionConnected
	s.displayConfigSent = false
	sessionID, agentTokens := s.sessionID, s.agentTokens
	s.mu.Unlock()

	s.log.ChannelConnected(sessionID, agentTokens)
	s.outbox.Send(s.caps.AnnounceLocal(true))
}

// Feed hands raw bytes off the byte stream to the Framer and dispatches
// every AgentMessage that becomes complete (spec.md §4.6 "Data reassembly").
// A protocol-header mismatch or oversized message is fatal to the channel,
// matching spec.md §7 "Transport errors close the channel".
func (s *AgentSession) Feed(data []byte) error {
	msgs, err := s.framer.Feed(data)
	if s.metrics != nil {
		s.metrics.RecordChunkFramed("inbound")
	}
	for _, m := range msgs {
		s.dispatch(m)
	}
	if err != nil {
		s.log.ChannelReset(s.sessionID, err)
		s.Reset()
		return err
	}
	return nil
}

// dispatch routes one decoded AgentMessage per the table in spec.md §4.6.
// Opens a span per message so the dispatch loop shows up in tracing
// (SPEC_FULL.md §2 "Agent Session dispatch and Transfer Engine task
// lifecycles open spans").
func (s *AgentSession) dispatch(m AgentMessage) {
	_, span := observability.StartSpan(context.Background(), "agent_session.dispatch")
	defer span.End()

	switch m.Type {
	case MsgAnnounceCapabilities:
		s.onAnnounceCapabilities(m.Payload)
	case MsgClipboard:
		s.onClipboardData(m.Payload)
	case MsgClipboardGrab:
		s.onClipboardGrab(m.Payload)
	case MsgClipboardRequest:
		s.onClipboardRequest(m.Payload)
	case MsgClipboardRelease:
		s.onClipboardRelease(m.Payload)
	case MsgReply:
		s.log.Debug("agent REPLY")
	case MsgFileXferStatus:
		status, err := DecodeFileXferStatus(m.Payload)
		if err != nil {
			s.log.Error(err, "malformed FILE_XFER_STATUS")
			return
		}
		s.xfer.OnStatus(status)
	case MsgPortForwardListen, MsgPortForwardShutdown:
		// Host-originated message types; the guest never sends these back
		// to the host, so receiving one here is a protocol violation to log.
		s.log.Base().Warn().Stringer("type", m.Type).Msg("unexpected host-only port-forward message from peer")
	case MsgPortForwardAccepted:
		accepted, err := DecodePortForwardAccepted(m.Payload)
		if err != nil {
			s.log.Error(err, "malformed PORT_FORWARD_ACCEPTED")
			return
		}
		s.fwd.OnAccepted(accepted)
	case MsgPortForwardData:
		data, err := DecodePortForwardData(m.Payload)
		if err != nil {
			s.log.Error(err, "malformed PORT_FORWARD_DATA")
			return
		}
		s.fwd.OnData(data)
	case MsgPortForwardAck:
		ack, err := DecodePortForwardAck(m.Payload)
		if err != nil {
			s.log.Error(err, "malformed PORT_FORWARD_ACK")
			return
		}
		s.fwd.OnAck(ack)
	case MsgPortForwardClose:
		closeMsg, err := DecodePortForwardClose(m.Payload)
		if err != nil {
			s.log.Error(err, "malformed PORT_FORWARD_CLOSE")
			return
		}
		s.fwd.OnClose(closeMsg)
	case MsgAudioVolumeSync:
		if s.host != nil {
			s.host.VolumeSync(m.Payload)
		}
	default:
		s.log.Base().Debug().Stringer("type", m.Type).Msg("dropping unhandled agent message")
	}
}

// onAnnounceCapabilities records the peer's bitset, replies if requested,
// and — the first time capabilities arrive — re-emits the startup messages
// that were waiting on negotiation (spec.md §4.6 step 3).
func (s *AgentSession) onAnnounceCapabilities(payload []byte) {
	request, words, err := DecodeAnnounceCapabilities(payload)
	if err != nil {
		s.log.Error(err, "malformed ANNOUNCE_CAPABILITIES")
		return
	}
	reply, shouldReply := s.caps.OnAnnounce(words, request)
	if shouldReply {
		s.outbox.Send(reply)
	}
	s.log.CapabilityNegotiated(request, len(words))
	if s.metrics != nil {
		s.metrics.RecordCapabilityNegotiation()
	}
	s.emitStartupMessages()
}

// emitStartupMessages sends DISPLAY_CONFIG once per connection and
// MAX_CLIPBOARD whenever that capability is negotiated, then replays any
// redirections and transfer starts that were queued ahead of negotiation
// (spec.md §4.6 step 3). It sends no volume-sync message; AUDIO_VOLUME_SYNC
// is only handled inbound, in dispatch.
func (s *AgentSession) emitStartupMessages() {
	s.mu.Lock()
	alreadySent := s.displayConfigSent
	s.displayConfigSent = true
	redirections := s.pendingRedirections
	s.pendingRedirections = nil
	queued := s.queuedTransferSends
	s.queuedTransferSends = nil
	persistentRemote := s.persistentRemote
	persistentLocal := s.persistentLocal
	s.mu.Unlock()

	if !alreadySent {
		s.outbox.Send(AgentMessage{Type: MsgDisplayConfig})
	}
	if s.caps.HasCap(CapMaxClipboardPosition) {
		buf := make([]byte, 4)
		putU32(buf, uint32(s.maxClipboard))
		s.outbox.Send(AgentMessage{Type: MsgMaxClipboard, Payload: buf})
	}

	for _, r := range redirections {
		if r.remote {
			s.fwd.AssociateRemote(r.bindAddr, r.port, r.host, r.partnerPort)
		} else {
			if err := s.fwd.AssociateLocal(r.bindAddr, r.port, r.host, r.partnerPort); err != nil {
				s.log.Base().Warn().Err(err).Uint16("port", r.port).Msg("replaying local port redirection failed")
			}
		}
	}
	for _, r := range persistentRemote {
		s.fwd.AssociateRemote(r.BindAddr, r.Port, r.Host, r.HostPort)
	}
	for _, r := range persistentLocal {
		if err := s.fwd.AssociateLocal(r.BindAddr, r.Port, r.Host, r.HostPort); err != nil {
			s.log.Base().Warn().Err(err).Uint16("port", r.Port).Msg("replaying persistent local port redirection failed")
		}
	}
	for _, m := range queued {
		s.outbox.Send(m)
	}
}

// AssociateRemote forwards to the Port Forwarder if capabilities have
// already arrived, otherwise queues the call for replay once they do
// (spec.md §4.6 step 3 "pending port-forward redirections").
func (s *AgentSession) AssociateRemote(bindAddr string, remotePort uint16, host string, localPort uint16) {
	if s.caps.Received() {
		s.fwd.AssociateRemote(bindAddr, remotePort, host, localPort)
		return
	}
	s.mu.Lock()
	s.pendingRedirections = append(s.pendingRedirections, pendingRedirection{remote: true, bindAddr: bindAddr, port: remotePort, host: host, partnerPort: localPort})
	s.mu.Unlock()
}

// AssociateLocal mirrors AssociateRemote for the host-listens direction.
func (s *AgentSession) AssociateLocal(bindAddr string, localPort uint16, host string, remotePort uint16) error {
	if s.caps.Received() {
		return s.fwd.AssociateLocal(bindAddr, localPort, host, remotePort)
	}
	s.mu.Lock()
	s.pendingRedirections = append(s.pendingRedirections, pendingRedirection{remote: false, bindAddr: bindAddr, port: localPort, host: host, partnerPort: remotePort})
	s.mu.Unlock()
	return nil
}

func (s *AgentSession) clipboardPrefix(payload []byte) (ClipboardSelection, []byte) {
	if !s.caps.HasCap(CapClipboardSelectionPosition) || len(payload) < 4 {
		return 0, payload
	}
	return ClipboardSelection(payload[0]), payload[4:]
}

func (s *AgentSession) onClipboardGrab(payload []byte) {
	sel, body := s.clipboardPrefix(payload)
	if len(body)%4 != 0 {
		s.log.Warn("malformed CLIPBOARD_GRAB")
		return
	}
	types := make([]uint32, len(body)/4)
	for i := range types {
		types[i] = getU32(body[4*i : 4*i+4])
	}
	if s.host != nil {
		s.host.ClipboardGrab(sel, types)
	}
}

func (s *AgentSession) onClipboardRequest(payload []byte) {
	sel, body := s.clipboardPrefix(payload)
	if len(body) < 4 {
		s.log.Warn("malformed CLIPBOARD_REQUEST")
		return
	}
	if s.host != nil {
		s.host.ClipboardRequest(sel, getU32(body[0:4]))
	}
}

func (s *AgentSession) onClipboardData(payload []byte) {
	sel, body := s.clipboardPrefix(payload)
	if len(body) < 4 {
		s.log.Warn("malformed CLIPBOARD")
		return
	}
	if s.host != nil {
		s.host.Clipboard(sel, getU32(body[0:4]), body[4:])
	}
}

func (s *AgentSession) onClipboardRelease(payload []byte) {
	sel, _ := s.clipboardPrefix(payload)
	if s.host != nil {
		s.host.ClipboardRelease(sel)
	}
}

// QueueTransferStart enqueues an AgentMessage that must wait for
// capabilities to be negotiated before it can be sent — used by callers
// starting a transfer before the connect handshake finishes.
func (s *AgentSession) QueueTransferStart(m AgentMessage) {
	if s.caps.Received() {
		s.outbox.Send(m)
		return
	}
	s.mu.Lock()
	s.queuedTransferSends = append(s.queuedTransferSends, m)
	s.mu.Unlock()
}

// Reset tears the whole session down on channel disconnect: drops token
// credits, clears the send queue, resets the Framer, fails every in-flight
// transfer, and clears Port Forwarder state (spec.md §4.6 "Reset").
func (s *AgentSession) Reset() {
	s.mu.Lock()
	s.state = sessionIdle
	s.displayConfigSent = false
	s.pendingRedirections = nil
	s.queuedTransferSends = nil
	s.mu.Unlock()

	s.outbox.Queue().Reset()
	s.framer = NewFramer(MaxChunk)
	s.xfer.Reset()
	s.fwd.Reset()
}
