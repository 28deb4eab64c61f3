package transport

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/spicevd/agentchannel/internal/observability"
)

// forwardIDs assigns host-side connection ids: spec.md §3 "id (32-bit
// assigned by whichever side opens: remote-accept assigns in guest,
// local-accept assigns in host from a monotonic counter)". Package-level
// since both association paths of one PortForwarder share the same space.
var forwardIDs atomic.Uint32

func nextForwardID() uint32 { return forwardIDs.Add(1) }

// Dialer and Listener are the host's TCP collaborators, narrowed from
// net.Dialer/net.ListenConfig to the one method each association path
// needs, so tests can substitute an in-memory stand-in.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type ListenerFactory interface {
	Listen(network, address string) (net.Listener, error)
}

type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

type netListenerFactory struct{}

func (netListenerFactory) Listen(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// remoteAssociation is one entry of the remote-port table: the guest
// listens on remote_port and tells the host where to connect on accept
// (spec.md §4.5.1).
type remoteAssociation struct {
	host      string
	localPort uint16
}

// localAssociation is one entry of the local-port table: the host listens
// and the guest connects on accept (spec.md §4.5.2). cancel stops the
// listener's accept loop; rotated on every AssociateLocal so a repeated
// call to the same port supersedes the previous listener.
type localAssociation struct {
	listener   net.Listener
	host       string
	remotePort uint16
	cancel     context.CancelFunc
}

// ForwardConnection is one active tunnel (spec.md §3). Send-side state
// (DataSent, the WINDOW pause) and receive-side state (DataReceived, the
// write queue) are independent halves of the same struct, guarded by one
// mutex since both are touched by the connection's own goroutines plus the
// Agent Session's dispatch goroutine delivering DATA/ACK.
type ForwardConnection struct {
	ID          uint32
	conn        net.Conn
	ackInterval uint32

	mu           sync.Mutex
	dataSent     uint64
	dataReceived uint64
	writeQueue   [][]byte
	writing      bool
	// refcount tracks the pending-connect/table-entry provenance spec.md §3
	// describes; actual teardown is driven by context cancellation plus the
	// explicit CLOSE/EOF/error paths below rather than a strict decrement-to-
	// zero, since Go's goroutine lifetimes and the garbage collector already
	// own the "free when nothing references it" half of that rule.
	refcount int
	resume   chan struct{}

	cancel context.CancelFunc
}

// PortForwarder implements spec.md §4.5: the remote/local association
// tables, the per-connection sliding window, and the six-message
// sub-protocol (LISTEN/SHUTDOWN/ACCEPTED/DATA/ACK/CLOSE). Grounded on the
// teacher's context.Context-cancellation-per-worker shape in
// daemon/transport/chunk_sender.go's ChunkWorkerPool (workerCancels,
// ctx/cancel pairs), generalized from a fixed worker pool pumping file
// chunks to one goroutine pair (read pump, write pump) per forwarded
// connection.
type PortForwarder struct {
	outbox  *Outbox
	dialer  Dialer
	listen  ListenerFactory
	log     *observability.Logger
	metrics *observability.Metrics

	mu          sync.Mutex
	remoteAssoc map[uint16]remoteAssociation
	localAssoc  map[uint16]*localAssociation
	conns       map[uint32]*ForwardConnection
}

// NewPortForwarder builds a forwarder sending over outbox. Pass nil for
// dialer/listen to use real TCP. Grounded on the teacher's
// NewChunkReceiver, which likewise takes its *observability.Logger and
// *observability.Metrics as constructor parameters rather than building
// them internally (daemon/transport/chunk_receiver.go).
func NewPortForwarder(outbox *Outbox, dialer Dialer, listen ListenerFactory, log *observability.Logger) *PortForwarder {
	if dialer == nil {
		dialer = netDialer{}
	}
	if listen == nil {
		listen = netListenerFactory{}
	}
	return &PortForwarder{
		outbox:      outbox,
		dialer:      dialer,
		listen:      listen,
		log:         log,
		remoteAssoc: make(map[uint16]remoteAssociation),
		localAssoc:  make(map[uint16]*localAssociation),
		conns:       make(map[uint32]*ForwardConnection),
	}
}

// SetMetrics installs the Prometheus recorder for connection/window/byte
// events. Optional: a nil metrics collector (the default) simply skips
// recording.
func (p *PortForwarder) SetMetrics(metrics *observability.Metrics) {
	p.metrics = metrics
}

// AssociateRemote records that remotePort, once the guest accepts a
// connection on it, should be bridged to host:localPort, and asks the
// guest to start listening (spec.md §4.5.1).
func (p *PortForwarder) AssociateRemote(bindAddr string, remotePort uint16, host string, localPort uint16) {
	p.mu.Lock()
	_, exists := p.remoteAssoc[remotePort]
	p.remoteAssoc[remotePort] = remoteAssociation{host: host, localPort: localPort}
	p.mu.Unlock()

	if exists {
		p.send(AgentMessage{Type: MsgPortForwardShutdown, Payload: EncodePortForwardShutdown(PortForwardShutdownPayload{Port: remotePort})})
	}
	p.send(AgentMessage{Type: MsgPortForwardListen, Payload: EncodePortForwardListen(PortForwardListenPayload{Port: remotePort, BindAddr: bindAddr})})
}

// DisassociateRemote tears down a remote-port association. Returns false
// if remotePort was not associated (spec.md §8: a no-op returning failure).
func (p *PortForwarder) DisassociateRemote(remotePort uint16) bool {
	p.mu.Lock()
	if _, exists := p.remoteAssoc[remotePort]; !exists {
		p.mu.Unlock()
		return false
	}
	delete(p.remoteAssoc, remotePort)
	p.mu.Unlock()

	p.send(AgentMessage{Type: MsgPortForwardShutdown, Payload: EncodePortForwardShutdown(PortForwardShutdownPayload{Port: remotePort})})
	return true
}

// OnAccepted handles an inbound PORT_FORWARD_ACCEPTED for the remote-port
// path: the guest's listener accepted a connection and the host must now
// dial out (spec.md §4.5.1).
func (p *PortForwarder) OnAccepted(accepted PortForwardAcceptedPayload) {
	p.mu.Lock()
	assoc, ok := p.remoteAssoc[accepted.Port]
	p.mu.Unlock()
	if !ok {
		p.send(AgentMessage{Type: MsgPortForwardClose, Payload: EncodePortForwardClose(PortForwardClosePayload{ID: accepted.ID})})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	fc := &ForwardConnection{
		ID:          accepted.ID,
		ackInterval: accepted.AckInterval,
		refcount:    2,
		resume:      make(chan struct{}, 1),
		cancel:      cancel,
	}
	p.mu.Lock()
	p.conns[fc.ID] = fc
	p.mu.Unlock()

	go p.dialRemote(ctx, fc, assoc)
}

func (p *PortForwarder) dialRemote(ctx context.Context, fc *ForwardConnection, assoc remoteAssociation) {
	addr := net.JoinHostPort(assoc.host, portString(assoc.localPort))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		p.log.Base().Warn().Uint32("conn_id", fc.ID).Str("addr", addr).Err(err).Msg("port-forward dial failed")
		p.send(AgentMessage{Type: MsgPortForwardClose, Payload: EncodePortForwardClose(PortForwardClosePayload{ID: fc.ID})})
		p.removeConn(fc.ID)
		return
	}
	fc.conn = conn
	p.releaseRef(fc)
	p.log.ForwardConnectionOpened(fc.ID, "remote")
	if p.metrics != nil {
		p.metrics.RecordForwardConnectionOpened("remote")
	}

	p.send(AgentMessage{Type: MsgPortForwardAck, Payload: EncodePortForwardAck(PortForwardAckPayload{ID: fc.ID, Size: Window / 2})})
	p.runConnection(ctx, fc)
}

// AssociateLocal binds a listener on (bindAddr, localPort); accepted
// connections are bridged to host:remotePort on the guest side
// (spec.md §4.5.2). A second call for the same port rotates the accept
// loop: the previous listener's cancellation fires first.
func (p *PortForwarder) AssociateLocal(bindAddr string, localPort uint16, host string, remotePort uint16) error {
	listener, err := p.listen.Listen("tcp", net.JoinHostPort(bindAddr, portString(localPort)))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	assoc := &localAssociation{listener: listener, host: host, remotePort: remotePort, cancel: cancel}

	p.mu.Lock()
	if prev, exists := p.localAssoc[localPort]; exists {
		prev.cancel()
		prev.listener.Close()
	}
	p.localAssoc[localPort] = assoc
	p.mu.Unlock()

	go p.acceptLoop(ctx, localPort, assoc)
	return nil
}

func (p *PortForwarder) acceptLoop(ctx context.Context, localPort uint16, assoc *localAssociation) {
	for {
		conn, err := assoc.listener.Accept()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close()
			return
		default:
		}
		p.onLocalAccept(ctx, conn, assoc)
	}
}

// onLocalAccept assigns the connection id from the host's monotonic
// counter and sends PORT_FORWARD_ACCEPTED to the guest before starting the
// read pump (spec.md §9 Open Question, resolved: the local-accept path
// mirrors the remote-accept path's "tell the peer, then pump" ordering so
// the guest never sees DATA for an id it hasn't been told about).
func (p *PortForwarder) onLocalAccept(parent context.Context, conn net.Conn, assoc *localAssociation) {
	id := nextForwardID()
	ctx, cancel := context.WithCancel(parent)
	fc := &ForwardConnection{
		ID:          id,
		conn:        conn,
		ackInterval: Window / 2,
		refcount:    1,
		resume:      make(chan struct{}, 1),
		cancel:      cancel,
	}

	p.mu.Lock()
	p.conns[id] = fc
	p.mu.Unlock()

	p.send(AgentMessage{Type: MsgPortForwardAccepted, Payload: EncodePortForwardAccepted(PortForwardAcceptedPayload{
		ID: id, Port: assoc.remotePort, AckInterval: fc.ackInterval,
	})})
	p.log.ForwardConnectionOpened(id, "local")
	if p.metrics != nil {
		p.metrics.RecordForwardConnectionOpened("local")
	}

	p.runConnection(ctx, fc)
}

// DisassociateLocal cancels the accept loop and removes the listener.
func (p *PortForwarder) DisassociateLocal(localPort uint16) bool {
	p.mu.Lock()
	assoc, ok := p.localAssoc[localPort]
	if ok {
		delete(p.localAssoc, localPort)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	assoc.cancel()
	assoc.listener.Close()
	return true
}

// runConnection drives the send-side read pump for fc until ctx is
// cancelled or the socket closes (spec.md §4.5.3 "Send side").
func (p *PortForwarder) runConnection(ctx context.Context, fc *ForwardConnection) {
	buf := make([]byte, MaxForwardDataBytes)
	for {
		fc.mu.Lock()
		paused := fc.dataSent >= Window
		fc.mu.Unlock()
		if paused {
			if p.metrics != nil {
				p.metrics.RecordForwardWindowPause()
			}
			select {
			case <-fc.resume:
			case <-ctx.Done():
				p.closeConnection(fc, false)
				return
			}
		}

		n, err := fc.conn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			p.send(AgentMessage{Type: MsgPortForwardData, Payload: EncodePortForwardData(PortForwardDataPayload{ID: fc.ID, Data: data})})
			fc.mu.Lock()
			fc.dataSent += uint64(n)
			fc.mu.Unlock()
			if p.metrics != nil {
				p.metrics.RecordForwardBytes("sent", n)
			}
		}
		if err != nil {
			p.send(AgentMessage{Type: MsgPortForwardClose, Payload: EncodePortForwardClose(PortForwardClosePayload{ID: fc.ID})})
			p.closeConnection(fc, false)
			return
		}
		select {
		case <-ctx.Done():
			p.closeConnection(fc, false)
			return
		default:
		}
	}
}

// OnData queues an inbound DATA payload for delivery to fc's socket
// (spec.md §4.5.3 "Receive side").
func (p *PortForwarder) OnData(data PortForwardDataPayload) {
	fc := p.lookup(data.ID)
	if fc == nil {
		p.log.Base().Warn().Uint32("conn_id", data.ID).Msg("data for unknown forward connection")
		return
	}

	fc.mu.Lock()
	fc.writeQueue = append(fc.writeQueue, data.Data)
	start := !fc.writing
	if start {
		fc.writing = true
	}
	fc.mu.Unlock()

	if start {
		go p.drainWriteQueue(fc)
	}
}

func (p *PortForwarder) drainWriteQueue(fc *ForwardConnection) {
	for {
		fc.mu.Lock()
		if len(fc.writeQueue) == 0 {
			fc.writing = false
			fc.mu.Unlock()
			return
		}
		buf := fc.writeQueue[0]
		fc.writeQueue = fc.writeQueue[1:]
		fc.mu.Unlock()

		if _, err := fc.conn.Write(buf); err != nil {
			p.closeConnection(fc, true)
			return
		}
		if p.metrics != nil {
			p.metrics.RecordForwardBytes("received", len(buf))
		}

		fc.mu.Lock()
		fc.dataReceived += uint64(len(buf))
		sendAck := fc.dataReceived >= uint64(fc.ackInterval)
		ackSize := fc.dataReceived
		if sendAck {
			fc.dataReceived = 0
		}
		fc.mu.Unlock()

		if sendAck {
			p.send(AgentMessage{Type: MsgPortForwardAck, Payload: EncodePortForwardAck(PortForwardAckPayload{ID: fc.ID, Size: uint32(ackSize)})})
		}
	}
}

// OnAck handles an inbound ACK, resuming the read pump if it had paused at
// the WINDOW boundary (spec.md §4.5.4).
func (p *PortForwarder) OnAck(ack PortForwardAckPayload) {
	fc := p.lookup(ack.ID)
	if fc == nil {
		p.log.Base().Warn().Uint32("conn_id", ack.ID).Msg("ack for unknown forward connection")
		return
	}

	fc.mu.Lock()
	prev := fc.dataSent
	if uint64(ack.Size) > fc.dataSent {
		fc.dataSent = 0
	} else {
		fc.dataSent -= uint64(ack.Size)
	}
	resumed := prev >= Window && fc.dataSent < Window
	fc.mu.Unlock()

	if resumed {
		select {
		case fc.resume <- struct{}{}:
		default:
		}
	}
}

// OnClose handles an inbound CLOSE: if the connection is known, it is
// removed without echoing CLOSE; if unknown, CLOSE is echoed back
// (spec.md §4.5.4, defensive close of a stale guest-side connection).
func (p *PortForwarder) OnClose(msg PortForwardClosePayload) {
	fc := p.lookup(msg.ID)
	if fc == nil {
		p.send(AgentMessage{Type: MsgPortForwardClose, Payload: EncodePortForwardClose(msg)})
		return
	}
	p.closeConnection(fc, false)
}

func (p *PortForwarder) closeConnection(fc *ForwardConnection, alreadyRemoved bool) {
	fc.cancel()
	if fc.conn != nil {
		fc.conn.Close()
	}
	if !alreadyRemoved {
		p.removeConn(fc.ID)
	}

	fc.mu.Lock()
	sent, received := fc.dataSent, fc.dataReceived
	fc.mu.Unlock()
	p.log.ForwardConnectionClosed(fc.ID, sent, received)
	if p.metrics != nil {
		p.metrics.RecordForwardConnectionClosed()
	}
}

func (p *PortForwarder) releaseRef(fc *ForwardConnection) {
	fc.mu.Lock()
	fc.refcount--
	dead := fc.refcount <= 0
	fc.mu.Unlock()
	if dead {
		p.removeConn(fc.ID)
	}
}

func (p *PortForwarder) removeConn(id uint32) {
	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
}

func (p *PortForwarder) lookup(id uint32) *ForwardConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

// Reset clears every association and connection on agent disconnect with
// no CLOSE/SHUTDOWN emitted, since the channel itself is gone
// (spec.md §4.5.5).
func (p *PortForwarder) Reset() {
	p.mu.Lock()
	conns := p.conns
	locals := p.localAssoc
	p.conns = make(map[uint32]*ForwardConnection)
	p.localAssoc = make(map[uint16]*localAssociation)
	p.remoteAssoc = make(map[uint16]remoteAssociation)
	p.mu.Unlock()

	for _, fc := range conns {
		fc.cancel()
		if fc.conn != nil {
			fc.conn.Close()
		}
	}
	for _, assoc := range locals {
		assoc.cancel()
		assoc.listener.Close()
	}
}

func (p *PortForwarder) send(msg AgentMessage) {
	p.outbox.Send(msg)
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}
