package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Protocol is the fixed version constant carried in every AgentMessage
// header. A peer advertising a different value is fatal to the channel
// (spec.md §4.1 "Decoding").
const Protocol = 1

// HeaderSize is the width of the AgentMessage header prepended to the first
// chunk of every logical message: u32 protocol, u32 type, u64 opaque, u32
// size, little-endian.
const HeaderSize = 20

// MaxChunk is the largest payload, in bytes, that a single carrier chunk may
// hold. Fixed and shared with the peer; chunks include the AgentMessage
// header only on the first chunk of a multi-chunk message.
const MaxChunk = 1024

// ChunkSize is the read-buffer size used by the Transfer Engine for file
// reads, MAX_CHUNK * 32 per spec.md §4.4.
const ChunkSize = MaxChunk * 32

// MaxMessageSize bounds the declared size field of an inbound AgentMessage.
// Not a protocol constant — an implementation ceiling against a malicious or
// buggy peer requesting unbounded reassembly memory (spec.md §4.1).
const MaxMessageSize = 256 * 1024 * 1024

// MessageType enumerates the AgentMessage type tag.
type MessageType uint32

const (
	MsgMouseState MessageType = iota + 1
	MsgMonitorsConfig
	MsgReply
	MsgClipboard
	MsgDisplayConfig
	MsgAnnounceCapabilities
	MsgClipboardGrab
	MsgClipboardRequest
	MsgClipboardRelease
	MsgFileXferStart
	MsgFileXferStatus
	MsgFileXferData
	MsgClientDisconnected
	MsgMaxClipboard
	MsgAudioVolumeSync
	MsgGraphicsDeviceInfo
	MsgPortForwardListen
	MsgPortForwardShutdown
	MsgPortForwardAccepted
	MsgPortForwardData
	MsgPortForwardAck
	MsgPortForwardClose
	MsgMouseModeRequest
	MsgPowerEventRequest
)

func (t MessageType) String() string {
	switch t {
	case MsgMouseState:
		return "MOUSE_STATE"
	case MsgMonitorsConfig:
		return "MONITORS_CONFIG"
	case MsgReply:
		return "REPLY"
	case MsgClipboard:
		return "CLIPBOARD"
	case MsgDisplayConfig:
		return "DISPLAY_CONFIG"
	case MsgAnnounceCapabilities:
		return "ANNOUNCE_CAPABILITIES"
	case MsgClipboardGrab:
		return "CLIPBOARD_GRAB"
	case MsgClipboardRequest:
		return "CLIPBOARD_REQUEST"
	case MsgClipboardRelease:
		return "CLIPBOARD_RELEASE"
	case MsgFileXferStart:
		return "FILE_XFER_START"
	case MsgFileXferStatus:
		return "FILE_XFER_STATUS"
	case MsgFileXferData:
		return "FILE_XFER_DATA"
	case MsgClientDisconnected:
		return "CLIENT_DISCONNECTED"
	case MsgMaxClipboard:
		return "MAX_CLIPBOARD"
	case MsgAudioVolumeSync:
		return "AUDIO_VOLUME_SYNC"
	case MsgGraphicsDeviceInfo:
		return "GRAPHICS_DEVICE_INFO"
	case MsgPortForwardListen:
		return "PORT_FORWARD_LISTEN"
	case MsgPortForwardShutdown:
		return "PORT_FORWARD_SHUTDOWN"
	case MsgPortForwardAccepted:
		return "PORT_FORWARD_ACCEPTED"
	case MsgPortForwardData:
		return "PORT_FORWARD_DATA"
	case MsgPortForwardAck:
		return "PORT_FORWARD_ACK"
	case MsgPortForwardClose:
		return "PORT_FORWARD_CLOSE"
	case MsgMouseModeRequest:
		return "MOUSE_MODE_REQUEST"
	case MsgPowerEventRequest:
		return "POWER_EVENT_REQUEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// XferResult enumerates FILE_XFER_STATUS result codes (spec.md §4.4 state
// machine). Value 0 is CanSendData ("continue"), never a terminal success —
// resolves the Open Question in spec.md §9.
type XferResult uint32

const (
	XferCanSendData XferResult = iota
	XferCancelled
	XferError
	XferSuccess
	XferNotEnoughSpace
	XferSessionLocked
	XferAgentNotConnected
	XferDisabled
)

func (r XferResult) String() string {
	switch r {
	case XferCanSendData:
		return "CAN_SEND_DATA"
	case XferCancelled:
		return "CANCELLED"
	case XferError:
		return "ERROR"
	case XferSuccess:
		return "SUCCESS"
	case XferNotEnoughSpace:
		return "NOT_ENOUGH_SPACE"
	case XferSessionLocked:
		return "SESSION_LOCKED"
	case XferAgentNotConnected:
		return "AGENT_NOT_CONNECTED"
	case XferDisabled:
		return "DISABLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(r))
	}
}

// Capability bit positions, gating the downstream operations spec.md §4.3
// names: monitor config, clipboard selection, max-clipboard, port
// forwarding, file transfer.
const (
	CapMonitorsConfigPosition = iota
	CapReplyPosition
	CapClipboardSelectionPosition
	CapDisplayConfigPosition
	CapMonitorsConfigPositionReply
	CapFileTransferDisabledPosition
	CapMaxClipboardPosition
	CapAudioVolumeSyncPosition
	CapPortForwardPosition
)

var (
	// ErrHeaderMismatch is fatal to the channel: the peer's AgentMessage
	// header carries an unexpected protocol version.
	ErrHeaderMismatch = errors.New("transport: agent message protocol mismatch")
	// ErrMessageTooLarge is returned when an inbound AgentMessage declares a
	// size beyond MaxMessageSize.
	ErrMessageTooLarge = errors.New("transport: agent message exceeds configured size ceiling")
)

// AgentMessage is the logical unit above the chunk layer (spec.md §3).
type AgentMessage struct {
	Protocol uint32
	Type     MessageType
	Opaque   uint64
	Payload  []byte
}

// EncodeHeader writes the 20-byte AgentMessage header into dst, which must
// be at least HeaderSize bytes.
func EncodeHeader(dst []byte, m AgentMessage) {
	binary.LittleEndian.PutUint32(dst[0:4], m.Protocol)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(m.Type))
	binary.LittleEndian.PutUint64(dst[8:16], m.Opaque)
	binary.LittleEndian.PutUint32(dst[16:20], uint32(len(m.Payload)))
}

// DecodeHeader parses a HeaderSize-byte slice into its four fields.
func DecodeHeader(src []byte) (protocol uint32, typ MessageType, opaque uint64, size uint32) {
	protocol = binary.LittleEndian.Uint32(src[0:4])
	typ = MessageType(binary.LittleEndian.Uint32(src[4:8]))
	opaque = binary.LittleEndian.Uint64(src[8:16])
	size = binary.LittleEndian.Uint32(src[16:20])
	return
}

// putU32 / putU16 and their get* counterparts implement the small ad hoc
// struct encodings spec.md §6 defines for capability announcements,
// file-transfer, and port-forward messages (the u64 fields use
// binary.LittleEndian directly) — little-endian throughout,
// mirroring the teacher's buildChunkHeader/parseChunkHeader pattern.

func putU32(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func putU16(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func getU32(src []byte) uint32    { return binary.LittleEndian.Uint32(src) }
func getU16(src []byte) uint16    { return binary.LittleEndian.Uint16(src) }

// EncodeAnnounceCapabilities builds the ANNOUNCE_CAPABILITIES payload: u32
// request, u32 caps[N].
func EncodeAnnounceCapabilities(request bool, words []uint32) []byte {
	buf := make([]byte, 4+4*len(words))
	if request {
		putU32(buf[0:4], 1)
	}
	for i, w := range words {
		putU32(buf[4+4*i:8+4*i], w)
	}
	return buf
}

// DecodeAnnounceCapabilities parses the ANNOUNCE_CAPABILITIES payload.
func DecodeAnnounceCapabilities(payload []byte) (request bool, words []uint32, err error) {
	if len(payload) < 4 {
		return false, nil, fmt.Errorf("transport: announce-capabilities payload too short")
	}
	request = getU32(payload[0:4]) != 0
	n := (len(payload) - 4) / 4
	words = make([]uint32, n)
	for i := 0; i < n; i++ {
		words[i] = getU32(payload[4+4*i : 8+4*i])
	}
	return request, words, nil
}

// FileXferStartPayload is the manifest carried by FILE_XFER_START: u32 id,
// then a UTF-8 keyfile blob with group vdagent-file-xfer and keys name/size.
type FileXferStartPayload struct {
	ID       uint32
	Name     string
	Size     uint64
}

// EncodeFileXferStart renders the keyfile-format manifest spec.md §6
// describes.
func EncodeFileXferStart(p FileXferStartPayload) []byte {
	keyfile := fmt.Sprintf("[vdagent-file-xfer]\nname=%s\nsize=%d\n\n", p.Name, p.Size)
	buf := make([]byte, 4+len(keyfile))
	putU32(buf[0:4], p.ID)
	copy(buf[4:], keyfile)
	return buf
}

// DecodeFileXferStart parses the FILE_XFER_START payload.
func DecodeFileXferStart(payload []byte) (FileXferStartPayload, error) {
	if len(payload) < 4 {
		return FileXferStartPayload{}, fmt.Errorf("transport: file-xfer-start payload too short")
	}
	p := FileXferStartPayload{ID: getU32(payload[0:4])}
	for _, line := range splitLines(string(payload[4:])) {
		if name, ok := cutPrefix(line, "name="); ok {
			p.Name = name
		} else if sz, ok := cutPrefix(line, "size="); ok {
			fmt.Sscanf(sz, "%d", &p.Size)
		}
	}
	return p, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// FileXferStatusPayload is FILE_XFER_STATUS: u32 id, u32 result, and for
// NotEnoughSpace a trailing u64 free_bytes.
type FileXferStatusPayload struct {
	ID        uint32
	Result    XferResult
	FreeBytes uint64
}

func EncodeFileXferStatus(p FileXferStatusPayload) []byte {
	size := 8
	if p.Result == XferNotEnoughSpace {
		size += 8
	}
	buf := make([]byte, size)
	putU32(buf[0:4], p.ID)
	putU32(buf[4:8], uint32(p.Result))
	if p.Result == XferNotEnoughSpace {
		binary.LittleEndian.PutUint64(buf[8:16], p.FreeBytes)
	}
	return buf
}

func DecodeFileXferStatus(payload []byte) (FileXferStatusPayload, error) {
	if len(payload) < 8 {
		return FileXferStatusPayload{}, fmt.Errorf("transport: file-xfer-status payload too short")
	}
	p := FileXferStatusPayload{ID: getU32(payload[0:4]), Result: XferResult(getU32(payload[4:8]))}
	if p.Result == XferNotEnoughSpace && len(payload) >= 16 {
		p.FreeBytes = binary.LittleEndian.Uint64(payload[8:16])
	}
	return p, nil
}

// FileXferDataPayload is FILE_XFER_DATA: u32 id, u64 size, u8[size] data.
type FileXferDataPayload struct {
	ID   uint32
	Data []byte
}

func EncodeFileXferData(p FileXferDataPayload) []byte {
	buf := make([]byte, 12+len(p.Data))
	putU32(buf[0:4], p.ID)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(len(p.Data)))
	copy(buf[12:], p.Data)
	return buf
}

func DecodeFileXferData(payload []byte) (FileXferDataPayload, error) {
	if len(payload) < 12 {
		return FileXferDataPayload{}, fmt.Errorf("transport: file-xfer-data payload too short")
	}
	size := binary.LittleEndian.Uint64(payload[4:12])
	if uint64(len(payload)-12) < size {
		return FileXferDataPayload{}, fmt.Errorf("transport: file-xfer-data payload truncated")
	}
	return FileXferDataPayload{ID: getU32(payload[0:4]), Data: payload[12 : 12+size]}, nil
}

// PortForwardListenPayload is PORT_FORWARD_LISTEN: u16 port, NUL-terminated
// bind address.
type PortForwardListenPayload struct {
	Port      uint16
	BindAddr  string
}

func EncodePortForwardListen(p PortForwardListenPayload) []byte {
	buf := make([]byte, 2+len(p.BindAddr)+1)
	putU16(buf[0:2], p.Port)
	copy(buf[2:], p.BindAddr)
	return buf
}

func DecodePortForwardListen(payload []byte) (PortForwardListenPayload, error) {
	if len(payload) < 3 {
		return PortForwardListenPayload{}, fmt.Errorf("transport: port-forward-listen payload too short")
	}
	port := getU16(payload[0:2])
	end := len(payload)
	for i := 2; i < len(payload); i++ {
		if payload[i] == 0 {
			end = i
			break
		}
	}
	return PortForwardListenPayload{Port: port, BindAddr: string(payload[2:end])}, nil
}

// PortForwardShutdownPayload is PORT_FORWARD_SHUTDOWN: u16 port.
type PortForwardShutdownPayload struct{ Port uint16 }

func EncodePortForwardShutdown(p PortForwardShutdownPayload) []byte {
	buf := make([]byte, 2)
	putU16(buf, p.Port)
	return buf
}

func DecodePortForwardShutdown(payload []byte) (PortForwardShutdownPayload, error) {
	if len(payload) < 2 {
		return PortForwardShutdownPayload{}, fmt.Errorf("transport: port-forward-shutdown payload too short")
	}
	return PortForwardShutdownPayload{Port: getU16(payload[0:2])}, nil
}

// PortForwardAcceptedPayload is PORT_FORWARD_ACCEPTED: u32 id, u16 port,
// u32 ack_interval.
type PortForwardAcceptedPayload struct {
	ID          uint32
	Port        uint16
	AckInterval uint32
}

func EncodePortForwardAccepted(p PortForwardAcceptedPayload) []byte {
	buf := make([]byte, 10)
	putU32(buf[0:4], p.ID)
	putU16(buf[4:6], p.Port)
	putU32(buf[6:10], p.AckInterval)
	return buf
}

func DecodePortForwardAccepted(payload []byte) (PortForwardAcceptedPayload, error) {
	if len(payload) < 10 {
		return PortForwardAcceptedPayload{}, fmt.Errorf("transport: port-forward-accepted payload too short")
	}
	return PortForwardAcceptedPayload{
		ID:          getU32(payload[0:4]),
		Port:        getU16(payload[4:6]),
		AckInterval: getU32(payload[6:10]),
	}, nil
}

// PortForwardDataPayload is PORT_FORWARD_DATA: u32 id, u32 size, u8[size] data.
type PortForwardDataPayload struct {
	ID   uint32
	Data []byte
}

func EncodePortForwardData(p PortForwardDataPayload) []byte {
	buf := make([]byte, 8+len(p.Data))
	putU32(buf[0:4], p.ID)
	putU32(buf[4:8], uint32(len(p.Data)))
	copy(buf[8:], p.Data)
	return buf
}

func DecodePortForwardData(payload []byte) (PortForwardDataPayload, error) {
	if len(payload) < 8 {
		return PortForwardDataPayload{}, fmt.Errorf("transport: port-forward-data payload too short")
	}
	size := getU32(payload[4:8])
	if uint32(len(payload)-8) < size {
		return PortForwardDataPayload{}, fmt.Errorf("transport: port-forward-data payload truncated")
	}
	return PortForwardDataPayload{ID: getU32(payload[0:4]), Data: payload[8 : 8+size]}, nil
}

// PortForwardAckPayload is PORT_FORWARD_ACK: u32 id, u32 size.
type PortForwardAckPayload struct {
	ID   uint32
	Size uint32
}

func EncodePortForwardAck(p PortForwardAckPayload) []byte {
	buf := make([]byte, 8)
	putU32(buf[0:4], p.ID)
	putU32(buf[4:8], p.Size)
	return buf
}

func DecodePortForwardAck(payload []byte) (PortForwardAckPayload, error) {
	if len(payload) < 8 {
		return PortForwardAckPayload{}, fmt.Errorf("transport: port-forward-ack payload too short")
	}
	return PortForwardAckPayload{ID: getU32(payload[0:4]), Size: getU32(payload[4:8])}, nil
}

// PortForwardClosePayload is PORT_FORWARD_CLOSE: u32 id.
type PortForwardClosePayload struct{ ID uint32 }

func EncodePortForwardClose(p PortForwardClosePayload) []byte {
	buf := make([]byte, 4)
	putU32(buf, p.ID)
	return buf
}

func DecodePortForwardClose(payload []byte) (PortForwardClosePayload, error) {
	if len(payload) < 4 {
		return PortForwardClosePayload{}, fmt.Errorf("transport: port-forward-close payload too short")
	}
	return PortForwardClosePayload{ID: getU32(payload[0:4])}, nil
}

// MaxPayload is the largest PORT_FORWARD_DATA payload a single AgentMessage
// may carry (spec.md §4.5): MAX_CHUNK minus the AgentMessage header.
const MaxPayload = MaxChunk - HeaderSize

// portForwardDataHeaderSize is sizeof(DataHeader) in spec.md's
// "per-DATA-message payload ≤ MAX_PAYLOAD - sizeof(DataHeader)" — the 8-byte
// id+size prefix of PortForwardDataPayload.
const portForwardDataHeaderSize = 8

// MaxForwardDataBytes is the largest slice of raw tunnel bytes one
// PORT_FORWARD_DATA message may carry.
const MaxForwardDataBytes = MaxPayload - portForwardDataHeaderSize

// Window is the per-connection byte budget between ACKs (spec.md §4.5, Glossary).
const Window = 10 * 1024 * 1024
