package socketio

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// jsonAPI is the codec for packet payloads. ConfigStd sorts map keys, which
// keeps the encoded form stable across runs.
var jsonAPI = sonic.ConfigStd

// ErrMalformedPacket is returned when a text frame cannot be parsed as a
// Socket.IO packet.
var ErrMalformedPacket = errors.New("socketio: malformed packet")

// ErrBadAttachment is returned when a binary placeholder references an
// attachment that was not received.
var ErrBadAttachment = errors.New("socketio: bad binary attachment reference")

// Engine.IO packet types as they appear in the first byte of a text frame.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
	engineUpgrade = '5'
	engineNoop    = '6'
)

// PacketType is the Socket.IO packet type.
type PacketType int

const (
	PacketConnect PacketType = iota
	PacketDisconnect
	PacketEvent
	PacketAck
	PacketConnectError
	PacketBinaryEvent
	PacketBinaryAck
)

// String returns the protocol name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketConnectError:
		return "CONNECT_ERROR"
	case PacketBinaryEvent:
		return "BINARY_EVENT"
	case PacketBinaryAck:
		return "BINARY_ACK"
	default:
		return fmt.Sprintf("PacketType(%d)", int(t))
	}
}

// Packet is one decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string

	// ID is the acknowledgement id. Valid only when HasID is set.
	ID    uint64
	HasID bool

	// Data is the decoded JSON payload: []any for events and acks,
	// map[string]any for connect payloads. Binary attachments appear as
	// []byte once reconstructed.
	Data any

	// Attachments is the number of binary frames that follow a binary
	// packet on the wire.
	Attachments int
}

// Encode renders p as the text part of a Socket.IO packet (without the
// Engine.IO message prefix). Any []byte values inside p.Data are replaced by
// placeholders and returned as attachments, and the packet type is promoted
// to its binary variant.
func Encode(p Packet) (string, [][]byte, error) {
	data := p.Data
	var attachments [][]byte
	if hasBinary(data) {
		data = deconstruct(data, &attachments)
		switch p.Type {
		case PacketEvent:
			p.Type = PacketBinaryEvent
		case PacketAck:
			p.Type = PacketBinaryAck
		}
	}

	var sb strings.Builder
	sb.WriteString(strconv.Itoa(int(p.Type)))
	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		sb.WriteString(strconv.Itoa(len(attachments)))
		sb.WriteByte('-')
	}
	if p.Namespace != "" && p.Namespace != "/" {
		sb.WriteString(p.Namespace)
		sb.WriteByte(',')
	}
	if p.HasID {
		sb.WriteString(strconv.FormatUint(p.ID, 10))
	}
	if data != nil {
		s, err := jsonAPI.MarshalToString(data)
		if err != nil {
			return "", nil, fmt.Errorf("socketio: marshal %s payload: %w", p.Type, err)
		}
		sb.WriteString(s)
	}
	return sb.String(), attachments, nil
}

// Decode parses the text part of a Socket.IO packet. Binary placeholders are
// left in place; call [Reconstruct] once the attachments have arrived.
func Decode(s string) (Packet, error) {
	if s == "" {
		return Packet{}, fmt.Errorf("%w: empty", ErrMalformedPacket)
	}
	if s[0] < '0' || s[0] > '6' {
		return Packet{}, fmt.Errorf("%w: unknown type %q", ErrMalformedPacket, s[0])
	}
	p := Packet{Type: PacketType(s[0] - '0'), Namespace: "/"}
	i := 1

	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		dash := strings.IndexByte(s[i:], '-')
		if dash < 0 {
			return Packet{}, fmt.Errorf("%w: missing attachment count", ErrMalformedPacket)
		}
		n, err := strconv.Atoi(s[i : i+dash])
		if err != nil || n < 0 {
			return Packet{}, fmt.Errorf("%w: attachment count %q", ErrMalformedPacket, s[i:i+dash])
		}
		p.Attachments = n
		i += dash + 1
	}

	if i < len(s) && s[i] == '/' {
		end := strings.IndexByte(s[i:], ',')
		if end < 0 {
			p.Namespace = s[i:]
			return p, nil
		}
		p.Namespace = s[i : i+end]
		i += end + 1
	}

	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > start {
		id, err := strconv.ParseUint(s[start:i], 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: ack id %q", ErrMalformedPacket, s[start:i])
		}
		p.ID = id
		p.HasID = true
	}

	if i < len(s) {
		var data any
		if err := jsonAPI.UnmarshalFromString(s[i:], &data); err != nil {
			return Packet{}, fmt.Errorf("%w: payload: %v", ErrMalformedPacket, err)
		}
		p.Data = data
	}
	return p, nil
}

// Reconstruct replaces binary placeholders in data with the matching
// attachments. Maps and slices are updated in place.
func Reconstruct(data any, attachments [][]byte) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		if ph, _ := v["_placeholder"].(bool); ph {
			num, ok := v["num"].(float64)
			if !ok || num < 0 || int(num) >= len(attachments) || num != float64(int(num)) {
				return nil, fmt.Errorf("%w: %v", ErrBadAttachment, v["num"])
			}
			return attachments[int(num)], nil
		}
		for k, e := range v {
			r, err := Reconstruct(e, attachments)
			if err != nil {
				return nil, err
			}
			v[k] = r
		}
		return v, nil
	case []any:
		for i, e := range v {
			r, err := Reconstruct(e, attachments)
			if err != nil {
				return nil, err
			}
			v[i] = r
		}
		return v, nil
	default:
		return data, nil
	}
}

func hasBinary(data any) bool {
	switch v := data.(type) {
	case []byte:
		return true
	case []any:
		for _, e := range v {
			if hasBinary(e) {
				return true
			}
		}
	case map[string]any:
		for _, e := range v {
			if hasBinary(e) {
				return true
			}
		}
	}
	return false
}

// deconstruct copies data, swapping every []byte for a placeholder. Map keys
// are visited in sorted order so attachment numbering is deterministic.
func deconstruct(data any, attachments *[][]byte) any {
	switch v := data.(type) {
	case []byte:
		ph := map[string]any{"_placeholder": true, "num": len(*attachments)}
		*attachments = append(*attachments, v)
		return ph
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = deconstruct(e, attachments)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for _, k := range sortedKeys(v) {
			out[k] = deconstruct(v[k], attachments)
		}
		return out
	default:
		return data
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
