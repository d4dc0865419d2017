package proto

import (
	"encoding/binary"
	"fmt"
)

// Type tags a frame on the control connection.
type Type byte

const (
	TypeAuth         Type = 0x01 // client -> server, payload: token
	TypeAuthResult   Type = 0x02 // server -> client, payload: ok byte + session id
	TypeOpenStream   Type = 0x03 // server -> client request, client -> server ack; payload: remote port
	TypeStreamData   Type = 0x04
	TypeCloseStream  Type = 0x05
	TypeHeartbeat    Type = 0x06
	TypeExpose       Type = 0x07 // client -> server exposure request
	TypeExposeResult Type = 0x08 // server -> client exposure outcome
)

func (t Type) String() string {
	switch t {
	case TypeAuth:
		return "auth"
	case TypeAuthResult:
		return "auth_result"
	case TypeOpenStream:
		return "open_stream"
	case TypeStreamData:
		return "stream_data"
	case TypeCloseStream:
		return "close_stream"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeExpose:
		return "expose"
	case TypeExposeResult:
		return "expose_result"
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

// streamScoped reports whether frames of this type address a stream.
func (t Type) streamScoped() bool {
	return t == TypeOpenStream || t == TypeStreamData || t == TypeCloseStream
}

func (t Type) known() bool { return t >= TypeAuth && t <= TypeExposeResult }

// Message is one decoded frame.
type Message struct {
	Type     Type
	StreamID uint32
	Payload  []byte
}

// AuthResult is the payload of a TypeAuthResult frame.
type AuthResult struct {
	OK        bool
	SessionID string
}

func (a AuthResult) Message() Message {
	p := make([]byte, 1, 1+len(a.SessionID))
	if a.OK {
		p[0] = 1
	}
	p = append(p, a.SessionID...)
	return Message{Type: TypeAuthResult, Payload: p}
}

func ParseAuthResult(m Message) (AuthResult, error) {
	if m.Type != TypeAuthResult || len(m.Payload) < 1 {
		return AuthResult{}, fmt.Errorf("%w: auth result", ErrMalformed)
	}
	return AuthResult{OK: m.Payload[0] == 1, SessionID: string(m.Payload[1:])}, nil
}

// Expose asks the server to bind RemotePort for this session.
type Expose struct {
	RemotePort uint16
	Service    string
	Name       string
}

func (e Expose) Message() Message {
	svc := e.Service
	if len(svc) > 255 {
		svc = svc[:255]
	}
	p := make([]byte, 3, 3+len(svc)+len(e.Name))
	binary.BigEndian.PutUint16(p, e.RemotePort)
	p[2] = byte(len(svc))
	p = append(p, svc...)
	p = append(p, e.Name...)
	return Message{Type: TypeExpose, Payload: p}
}

func ParseExpose(m Message) (Expose, error) {
	if m.Type != TypeExpose || len(m.Payload) < 3 {
		return Expose{}, fmt.Errorf("%w: expose", ErrMalformed)
	}
	n := int(m.Payload[2])
	if len(m.Payload) < 3+n {
		return Expose{}, fmt.Errorf("%w: expose service length", ErrMalformed)
	}
	return Expose{
		RemotePort: binary.BigEndian.Uint16(m.Payload),
		Service:    string(m.Payload[3 : 3+n]),
		Name:       string(m.Payload[3+n:]),
	}, nil
}

// ResultCode is the outcome of one Expose request.
type ResultCode byte

const (
	CodeOK ResultCode = iota
	CodePortInUse
	CodePortNotAllowed
	CodeBindFailed
	CodeTooManyExposures
)

func (c ResultCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodePortInUse:
		return "port_in_use"
	case CodePortNotAllowed:
		return "port_not_allowed"
	case CodeBindFailed:
		return "bind_failed"
	case CodeTooManyExposures:
		return "too_many_exposures"
	}
	return fmt.Sprintf("code(%d)", byte(c))
}

type ExposeResult struct {
	RemotePort uint16
	Code       ResultCode
	Reason     string
}

func (r ExposeResult) Message() Message {
	p := make([]byte, 3, 3+len(r.Reason))
	binary.BigEndian.PutUint16(p, r.RemotePort)
	p[2] = byte(r.Code)
	p = append(p, r.Reason...)
	return Message{Type: TypeExposeResult, Payload: p}
}

func ParseExposeResult(m Message) (ExposeResult, error) {
	if m.Type != TypeExposeResult || len(m.Payload) < 3 {
		return ExposeResult{}, fmt.Errorf("%w: expose result", ErrMalformed)
	}
	return ExposeResult{
		RemotePort: binary.BigEndian.Uint16(m.Payload),
		Code:       ResultCode(m.Payload[2]),
		Reason:     string(m.Payload[3:]),
	}, nil
}

// OpenStream builds the open request (server) or ack (client) for stream id on remotePort.
func OpenStream(id uint32, remotePort uint16) Message {
	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, remotePort)
	return Message{Type: TypeOpenStream, StreamID: id, Payload: p}
}

// OpenStreamPort returns the remote port carried by an OpenStream frame.
func OpenStreamPort(m Message) uint16 {
	if len(m.Payload) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(m.Payload)
}

func Auth(token string) Message { return Message{Type: TypeAuth, Payload: []byte(token)} }

func StreamData(id uint32, b []byte) Message {
	return Message{Type: TypeStreamData, StreamID: id, Payload: b}
}

func CloseStream(id uint32) Message { return Message{Type: TypeCloseStream, StreamID: id} }

func Heartbeat() Message { return Message{Type: TypeHeartbeat} }
